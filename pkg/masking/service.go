// Package masking redacts provider credentials and other secrets from data
// leaving the process boundary. Stored data stays unmasked for forensic
// use; only API responses and streamed events pass through here.
package masking

import (
	"encoding/json"
	"log/slog"

	"github.com/aiops-hub/maestro/pkg/models"
)

// Service applies secret redaction to outbound payloads. Created once at
// startup; thread-safe and stateless aside from compiled patterns.
type Service struct {
	patterns []*CompiledPattern
	maskers  []Masker
}

// NewService creates a masking service with all patterns compiled eagerly.
func NewService() *Service {
	s := &Service{
		patterns: builtinPatterns(),
		maskers:  []Masker{&KubernetesSecretMasker{}},
	}
	slog.Info("Masking service initialized",
		"patterns", len(s.patterns), "maskers", len(s.maskers))
	return s
}

// MaskString redacts every secret match in s. Structure-aware maskers run
// first so their parsers see the original text.
func (s *Service) MaskString(in string) string {
	out := in
	for _, m := range s.maskers {
		if m.AppliesTo(out) {
			out = m.Mask(out)
		}
	}
	for _, p := range s.patterns {
		out = p.Regex.ReplaceAllString(out, p.Replacement)
	}
	return out
}

// MaskJSON redacts a serialized JSON document. The replacement never
// introduces quotes, so the result remains valid JSON.
func (s *Service) MaskJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	return json.RawMessage(s.MaskString(string(raw)))
}

// MaskValue walks an already-decoded JSON value and redacts string leaves.
// Values under secret-bearing keys are replaced wholesale. The input is not
// mutated.
func (s *Service) MaskValue(v any) any {
	switch val := v.(type) {
	case string:
		return s.MaskString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if sensitiveKeys[k] {
				out[k] = Redacted
				continue
			}
			out[k] = s.MaskValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = s.MaskValue(inner)
		}
		return out
	default:
		return v
	}
}

// MaskMap is MaskValue specialized to the map payloads used for event
// extra_data and execution parameters.
func (s *Service) MaskMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return s.MaskValue(m).(map[string]any)
}

// MaskExecution returns a redacted copy of an execution suitable for an API
// response. The stored row is untouched.
func (s *Service) MaskExecution(e *models.Execution) *models.Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.Input.Task = s.MaskString(e.Input.Task)
	out.Input.Parameters = s.MaskMap(e.Input.Parameters)
	out.ErrorMessage = s.MaskString(e.ErrorMessage)
	out.ParseError = s.MaskString(e.ParseError)
	if e.Output != nil {
		masked := *e.Output
		masked.Raw = s.MaskString(e.Output.Raw)
		masked.Structured = s.MaskJSON(e.Output.Structured)
		out.Output = &masked
	}
	if e.NodeResults != nil {
		out.NodeResults = make(map[string]*models.NodeResult, len(e.NodeResults))
		for id, nr := range e.NodeResults {
			cp := *nr
			cp.Output = s.MaskString(nr.Output)
			cp.Error = s.MaskString(nr.Error)
			out.NodeResults[id] = &cp
		}
	}
	return &out
}

// MaskLog returns a redacted copy of a persisted event record.
func (s *Service) MaskLog(l *models.ExecutionLog) *models.ExecutionLog {
	if l == nil {
		return nil
	}
	out := *l
	out.Message = s.MaskString(l.Message)
	out.ExtraData = s.MaskMap(l.ExtraData)
	return &out
}
