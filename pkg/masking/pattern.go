package masking

import "regexp"

// Redacted is substituted for every matched secret.
const Redacted = "***REDACTED***"

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPatterns returns the fixed set of secret-matching patterns.
// Prefixed key formats are listed before the generic ones so that e.g.
// "sk-ant-..." is consumed by the anthropic pattern, not the openai one.
// Patterns are compiled at startup; a bad pattern is a programming error.
func builtinPatterns() []*CompiledPattern {
	return []*CompiledPattern{
		{
			Name:        "anthropic_api_key",
			Regex:       regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{16,}`),
			Replacement: Redacted,
			Description: "Anthropic API keys",
		},
		{
			Name:        "openai_project_key",
			Regex:       regexp.MustCompile(`sk-proj-[A-Za-z0-9_-]{16,}`),
			Replacement: Redacted,
			Description: "OpenAI project-scoped API keys",
		},
		{
			Name:        "openai_api_key",
			Regex:       regexp.MustCompile(`sk-[A-Za-z0-9]{32,}`),
			Replacement: Redacted,
			Description: "OpenAI API keys",
		},
		{
			Name:        "aws_access_key",
			Regex:       regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
			Replacement: Redacted,
			Description: "AWS access key IDs",
		},
		{
			Name:        "bearer_token",
			Regex:       regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]{16,}`),
			Replacement: Redacted,
			Description: "Bearer tokens in authorization values",
		},
		{
			Name:        "json_secret_field",
			Regex:       regexp.MustCompile(`"(api_key|apikey|secret_key|access_token|token|password)"\s*:\s*"[^"]*"`),
			Replacement: `"${1}": "` + Redacted + `"`,
			Description: "Secret-bearing fields in serialized JSON",
		},
	}
}

// sensitiveKeys marks map keys whose values are masked wholesale during
// structural masking, regardless of value shape.
var sensitiveKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"secret_key":    true,
	"access_token":  true,
	"token":         true,
	"password":      true,
	"authorization": true,
}
