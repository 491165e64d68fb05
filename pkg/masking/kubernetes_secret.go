package masking

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaskedSecretValue replaces the whole data section of a masked Kubernetes
// Secret, key names included.
const MaskedSecretValue = "[MASKED_SECRET_DATA]"

// Cheap pre-filter patterns. The indent prefix catches Secret items nested
// inside a kubectl List document.
var (
	yamlSecretKind = regexp.MustCompile(`(?m)^\s*kind:\s*Secret(List)?\s*$`)
	jsonSecretKind = regexp.MustCompile(`"kind"\s*:\s*"Secret(List)?"`)
)

// KubernetesSecretMasker blanks the data and stringData sections of
// Kubernetes Secret manifests that agents paste into messages and tool
// results, typically kubectl get output. ConfigMaps and other kinds pass
// through untouched. Regex patterns cannot do this: secret values in a
// manifest are arbitrary base64, recognizable only by where they sit in
// the document.
type KubernetesSecretMasker struct{}

// Name identifies the masker in logs.
func (m *KubernetesSecretMasker) Name() string { return "kubernetes_secret" }

// AppliesTo reports whether data looks like it contains a Secret manifest.
func (m *KubernetesSecretMasker) AppliesTo(data string) bool {
	if !strings.Contains(data, "Secret") {
		return false
	}
	return yamlSecretKind.MatchString(data) || jsonSecretKind.MatchString(data)
}

// Mask rewrites any Secret manifests in data with their values blanked.
// Input that does not parse, or parses but holds no Secret, is returned
// unchanged.
func (m *KubernetesSecretMasker) Mask(data string) string {
	// JSON first: the YAML parser accepts JSON too but would re-serialize
	// it as YAML.
	trimmed := strings.TrimSpace(data)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if masked := m.maskJSON(data); masked != data {
			return masked
		}
	}
	return m.maskYAML(data)
}

func (m *KubernetesSecretMasker) maskJSON(data string) string {
	var doc map[string]any
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return data
	}
	if !blankSecrets(doc) {
		return data
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return data
	}
	return string(out) + trailingNewline(data)
}

// maskYAML handles multi-document YAML separated by ---.
func (m *KubernetesSecretMasker) maskYAML(data string) string {
	dec := yaml.NewDecoder(strings.NewReader(data))
	var docs []map[string]any
	changed := false
	for {
		var doc map[string]any
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return data
		}
		if doc == nil {
			continue
		}
		if blankSecrets(doc) {
			changed = true
		}
		docs = append(docs, doc)
	}
	if !changed {
		return data
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return data
		}
	}
	if err := enc.Close(); err != nil {
		return data
	}

	// The encoder always emits a trailing newline; mirror the input.
	return strings.TrimRight(buf.String(), "\n") + trailingNewline(data)
}

// blankSecrets blanks Secret content in one parsed manifest, descending
// into List items. SecretList takes the List path so that per-item
// annotations are rewritten too. Reports whether anything changed.
func blankSecrets(doc map[string]any) bool {
	if isSecret(doc) {
		blankSecret(doc)
		return true
	}
	if !isList(doc) {
		return false
	}
	changed := false
	for _, item := range listItems(doc) {
		if isSecret(item) {
			blankSecret(item)
			changed = true
		}
	}
	return changed
}

// blankSecret replaces the data and stringData sections wholesale and
// rewrites Secret JSON embedded in annotations, as left by kubectl's
// last-applied-configuration.
func blankSecret(resource map[string]any) {
	for _, field := range []string{"data", "stringData"} {
		if _, ok := resource[field]; ok {
			resource[field] = MaskedSecretValue
		}
	}
	blankAnnotationSecrets(resource)
}

func blankAnnotationSecrets(resource map[string]any) {
	metadata, ok := resource["metadata"].(map[string]any)
	if !ok {
		return
	}
	annotations, ok := metadata["annotations"].(map[string]any)
	if !ok {
		return
	}
	for key, val := range annotations {
		text, ok := val.(string)
		if !ok || !strings.Contains(text, "Secret") {
			continue
		}
		var embedded map[string]any
		if err := json.Unmarshal([]byte(text), &embedded); err != nil || !isSecret(embedded) {
			continue
		}
		blankSecret(embedded)
		if masked, err := json.Marshal(embedded); err == nil {
			annotations[key] = string(masked)
		}
	}
}

func isSecret(resource map[string]any) bool {
	kind, _ := resource["kind"].(string)
	return kind == "Secret"
}

// isList matches List and the typed *List kinds, SecretList included.
func isList(resource map[string]any) bool {
	kind, _ := resource["kind"].(string)
	return strings.HasSuffix(kind, "List")
}

func listItems(resource map[string]any) []map[string]any {
	raw, _ := resource["items"].([]any)
	items := make([]map[string]any, 0, len(raw))
	for _, it := range raw {
		if m, ok := it.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items
}

func trailingNewline(original string) string {
	if strings.HasSuffix(original, "\n") {
		return "\n"
	}
	return ""
}
