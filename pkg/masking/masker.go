package masking

// Masker is a structure-aware masker for content the regex patterns cannot
// classify by shape alone, such as Kubernetes Secret manifests where the
// sensitive values are arbitrary strings identified only by their position
// in the document. Maskers run before the regex patterns so they parse the
// original text.
type Masker interface {
	// Name identifies the masker in logs.
	Name() string

	// AppliesTo reports whether Mask should run on data. Implementations
	// keep this cheap; most payloads carry nothing maskable.
	AppliesTo(data string) bool

	// Mask returns data with sensitive content replaced. Input that does
	// not parse comes back unchanged.
	Mask(data string) string
}
