// Package scan defines the canonical tag and asset-record types shared by the
// ingestion pipeline. Every component (dedup engine, session registry, wire
// protocol, lookup store) works in terms of these types.
package scan

import (
	"strings"
	"time"
)

// Tag length bounds applied after trimming. Values outside the range are
// discarded silently at every entry point, never reported as errors.
const (
	MinTagLength = 2
	MaxTagLength = 100
)

// Record is the resolved asset entry a tag maps to. A nil *Record is the
// canonical "not found" value throughout the pipeline.
type Record struct {
	AssetID   string    `json:"assetId"`
	Tag       string    `json:"tag"`
	Name      string    `json:"name"`
	Category  string    `json:"category,omitempty"`
	Location  string    `json:"location,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NormalizeTag trims surrounding whitespace. Batch-mode identity is exactly
// the trimmed form; case is preserved as received.
func NormalizeTag(raw string) string {
	return strings.TrimSpace(raw)
}

// FoldTag returns the case-folded identity used by streaming mode: trimmed
// and uppercased. The two identity policies differ deliberately; see the
// dedup package documentation.
func FoldTag(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// ValidTag reports whether a trimmed tag falls inside the accepted length
// range. The input must already be trimmed.
func ValidTag(tag string) bool {
	return len(tag) >= MinTagLength && len(tag) <= MaxTagLength
}
