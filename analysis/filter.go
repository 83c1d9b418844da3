// Package analysis implements the model-facing stages of the digest:
// interest filtering, per-entry analysis, and the aggregate summary.
package analysis

import (
	"strings"

	"github.com/robertmeta/paperboy/model"
)

// FilterByInterests keeps entries whose title or summary contains at least one
// interest keyword, ignoring case. With no usable keywords every entry is
// kept and the input slice is returned as is.
func FilterByInterests(entries []*model.Entry, interests []string) []*model.Entry {
	keywords := normalizeKeywords(interests)
	if len(keywords) == 0 {
		return entries
	}

	var kept []*model.Entry
	for _, e := range entries {
		haystack := strings.ToLower(e.Title + " " + e.Summary)
		for _, kw := range keywords {
			if strings.Contains(haystack, kw) {
				kept = append(kept, e)
				break
			}
		}
	}
	return kept
}

func normalizeKeywords(interests []string) []string {
	var out []string
	for _, k := range interests {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}
