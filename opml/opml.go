// Package opml imports and exports feed source lists in OPML format.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/robertmeta/paperboy/model"
)

// OPML represents the root OPML structure.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains metadata about the OPML document.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outline elements.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a feed or category in OPML.
type Outline struct {
	Text     string    `xml:"text,attr,omitempty"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLUrl   string    `xml:"xmlUrl,attr,omitempty"`
	Category string    `xml:"category,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Parse reads an OPML document and extracts feed sources in document order.
func Parse(r io.Reader) ([]model.Source, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse OPML: %w", err)
	}
	return extractSources(doc.Body.Outlines, ""), nil
}

// extractSources walks outlines depth-first. Children without a category
// inherit the text of the enclosing outline.
func extractSources(outlines []Outline, parentCategory string) []model.Source {
	var sources []model.Source

	for _, outline := range outlines {
		// An outline with an xmlUrl is a feed
		if outline.XMLUrl != "" {
			src := model.Source{
				Name:     outline.Title,
				URL:      outline.XMLUrl,
				Category: outline.Category,
			}
			// Explicit category wins over the enclosing one
			if src.Category == "" {
				src.Category = parentCategory
			}
			// Fall back to text when title is empty
			if src.Name == "" {
				src.Name = outline.Text
			}
			sources = append(sources, src)
		}

		// Recursively process nested outlines
		if len(outline.Outlines) > 0 {
			category := outline.Text
			if category == "" {
				category = parentCategory
			}
			sources = append(sources, extractSources(outline.Outlines, category)...)
		}
	}

	return sources
}

// Generate writes sources as an OPML 2.0 document. Categories are emitted in
// order of first appearance; uncategorized sources follow.
func Generate(w io.Writer, sources []model.Source) error {
	// Group sources by category, keeping first-seen order
	var order []string
	byCategory := make(map[string][]model.Source)
	var uncategorized []model.Source

	for _, src := range sources {
		if src.Category == "" {
			uncategorized = append(uncategorized, src)
			continue
		}
		if _, ok := byCategory[src.Category]; !ok {
			order = append(order, src.Category)
		}
		byCategory[src.Category] = append(byCategory[src.Category], src)
	}

	// Build OPML structure
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       "paperboy sources",
			DateCreated: time.Now().Format(time.RFC1123),
		},
		Body: Body{Outlines: []Outline{}},
	}

	// Add categorized sources
	for _, category := range order {
		group := Outline{Text: category, Title: category}
		for _, src := range byCategory[category] {
			group.Outlines = append(group.Outlines, sourceOutline(src))
		}
		doc.Body.Outlines = append(doc.Body.Outlines, group)
	}
	// Uncategorized sources go directly in the body
	for _, src := range uncategorized {
		doc.Body.Outlines = append(doc.Body.Outlines, sourceOutline(src))
	}

	// Write XML declaration
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("failed to write XML header: %w", err)
	}

	// Encode with indentation
	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode OPML: %w", err)
	}

	// Add final newline
	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("failed to write final newline: %w", err)
	}
	return nil
}

func sourceOutline(src model.Source) Outline {
	return Outline{
		Type:     "rss",
		Text:     src.Name,
		Title:    src.Name,
		XMLUrl:   src.URL,
		Category: src.Category,
	}
}

// Merge appends extra sources to base, skipping URLs already present.
func Merge(base, extra []model.Source) []model.Source {
	seen := make(map[string]struct{}, len(base))
	merged := make([]model.Source, 0, len(base)+len(extra))
	for _, src := range base {
		seen[src.URL] = struct{}{}
		merged = append(merged, src)
	}
	// Skip URLs already present in base or earlier in extra
	for _, src := range extra {
		if _, dup := seen[src.URL]; dup {
			continue
		}
		seen[src.URL] = struct{}{}
		merged = append(merged, src)
	}
	return merged
}
