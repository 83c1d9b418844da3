// Package model defines the core data structures for paperboy.
package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Source represents a configured RSS/Atom feed endpoint.
type Source struct {
	Name     string `json:"name" mapstructure:"name" yaml:"name"`
	URL      string `json:"url" mapstructure:"url" yaml:"url"`
	Category string `json:"category,omitempty" mapstructure:"category" yaml:"category,omitempty"`
}

// Validate checks if the source has required fields.
func (s *Source) Validate() error {
	if s.URL == "" {
		return errors.New("source URL is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("invalid source URL %q: %w", s.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q in source URL %s", u.Scheme, s.URL)
	}
	if s.Name == "" {
		s.Name = u.Host
	}
	return nil
}

// RawEntry is one item as returned by the feed parser. Every field is
// optional; feeds differ in what they carry.
//
// Defaulting rules applied by Normalize:
//   - link: Link, else GUID when it is an http(s) URL, else empty
//   - summary: Summary, else Content
//   - timestamp: Published, else Updated, converted to UTC
type RawEntry struct {
	Title     string
	Link      string
	GUID      string
	Summary   string
	Content   string
	Published *time.Time
	Updated   *time.Time
}

// EffectiveLink returns the link used as the dedup key.
func (r *RawEntry) EffectiveLink() string {
	if link := strings.TrimSpace(r.Link); link != "" {
		return link
	}
	guid := strings.TrimSpace(r.GUID)
	if strings.HasPrefix(guid, "http://") || strings.HasPrefix(guid, "https://") {
		return guid
	}
	return ""
}

// Timestamp returns the publication time in UTC, or nil when the item has none.
func (r *RawEntry) Timestamp() *time.Time {
	var ts *time.Time
	switch {
	case r.Published != nil && !r.Published.IsZero():
		ts = r.Published
	case r.Updated != nil && !r.Updated.IsZero():
		ts = r.Updated
	default:
		return nil
	}
	utc := ts.UTC()
	return &utc
}

// Normalize converts the raw item into an Entry attributed to source.
func (r *RawEntry) Normalize(source string) *Entry {
	summary := r.Summary
	if strings.TrimSpace(summary) == "" {
		summary = r.Content
	}
	return &Entry{
		Title:       strings.TrimSpace(r.Title),
		Link:        r.EffectiveLink(),
		Summary:     summary,
		SourceName:  source,
		PublishedAt: r.Timestamp(),
	}
}

// Entry is a normalized feed entry moving through the digest pipeline.
type Entry struct {
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	Summary     string     `json:"summary"`
	SourceName  string     `json:"source_name"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Analysis    string     `json:"analysis,omitempty"`
}

// Dated reports whether the entry carries a publication time.
func (e *Entry) Dated() bool {
	return e.PublishedAt != nil
}

// HasAnalysis returns true once the analyzer has annotated the entry.
func (e *Entry) HasAnalysis() bool {
	return e.Analysis != ""
}

// Age returns how long ago the entry was published, or zero when undated.
func (e *Entry) Age(now time.Time) time.Duration {
	if e.PublishedAt == nil {
		return 0
	}
	return now.Sub(*e.PublishedAt)
}

// DigestContext is everything the templates need to render one digest.
type DigestContext struct {
	RunID     string   `json:"run_id"`
	Date      string   `json:"date"`
	UserName  string   `json:"user_name"`
	Interests []string `json:"interests"`
	Summary   string   `json:"summary"`
	Items     []*Entry `json:"items"`
}
