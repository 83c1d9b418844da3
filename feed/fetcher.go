// Package feed provides RSS/Atom feed fetching and normalization for paperboy.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robertmeta/paperboy/model"
)

// History reports whether a link was already delivered in an earlier run.
type History interface {
	Seen(link string) (bool, error)
}

// Fetcher retrieves every configured source and merges the results into one
// deduplicated, time-ordered entry list.
type Fetcher struct {
	parser  Parser
	history History
	policy  model.UndatedPolicy
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHistory drops entries the history has already seen.
func WithHistory(h History) Option {
	return func(f *Fetcher) { f.history = h }
}

// WithUndatedPolicy sets how entries without a timestamp are handled.
func WithUndatedPolicy(p model.UndatedPolicy) Option {
	return func(f *Fetcher) { f.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithClock overrides the time source used for the recency cutoff.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// NewFetcher creates a new Fetcher.
func NewFetcher(parser Parser, opts ...Option) *Fetcher {
	f := &Fetcher{
		parser: parser,
		policy: model.UndatedDrop,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchSource retrieves a single source without filtering.
func (f *Fetcher) FetchSource(ctx context.Context, src model.Source) (*ParseResult, error) {
	res, err := f.parser.Parse(ctx, src.URL)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", src.Name, err)
	}
	return res, nil
}

// FetchAll fetches every source in order and keeps entries published within
// window of now. The first entry seen for a link wins. A failing source is
// reported as an issue and contributes nothing.
func (f *Fetcher) FetchAll(ctx context.Context, sources []model.Source, window time.Duration) ([]*model.Entry, []model.Issue) {
	now := f.now().UTC()

	seen := make(map[string]struct{})
	var entries []*model.Entry
	var issues []model.Issue

	for _, src := range sources {
		f.logger.Info("Fetching source", "source", src.Name, "url", src.URL)

		res, err := f.parser.Parse(ctx, src.URL)
		if err != nil {
			f.logger.Warn("Failed to fetch source", "source", src.Name, "error", err)
			issues = append(issues, model.Degraded(model.StageFetch, src.Name, err))
			continue
		}

		if res.Warning != nil {
			f.logger.Warn("Source parsed with warnings", "source", src.Name, "warning", res.Warning)
			issues = append(issues, model.Degraded(model.StageFetch, src.Name, res.Warning))
		}

		kept := 0
		for i := range res.Entries {
			entry := res.Entries[i].Normalize(src.Name)

			if entry.Link == "" {
				f.logger.Debug("Skipping entry without link", "source", src.Name, "title", entry.Title)
				continue
			}

			if !entry.Dated() {
				if f.policy == model.UndatedDrop {
					f.logger.Debug("Skipping undated entry", "source", src.Name, "link", entry.Link)
					continue
				}
			} else if entry.Age(now) > window {
				continue
			}

			if _, dup := seen[entry.Link]; dup {
				f.logger.Debug("Skipping duplicate entry", "source", src.Name, "link", entry.Link)
				continue
			}
			seen[entry.Link] = struct{}{}

			if f.history != nil {
				delivered, err := f.history.Seen(entry.Link)
				if err != nil {
					f.logger.Warn("History lookup failed", "link", entry.Link, "error", err)
				} else if delivered {
					f.logger.Debug("Skipping previously delivered entry", "link", entry.Link)
					continue
				}
			}

			entries = append(entries, entry)
			kept++
		}

		f.logger.Info("Parsed source", "source", src.Name, "entries", len(res.Entries), "kept", kept)
	}

	// Undated entries kept under the "now" policy rank as current.
	sort.SliceStable(entries, func(i, j int) bool {
		return sortTime(entries[i], now).After(sortTime(entries[j], now))
	})

	f.logger.Info("Fetch complete", "sources", len(sources), "entries", len(entries), "issues", len(issues))
	return entries, issues
}

func sortTime(e *model.Entry, now time.Time) time.Time {
	if e.PublishedAt == nil {
		return now
	}
	return *e.PublishedAt
}
