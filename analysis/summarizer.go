package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robertmeta/paperboy/llm"
	"github.com/robertmeta/paperboy/model"
)

const (
	// DefaultSummaryEntries bounds how many entries go into the summary prompt.
	DefaultSummaryEntries = 20
	// DefaultSnippetChars bounds each entry's content in the summary prompt.
	DefaultSnippetChars = 2000

	// NoEntriesSummary is returned without calling the model when there is nothing to summarize.
	NoEntriesSummary = "No new articles found today."
	// SummaryFailed is returned when the model call fails.
	SummaryFailed = "Failed to generate summary due to an error."
)

// Summarizer writes one narrative summary covering a batch of entries.
type Summarizer struct {
	Generator    llm.Generator
	Persona      string
	MaxEntries   int
	SnippetChars int
	Logger       *slog.Logger
}

// Summarize always returns a usable string. The issue is non-nil when the
// model call failed and the string is the fixed fallback.
func (s *Summarizer) Summarize(ctx context.Context, entries []*model.Entry, userName string, interests []string) (string, *model.Issue) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if len(entries) == 0 {
		return NoEntriesSummary, nil
	}

	text, err := s.Generator.Generate(ctx, s.Prompt(entries, userName, interests))
	if err == nil && strings.TrimSpace(text) == "" {
		err = llm.ErrEmptyResponse
	}
	if err != nil {
		logger.Error("Failed to generate summary", "error", err)
		issue := model.Degraded(model.StageSummarize, "", err)
		return SummaryFailed, &issue
	}

	logger.Info("Summary generated", "entries", min(len(entries), s.maxEntries()), "chars", len(text))
	return text, nil
}

func (s *Summarizer) maxEntries() int {
	if s.MaxEntries <= 0 {
		return DefaultSummaryEntries
	}
	return s.MaxEntries
}

// Prompt builds the aggregate summary prompt.
func (s *Summarizer) Prompt(entries []*model.Entry, userName string, interests []string) string {
	persona := s.Persona
	if strings.TrimSpace(persona) == "" {
		persona = DefaultPersona
	}
	snippetChars := s.SnippetChars
	if snippetChars <= 0 {
		snippetChars = DefaultSnippetChars
	}
	if len(entries) > s.maxEntries() {
		entries = entries[:s.maxEntries()]
	}

	var articles strings.Builder
	for i, e := range entries {
		title := orDefault(e.Title, "No Title")
		source := orDefault(e.SourceName, "Unknown Source")
		link := orDefault(e.Link, "#")
		snippet := orDefault(PlainText(e.Summary), "No content available.")

		fmt.Fprintf(&articles, "\n--- Article %d ---\n", i+1)
		fmt.Fprintf(&articles, "Title: %s\n", title)
		fmt.Fprintf(&articles, "Source: %s\n", source)
		fmt.Fprintf(&articles, "Link: %s\n", link)
		fmt.Fprintf(&articles, "Content Snippet: %s\n", Truncate(snippet, snippetChars))
		if e.HasAnalysis() && e.Analysis != AnalysisFailed {
			fmt.Fprintf(&articles, "Key Insights: %s\n", e.Analysis)
		}
	}

	return fmt.Sprintf(`%s

You are preparing a digest for %s, who is interested in: %s.

Here are the latest articles from their subscribed feeds.
Please verify which ones are relevant to their interests.

For the relevant articles, provide a cohesive narrative summary.
Group them by topic if possible.

For each relevant article mentioned, make sure to include the link.

Format the output in Markdown.
Start with a friendly greeting to %s.

Articles:
%s`, persona, userName, strings.Join(interests, ", "), userName, articles.String())
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
