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
	// DefaultPersona shapes prompts when none is configured.
	DefaultPersona = "Act as a research assistant."
	// DefaultAnalyzeLimit is how many entries get an individual analysis.
	DefaultAnalyzeLimit = 10
	// AnalysisFailed is attached to entries whose analysis call failed.
	AnalysisFailed = "Analysis failed."
)

// Analyzer asks the model for a short note on each of the first Limit entries.
type Analyzer struct {
	Generator llm.Generator
	Persona   string
	Limit     int
	Logger    *slog.Logger
}

// Analyze annotates entries in place. Entries past the limit are left alone.
// A failed call never stops the loop: the entry gets AnalysisFailed and the
// failure is returned as an issue.
func (a *Analyzer) Analyze(ctx context.Context, entries []*model.Entry) []model.Issue {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := a.Limit
	if limit <= 0 {
		limit = DefaultAnalyzeLimit
	}
	if len(entries) < limit {
		limit = len(entries)
	}

	var issues []model.Issue
	for _, e := range entries[:limit] {
		text, err := a.Generator.Generate(ctx, a.prompt(e))
		if err == nil && strings.TrimSpace(text) == "" {
			err = llm.ErrEmptyResponse
		}
		if err != nil {
			logger.Warn("Failed to analyze entry", "title", e.Title, "link", e.Link, "error", err)
			e.Analysis = AnalysisFailed
			issues = append(issues, model.Degraded(model.StageAnalyze, e.Link, err))
			continue
		}
		e.Analysis = strings.TrimSpace(text)
	}

	logger.Info("Analysis complete", "analyzed", limit, "failed", len(issues), "skipped", len(entries)-limit)
	return issues
}

func (a *Analyzer) prompt(e *model.Entry) string {
	persona := a.Persona
	if strings.TrimSpace(persona) == "" {
		persona = DefaultPersona
	}
	return fmt.Sprintf(`%s

Analyze the following article/paper abstract. Provide a brief "Key Insights" summary (2-3 sentences) focusing on why this matters.

Title: %s
Source: %s
Content: %s
`, persona, e.Title, e.SourceName, PlainText(e.Summary))
}
