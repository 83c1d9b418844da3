package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robertmeta/paperboy/analysis"
	"github.com/robertmeta/paperboy/deliver"
	"github.com/robertmeta/paperboy/model"
	"github.com/robertmeta/paperboy/store"
)

// Fetcher collects recent, deduplicated entries from sources.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []model.Source, window time.Duration) ([]*model.Entry, []model.Issue)
}

// Recorder persists what a run delivered.
type Recorder interface {
	MarkSeen(entries []*model.Entry, at time.Time) error
	SaveRun(r *store.RunRecord) error
}

// Output is one delivered payload.
type Output struct {
	Kind        PayloadKind `json:"kind"`
	Target      string      `json:"target"`
	ContentType string      `json:"content_type"`
}

// Report describes a finished run. It is printed as JSON by the CLI.
type Report struct {
	RunID          string        `json:"run_id"`
	StartedAt      time.Time     `json:"started_at"`
	Stage          model.Stage   `json:"stage"`
	Fetched        int           `json:"fetched"`
	Filtered       int           `json:"filtered"`
	Analyzed       int           `json:"analyzed"`
	Summary        string        `json:"summary,omitempty"`
	Outputs        []Output      `json:"outputs"`
	Issues         []model.Issue `json:"issues"`
	ShortCircuited bool          `json:"short_circuited"`
}

// FatalIssue returns the issue that stopped the run, if any.
func (r *Report) FatalIssue() (model.Issue, bool) {
	for _, issue := range r.Issues {
		if issue.IsFatal() {
			return issue, true
		}
	}
	return model.Issue{}, false
}

// Pipeline wires the stages of a digest run. Stages run strictly in order
// and each one runs at most once.
type Pipeline struct {
	Fetcher    Fetcher
	Analyzer   *analysis.Analyzer
	Summarizer *analysis.Summarizer
	Assembler  *Assembler

	Recipient Recipient
	Mode      model.DeliveryMode
	Window    time.Duration

	Files  *deliver.FileWriter
	Mailer deliver.Mailer
	From   string
	To     string

	// Recorder is optional. When set, delivered entries are remembered so
	// later runs skip them.
	Recorder Recorder

	Logger *slog.Logger
	Now    func() time.Time
}

// ErrInvalidPipeline is returned when a required collaborator is missing.
var ErrInvalidPipeline = errors.New("invalid pipeline")

func (p *Pipeline) validate() error {
	switch {
	case p.Fetcher == nil:
		return fmt.Errorf("%w: no fetcher", ErrInvalidPipeline)
	case p.Analyzer == nil:
		return fmt.Errorf("%w: no analyzer", ErrInvalidPipeline)
	case p.Analyzer.Generator == nil:
		return fmt.Errorf("%w: analyzer has no generator", ErrInvalidPipeline)
	case p.Summarizer == nil:
		return fmt.Errorf("%w: no summarizer", ErrInvalidPipeline)
	case p.Summarizer.Generator == nil:
		return fmt.Errorf("%w: summarizer has no generator", ErrInvalidPipeline)
	case p.Assembler == nil:
		return fmt.Errorf("%w: no assembler", ErrInvalidPipeline)
	case p.Assembler.Renderer == nil:
		return fmt.Errorf("%w: assembler has no renderer", ErrInvalidPipeline)
	case p.Mode.WantsMarkdown() && p.Files == nil:
		return fmt.Errorf("%w: markdown delivery without a file writer", ErrInvalidPipeline)
	case p.Mode.WantsEmail() && p.Mailer == nil:
		return fmt.Errorf("%w: email delivery without a mailer", ErrInvalidPipeline)
	case !p.Mode.WantsMarkdown() && !p.Mode.WantsEmail():
		return fmt.Errorf("%w: unknown delivery mode %q", ErrInvalidPipeline, p.Mode)
	}
	return nil
}

// Run executes one digest run. Per-source, per-entry and per-delivery
// failures are collected in the report. The returned error is non-nil only
// when the pipeline is misconfigured or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, sources []model.Source) (*Report, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	started := now()

	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: started.UTC(),
		Outputs:   []Output{},
		Issues:    []model.Issue{},
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run_id", report.RunID)
	logger.Info("Starting digest run", "sources", len(sources), "mode", p.Mode, "window", p.Window)

	report.Stage = model.StageFetch
	entries, issues := p.Fetcher.FetchAll(ctx, sources, p.Window)
	report.Issues = append(report.Issues, issues...)
	report.Fetched = len(entries)
	if err := cancelled(ctx, report); err != nil {
		return report, err
	}
	if len(entries) == 0 {
		logger.Info("No new entries found, skipping digest")
		report.ShortCircuited = true
		report.Summary = analysis.NoEntriesSummary
		return report, nil
	}

	report.Stage = model.StageFilter
	entries = analysis.FilterByInterests(entries, p.Recipient.Interests)
	report.Filtered = len(entries)
	logger.Info("Filtered entries", "fetched", report.Fetched, "matching", report.Filtered)
	if len(entries) == 0 {
		logger.Info("No entries match interests, skipping digest")
		report.ShortCircuited = true
		report.Summary = analysis.NoEntriesSummary
		return report, nil
	}

	report.Stage = model.StageAnalyze
	report.Issues = append(report.Issues, p.Analyzer.Analyze(ctx, entries)...)
	report.Analyzed = countAnalyzed(entries)
	if err := cancelled(ctx, report); err != nil {
		return report, err
	}

	report.Stage = model.StageSummarize
	summary, issue := p.Summarizer.Summarize(ctx, entries, p.Recipient.UserName, p.Recipient.Interests)
	if issue != nil {
		report.Issues = append(report.Issues, *issue)
	}
	report.Summary = summary
	if err := cancelled(ctx, report); err != nil {
		return report, err
	}

	report.Stage = model.StageAssemble
	dc := p.Assembler.Context(report.RunID, started, summary, entries, p.Recipient)
	payloads, issues := p.Assembler.Assemble(dc, p.Mode)
	report.Issues = append(report.Issues, issues...)

	report.Stage = model.StageDeliver
	for _, payload := range payloads {
		output, err := p.deliver(ctx, started, payload)
		if err != nil {
			logger.Error("Delivery failed", "kind", payload.Kind, "error", err)
			report.Issues = append(report.Issues, model.Degraded(model.StageDeliver, string(payload.Kind), err))
			continue
		}
		logger.Info("Digest delivered", "kind", output.Kind, "target", output.Target, "content_type", output.ContentType)
		report.Outputs = append(report.Outputs, output)
	}

	if len(report.Outputs) > 0 && p.Recorder != nil {
		p.record(report, entries, logger)
	}

	logger.Info("Digest run complete",
		"fetched", report.Fetched,
		"filtered", report.Filtered,
		"analyzed", report.Analyzed,
		"outputs", len(report.Outputs),
		"issues", len(report.Issues),
	)
	return report, nil
}

func (p *Pipeline) deliver(ctx context.Context, date time.Time, payload Payload) (Output, error) {
	switch payload.Kind {
	case KindMarkdown:
		path, err := p.Files.Write(date, payload.Body)
		if err != nil {
			return Output{}, err
		}
		return Output{Kind: payload.Kind, Target: path, ContentType: payload.ContentType}, nil
	case KindEmail:
		msg := deliver.Message{
			From:        p.From,
			To:          p.To,
			Subject:     deliver.Subject(date),
			Body:        payload.Body,
			ContentType: payload.ContentType,
		}
		if err := p.Mailer.Send(ctx, msg); err != nil {
			return Output{}, fmt.Errorf("failed to send email to %s: %w", p.To, err)
		}
		return Output{Kind: payload.Kind, Target: p.To, ContentType: payload.ContentType}, nil
	default:
		return Output{}, fmt.Errorf("unknown payload kind %q", payload.Kind)
	}
}

// record stores delivered links and the run summary. Failures only degrade
// the run: the digest has already gone out.
func (p *Pipeline) record(report *Report, entries []*model.Entry, logger *slog.Logger) {
	if err := p.Recorder.MarkSeen(entries, report.StartedAt); err != nil {
		logger.Warn("Failed to record delivered entries", "error", err)
		report.Issues = append(report.Issues, model.Degraded(model.StageDeliver, "history", err))
	}

	run := &store.RunRecord{
		ID:       report.RunID,
		Started:  report.StartedAt,
		Fetched:  report.Fetched,
		Filtered: report.Filtered,
		Analyzed: report.Analyzed,
		Outputs:  len(report.Outputs),
		Issues:   len(report.Issues),
	}
	if err := p.Recorder.SaveRun(run); err != nil {
		logger.Warn("Failed to record run", "error", err)
		report.Issues = append(report.Issues, model.Degraded(model.StageDeliver, "history", err))
	}
}

func countAnalyzed(entries []*model.Entry) int {
	n := 0
	for _, e := range entries {
		if e.HasAnalysis() && e.Analysis != analysis.AnalysisFailed {
			n++
		}
	}
	return n
}

// cancelled records a fatal issue and returns the context error once ctx is
// done.
func cancelled(ctx context.Context, report *Report) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	report.Issues = append(report.Issues, model.Fatal(report.Stage, "", err))
	return fmt.Errorf("run %s cancelled during %s: %w", report.RunID, report.Stage, err)
}
