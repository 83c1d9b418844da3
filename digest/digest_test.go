package digest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/robertmeta/paperboy/analysis"
	"github.com/robertmeta/paperboy/deliver"
	"github.com/robertmeta/paperboy/feed"
	"github.com/robertmeta/paperboy/llm"
	"github.com/robertmeta/paperboy/model"
	"github.com/robertmeta/paperboy/render"
	"github.com/robertmeta/paperboy/store"
	"github.com/robertmeta/paperboy/templates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

type feedItem struct {
	title, link, description string
	age                      time.Duration
}

func rssFeed(title string, items ...feedItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>%s</title><link>https://example.com</link><description>test</description>`, title)
	for _, it := range items {
		fmt.Fprintf(&b, `<item><title>%s</title><link>%s</link><description>%s</description><pubDate>%s</pubDate></item>`,
			it.title, it.link, it.description, fixedNow.Add(-it.age).Format(time.RFC1123Z))
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

// feedServer serves /research.xml and answers every other path with 404.
func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	body := rssFeed("Research",
		feedItem{"Scaling machine learning models", "https://example.com/ml", "A study of machine learning at scale.", time.Hour},
		feedItem{"Gardening tips", "https://example.com/garden", "Tomatoes in spring.", 2 * time.Hour},
		feedItem{"Compilers for Machine Learning", "https://example.com/compilers", "MLIR and friends.", 3 * time.Hour},
		feedItem{"Old machine learning news", "https://example.com/old", "Last week.", 72 * time.Hour},
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/research.xml" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// scriptedModel counts analysis and summary prompts separately.
type scriptedModel struct {
	analyses  int
	summaries int
	failAll   bool
}

func (m *scriptedModel) generator() llm.Generator {
	return llm.GeneratorFunc(func(_ context.Context, prompt string) (string, error) {
		if m.failAll {
			return "", errors.New("quota exceeded")
		}
		if strings.Contains(prompt, "Articles:") {
			m.summaries++
			return "Hello Ada, here is your **digest**.", nil
		}
		m.analyses++
		return fmt.Sprintf("Insight %d", m.analyses), nil
	})
}

type fakeMailer struct {
	sent []deliver.Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg deliver.Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func newPipeline(t *testing.T, m *scriptedModel, renderer Renderer, mode model.DeliveryMode, outDir string) *Pipeline {
	t.Helper()
	gen := m.generator()
	return &Pipeline{
		Fetcher:    feed.NewFetcher(feed.NewHTTPParser(5*time.Second, ""), feed.WithClock(clock)),
		Analyzer:   &analysis.Analyzer{Generator: gen, Limit: analysis.DefaultAnalyzeLimit},
		Summarizer: &analysis.Summarizer{Generator: gen},
		Assembler:  &Assembler{Renderer: renderer},
		Recipient:  Recipient{UserName: "Ada", Interests: []string{"machine learning"}},
		Mode:       mode,
		Window:     24 * time.Hour,
		Files:      &deliver.FileWriter{Dir: outDir},
		From:       "digest@example.com",
		To:         "ada@example.com",
		Now:        clock,
	}
}

func testSources(srv *httptest.Server) []model.Source {
	return []model.Source{
		{Name: "Research", URL: srv.URL + "/research.xml"},
		{Name: "Broken", URL: srv.URL + "/missing.xml"},
	}
}

func TestPipeline_MarkdownEndToEnd(t *testing.T) {
	srv := feedServer(t)
	outDir := filepath.Join(t.TempDir(), "digests")
	m := &scriptedModel{}
	p := newPipeline(t, m, render.New(templates.EmbeddedTemplates, nil), model.DeliveryMarkdown, outDir)

	report, err := p.Run(context.Background(), testSources(srv))
	require.NoError(t, err)

	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, 2, report.Filtered)
	assert.Equal(t, 2, report.Analyzed)
	assert.Equal(t, 2, m.analyses)
	assert.Equal(t, 1, m.summaries)
	assert.False(t, report.ShortCircuited)
	assert.Equal(t, model.StageDeliver, report.Stage)
	assert.NotEmpty(t, report.RunID)

	require.Len(t, report.Issues, 1, "only the unreachable source is reported")
	assert.Equal(t, model.StageFetch, report.Issues[0].Stage)
	assert.Equal(t, "Broken", report.Issues[0].Subject)

	require.Len(t, report.Outputs, 1)
	wantPath := filepath.Join(outDir, "digest_20240302.md")
	assert.Equal(t, wantPath, report.Outputs[0].Target)

	data, err := os.ReadFile(wantPath)
	require.NoError(t, err)
	body := string(data)
	assert.Contains(t, body, "# Daily Digest - 2024-03-02")
	assert.Contains(t, body, "Hello Ada")
	assert.Contains(t, body, "[Scaling machine learning models](https://example.com/ml)")
	assert.Contains(t, body, "[Compilers for Machine Learning](https://example.com/compilers)")
	assert.NotContains(t, body, "Gardening")
	assert.Less(t, strings.Index(body, "Scaling"), strings.Index(body, "Compilers"), "newest first")
}

func TestPipeline_BothWithoutHTMLTemplate(t *testing.T) {
	srv := feedServer(t)
	outDir := filepath.Join(t.TempDir(), "digests")
	md, err := templates.EmbeddedTemplates.ReadFile("digest.md.tmpl")
	require.NoError(t, err)
	renderer := render.New(fstest.MapFS{"digest.md.tmpl": {Data: md}}, nil)

	mailer := &fakeMailer{}
	p := newPipeline(t, &scriptedModel{}, renderer, model.DeliveryBoth, outDir)
	p.Mailer = mailer

	report, err := p.Run(context.Background(), testSources(srv))
	require.NoError(t, err)

	require.Len(t, report.Outputs, 2)
	assert.Equal(t, KindMarkdown, report.Outputs[0].Kind)
	assert.Equal(t, KindEmail, report.Outputs[1].Kind)
	assert.Equal(t, ContentTypePlain, report.Outputs[1].ContentType)

	require.Len(t, mailer.sent, 1)
	msg := mailer.sent[0]
	assert.Equal(t, "text/plain", msg.ContentType)
	assert.Equal(t, "Daily Research Digest - 2024-03-02", msg.Subject)
	assert.Contains(t, msg.Body, "# Daily Digest - 2024-03-02")

	_, err = os.Stat(filepath.Join(outDir, "digest_20240302.md"))
	assert.NoError(t, err)

	for _, issue := range report.Issues {
		assert.NotEqual(t, model.StageAssemble, issue.Stage, "missing HTML template is not an issue")
	}
}

func TestPipeline_EmailHTML(t *testing.T) {
	srv := feedServer(t)
	mailer := &fakeMailer{}
	p := newPipeline(t, &scriptedModel{}, render.New(templates.EmbeddedTemplates, nil), model.DeliveryEmail, "")
	p.Files = nil
	p.Mailer = mailer

	report, err := p.Run(context.Background(), testSources(srv))
	require.NoError(t, err)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "text/html", mailer.sent[0].ContentType)
	assert.Contains(t, mailer.sent[0].Body, "<strong>digest</strong>", "summary Markdown becomes HTML")
	require.Len(t, report.Outputs, 1)
	assert.Equal(t, "ada@example.com", report.Outputs[0].Target)
}

type staticFetcher struct {
	entries []*model.Entry
	calls   int
}

func (f *staticFetcher) FetchAll(context.Context, []model.Source, time.Duration) ([]*model.Entry, []model.Issue) {
	f.calls++
	return f.entries, nil
}

func TestPipeline_ShortCircuitOnNoEntries(t *testing.T) {
	m := &scriptedModel{}
	outDir := filepath.Join(t.TempDir(), "digests")
	p := newPipeline(t, m, render.New(templates.EmbeddedTemplates, nil), model.DeliveryMarkdown, outDir)
	p.Fetcher = &staticFetcher{}

	report, err := p.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.True(t, report.ShortCircuited)
	assert.Equal(t, model.StageFetch, report.Stage)
	assert.Equal(t, analysis.NoEntriesSummary, report.Summary)
	assert.Zero(t, m.analyses+m.summaries)
	assert.Empty(t, report.Outputs)
	_, err = os.Stat(outDir)
	assert.True(t, os.IsNotExist(err), "nothing is written")
}

func TestPipeline_ShortCircuitOnNoMatches(t *testing.T) {
	m := &scriptedModel{}
	p := newPipeline(t, m, render.New(templates.EmbeddedTemplates, nil), model.DeliveryMarkdown, t.TempDir())
	p.Fetcher = &staticFetcher{entries: []*model.Entry{{Title: "Gardening", Link: "https://example.com/g"}}}

	report, err := p.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.True(t, report.ShortCircuited)
	assert.Equal(t, model.StageFilter, report.Stage)
	assert.Equal(t, 1, report.Fetched)
	assert.Zero(t, report.Filtered)
	assert.Zero(t, m.analyses+m.summaries)
}

func TestPipeline_ModelFailuresDegrade(t *testing.T) {
	outDir := t.TempDir()
	p := newPipeline(t, &scriptedModel{failAll: true}, render.New(templates.EmbeddedTemplates, nil), model.DeliveryMarkdown, outDir)
	p.Fetcher = &staticFetcher{entries: []*model.Entry{
		{Title: "machine learning one", Link: "https://example.com/1"},
		{Title: "machine learning two", Link: "https://example.com/2"},
	}}

	report, err := p.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Zero(t, report.Analyzed)
	assert.Equal(t, analysis.SummaryFailed, report.Summary)
	require.Len(t, report.Outputs, 1, "the digest is still delivered")
	assert.Len(t, report.Issues, 3)

	data, err := os.ReadFile(report.Outputs[0].Target)
	require.NoError(t, err)
	assert.Contains(t, string(data), analysis.AnalysisFailed)
}

func TestPipeline_DeliveryFailureIsIsolated(t *testing.T) {
	outDir := t.TempDir()
	mailer := &fakeMailer{err: errors.New("connection refused")}
	p := newPipeline(t, &scriptedModel{}, render.New(templates.EmbeddedTemplates, nil), model.DeliveryBoth, outDir)
	p.Mailer = mailer
	p.Fetcher = &staticFetcher{entries: []*model.Entry{{Title: "machine learning", Link: "https://example.com/1"}}}

	report, err := p.Run(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, report.Outputs, 1)
	assert.Equal(t, KindMarkdown, report.Outputs[0].Kind)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, model.StageDeliver, report.Issues[0].Stage)
	assert.Equal(t, "email", report.Issues[0].Subject)
}

func TestPipeline_RecordsHistory(t *testing.T) {
	s, err := store.New(":memory:")
	require.NoError(t, err)
	defer s.Close()

	p := newPipeline(t, &scriptedModel{}, render.New(templates.EmbeddedTemplates, nil), model.DeliveryMarkdown, t.TempDir())
	p.Fetcher = &staticFetcher{entries: []*model.Entry{{Title: "machine learning", Link: "https://example.com/1"}}}
	p.Recorder = s

	report, err := p.Run(context.Background(), nil)
	require.NoError(t, err)

	seen, err := s.Recent(24*time.Hour, fixedNow).Seen("https://example.com/1")
	require.NoError(t, err)
	assert.True(t, seen)

	runs, err := s.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.Equal(t, 1, runs[0].Outputs)
}

func TestPipeline_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newPipeline(t, &scriptedModel{}, render.New(templates.EmbeddedTemplates, nil), model.DeliveryMarkdown, t.TempDir())
	p.Fetcher = &staticFetcher{entries: []*model.Entry{{Title: "machine learning", Link: "https://example.com/1"}}}

	report, err := p.Run(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	require.NotEmpty(t, report.Issues)
	assert.True(t, report.Issues[len(report.Issues)-1].IsFatal())

	fatal, ok := report.FatalIssue()
	require.True(t, ok)
	assert.ErrorIs(t, fatal, context.Canceled)
}

func TestReport_FatalIssue(t *testing.T) {
	report := &Report{Issues: []model.Issue{
		model.Degraded(model.StageFetch, "Feed A", errors.New("timeout")),
	}}
	_, ok := report.FatalIssue()
	assert.False(t, ok, "degraded issues do not stop a run")

	report.Issues = append(report.Issues, model.Fatal(model.StageDeliver, "", errors.New("disk full")))
	fatal, ok := report.FatalIssue()
	require.True(t, ok)
	assert.Equal(t, model.StageDeliver, fatal.Stage)
}

func TestPipeline_Validate(t *testing.T) {
	p := &Pipeline{}
	_, err := p.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidPipeline)

	p = newPipeline(t, &scriptedModel{}, render.New(templates.EmbeddedTemplates, nil), model.DeliveryEmail, t.TempDir())
	_, err = p.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidPipeline, "email mode needs a mailer")

	tests := []struct {
		name   string
		mutate func(p *Pipeline)
		want   string
	}{
		{"analyzer without generator", func(p *Pipeline) { p.Analyzer.Generator = nil }, "analyzer has no generator"},
		{"summarizer without generator", func(p *Pipeline) { p.Summarizer.Generator = nil }, "summarizer has no generator"},
		{"assembler without renderer", func(p *Pipeline) { p.Assembler.Renderer = nil }, "assembler has no renderer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t, &scriptedModel{}, render.New(templates.EmbeddedTemplates, nil), model.DeliveryMarkdown, t.TempDir())
			p.Fetcher = &staticFetcher{entries: []*model.Entry{{Title: "machine learning", Link: "https://example.com/1"}}}
			tt.mutate(p)

			_, err := p.Run(context.Background(), nil)
			require.ErrorIs(t, err, ErrInvalidPipeline)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// brokenRenderer fails every template except those listed in ok.
type brokenRenderer struct {
	ok map[string]bool
}

func (r brokenRenderer) Render(name string, _ *model.DigestContext) (string, error) {
	if r.ok[name] {
		return "rendered " + name, nil
	}
	return "", errors.New("template: bad syntax")
}

func TestAssembler_Modes(t *testing.T) {
	a := &Assembler{Renderer: brokenRenderer{ok: map[string]bool{render.MarkdownTemplate: true, render.HTMLTemplate: true}}}
	dc := a.Context("run-1", fixedNow, "summary", nil, Recipient{UserName: "Ada"})
	assert.Equal(t, "2024-03-02", dc.Date)
	assert.Equal(t, "run-1", dc.RunID)

	payloads, issues := a.Assemble(dc, model.DeliveryMarkdown)
	assert.Empty(t, issues)
	require.Len(t, payloads, 1)
	assert.Equal(t, ContentTypeMarkdown, payloads[0].ContentType)

	payloads, issues = a.Assemble(dc, model.DeliveryBoth)
	assert.Empty(t, issues)
	require.Len(t, payloads, 2)
	assert.Equal(t, ContentTypeHTML, payloads[1].ContentType)
}

func TestAssembler_FailureInOneModeKeepsTheOther(t *testing.T) {
	a := &Assembler{Renderer: brokenRenderer{ok: map[string]bool{render.MarkdownTemplate: true}}}
	dc := a.Context("run-1", fixedNow, "summary", nil, Recipient{})

	payloads, issues := a.Assemble(dc, model.DeliveryBoth)
	require.Len(t, payloads, 1)
	assert.Equal(t, KindMarkdown, payloads[0].Kind)
	require.Len(t, issues, 1)
	assert.Equal(t, model.StageAssemble, issues[0].Stage)
	assert.Equal(t, "email", issues[0].Subject)
}
