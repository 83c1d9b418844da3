package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/robertmeta/paperboy/analysis"
	"github.com/robertmeta/paperboy/deliver"
	"github.com/robertmeta/paperboy/digest"
	"github.com/robertmeta/paperboy/feed"
	"github.com/robertmeta/paperboy/llm"
	"github.com/robertmeta/paperboy/opml"
	"github.com/robertmeta/paperboy/render"
	"github.com/robertmeta/paperboy/store"
	"github.com/urfave/cli/v2"
)

func runDigest(c *cli.Context) error {
	cfg, err := loadConfig(c, true)
	if err != nil {
		return err
	}
	logger := setupLogger(c, cfg)

	// Build the model client shared by analysis and summarization
	gen, err := llm.NewGemini(llm.GeminiConfig{
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		Endpoint: cfg.LLM.Endpoint,
		Timeout:  cfg.LLM.Timeout,
	}, logger)
	if err != nil {
		return cli.Exit(err.Error(), ExitUsageError)
	}

	// Fetch options; history is appended below when enabled
	fetchOpts := []feed.Option{
		feed.WithUndatedPolicy(cfg.Undated()),
		feed.WithLogger(logger),
	}

	pipeline := &digest.Pipeline{
		Analyzer: &analysis.Analyzer{
			Generator: gen,
			Persona:   cfg.Persona,
			Limit:     cfg.Analysis.MaxItems,
			Logger:    logger,
		},
		Summarizer: &analysis.Summarizer{
			Generator:    gen,
			Persona:      cfg.Persona,
			MaxEntries:   cfg.Summary.MaxItems,
			SnippetChars: cfg.Summary.SnippetChars,
			Logger:       logger,
		},
		Assembler: &digest.Assembler{
			Renderer: render.NewFromDir(cfg.TemplatesDir, logger),
			Logger:   logger,
		},
		Recipient: digest.Recipient{UserName: cfg.UserName, Interests: cfg.Interests},
		Mode:      cfg.Mode(),
		Window:    cfg.Window(),
		From:      cfg.Email.SenderEmail,
		To:        cfg.Email.RecipientEmail,
		Logger:    logger,
	}

	// Wire only the sinks the delivery mode asks for
	if cfg.Mode().WantsMarkdown() {
		pipeline.Files = &deliver.FileWriter{Dir: cfg.OutputDir}
	}
	if cfg.Mode().WantsEmail() {
		pipeline.Mailer = deliver.NewSMTPMailer(deliver.SMTPConfig{
			Host:     cfg.Email.SMTPServer,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.SenderEmail,
			Password: cfg.Email.Password,
		})
	}

	// Open history to skip previously delivered links and record this run
	if cfg.History.Path != "" {
		s, err := openStore(cfg.History.Path)
		if err != nil {
			return cli.Exit(err.Error(), ExitDataError)
		}
		defer s.Close()

		// Validate already rejected a bad retention
		retention, _ := cfg.Retention()
		fetchOpts = append(fetchOpts, feed.WithHistory(s.Recent(retention, time.Now())))
		pipeline.Recorder = s
	}

	pipeline.Fetcher = feed.NewFetcher(feed.NewHTTPParser(cfg.Fetch.Timeout, cfg.Fetch.UserAgent), fetchOpts...)

	report, err := pipeline.Run(c.Context, cfg.Sources)
	if err != nil {
		// Print the partial report so the failing stage is visible
		if report != nil {
			outputJSON(report)
		}
		return runFailure(report, err)
	}

	return outputJSON(report)
}

// runFailure maps a failed run to an exit error naming the stage that
// stopped it.
func runFailure(report *digest.Report, err error) error {
	if errors.Is(err, digest.ErrInvalidPipeline) {
		return cli.Exit(fmt.Sprintf("Invalid pipeline: %v", err), ExitUsageError)
	}
	if report != nil {
		if issue, ok := report.FatalIssue(); ok {
			return cli.Exit(fmt.Sprintf("Digest run stopped during %s: %v", issue.Stage, issue.Err), ExitGeneralError)
		}
	}
	return cli.Exit(fmt.Sprintf("Digest run failed: %v", err), ExitGeneralError)
}

type sourceInfo struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Category string `json:"category,omitempty"`
	Error    string `json:"error,omitempty"`
}

func listSources(c *cli.Context) error {
	cfg, err := loadConfig(c, false)
	if err != nil {
		return err
	}

	infos := make([]sourceInfo, 0, len(cfg.Sources))
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		info := sourceInfo{URL: src.URL, Category: src.Category}
		// Validate fills in a default name, so read Name afterwards
		if err := src.Validate(); err != nil {
			info.Error = err.Error()
		}
		info.Name = src.Name
		infos = append(infos, info)
	}

	return outputJSON(map[string]interface{}{
		"count":   len(infos),
		"sources": infos,
	})
}

type checkResult struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Entries int    `json:"entries"`
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
}

func checkSources(c *cli.Context) error {
	cfg, err := loadConfig(c, false)
	if err != nil {
		return err
	}
	logger := setupLogger(c, cfg)

	fetcher := feed.NewFetcher(
		feed.NewHTTPParser(cfg.Fetch.Timeout, cfg.Fetch.UserAgent),
		feed.WithLogger(logger),
	)

	results := make([]checkResult, len(cfg.Sources))
	failed := 0

	// Concurrent fetching with up to 8 parallel requests
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, 8)

	for i, src := range cfg.Sources {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			// Acquire semaphore
			sem <- struct{}{}
			defer func() { <-sem }()

			result := checkResult{URL: src.URL}
			if err := src.Validate(); err != nil {
				result.Error = err.Error()
			} else if res, err := fetcher.FetchSource(c.Context, src); err != nil {
				result.Error = err.Error()
			} else {
				result.Title = res.Title
				result.Entries = len(res.Entries)
				if res.Warning != nil {
					result.Warning = res.Warning.Error()
				}
			}

			result.Name = src.Name

			// Results keep config order; only the failure count is shared
			mu.Lock()
			if result.Error != "" {
				failed++
			}
			results[i] = result
			mu.Unlock()
		}(i)
	}

	// Wait for all goroutines to complete
	wg.Wait()

	return outputJSON(map[string]interface{}{
		"checked": len(results),
		"failed":  failed,
		"results": results,
	})
}

func exportOPML(c *cli.Context) error {
	cfg, err := loadConfig(c, false)
	if err != nil {
		return err
	}

	// Write to stdout unless an output file is given
	var w io.Writer = os.Stdout
	if output := c.String("output"); output != "" {
		f, err := os.Create(output)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to create output file: %v", err), ExitDataError)
		}
		defer f.Close()
		w = f
	}

	if err := opml.Generate(w, cfg.Sources); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to generate OPML: %v", err), ExitDataError)
	}
	return nil
}

func historyStore(c *cli.Context) (*store.Store, time.Duration, error) {
	cfg, err := loadConfig(c, false)
	if err != nil {
		return nil, 0, err
	}
	if cfg.History.Path == "" {
		return nil, 0, cli.Exit("History is disabled (set history.path)", ExitUsageError)
	}

	// The retention window is the default prune horizon
	retention, err := cfg.Retention()
	if err != nil {
		return nil, 0, cli.Exit(fmt.Sprintf("Invalid history.retention: %v", err), ExitUsageError)
	}

	s, err := openStore(cfg.History.Path)
	if err != nil {
		return nil, 0, cli.Exit(err.Error(), ExitDataError)
	}
	return s, retention, nil
}

func listRuns(c *cli.Context) error {
	s, _, err := historyStore(c)
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListRuns(c.Int("limit"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to list runs: %v", err), ExitDataError)
	}
	// Print [] rather than null
	if runs == nil {
		runs = []*store.RunRecord{}
	}

	return outputJSON(map[string]interface{}{
		"count": len(runs),
		"runs":  runs,
	})
}

func pruneHistory(c *cli.Context) error {
	s, retention, err := historyStore(c)
	if err != nil {
		return err
	}
	defer s.Close()

	// --older-than overrides the configured retention
	if olderThan := c.String("older-than"); olderThan != "" {
		retention, err = store.ParseDuration(olderThan)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Invalid --older-than: %v", err), ExitUsageError)
		}
	}

	// Delete links first delivered before the cutoff
	before := time.Now().Add(-retention)
	removed, err := s.Prune(before)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to prune history: %v", err), ExitDataError)
	}

	remaining, err := s.CountSeen()
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to count history: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"removed":   removed,
		"remaining": remaining,
		"before":    before.UTC().Format(time.RFC3339),
	})
}

func showConfig(c *cli.Context) error {
	cfg, err := loadConfig(c, false)
	if err != nil {
		return err
	}
	if err := cfg.WriteYAML(os.Stdout); err != nil {
		return cli.Exit(err.Error(), ExitGeneralError)
	}
	return nil
}
