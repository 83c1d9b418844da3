// Package digest runs the fetch, filter, analyze, summarize, assemble and
// deliver stages that produce one digest.
package digest

import (
	"errors"
	"log/slog"
	"time"

	"github.com/robertmeta/paperboy/model"
	"github.com/robertmeta/paperboy/render"
)

// Content types attached to rendered payloads.
const (
	ContentTypeMarkdown = "text/markdown"
	ContentTypeHTML     = "text/html"
	ContentTypePlain    = "text/plain"
)

// PayloadKind says where a payload is delivered.
type PayloadKind string

const (
	KindMarkdown PayloadKind = "markdown"
	KindEmail    PayloadKind = "email"
)

// Payload is one rendered document ready for delivery.
type Payload struct {
	Kind        PayloadKind
	Body        string
	ContentType string
}

// Renderer executes a named template against a digest context.
type Renderer interface {
	Render(name string, data *model.DigestContext) (string, error)
}

// Recipient is the person a digest is prepared for.
type Recipient struct {
	UserName  string
	Interests []string
}

// Assembler builds the digest context and renders it for each selected
// delivery mode.
type Assembler struct {
	Renderer Renderer
	Logger   *slog.Logger
}

// Context builds the render-ready view of a run.
func (a *Assembler) Context(runID string, date time.Time, summary string, entries []*model.Entry, r Recipient) *model.DigestContext {
	return &model.DigestContext{
		RunID:     runID,
		Date:      date.Format("2006-01-02"),
		UserName:  r.UserName,
		Interests: r.Interests,
		Summary:   summary,
		Items:     entries,
	}
}

// Assemble renders dc for mode. A payload that fails to render is reported
// as an issue and the other mode still proceeds. An email whose HTML
// template is missing falls back to the Markdown body sent as plain text.
func (a *Assembler) Assemble(dc *model.DigestContext, mode model.DeliveryMode) ([]Payload, []model.Issue) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var payloads []Payload
	var issues []model.Issue

	if mode.WantsMarkdown() {
		body, err := a.Renderer.Render(render.MarkdownTemplate, dc)
		if err != nil {
			logger.Error("Failed to render Markdown digest", "error", err)
			issues = append(issues, model.Degraded(model.StageAssemble, string(KindMarkdown), err))
		} else {
			payloads = append(payloads, Payload{Kind: KindMarkdown, Body: body, ContentType: ContentTypeMarkdown})
		}
	}

	if mode.WantsEmail() {
		payload, err := a.email(dc, logger)
		if err != nil {
			logger.Error("Failed to render email digest", "error", err)
			issues = append(issues, model.Degraded(model.StageAssemble, string(KindEmail), err))
		} else {
			payloads = append(payloads, payload)
		}
	}

	return payloads, issues
}

func (a *Assembler) email(dc *model.DigestContext, logger *slog.Logger) (Payload, error) {
	body, err := a.Renderer.Render(render.HTMLTemplate, dc)
	if err == nil {
		return Payload{Kind: KindEmail, Body: body, ContentType: ContentTypeHTML}, nil
	}
	if !errors.Is(err, render.ErrTemplateNotFound) {
		return Payload{}, err
	}

	logger.Warn("HTML template not found, sending Markdown as plain text", "template", render.HTMLTemplate)
	body, err = a.Renderer.Render(render.MarkdownTemplate, dc)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Kind: KindEmail, Body: body, ContentType: ContentTypePlain}, nil
}
