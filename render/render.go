// Package render turns a digest context into Markdown or HTML documents.
package render

import (
	"bytes"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"github.com/robertmeta/paperboy/model"
	"github.com/robertmeta/paperboy/templates"
)

const (
	// MarkdownTemplate renders the Markdown digest.
	MarkdownTemplate = "digest.md"
	// HTMLTemplate renders the HTML email body.
	HTMLTemplate = "digest.html"

	templateExt = ".tmpl"
)

// ErrTemplateNotFound is returned when the requested template does not exist.
var ErrTemplateNotFound = errors.New("template not found")

// Renderer executes named templates from a filesystem. Templates whose name
// ends in ".html" are parsed with html/template, everything else with
// text/template.
type Renderer struct {
	fsys   fs.FS
	logger *slog.Logger
}

// New creates a Renderer reading <name>.tmpl files from fsys.
func New(fsys fs.FS, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{fsys: fsys, logger: logger}
}

// NewFromDir reads templates from dir, or from the embedded defaults when dir is empty.
func NewFromDir(dir string, logger *slog.Logger) *Renderer {
	if dir == "" {
		return New(templates.EmbeddedTemplates, logger)
	}
	return New(os.DirFS(dir), logger)
}

// Render executes the named template with data.
func (r *Renderer) Render(name string, data *model.DigestContext) (string, error) {
	content, err := fs.ReadFile(r.fsys, name+templateExt)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		}
		return "", fmt.Errorf("failed to read template %s: %w", name, err)
	}

	r.logger.Debug("Executing template", "name", name, "items", len(data.Items))

	var buf bytes.Buffer
	if strings.HasSuffix(name, ".html") {
		tmpl, err := htmltemplate.New(name).Funcs(HTMLFuncs()).Parse(string(content))
		if err != nil {
			return "", fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		if err := tmpl.Execute(&buf, data); err != nil {
			return "", fmt.Errorf("failed to execute template %s: %w", name, err)
		}
		return buf.String(), nil
	}

	tmpl, err := template.New(name).Funcs(TextFuncs()).Parse(string(content))
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", name, err)
	}
	return buf.String(), nil
}
