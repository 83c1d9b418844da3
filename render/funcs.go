package render

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	"text/template"
	"time"

	"github.com/robertmeta/paperboy/analysis"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var markdownEngine = goldmark.New(goldmark.WithExtensions(extension.GFM))

var (
	linkTextEscaper = strings.NewReplacer(`\`, `\\`, `[`, `\[`, `]`, `\]`)
	linkURLEscaper  = strings.NewReplacer(" ", "%20", "(", "%28", ")", "%29", "<", "%3C", ">", "%3E")
)

// TextFuncs returns the helpers available to text templates.
func TextFuncs() template.FuncMap {
	return template.FuncMap{
		"formatTime": formatTime,
		"truncate":   analysis.Truncate,
		"plain":      analysis.PlainText,
		"join":       strings.Join,
		"add":        func(a, b int) int { return a + b },
		"quote":      quote,
		"mdlink":     mdlink,
	}
}

// HTMLFuncs returns the helpers available to HTML templates.
func HTMLFuncs() htmltemplate.FuncMap {
	funcs := htmltemplate.FuncMap{"markdown": MarkdownToHTML}
	for name, fn := range TextFuncs() {
		funcs[name] = fn
	}
	return funcs
}

// MarkdownToHTML converts Markdown to HTML. Raw HTML in the source is omitted.
// Conversion errors fall back to the escaped source in a <pre> block.
func MarkdownToHTML(src string) htmltemplate.HTML {
	var buf bytes.Buffer
	if err := markdownEngine.Convert([]byte(src), &buf); err != nil {
		return htmltemplate.HTML("<pre>" + htmltemplate.HTMLEscapeString(src) + "</pre>")
	}
	return htmltemplate.HTML(buf.String())
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "undated"
	}
	return t.UTC().Format("2006-01-02 15:04 UTC")
}

// quote formats text as a Markdown blockquote.
func quote(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight("> "+line, " ")
	}
	return strings.Join(lines, "\n")
}

// mdlink formats a Markdown inline link. Brackets in the text and
// parentheses or spaces in the URL are escaped so neither ends the link early.
func mdlink(text, link string) string {
	return "[" + linkTextEscaper.Replace(text) + "](" + linkURLEscaper.Replace(link) + ")"
}
