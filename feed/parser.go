package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/robertmeta/paperboy/model"
)

const (
	// DefaultUserAgent is sent with every feed request.
	DefaultUserAgent = "paperboy/1.0 (+https://github.com/robertmeta/paperboy)"
	// DefaultTimeout bounds a single feed request.
	DefaultTimeout = 30 * time.Second

	maxFeedSize = 16 << 20
)

// ParseResult is the outcome of parsing one feed.
// Warning is set when the feed was malformed but could be recovered.
type ParseResult struct {
	Title   string
	Entries []model.RawEntry
	Warning error
}

// Parser retrieves and parses a feed.
type Parser interface {
	Parse(ctx context.Context, url string) (*ParseResult, error)
}

// HTTPParser downloads feeds over HTTP and parses them with gofeed.
type HTTPParser struct {
	client    *http.Client
	userAgent string
	parser    *gofeed.Parser
}

// NewHTTPParser creates a parser with the given request timeout and User-Agent.
// Zero values fall back to DefaultTimeout and DefaultUserAgent.
func NewHTTPParser(timeout time.Duration, userAgent string) *HTTPParser {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &HTTPParser{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		parser:    gofeed.NewParser(),
	}
}

// Parse fetches url once and parses the body.
func (p *HTTPParser) Parse(ctx context.Context, url string) (*ParseResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to fetch feed from %s: HTTP %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read feed from %s: %w", url, err)
	}

	return p.ParseBytes(data)
}

// ParseBytes parses feed content. When the content is rejected, it is
// sanitized and parsed once more; a successful second attempt returns the
// original error as a warning.
func (p *HTTPParser) ParseBytes(data []byte) (*ParseResult, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("feed content is empty")
	}

	parsed, err := p.parser.Parse(bytes.NewReader(data))
	if err == nil {
		return convert(parsed), nil
	}

	cleaned := sanitize(data)
	if bytes.Equal(cleaned, data) {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	recovered, rerr := p.parser.Parse(bytes.NewReader(cleaned))
	if rerr != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	result := convert(recovered)
	result.Warning = fmt.Errorf("malformed feed recovered: %w", err)
	return result, nil
}

// convert converts a gofeed.Feed to raw entries.
func convert(gf *gofeed.Feed) *ParseResult {
	result := &ParseResult{Title: gf.Title}
	for _, item := range gf.Items {
		if item == nil {
			continue
		}
		result.Entries = append(result.Entries, convertItem(item))
	}
	return result
}

// convertItem converts a gofeed.Item to a model.RawEntry.
func convertItem(item *gofeed.Item) model.RawEntry {
	raw := model.RawEntry{
		Title:     item.Title,
		Link:      item.Link,
		GUID:      item.GUID,
		Summary:   item.Description,
		Content:   item.Content,
		Published: item.PublishedParsed,
		Updated:   item.UpdatedParsed,
	}

	if raw.Link == "" && len(item.Links) > 0 {
		raw.Link = item.Links[0]
	}

	return raw
}

var (
	// Characters that XML 1.0 forbids outright.
	illegalXMLChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)
	ampersands      = regexp.MustCompile(`&(#[0-9]+;|#[xX][0-9a-fA-F]+;|[A-Za-z][A-Za-z0-9]*;)?`)
)

// sanitize removes the most common causes of unparseable feeds: control
// characters and bare ampersands.
func sanitize(data []byte) []byte {
	cleaned := illegalXMLChars.ReplaceAll(data, nil)
	return ampersands.ReplaceAllFunc(cleaned, func(m []byte) []byte {
		if len(m) == 1 {
			return []byte("&amp;")
		}
		return m
	})
}
