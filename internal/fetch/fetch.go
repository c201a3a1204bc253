// Package fetch retrieves HTML pages for the pipeline: rendered pages from the
// business directory and proxied pages from the people-search site.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/palantir/palantir-compute-module-owner-search/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-owner-search/pkg/pipeline/redact"
)

// DefaultUserAgent is sent by the HTTP and browser fetchers.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

const maxResponseBytes = 8 << 20

// ErrEmptyResponse is returned when a fetch succeeds but yields no markup.
var ErrEmptyResponse = errors.New("fetch: empty response body")

// Page is a fetched HTML document and the URL it was requested from.
type Page struct {
	URL  string
	HTML []byte
}

// Document parses the page markup.
func (p Page) Document() (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", p.URL, err)
	}
	return doc, nil
}

// Fetcher returns the HTML for a URL. Implementations that render client-side
// script must wait for the page to be ready before returning.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string) (Page, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) (Page, error) {
	return f(ctx, url)
}

// HTTPError is a sanitized summary of a non-2xx response.
type HTTPError struct {
	Op         string
	StatusCode int
	Status     string

	// Snippet is a redacted, truncated hint of the response body.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "fetch http error"
	}
	msg := fmt.Sprintf("fetch error: op=%s status=%s", strings.TrimSpace(e.Op), strings.TrimSpace(e.Status))
	if strings.TrimSpace(e.Snippet) != "" {
		msg += " body=" + strings.TrimSpace(e.Snippet)
	}
	return msg
}

func newHTTPError(op string, resp *http.Response, body []byte) error {
	h := &HTTPError{Op: op}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = resp.Status
	}
	h.Snippet = redactAndTruncate(body)
	if h.StatusCode == http.StatusTooManyRequests || h.StatusCode/100 == 5 {
		return &core.TransientError{Err: h}
	}
	return h
}

func redactAndTruncate(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	const max = 256
	b := body
	if len(b) > max {
		b = b[:max]
	}
	s := redact.Secrets(string(b))
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(body) > max {
		return s + "..."
	}
	return s
}

// HTTP fetches raw (unrendered) HTML with a plain GET.
//
// It satisfies Fetcher for sites or test servers that do not need script execution.
type HTTP struct {
	client    *http.Client
	userAgent string
}

// NewHTTP constructs an HTTP fetcher. A zero timeout defaults to 60s.
func NewHTTP(timeout time.Duration, userAgent string) *HTTP {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = DefaultUserAgent
	}
	return &HTTP{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

func (h *HTTP) Fetch(ctx context.Context, target string) (Page, error) {
	body, err := get(ctx, h.client, "fetch", target, h.userAgent)
	if err != nil {
		return Page{}, err
	}
	return Page{URL: target, HTML: body}, nil
}

func get(ctx context.Context, hc *http.Client, op, target, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, newHTTPError(op, resp, b)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, ErrEmptyResponse
	}
	return b, nil
}
