// Package directory discovers business profile URLs from the business directory's
// paginated search results.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/palantir/palantir-compute-module-owner-search/internal/fetch"
)

const (
	DefaultOrigin     = "https://www.bbb.org"
	DefaultCountry    = "USA"
	DefaultLatitude   = "36.142467"
	DefaultLongitude  = "-115.204160"
	DefaultPageSize   = 15
	DefaultCrawlPause = time.Second
)

// ErrNoResultCount is returned when the first results page has no parsable result count.
var ErrNoResultCount = errors.New("directory: result count heading not found")

// Query is one directory search, immutable for the length of a run.
type Query struct {
	Keywords string
	Location string
}

// Listing is a business discovered by the search.
type Listing struct {
	ProfileURL string
}

// Config controls URL construction and pagination.
type Config struct {
	Origin    string
	Country   string
	Latitude  string
	Longitude string

	// PageSize is the number of results the directory shows per page.
	PageSize int
	// MaxPages caps the number of pages fetched. 0 means no cap.
	MaxPages int
	// CrawlPause is slept once after the last page. Negative disables it.
	CrawlPause time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Origin) == "" {
		c.Origin = DefaultOrigin
	}
	c.Origin = strings.TrimRight(c.Origin, "/")
	if c.Country == "" {
		c.Country = DefaultCountry
	}
	if c.Latitude == "" && c.Longitude == "" {
		c.Latitude = DefaultLatitude
		c.Longitude = DefaultLongitude
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.CrawlPause == 0 {
		c.CrawlPause = DefaultCrawlPause
	}
	return c
}

// Crawler pages through the directory search with a rendering fetcher.
type Crawler struct {
	fetcher fetch.Fetcher
	cfg     Config

	// Logf receives per-page diagnostics. Nil discards them.
	Logf func(format string, args ...any)
}

func NewCrawler(fetcher fetch.Fetcher, cfg Config) *Crawler {
	return &Crawler{fetcher: fetcher, cfg: cfg.withDefaults()}
}

func (c *Crawler) logf(format string, args ...any) {
	if c.Logf != nil {
		c.Logf(format, args...)
	}
}

// Discover returns the listings of every results page, in page-then-position order.
//
// The first page must yield a result count; later pages that fail to load
// contribute no listings.
func (c *Crawler) Discover(ctx context.Context, q Query) ([]Listing, error) {
	first, err := c.fetchPage(ctx, q, 1)
	if err != nil {
		return nil, fmt.Errorf("search page 1: %w", err)
	}
	total, err := ParseResultCount(first)
	if err != nil {
		return nil, err
	}

	pages := PageCount(total, c.cfg.PageSize)
	if c.cfg.MaxPages > 0 && pages > c.cfg.MaxPages {
		pages = c.cfg.MaxPages
	}
	c.logf("directory: results=%d pages=%d", total, pages)

	listings := ParseListings(first, c.cfg.Origin)
	for page := 2; page <= pages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := c.fetchPage(ctx, q, page)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logf("directory: page=%d skipped: %v", page, err)
			continue
		}
		found := ParseListings(doc, c.cfg.Origin)
		c.logf("directory: page=%d listings=%d", page, len(found))
		listings = append(listings, found...)
	}

	if err := pause(ctx, c.cfg.CrawlPause); err != nil {
		return nil, err
	}
	return listings, nil
}

func (c *Crawler) fetchPage(ctx context.Context, q Query, page int) (*goquery.Document, error) {
	p, err := c.fetcher.Fetch(ctx, SearchURL(c.cfg, q, page))
	if err != nil {
		return nil, err
	}
	return p.Document()
}

// SearchURL builds the results URL for one page. Location tokens are joined with
// %20 and keyword tokens with +, the way the directory's own search form does.
func SearchURL(cfg Config, q Query, page int) string {
	cfg = cfg.withDefaults()
	var b strings.Builder
	b.WriteString(cfg.Origin)
	b.WriteString("/search?find_country=")
	b.WriteString(url.QueryEscape(cfg.Country))
	b.WriteString("&find_latlng=")
	b.WriteString(url.QueryEscape(cfg.Latitude))
	b.WriteString("%2C")
	b.WriteString(url.QueryEscape(cfg.Longitude))
	b.WriteString("&find_loc=")
	b.WriteString(joinTokens(q.Location, "%20"))
	b.WriteString("&find_text=")
	b.WriteString(joinTokens(q.Keywords, "+"))
	b.WriteString("&page=")
	b.WriteString(strconv.Itoa(page))
	b.WriteString("&touched=1")
	return b.String()
}

func joinTokens(s, sep string) string {
	fields := strings.Fields(s)
	for i, f := range fields {
		fields[i] = url.QueryEscape(f)
	}
	return strings.Join(fields, sep)
}

// ParseResultCount reads the total from the results heading ("Showing 123 Results ...").
func ParseResultCount(doc *goquery.Document) (int, error) {
	heading := doc.Find("h1.search-results-heading").First()
	if heading.Length() == 0 {
		return 0, ErrNoResultCount
	}
	for _, tok := range strings.Fields(heading.Text()) {
		n, err := strconv.Atoi(strings.ReplaceAll(tok, ",", ""))
		if err == nil && n >= 0 {
			return n, nil
		}
	}
	return 0, ErrNoResultCount
}

// PageCount is the number of result pages requested for total results.
//
// It is total/pageSize+1, which over-fetches one empty page when total is an exact
// multiple of pageSize.
func PageCount(total, pageSize int) int {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if total < 0 {
		total = 0
	}
	return total/pageSize + 1
}

// ParseListings extracts the listing links of one results page as absolute URLs.
func ParseListings(doc *goquery.Document, origin string) []Listing {
	base, _ := url.Parse(strings.TrimRight(origin, "/") + "/")
	var out []Listing
	doc.Find("a.text-blue-medium").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			return
		}
		out = append(out, Listing{ProfileURL: absolute(base, href)})
	})
	return out
}

func absolute(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// Dedupe drops repeated profile URLs, keeping first occurrences.
func Dedupe(listings []Listing) []Listing {
	seen := make(map[string]struct{}, len(listings))
	out := make([]Listing, 0, len(listings))
	for _, l := range listings {
		if _, ok := seen[l.ProfileURL]; ok {
			continue
		}
		seen[l.ProfileURL] = struct{}{}
		out = append(out, l)
	}
	return out
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
