package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultProxyBaseURL is the anti-block scraping API used for people-search pages.
const DefaultProxyBaseURL = "http://api.scrape.do"

// ProxyConfig configures the proxied fetch client.
type ProxyConfig struct {
	BaseURL string
	Token   string

	// GeoCode selects the exit country. Defaults to "us".
	GeoCode string
	// Super requests residential exits and the enhanced anti-block mode.
	Super bool

	Timeout      time.Duration
	RateLimitRPS float64
	HTTPClient   *http.Client
}

// Proxy fetches target pages through a scrape.do-style proxy API: the target URL,
// the access token and the routing flags travel as query parameters, and the
// response body is the target page's raw HTML.
type Proxy struct {
	baseURL string
	token   string
	geoCode string
	super   bool
	client  *http.Client
	limiter *rate.Limiter
}

func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = DefaultProxyBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, err
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("proxy token is required")
	}
	geo := strings.TrimSpace(cfg.GeoCode)
	if geo == "" {
		geo = "us"
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	}

	return &Proxy{
		baseURL: strings.TrimRight(base, "/"),
		token:   token,
		geoCode: geo,
		super:   cfg.Super,
		client:  hc,
		limiter: limiter,
	}, nil
}

// RequestURL builds the proxy request for a target page.
func (p *Proxy) RequestURL(target string) string {
	var b strings.Builder
	b.WriteString(p.baseURL)
	b.WriteString("?url=")
	b.WriteString(url.QueryEscape(target))
	b.WriteString("&token=")
	b.WriteString(url.QueryEscape(p.token))
	if p.super {
		b.WriteString("&super=true")
	}
	b.WriteString("&geoCode=")
	b.WriteString(url.QueryEscape(p.geoCode))
	return b.String()
}

// Get fetches target through the proxy. 429 and 5xx responses are transient.
func (p *Proxy) Get(ctx context.Context, target string) (Page, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return Page{}, err
		}
	}
	body, err := get(ctx, p.client, "proxy", p.RequestURL(target), "")
	if err != nil {
		return Page{}, err
	}
	return Page{URL: target, HTML: body}, nil
}

// Fetch lets the proxy stand in wherever a Fetcher is expected.
func (p *Proxy) Fetch(ctx context.Context, target string) (Page, error) {
	return p.Get(ctx, target)
}
