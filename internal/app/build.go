package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-owner-search/internal/business"
	"github.com/palantir/palantir-compute-module-owner-search/internal/config"
	"github.com/palantir/palantir-compute-module-owner-search/internal/directory"
	"github.com/palantir/palantir-compute-module-owner-search/internal/enrich"
	"github.com/palantir/palantir-compute-module-owner-search/internal/enrich/gemini"
	"github.com/palantir/palantir-compute-module-owner-search/internal/enrich/ollama"
	"github.com/palantir/palantir-compute-module-owner-search/internal/fetch"
	"github.com/palantir/palantir-compute-module-owner-search/internal/people"
	"github.com/palantir/palantir-compute-module-owner-search/internal/pipeline"
)

// Logf is the line logger threaded through every stage.
type Logf func(format string, args ...any)

// NewRunLogger returns a run id and a logger that prefixes every line with it.
func NewRunLogger(w io.Writer) (string, Logf) {
	logger := log.New(w, "", log.LstdFlags)
	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
	return runID, func(format string, args ...any) {
		prefix := make([]any, 0, len(args)+1)
		prefix = append(prefix, runID)
		prefix = append(prefix, args...)
		logger.Printf("run=%s "+format, prefix...)
	}
}

// Searcher owns the fetchers and stages of one configured pipeline.
type Searcher struct {
	orchestrator *pipeline.Orchestrator
	closers      []func()
}

// Search runs one query through the pipeline.
func (s *Searcher) Search(ctx context.Context, q directory.Query) (pipeline.Result, error) {
	return s.orchestrator.Run(ctx, q)
}

// Close releases the browser, if one was started.
func (s *Searcher) Close() {
	for _, c := range s.closers {
		c()
	}
	s.closers = nil
}

// Stages lets callers replace the fetchers Build would construct. Nil fields are
// built from the config.
type Stages struct {
	Site     fetch.Fetcher
	People   fetch.Fetcher
	Fallback enrich.OwnerResolver
}

// Build wires cfg into a Searcher. The site fetcher (directory and profile
// pages) follows cfg.Fetcher.Kind; people-search pages go through the proxy.
func Build(ctx context.Context, cfg config.Config, overrides Stages, notifier pipeline.Notifier, logf Logf) (*Searcher, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	s := &Searcher{}

	site := overrides.Site
	if site == nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Fetcher.Kind)) {
		case config.FetcherHTTP:
			site = fetch.NewHTTP(cfg.Fetcher.PageTimeout, cfg.Fetcher.UserAgent)
		default:
			chrome := fetch.NewChrome(fetch.ChromeOptions{
				Headless:    cfg.Fetcher.Headless,
				UserAgent:   cfg.Fetcher.UserAgent,
				PageTimeout: cfg.Fetcher.PageTimeout,
				Settle:      cfg.Fetcher.Settle,
			})
			s.closers = append(s.closers, chrome.Close)
			site = chrome
		}
	}

	peopleFetcher := overrides.People
	if peopleFetcher == nil {
		proxy, err := fetch.NewProxy(fetch.ProxyConfig{
			BaseURL:      cfg.Proxy.BaseURL,
			Token:        cfg.Proxy.Token,
			GeoCode:      cfg.Proxy.GeoCode,
			Super:        cfg.Proxy.Super,
			Timeout:      cfg.Proxy.RequestTimeout,
			RateLimitRPS: cfg.Proxy.RateLimitRPS,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		peopleFetcher = proxy
	}

	fallback := overrides.Fallback
	if fallback == nil {
		var err error
		fallback, err = newFallback(ctx, cfg.Fallback)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	if fallback != nil {
		fallback = tracedResolver{next: fallback, logf: logf}
	}

	crawler := directory.NewCrawler(tracedFetcher{next: site, stage: "directory", logf: logf}, cfg.DirectoryConfig())
	crawler.Logf = logf
	peopleCfg := people.Config{Origin: cfg.People.Origin, SupportEmail: cfg.People.SupportEmail}

	s.orchestrator = pipeline.New(pipeline.Stages{
		Directory: crawler,
		Profiles:  business.NewExtractor(tracedFetcher{next: site, stage: "profile", logf: logf}, fallback),
		Identity:  people.NewResolver(tracedFetcher{next: peopleFetcher, stage: "people-search", logf: logf}, peopleCfg),
		Details:   people.NewHarvester(tracedFetcher{next: peopleFetcher, stage: "people-detail", logf: logf}, peopleCfg),
	}, cfg.PipelineOptions(), notifier)
	s.orchestrator.Logf = logf

	logf("pipeline ready: fetcher=%s fallback=%s businessLimit=%d maxPages=%d workers=%d maxRetries=%d proxyRPS=%g",
		cfg.Fetcher.Kind, fallbackKind(cfg.Fallback, overrides.Fallback), cfg.Pipeline.BusinessLimit,
		cfg.Directory.MaxPages, cfg.Pipeline.Workers, cfg.Pipeline.MaxRetries, cfg.Proxy.RateLimitRPS)
	return s, nil
}

func newFallback(ctx context.Context, fc config.Fallback) (enrich.OwnerResolver, error) {
	switch strings.ToLower(strings.TrimSpace(fc.Kind)) {
	case config.FallbackGemini:
		r, err := gemini.New(ctx, gemini.Config{
			APIKey:  fc.Gemini.APIKey,
			Model:   fc.Gemini.Model,
			BaseURL: fc.Gemini.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini fallback: %w", err)
		}
		return r, nil
	case config.FallbackOllama:
		return ollama.New(ollama.Config{
			URL:     fc.Ollama.URL,
			Model:   fc.Ollama.Model,
			Timeout: fc.Ollama.Timeout,
		}), nil
	default:
		return nil, nil
	}
}

func fallbackKind(fc config.Fallback, override enrich.OwnerResolver) string {
	if override != nil {
		return "custom"
	}
	if k := strings.TrimSpace(fc.Kind); k != "" {
		return k
	}
	return config.FallbackNone
}
