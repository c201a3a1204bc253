// Package config assembles run configuration from defaults, an optional YAML
// file and environment variables. Command-line flags are applied last by the
// caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-owner-search/internal/directory"
	"github.com/palantir/palantir-compute-module-owner-search/internal/enrich/ollama"
	"github.com/palantir/palantir-compute-module-owner-search/internal/fetch"
	"github.com/palantir/palantir-compute-module-owner-search/internal/people"
	"github.com/palantir/palantir-compute-module-owner-search/internal/pipeline"
	"gopkg.in/yaml.v3"
)

// PathEnv names the variable that points at a YAML config file.
const PathEnv = "OWNERFINDER_CONFIG"

const (
	FetcherChrome = "chrome"
	FetcherHTTP   = "http"

	FallbackNone   = "none"
	FallbackGemini = "gemini"
	FallbackOllama = "ollama"
)

type Config struct {
	Directory Directory `yaml:"directory"`
	Fetcher   Fetcher   `yaml:"fetcher"`
	Proxy     Proxy     `yaml:"proxy"`
	People    People    `yaml:"people"`
	Fallback  Fallback  `yaml:"fallback"`
	Pipeline  Pipeline  `yaml:"pipeline"`
	Output    Output    `yaml:"output"`
}

type Directory struct {
	Origin     string        `yaml:"origin"`
	Country    string        `yaml:"country"`
	Latitude   string        `yaml:"latitude"`
	Longitude  string        `yaml:"longitude"`
	PageSize   int           `yaml:"page_size"`
	MaxPages   int           `yaml:"max_pages"`
	CrawlPause time.Duration `yaml:"crawl_pause"`
}

type Fetcher struct {
	// Kind is "chrome" (rendered) or "http" (raw GET).
	Kind        string        `yaml:"kind"`
	Headless    bool          `yaml:"headless"`
	UserAgent   string        `yaml:"user_agent"`
	PageTimeout time.Duration `yaml:"page_timeout"`
	Settle      time.Duration `yaml:"settle"`
}

type Proxy struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	GeoCode        string        `yaml:"geo_code"`
	Super          bool          `yaml:"super"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type People struct {
	Origin       string `yaml:"origin"`
	SupportEmail string `yaml:"support_email"`
}

type Fallback struct {
	// Kind is "none", "gemini" or "ollama".
	Kind   string `yaml:"kind"`
	Gemini Gemini `yaml:"gemini"`
	Ollama Ollama `yaml:"ollama"`
}

type Gemini struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type Ollama struct {
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type Pipeline struct {
	BusinessLimit   int           `yaml:"business_limit"`
	DedupeListings  bool          `yaml:"dedupe_listings"`
	Workers         int           `yaml:"workers"`
	MaxRetries      int           `yaml:"max_retries"`
	BusinessTimeout time.Duration `yaml:"business_timeout"`
}

type Output struct {
	Filename string `yaml:"filename"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Directory: Directory{
			Origin:     directory.DefaultOrigin,
			Country:    directory.DefaultCountry,
			Latitude:   directory.DefaultLatitude,
			Longitude:  directory.DefaultLongitude,
			PageSize:   directory.DefaultPageSize,
			CrawlPause: directory.DefaultCrawlPause,
		},
		Fetcher: Fetcher{
			Kind:        FetcherChrome,
			Headless:    true,
			UserAgent:   fetch.DefaultUserAgent,
			PageTimeout: 60 * time.Second,
		},
		Proxy: Proxy{
			BaseURL:        fetch.DefaultProxyBaseURL,
			GeoCode:        "us",
			Super:          true,
			RequestTimeout: 90 * time.Second,
		},
		People: People{
			Origin:       people.DefaultOrigin,
			SupportEmail: people.DefaultSupportEmail,
		},
		Fallback: Fallback{
			Kind:   FallbackNone,
			Ollama: Ollama{URL: ollama.DefaultURL, Model: ollama.DefaultModel},
		},
		Pipeline: Pipeline{
			BusinessLimit: pipeline.DefaultBusinessLimit,
			Workers:       1,
		},
		Output: Output{Filename: "people.csv"},
	}
}

// Load returns Default overlaid with the YAML file at path. An empty path
// returns Default unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg with any of the supported environment variables that are set.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	e := envReader{lookup: lookup}

	e.str("SCRAPEDO_TOKEN", &c.Proxy.Token)
	e.str("PROXY_BASE_URL", &c.Proxy.BaseURL)
	e.float("RATE_LIMIT_RPS", &c.Proxy.RateLimitRPS)
	e.duration("REQUEST_TIMEOUT", &c.Proxy.RequestTimeout)

	e.int("MAX_RETRIES", &c.Pipeline.MaxRetries)
	e.int("BUSINESS_LIMIT", &c.Pipeline.BusinessLimit)
	e.int("WORKERS", &c.Pipeline.Workers)
	e.bool("DEDUPE_LISTINGS", &c.Pipeline.DedupeListings)

	e.int("MAX_PAGES", &c.Directory.MaxPages)
	e.duration("CRAWL_PAUSE", &c.Directory.CrawlPause)

	e.str("FETCHER", &c.Fetcher.Kind)
	e.bool("HEADLESS", &c.Fetcher.Headless)

	e.str("FALLBACK", &c.Fallback.Kind)
	e.str("GEMINI_API_KEY", &c.Fallback.Gemini.APIKey)
	e.str("GEMINI_MODEL", &c.Fallback.Gemini.Model)
	e.str("GEMINI_BASE_URL", &c.Fallback.Gemini.BaseURL)
	e.str("OLLAMA_URL", &c.Fallback.Ollama.URL)
	e.str("OLLAMA_MODEL", &c.Fallback.Ollama.Model)

	e.str("OUTPUT_FILENAME", &c.Output.Filename)

	return errors.Join(e.errs...)
}

// Validate checks that the configuration can drive a run.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Proxy.Token) == "" {
		errs = append(errs, errors.New("SCRAPEDO_TOKEN is required"))
	}
	if c.Directory.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("directory.page_size must be positive, got %d", c.Directory.PageSize))
	}
	if c.Directory.MaxPages < 0 {
		errs = append(errs, fmt.Errorf("MAX_PAGES must be >= 0, got %d", c.Directory.MaxPages))
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKERS must be >= 1, got %d", c.Pipeline.Workers))
	}
	if c.Pipeline.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be >= 0, got %d", c.Pipeline.MaxRetries))
	}
	if c.Proxy.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be >= 0, got %v", c.Proxy.RateLimitRPS))
	}

	switch strings.ToLower(strings.TrimSpace(c.Fetcher.Kind)) {
	case FetcherChrome, FetcherHTTP:
	default:
		errs = append(errs, fmt.Errorf("FETCHER must be %q or %q, got %q", FetcherChrome, FetcherHTTP, c.Fetcher.Kind))
	}

	switch strings.ToLower(strings.TrimSpace(c.Fallback.Kind)) {
	case FallbackNone, "":
	case FallbackGemini:
		if strings.TrimSpace(c.Fallback.Gemini.APIKey) == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required when FALLBACK=gemini"))
		}
		if strings.TrimSpace(c.Fallback.Gemini.Model) == "" {
			errs = append(errs, errors.New("GEMINI_MODEL is required when FALLBACK=gemini"))
		}
	case FallbackOllama:
		if strings.TrimSpace(c.Fallback.Ollama.URL) == "" {
			errs = append(errs, errors.New("OLLAMA_URL is required when FALLBACK=ollama"))
		}
	default:
		errs = append(errs, fmt.Errorf("FALLBACK must be none, gemini or ollama, got %q", c.Fallback.Kind))
	}

	if strings.TrimSpace(c.Output.Filename) == "" {
		errs = append(errs, errors.New("output filename is required"))
	}
	return errors.Join(errs...)
}

// PipelineOptions converts the pipeline section for the orchestrator.
func (c Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		BusinessLimit:   c.Pipeline.BusinessLimit,
		DedupeListings:  c.Pipeline.DedupeListings,
		Workers:         c.Pipeline.Workers,
		MaxRetries:      c.Pipeline.MaxRetries,
		BusinessTimeout: c.Pipeline.BusinessTimeout,
	}
}

// DirectoryConfig converts the directory section for the crawler.
func (c Config) DirectoryConfig() directory.Config {
	return directory.Config{
		Origin:     c.Directory.Origin,
		Country:    c.Directory.Country,
		Latitude:   c.Directory.Latitude,
		Longitude:  c.Directory.Longitude,
		PageSize:   c.Directory.PageSize,
		MaxPages:   c.Directory.MaxPages,
		CrawlPause: c.Directory.CrawlPause,
	}
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
		return
	}
	*dst = f
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
		return
	}
	*dst = d
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
		return
	}
	*dst = b
}
