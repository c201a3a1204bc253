package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if cfg.Pipeline.BusinessLimit != 3 {
		t.Fatalf("BusinessLimit=%d", cfg.Pipeline.BusinessLimit)
	}
	if cfg.Directory.PageSize != 15 || cfg.Directory.MaxPages != 0 {
		t.Fatalf("unexpected directory defaults: %+v", cfg.Directory)
	}
	if cfg.Fetcher.Kind != FetcherChrome || !cfg.Fetcher.Headless {
		t.Fatalf("unexpected fetcher defaults: %+v", cfg.Fetcher)
	}
	if cfg.Fallback.Kind != FallbackNone {
		t.Fatalf("Fallback.Kind=%q", cfg.Fallback.Kind)
	}
	if cfg.Output.Filename != "people.csv" {
		t.Fatalf("Output.Filename=%q", cfg.Output.Filename)
	}
}

func TestLoad_OverlaysYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
directory:
  max_pages: 2
  crawl_pause: 250ms
fetcher:
  kind: http
pipeline:
  business_limit: 10
  business_timeout: 2m
fallback:
  kind: ollama
  ollama:
    model: llama3
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Directory.MaxPages != 2 || cfg.Directory.CrawlPause != 250*time.Millisecond {
		t.Fatalf("unexpected directory: %+v", cfg.Directory)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Directory.PageSize != 15 {
		t.Fatalf("PageSize=%d", cfg.Directory.PageSize)
	}
	if cfg.Fetcher.Kind != FetcherHTTP {
		t.Fatalf("Fetcher.Kind=%q", cfg.Fetcher.Kind)
	}
	if cfg.Pipeline.BusinessLimit != 10 || cfg.Pipeline.BusinessTimeout != 2*time.Minute {
		t.Fatalf("unexpected pipeline: %+v", cfg.Pipeline)
	}
	if cfg.Fallback.Ollama.Model != "llama3" || cfg.Fallback.Ollama.URL == "" {
		t.Fatalf("unexpected ollama: %+v", cfg.Fallback.Ollama)
	}
}

func TestLoad_EmptyPathReturnsDefault(t *testing.T) {
	t.Parallel()

	cfg, err := Load("  ")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("pipeline: [1, 2"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"SCRAPEDO_TOKEN":  "tok",
		"RATE_LIMIT_RPS":  "2.5",
		"REQUEST_TIMEOUT": "30s",
		"MAX_RETRIES":     "2",
		"BUSINESS_LIMIT":  "0",
		"MAX_PAGES":       "4",
		"DEDUPE_LISTINGS": "true",
		"FETCHER":         "http",
		"HEADLESS":        "false",
		"FALLBACK":        "gemini",
		"GEMINI_API_KEY":  "key",
		"GEMINI_MODEL":    "gemini-2.5-flash",
		"OLLAMA_MODEL":    "   ",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Proxy.Token != "tok" || cfg.Proxy.RateLimitRPS != 2.5 || cfg.Proxy.RequestTimeout != 30*time.Second {
		t.Fatalf("unexpected proxy: %+v", cfg.Proxy)
	}
	if cfg.Pipeline.MaxRetries != 2 || cfg.Pipeline.BusinessLimit != 0 || !cfg.Pipeline.DedupeListings {
		t.Fatalf("unexpected pipeline: %+v", cfg.Pipeline)
	}
	if cfg.Directory.MaxPages != 4 {
		t.Fatalf("MaxPages=%d", cfg.Directory.MaxPages)
	}
	if cfg.Fetcher.Kind != "http" || cfg.Fetcher.Headless {
		t.Fatalf("unexpected fetcher: %+v", cfg.Fetcher)
	}
	if cfg.Fallback.Kind != "gemini" || cfg.Fallback.Gemini.APIKey != "key" {
		t.Fatalf("unexpected fallback: %+v", cfg.Fallback)
	}
	// Blank values are ignored.
	if cfg.Fallback.Ollama.Model != "mistral" {
		t.Fatalf("Ollama.Model=%q", cfg.Fallback.Ollama.Model)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"MAX_RETRIES":    "two",
		"CRAWL_PAUSE":    "1 second",
		"HEADLESS":       "maybe",
		"RATE_LIMIT_RPS": "fast",
	}))
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{`invalid MAX_RETRIES="two"`, `invalid CRAWL_PAUSE="1 second"`, `invalid HEADLESS="maybe"`, `invalid RATE_LIMIT_RPS="fast"`} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err.Error(), want)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		cfg := Default()
		cfg.Proxy.Token = "tok"
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.Proxy.Token = " " }, wantErr: "SCRAPEDO_TOKEN"},
		{name: "bad fetcher", mutate: func(c *Config) { c.Fetcher.Kind = "lynx" }, wantErr: "FETCHER"},
		{name: "gemini without key", mutate: func(c *Config) { c.Fallback.Kind = FallbackGemini; c.Fallback.Gemini.Model = "m" }, wantErr: "GEMINI_API_KEY"},
		{name: "unknown fallback", mutate: func(c *Config) { c.Fallback.Kind = "gpt" }, wantErr: "FALLBACK"},
		{name: "zero workers", mutate: func(c *Config) { c.Pipeline.Workers = 0 }, wantErr: "WORKERS"},
		{name: "negative retries", mutate: func(c *Config) { c.Pipeline.MaxRetries = -1 }, wantErr: "MAX_RETRIES"},
		{name: "negative pages", mutate: func(c *Config) { c.Directory.MaxPages = -1 }, wantErr: "MAX_PAGES"},
		{name: "no output", mutate: func(c *Config) { c.Output.Filename = "" }, wantErr: "output filename"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestConversions(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Pipeline.BusinessTimeout = time.Minute
	cfg.Directory.MaxPages = 3

	opts := cfg.PipelineOptions()
	if opts.BusinessLimit != 3 || opts.Workers != 1 || opts.BusinessTimeout != time.Minute {
		t.Fatalf("unexpected options: %+v", opts)
	}
	dc := cfg.DirectoryConfig()
	if dc.MaxPages != 3 || dc.Origin != "https://www.bbb.org" || dc.PageSize != 15 {
		t.Fatalf("unexpected directory config: %+v", dc)
	}
}
