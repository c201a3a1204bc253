package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/palantir/palantir-compute-module-owner-search/internal/app"
	"github.com/palantir/palantir-compute-module-owner-search/internal/config"
	"github.com/palantir/palantir-compute-module-owner-search/internal/directory"
	"github.com/palantir/palantir-compute-module-owner-search/internal/pipeline"
	"github.com/palantir/palantir-compute-module-owner-search/internal/version"
	"github.com/palantir/palantir-compute-module-owner-search/pkg/foundry"
	"github.com/palantir/palantir-compute-module-owner-search/pkg/foundry/keepalive"
	"github.com/palantir/palantir-compute-module-owner-search/pkg/pipeline/redact"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		_, _ = fmt.Fprintf(os.Stderr, "config error: .env: %s\n", redact.Secrets(err.Error()))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
	case "version", "--version":
		_, _ = fmt.Fprintln(os.Stdout, version.Current)
	case "local":
		code = runLocal(ctx, os.Args[2:])
	case "foundry":
		code = runFoundry(ctx, os.Args[2:])
	case "serve":
		code = runServe(ctx, os.Args[2:])
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		code = 2
	}
	stop()
	os.Exit(code)
}

// loadConfig reads the YAML file named by --config (or OWNERFINDER_CONFIG) and
// overlays the environment. Flags parsed later override both.
func loadConfig(args []string) (config.Config, error) {
	path := strings.TrimSpace(os.Getenv(config.PathEnv))
	for i, a := range args {
		switch {
		case a == "--config" || a == "-config":
			if i+1 < len(args) {
				path = args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			path = strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-config="):
			path = strings.TrimPrefix(a, "-config=")
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func bindPipelineFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.String("config", os.Getenv(config.PathEnv), "YAML config file (env: "+config.PathEnv+")")
	fs.IntVar(&cfg.Directory.MaxPages, "max-pages", cfg.Directory.MaxPages, "Max directory result pages, 0 means all (env: MAX_PAGES)")
	fs.IntVar(&cfg.Pipeline.BusinessLimit, "business-limit", cfg.Pipeline.BusinessLimit, "Businesses processed per query, 0 means all (env: BUSINESS_LIMIT)")
	fs.BoolVar(&cfg.Pipeline.DedupeListings, "dedupe-listings", cfg.Pipeline.DedupeListings, "Drop repeated profile URLs (env: DEDUPE_LISTINGS)")
	fs.IntVar(&cfg.Pipeline.Workers, "workers", cfg.Pipeline.Workers, "Businesses processed concurrently (env: WORKERS)")
	fs.IntVar(&cfg.Pipeline.MaxRetries, "max-retries", cfg.Pipeline.MaxRetries, "Retries per business for transient failures (env: MAX_RETRIES)")
	fs.DurationVar(&cfg.Pipeline.BusinessTimeout, "business-timeout", cfg.Pipeline.BusinessTimeout, "Per-business timeout, 0 disables (env: REQUEST_TIMEOUT)")
	fs.Float64Var(&cfg.Proxy.RateLimitRPS, "rate-limit-rps", cfg.Proxy.RateLimitRPS, "Proxy request rate limit (RPS), 0 disables (env: RATE_LIMIT_RPS)")
	fs.StringVar(&cfg.Fetcher.Kind, "fetcher", cfg.Fetcher.Kind, "Directory fetcher: chrome or http (env: FETCHER)")
	fs.BoolVar(&cfg.Fetcher.Headless, "headless", cfg.Fetcher.Headless, "Run Chrome headless (env: HEADLESS)")
	fs.StringVar(&cfg.Fallback.Kind, "fallback", cfg.Fallback.Kind, "Owner fallback: none, gemini or ollama (env: FALLBACK)")
	fs.StringVar(&cfg.Fallback.Gemini.Model, "gemini-model", cfg.Fallback.Gemini.Model, "Gemini model name (env: GEMINI_MODEL)")
	fs.StringVar(&cfg.Fallback.Ollama.Model, "ollama-model", cfg.Fallback.Ollama.Model, "Ollama model name (env: OLLAMA_MODEL)")
}

func runLocal(ctx context.Context, args []string) int {
	cfg, err := loadConfig(args)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}

	fs := flag.NewFlagSet("local", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var keywords, location, outputPath string
	fs.StringVar(&keywords, "keywords", "", "Business search keywords (required)")
	fs.StringVar(&location, "location", "", "Search location, e.g. \"Las Vegas, NV\"")
	fs.StringVar(&outputPath, "output", cfg.Output.Filename, "Output CSV file path (env: OUTPUT_FILENAME)")
	bindPipelineFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(keywords) == "" {
		_, _ = fmt.Fprintln(os.Stderr, "local requires --keywords")
		return 2
	}
	cfg.Output.Filename = outputPath
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}

	runID, logf := app.NewRunLogger(os.Stderr)
	logf("ownerfinder %s local start", version.Current)
	s, err := app.Build(ctx, cfg, app.Stages{}, pipeline.LogNotifier{Logf: logf}, logf)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}
	defer s.Close()

	if err := app.RunLocal(ctx, s, directory.Query{Keywords: keywords, Location: location}, outputPath, logf); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "local run failed: run=%s %s\n", runID, redact.Secrets(err.Error()))
		return 1
	}
	return 0
}

func runFoundry(ctx context.Context, args []string) int {
	cfg, err := loadConfig(args)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}

	fs := flag.NewFlagSet("foundry", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	inputAlias := fs.String("input-alias", "input", "Alias name for the query dataset in RESOURCE_ALIAS_MAP")
	outputAlias := fs.String("output-alias", "output", "Alias name for the output dataset in RESOURCE_ALIAS_MAP")
	outputFilename := fs.String("output-filename", cfg.Output.Filename, "Filename to upload into the output dataset transaction (env: OUTPUT_FILENAME)")
	bindPipelineFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg.Output.Filename = *outputFilename

	runID, logf := app.NewRunLogger(os.Stderr)
	if code := applySourceCredentials(&cfg, logf); code != 0 {
		return code
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}

	env, err := foundry.LoadEnv()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "foundry env error: %s\n", redact.Secrets(err.Error()))
		return 2
	}
	kcfg, serveJobs, err := keepalive.LoadConfigFromEnv()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "compute module env error: %s\n", redact.Secrets(err.Error()))
		return 2
	}

	logf("ownerfinder %s foundry start", version.Current)
	s, err := app.Build(ctx, cfg, app.Stages{}, pipeline.LogNotifier{Logf: logf}, logf)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}
	defer s.Close()

	err = app.RunFoundry(ctx, env, s, app.FoundryOptions{
		InputAlias:     *inputAlias,
		OutputAlias:    *outputAlias,
		OutputFilename: cfg.Output.Filename,
	}, logf)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "foundry run failed: run=%s %s\n", runID, redact.Secrets(err.Error()))
		return 1
	}

	// Under the compute-module runtime the container must stay up after the
	// pipeline run; keep answering jobs until shutdown.
	if serveJobs {
		return serveLoop(ctx, kcfg, s, logf)
	}
	return 0
}

func runServe(ctx context.Context, args []string) int {
	cfg, err := loadConfig(args)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	bindPipelineFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_, logf := app.NewRunLogger(os.Stderr)
	if code := applySourceCredentials(&cfg, logf); code != 0 {
		return code
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}
	kcfg, ok, err := keepalive.LoadConfigFromEnv()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "compute module env error: %s\n", redact.Secrets(err.Error()))
		return 2
	}
	if !ok {
		_, _ = fmt.Fprintln(os.Stderr, "serve requires GET_JOB_URI and POST_RESULT_URI")
		return 2
	}

	logf("ownerfinder %s serve start", version.Current)
	s, err := app.Build(ctx, cfg, app.Stages{}, pipeline.LogNotifier{Logf: logf}, logf)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}
	defer s.Close()
	return serveLoop(ctx, kcfg, s, logf)
}

func serveLoop(ctx context.Context, kcfg keepalive.Config, s *app.Searcher, logf app.Logf) int {
	kcfg.Logf = logf
	logf("compute module loop start: getJob=%s", kcfg.GetJobURI)
	if err := keepalive.RunLoop(ctx, kcfg, app.JobHandler(s, logf)); err != nil && !errors.Is(err, context.Canceled) {
		_, _ = fmt.Fprintf(os.Stderr, "compute module loop failed: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	logf("compute module loop stopped")
	return 0
}

func applySourceCredentials(cfg *config.Config, logf app.Logf) int {
	sc, ok, err := foundry.LoadSourceCredentialsFromEnv()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}
	if !ok {
		return 0
	}
	if used := app.ApplySourceCredentials(cfg, sc); len(used) > 0 {
		logf("source credentials used: %s", strings.Join(used, ","))
	}
	return 0
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `ownerfinder: business owner contact search (local, Foundry pipeline and compute-module modes)

Usage:
  ownerfinder <command> [flags]

Commands:
  local    Search one query and write a CSV file
  foundry  Read queries from the input dataset and upload one CSV (uses BUILD2_TOKEN + RESOURCE_ALIAS_MAP)
  serve    Answer compute-module jobs {"keywords": "...", "location": "..."} with CSV results
  version  Print the version

Examples:
  ownerfinder local --keywords plumbing --location "Las Vegas, NV" --output people.csv
  ownerfinder local --keywords roofing --fetcher http --fallback gemini --business-limit 0

Configuration:
  A YAML file (--config or %s) is read first, then the environment, then flags.
  A .env file in the working directory is loaded when present.

Environment (search):
  SCRAPEDO_TOKEN   Proxy token for people-search pages (required)
  PROXY_BASE_URL   Proxy endpoint override
  FETCHER          chrome (default) or http
  MAX_PAGES        Cap on directory result pages
  BUSINESS_LIMIT   Businesses processed per query (default 3, 0 means all)

Environment (fallback):
  FALLBACK         none (default), gemini or ollama
  GEMINI_API_KEY   Gemini API key
  GEMINI_MODEL     Gemini model name
  OLLAMA_URL       Ollama endpoint
  OLLAMA_MODEL     Ollama model name

Environment (foundry):
  FOUNDRY_URL         Foundry base URL (e.g. https://<stack>.palantirfoundry.com)
  BUILD2_TOKEN        File path containing a bearer token
  RESOURCE_ALIAS_MAP  File path containing alias -> {rid, branch} JSON
  SOURCE_CREDENTIALS  Optional; may supply %s and %s

`, config.PathEnv, app.ProxyTokenSecret, app.GeminiAPIKeySecret)
}
