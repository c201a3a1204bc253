package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-owner-search/internal/config"
	"github.com/palantir/palantir-compute-module-owner-search/internal/directory"
	"github.com/palantir/palantir-compute-module-owner-search/internal/pipeline"
	"github.com/palantir/palantir-compute-module-owner-search/pkg/foundry"
	"github.com/palantir/palantir-compute-module-owner-search/pkg/foundry/keepalive"
	"github.com/palantir/palantir-compute-module-owner-search/pkg/pipeline/core"
	foundryio "github.com/palantir/palantir-compute-module-owner-search/pkg/pipeline/io/foundry"
	localio "github.com/palantir/palantir-compute-module-owner-search/pkg/pipeline/io/local"
)

// RunLocal searches one query and writes the result CSV to outputPath.
func RunLocal(ctx context.Context, s *Searcher, q directory.Query, outputPath string, logf Logf) error {
	if strings.TrimSpace(q.Keywords) == "" {
		return errors.New("keywords are required")
	}
	sink := localio.CSVFile[pipeline.ContactRecord]{Path: outputPath, Encode: pipeline.WriteCSV}
	return runQueries(ctx, s, []directory.Query{q}, sink, logf)
}

// FoundryOptions names the datasets of a pipeline-mode run.
type FoundryOptions struct {
	InputAlias     string
	OutputAlias    string
	OutputFilename string
}

// RunFoundry reads queries from the input dataset, searches each and uploads
// the combined, deduplicated records as one CSV to the output dataset.
func RunFoundry(ctx context.Context, env foundry.Env, s *Searcher, opts FoundryOptions, logf Logf) error {
	inputRef, err := env.Alias(opts.InputAlias)
	if err != nil {
		return err
	}
	outputRef, err := env.Alias(opts.OutputAlias)
	if err != nil {
		return err
	}
	client, err := foundry.NewClient(env.Services.APIGateway, env.Token, env.DefaultCAPath)
	if err != nil {
		return err
	}
	logf("foundry run start: input=%s@%s output=%s@%s filename=%s",
		inputRef.RID, inputRef.Branch, outputRef.RID, outputRef.Branch, opts.OutputFilename)

	readStart := time.Now()
	inputs, err := foundryio.ReadInputQueries(ctx, client, inputRef)
	if err != nil {
		return err
	}
	logf("loaded %d queries from input dataset in %s", len(inputs), time.Since(readStart).Round(time.Millisecond))

	queries := make([]directory.Query, 0, len(inputs))
	for _, in := range inputs {
		queries = append(queries, directory.Query{Keywords: in.Keywords, Location: in.Location})
	}
	sink := foundryio.DatasetCSV[pipeline.ContactRecord]{
		Client:   client,
		Ref:      outputRef,
		Filename: opts.OutputFilename,
		Encode:   pipeline.WriteCSV,
	}
	return runQueries(ctx, s, queries, sink, logf)
}

func runQueries(ctx context.Context, s *Searcher, queries []directory.Query, sink core.OutputAdapter[pipeline.ContactRecord], logf Logf) error {
	runStart := time.Now()
	var all []pipeline.ContactRecord
	for i, q := range queries {
		logf("query %d/%d start: keywords=%q location=%q", i+1, len(queries), q.Keywords, q.Location)
		res, err := s.Search(ctx, q)
		if err != nil {
			return err
		}
		logReport(logf, res.Report)
		all = append(all, res.Records...)
	}
	records, dups := pipeline.Dedupe(all)
	if dups > 0 {
		logf("dropped %d duplicate records across queries", dups)
	}

	writeStart := time.Now()
	if err := sink.Store(ctx, records); err != nil {
		return fmt.Errorf("store results: %w", err)
	}
	logf("run complete: queries=%d records=%d write=%s total=%s",
		len(queries), len(records), time.Since(writeStart).Round(time.Millisecond), time.Since(runStart).Round(time.Millisecond))
	return nil
}

type jobQuery struct {
	Keywords string `json:"keywords"`
	Location string `json:"location"`
}

// JobHandler answers compute-module jobs whose query is
// {"keywords": "...", "location": "..."} with the result CSV.
func JobHandler(s *Searcher, logf Logf) keepalive.Handler {
	return func(ctx context.Context, job keepalive.Job) ([]byte, error) {
		q, err := parseJobQuery(job.Query)
		if err != nil {
			return nil, err
		}
		res, err := s.Search(ctx, q)
		if err != nil {
			return nil, err
		}
		logReport(logf, res.Report)

		var buf bytes.Buffer
		if err := pipeline.WriteCSV(&buf, res.Records); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}

func parseJobQuery(raw json.RawMessage) (directory.Query, error) {
	var jq jobQuery
	if err := json.Unmarshal(raw, &jq); err != nil {
		return directory.Query{}, fmt.Errorf("parse job query: %w", err)
	}
	q := directory.Query{Keywords: strings.TrimSpace(jq.Keywords), Location: strings.TrimSpace(jq.Location)}
	if q.Keywords == "" {
		return directory.Query{}, errors.New("job query: keywords are required")
	}
	return q, nil
}

func logReport(logf Logf, r pipeline.Report) {
	if r.DiscoveryErr != "" {
		logf("report: discovery failed: %s", r.DiscoveryErr)
		return
	}
	logf("report: listings=%d businesses=%d harvested=%d skipped=%d duplicates=%d",
		r.Listings, len(r.Businesses), r.Harvested, r.Skipped, r.Duplicates)
	for _, b := range r.Businesses {
		if b.Err != "" {
			logf("report: business url=%s err=%s", b.URL, b.Err)
		}
		for _, p := range b.People {
			if !p.OK {
				logf("report: skipped owner=%q id=%s business=%q reason=%s", p.Owner, p.ID, b.Name, p.Reason)
			}
		}
	}
}

// Secret names looked up in SOURCE_CREDENTIALS when the config leaves them empty.
const (
	ProxyTokenSecret   = "ScrapeDoToken"
	GeminiAPIKeySecret = "GeminiApiKey"
)

// ApplySourceCredentials fills the proxy token and Gemini key from Foundry
// Source credentials when they are not already configured. It returns the names
// of the secrets it used.
func ApplySourceCredentials(cfg *config.Config, sc foundry.SourceCredentials) []string {
	var used []string
	if strings.TrimSpace(cfg.Proxy.Token) == "" {
		if v, ok := sc.FindSecret(ProxyTokenSecret); ok {
			cfg.Proxy.Token = v
			used = append(used, ProxyTokenSecret)
		}
	}
	if strings.TrimSpace(cfg.Fallback.Gemini.APIKey) == "" {
		if v, ok := sc.FindSecret(GeminiAPIKeySecret); ok {
			cfg.Fallback.Gemini.APIKey = v
			used = append(used, GeminiAPIKeySecret)
		}
	}
	return used
}
