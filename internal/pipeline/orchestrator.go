package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/palantir/palantir-compute-module-owner-search/internal/business"
	"github.com/palantir/palantir-compute-module-owner-search/internal/directory"
	"github.com/palantir/palantir-compute-module-owner-search/internal/people"
	"github.com/palantir/palantir-compute-module-owner-search/pkg/pipeline/redact"
	"github.com/palantir/palantir-compute-module-owner-search/pkg/pipeline/worker"
)

// DefaultBusinessLimit is the number of listings processed per run unless configured.
const DefaultBusinessLimit = 3

type Discoverer interface {
	Discover(ctx context.Context, q directory.Query) ([]directory.Listing, error)
}

type ProfileExtractor interface {
	Extract(ctx context.Context, l directory.Listing) (business.Profile, error)
}

type IdentityResolver interface {
	Resolve(ctx context.Context, name, zip string) ([]people.ProfileID, error)
}

type DetailHarvester interface {
	Harvest(ctx context.Context, id people.ProfileID, bc people.BusinessContext) (people.ContactRecord, error)
}

// Stages are the collaborators a run sequences.
type Stages struct {
	Directory Discoverer
	Profiles  ProfileExtractor
	Identity  IdentityResolver
	Details   DetailHarvester
}

type Options struct {
	// BusinessLimit bounds how many listings are processed. <=0 processes all.
	BusinessLimit int
	// DedupeListings drops repeated profile URLs before processing.
	DedupeListings bool

	// Workers defaults to 1, which keeps businesses strictly sequential.
	Workers int
	// MaxRetries re-runs a business whose profile fetch failed transiently.
	MaxRetries int
	// BusinessTimeout bounds all work for one listing. 0 means no bound.
	BusinessTimeout time.Duration
	// RateLimitRPS limits how fast businesses are started.
	RateLimitRPS float64
}

// Result is the outcome of one run.
type Result struct {
	// Records is the deduplicated result set in order of first appearance.
	Records []ContactRecord
	Report  Report
}

// Report explains what happened to every listing and person of a run.
type Report struct {
	DiscoveryErr string
	Listings     int
	Businesses   []BusinessOutcome
	Harvested    int
	Skipped      int
	Duplicates   int
}

type BusinessOutcome struct {
	URL          string
	Name         string
	Owners       int
	UsedFallback bool
	Err          string
	People       []PersonOutcome
}

// PersonOutcome is one owner lookup or one harvested identifier. ID is empty
// when the owner never reached identity resolution.
type PersonOutcome struct {
	Owner  string
	ID     string
	OK     bool
	Reason string
}

// Orchestrator runs the discovery, extraction, lookup and harvest stages.
type Orchestrator struct {
	stages   Stages
	opts     Options
	notifier Notifier

	// Logf receives per-item diagnostics. Nil discards them.
	Logf func(format string, args ...any)
}

func New(stages Stages, opts Options, notifier Notifier) *Orchestrator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Orchestrator{stages: stages, opts: opts, notifier: notifier}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Logf != nil {
		o.Logf(format, args...)
	}
}

type businessResult struct {
	outcome BusinessOutcome
	records []ContactRecord
}

// Run resolves owners for q. Per-item failures are recorded in the report; only
// context cancellation returns an error.
func (o *Orchestrator) Run(ctx context.Context, q directory.Query) (Result, error) {
	n := o.notifier
	n.Status("Getting business URLs...")
	n.Progress(10)

	listings, err := o.stages.Directory.Discover(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		msg := redact.Secrets(err.Error())
		o.logf("discovery failed: %s", msg)
		n.Status("Failed to get business URLs: " + firstLine(msg))
		n.Progress(100)
		return Result{Report: Report{DiscoveryErr: msg}}, nil
	}

	report := Report{Listings: len(listings)}
	n.BusinessCount(len(listings))
	n.Progress(20)
	if len(listings) == 0 {
		n.Status("No business URLs found")
		n.Progress(100)
		return Result{Report: report}, nil
	}

	if o.opts.DedupeListings {
		listings = directory.Dedupe(listings)
	}
	if o.opts.BusinessLimit > 0 && len(listings) > o.opts.BusinessLimit {
		listings = listings[:o.opts.BusinessLimit]
	}
	total := len(listings)

	var records []ContactRecord
	done := 0
	_, err = worker.ProcessAllWithCallback(
		ctx,
		listings,
		o.processBusiness,
		func(res worker.Result[directory.Listing, businessResult]) error {
			done++
			outcome := res.Output.outcome
			if res.Err != nil {
				outcome.URL = res.Input.ProfileURL
				outcome.Err = redact.Secrets(res.Err.Error())
				o.logf("business failed: url=%s attempts=%d err=%s", outcome.URL, res.Attempts, outcome.Err)
				n.Status(fmt.Sprintf("Error processing business %d/%d: %s", done, total, firstLine(outcome.Err)))
			} else {
				for _, rec := range res.Output.records {
					n.Record(rec)
				}
				if len(res.Output.records) > 0 {
					n.Status(fmt.Sprintf("Found %d people from business %d/%d", len(res.Output.records), done, total))
				} else {
					n.Status(fmt.Sprintf("No people found for business %d/%d", done, total))
				}
				records = append(records, res.Output.records...)
			}
			for _, p := range outcome.People {
				if p.OK {
					report.Harvested++
				} else {
					report.Skipped++
				}
			}
			report.Businesses = append(report.Businesses, outcome)
			n.Progress(20 + done*80/total)
			return nil
		},
		worker.Options{
			Workers:           o.opts.Workers,
			MaxRetries:        o.opts.MaxRetries,
			RequestTimeout:    o.opts.BusinessTimeout,
			RateLimitRPS:      o.opts.RateLimitRPS,
			FailurePolicy:     worker.FailurePolicyPartialOutput,
			BackoffInitial:    500 * time.Millisecond,
			BackoffMax:        5 * time.Second,
			BackoffJitterFrac: 0.2,
		},
	)
	if err != nil {
		return Result{}, err
	}

	unique, dups := Dedupe(records)
	report.Duplicates = dups
	n.Status(fmt.Sprintf("Done: %d unique records from %d businesses", len(unique), total))
	n.Progress(100)
	return Result{Records: unique, Report: report}, nil
}

// processBusiness extracts one profile and harvests every person its owners
// resolve to. Only extraction errors are returned; lookup and harvest failures
// are recorded on the outcome.
func (o *Orchestrator) processBusiness(ctx context.Context, l directory.Listing) (businessResult, error) {
	start := time.Now()
	prof, err := o.stages.Profiles.Extract(ctx, l)
	if err != nil {
		return businessResult{}, err
	}

	out := BusinessOutcome{
		URL:          l.ProfileURL,
		Name:         prof.Name,
		Owners:       len(prof.Owners),
		UsedFallback: prof.UsedFallback,
	}
	if prof.FallbackErr != nil {
		out.Err = "fallback: " + redact.Secrets(prof.FallbackErr.Error())
	}

	var records []ContactRecord
	looked := map[string]bool{}
	for _, c := range prof.Owners {
		if looked[c.Raw] {
			continue
		}
		looked[c.Raw] = true

		switch {
		case c.Name == "":
			out.People = append(out.People, PersonOutcome{Owner: c.Raw, Reason: "empty owner name"})
			continue
		case prof.ZipCode == "":
			out.People = append(out.People, PersonOutcome{Owner: c.Raw, Reason: "no zip code in business address"})
			continue
		}

		ids, err := o.stages.Identity.Resolve(ctx, c.Name, prof.ZipCode)
		if err != nil {
			if ctx.Err() != nil {
				return businessResult{}, ctx.Err()
			}
			reason := redact.Secrets(err.Error())
			o.logf("resolve failed: owner=%q zip=%s err=%s", c.Name, prof.ZipCode, reason)
			out.People = append(out.People, PersonOutcome{Owner: c.Raw, Reason: "resolve: " + reason})
			continue
		}
		if len(ids) == 0 {
			out.People = append(out.People, PersonOutcome{Owner: c.Raw, Reason: "no matching people"})
			continue
		}

		bc := people.BusinessContext{Name: prof.Name, StartDate: prof.StartDate, Position: c.Title}
		for _, id := range ids {
			rec, err := o.stages.Details.Harvest(ctx, id, bc)
			if err != nil {
				if ctx.Err() != nil {
					return businessResult{}, ctx.Err()
				}
				reason := redact.Secrets(err.Error())
				o.logf("harvest skipped: owner=%q id=%s err=%s", c.Name, id, reason)
				out.People = append(out.People, PersonOutcome{Owner: c.Raw, ID: string(id), Reason: reason})
				continue
			}
			out.People = append(out.People, PersonOutcome{Owner: c.Raw, ID: string(id), OK: true})
			records = append(records, rec)
		}
	}

	o.logf("business done: url=%s name=%q owners=%d fallback=%v people=%d duration=%s",
		l.ProfileURL, prof.Name, len(prof.Owners), prof.UsedFallback, len(records), time.Since(start).Truncate(time.Millisecond))
	return businessResult{outcome: out, records: records}, nil
}
