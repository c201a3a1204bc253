package app

import (
	"context"
	"time"

	"github.com/palantir/palantir-compute-module-owner-search/internal/enrich"
	"github.com/palantir/palantir-compute-module-owner-search/internal/fetch"
	"github.com/palantir/palantir-compute-module-owner-search/pkg/pipeline/redact"
)

// tracedFetcher logs one line per page fetch.
type tracedFetcher struct {
	next  fetch.Fetcher
	stage string
	logf  Logf
}

func (t tracedFetcher) Fetch(ctx context.Context, url string) (fetch.Page, error) {
	start := time.Now()
	page, err := t.next.Fetch(ctx, url)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		t.logf("fetch failed: stage=%s url=%s duration=%s err=%s", t.stage, redact.Secrets(url), elapsed, redact.Secrets(err.Error()))
		return page, err
	}
	t.logf("fetch: stage=%s url=%s bytes=%d duration=%s", t.stage, redact.Secrets(url), len(page.HTML), elapsed)
	return page, nil
}

// tracedResolver logs each fallback call.
type tracedResolver struct {
	next enrich.OwnerResolver
	logf Logf
}

func (t tracedResolver) ResolveOwner(ctx context.Context, text string) (enrich.Owner, error) {
	start := time.Now()
	owner, err := t.next.ResolveOwner(ctx, text)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		t.logf("fallback failed: chars=%d duration=%s err=%s", len(text), elapsed, redact.Secrets(err.Error()))
		return owner, err
	}
	t.logf("fallback: chars=%d owner=%q title=%q duration=%s", len(text), owner.Name, owner.Title, elapsed)
	return owner, nil
}
