package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/palantir/palantir-compute-module-owner-search/internal/business"
	"github.com/palantir/palantir-compute-module-owner-search/internal/directory"
	"github.com/palantir/palantir-compute-module-owner-search/internal/enrich"
	"github.com/palantir/palantir-compute-module-owner-search/internal/fetch"
	"github.com/palantir/palantir-compute-module-owner-search/internal/people"
	"github.com/palantir/palantir-compute-module-owner-search/internal/pipeline"
)

var plumbing = directory.Query{Keywords: "plumbing", Location: "Las Vegas"}

type fakeDirectory struct {
	listings []directory.Listing
	err      error
}

func (f fakeDirectory) Discover(context.Context, directory.Query) ([]directory.Listing, error) {
	return f.listings, f.err
}

type fakeProfiles struct {
	profiles map[string]business.Profile
	errs     map[string]error
	calls    []string
}

func (f *fakeProfiles) Extract(_ context.Context, l directory.Listing) (business.Profile, error) {
	f.calls = append(f.calls, l.ProfileURL)
	if err := f.errs[l.ProfileURL]; err != nil {
		return business.Profile{}, err
	}
	p := f.profiles[l.ProfileURL]
	p.URL = l.ProfileURL
	return p, nil
}

type lookupCall struct{ name, zip string }

type fakeIdentity struct {
	ids   map[string][]people.ProfileID
	errs  map[string]error
	calls []lookupCall
}

func (f *fakeIdentity) Resolve(_ context.Context, name, zip string) ([]people.ProfileID, error) {
	f.calls = append(f.calls, lookupCall{name: name, zip: zip})
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	return f.ids[name], nil
}

type fakeDetails struct {
	persons map[people.ProfileID]people.ContactRecord
	calls   []people.ProfileID
}

func (f *fakeDetails) Harvest(_ context.Context, id people.ProfileID, bc people.BusinessContext) (people.ContactRecord, error) {
	f.calls = append(f.calls, id)
	rec, ok := f.persons[id]
	if !ok {
		return people.ContactRecord{}, fmt.Errorf("person %s: %w", id, people.ErrIncompleteProfile)
	}
	rec.BusinessName = bc.Name
	rec.BusinessStartDate = bc.StartDate
	rec.Position = bc.Position
	return rec, nil
}

type recordingNotifier struct {
	statuses []string
	progress []int
	counts   []int
	records  []pipeline.ContactRecord
}

func (r *recordingNotifier) Status(msg string)               { r.statuses = append(r.statuses, msg) }
func (r *recordingNotifier) Progress(p int)                  { r.progress = append(r.progress, p) }
func (r *recordingNotifier) BusinessCount(n int)             { r.counts = append(r.counts, n) }
func (r *recordingNotifier) Record(c pipeline.ContactRecord) { r.records = append(r.records, c) }

func listing(slug string) directory.Listing {
	return directory.Listing{ProfileURL: "https://www.bbb.org/us/nv/las-vegas/profile/plumber/" + slug}
}

func roderick() people.ContactRecord {
	return people.ContactRecord{
		Name:    "Roderick Mays",
		Age:     "52",
		Address: "4525 W Reno Ave",
		City:    "Las Vegas",
		State:   "NV",
		Phones:  []string{"(702) 555-0100"},
		Emails:  []string{"rmays@example.com"},
	}
}

func TestRun_ZeroListingsNeverExtracts(t *testing.T) {
	t.Parallel()

	profiles := &fakeProfiles{}
	notes := &recordingNotifier{}
	o := pipeline.New(pipeline.Stages{
		Directory: fakeDirectory{},
		Profiles:  profiles,
		Identity:  &fakeIdentity{},
		Details:   &fakeDetails{},
	}, pipeline.Options{}, notes)

	res, err := o.Run(context.Background(), plumbing)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 0 || len(profiles.calls) != 0 {
		t.Fatalf("unexpected result=%#v extract calls=%v", res, profiles.calls)
	}
	if !slices.Contains(notes.statuses, "No business URLs found") {
		t.Fatalf("missing status, got %v", notes.statuses)
	}
	if !slices.Equal(notes.progress, []int{10, 20, 100}) {
		t.Fatalf("progress=%v", notes.progress)
	}
}

func TestRun_DiscoveryFailureIsEmptyResult(t *testing.T) {
	t.Parallel()

	profiles := &fakeProfiles{}
	notes := &recordingNotifier{}
	o := pipeline.New(pipeline.Stages{
		Directory: fakeDirectory{err: fmt.Errorf("search page 1: %w", directory.ErrNoResultCount)},
		Profiles:  profiles,
		Identity:  &fakeIdentity{},
		Details:   &fakeDetails{},
	}, pipeline.Options{}, notes)

	res, err := o.Run(context.Background(), plumbing)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 0 || len(profiles.calls) != 0 || res.Report.DiscoveryErr == "" {
		t.Fatalf("unexpected result: %#v", res)
	}
	if len(notes.statuses) != 2 || !strings.HasPrefix(notes.statuses[1], "Failed to get business URLs") {
		t.Fatalf("statuses=%v", notes.statuses)
	}
}

func TestRun_EmptyOwnersSkipsLookupsAndCallsFallbackOnce(t *testing.T) {
	t.Parallel()

	const pageHTML = `<html><body><span id="businessName">Desert Drains</span>
<div class="bpr-overview-address">100 Main St Henderson, NV 89002</div>
<p>Family run since 1998.</p></body></html>`

	l := listing("desert-drains-1")
	var fallbackTexts []string
	fallback := enrich.ResolverFunc(func(_ context.Context, text string) (enrich.Owner, error) {
		fallbackTexts = append(fallbackTexts, text)
		return enrich.Owner{}, nil
	})
	extractor := business.NewExtractor(fetch.FetcherFunc(func(_ context.Context, u string) (fetch.Page, error) {
		return fetch.Page{URL: u, HTML: []byte(pageHTML)}, nil
	}), fallback)

	identity := &fakeIdentity{}
	details := &fakeDetails{}
	o := pipeline.New(pipeline.Stages{
		Directory: fakeDirectory{listings: []directory.Listing{l}},
		Profiles:  extractor,
		Identity:  identity,
		Details:   details,
	}, pipeline.Options{}, nil)

	res, err := o.Run(context.Background(), plumbing)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(identity.calls) != 0 || len(details.calls) != 0 {
		t.Fatalf("lookups made for ownerless business: resolve=%v harvest=%v", identity.calls, details.calls)
	}
	if len(fallbackTexts) != 1 {
		t.Fatalf("expected fallback once, got %d", len(fallbackTexts))
	}
	for _, want := range []string{"Desert Drains", "100 Main St Henderson, NV 89002", "Family run since 1998."} {
		if !strings.Contains(fallbackTexts[0], want) {
			t.Fatalf("fallback text %q missing %q", fallbackTexts[0], want)
		}
	}
	if len(res.Records) != 0 || len(res.Report.Businesses) != 1 || !res.Report.Businesses[0].UsedFallback {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestRun_ScenariosBCD(t *testing.T) {
	t.Parallel()

	first, second := listing("mays-plumbing-1"), listing("mays-plumbing-2")
	profile := business.Profile{
		Name:      "Mays Plumbing LLC",
		Address:   "4525 W Reno Ave Las Vegas, NV 89118-1234",
		ZipCode:   "89118",
		StartDate: "5/1/2009",
		Owners:    []business.OwnerCandidate{business.ParseOwner("Roderick Mays, Owner")},
	}
	profiles := &fakeProfiles{profiles: map[string]business.Profile{
		first.ProfileURL:  profile,
		second.ProfileURL: profile,
	}}
	identity := &fakeIdentity{ids: map[string][]people.ProfileID{
		"Roderick Mays": {"px1", "px-missing"},
	}}
	details := &fakeDetails{persons: map[people.ProfileID]people.ContactRecord{"px1": roderick()}}
	notes := &recordingNotifier{}

	o := pipeline.New(pipeline.Stages{
		Directory: fakeDirectory{listings: []directory.Listing{first, second}},
		Profiles:  profiles,
		Identity:  identity,
		Details:   details,
	}, pipeline.Options{BusinessLimit: pipeline.DefaultBusinessLimit}, notes)

	res, err := o.Run(context.Background(), plumbing)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Scenario B: cleaned name goes to lookup, title becomes position.
	if !slices.Equal(identity.calls, []lookupCall{{"Roderick Mays", "89118"}, {"Roderick Mays", "89118"}}) {
		t.Fatalf("resolve calls=%v", identity.calls)
	}
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %#v", res.Records)
	}
	want := roderick()
	want.Position = "Owner"
	want.BusinessName = "Mays Plumbing LLC"
	want.BusinessStartDate = "5/1/2009"
	if !res.Records[0].Equal(want) {
		t.Fatalf("record=%#v want=%#v", res.Records[0], want)
	}

	// Scenario C: the incomplete page is skipped without failing the run.
	if res.Report.Skipped != 2 || res.Report.Harvested != 2 {
		t.Fatalf("harvested=%d skipped=%d", res.Report.Harvested, res.Report.Skipped)
	}
	for _, b := range res.Report.Businesses {
		if b.Err != "" {
			t.Fatalf("unexpected business error: %#v", b)
		}
		var sawIncomplete bool
		for _, p := range b.People {
			if p.ID == "px-missing" && !p.OK && strings.Contains(p.Reason, "incomplete") {
				sawIncomplete = true
			}
		}
		if !sawIncomplete {
			t.Fatalf("missing skip reason: %#v", b.People)
		}
	}

	// Scenario D: same person via two listings collapses to one row.
	if res.Report.Duplicates != 1 {
		t.Fatalf("duplicates=%d", res.Report.Duplicates)
	}
	if len(notes.records) != 2 {
		t.Fatalf("expected per-result notification for each harvest, got %d", len(notes.records))
	}
}

func TestRun_BusinessLimitAndProgress(t *testing.T) {
	t.Parallel()

	var listings []directory.Listing
	for i := 0; i < 5; i++ {
		listings = append(listings, listing(fmt.Sprintf("biz-%d", i)))
	}
	profiles := &fakeProfiles{}
	notes := &recordingNotifier{}
	o := pipeline.New(pipeline.Stages{
		Directory: fakeDirectory{listings: listings},
		Profiles:  profiles,
		Identity:  &fakeIdentity{},
		Details:   &fakeDetails{},
	}, pipeline.Options{BusinessLimit: 3}, notes)

	res, err := o.Run(context.Background(), plumbing)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantCalls := []string{listings[0].ProfileURL, listings[1].ProfileURL, listings[2].ProfileURL}
	if !slices.Equal(profiles.calls, wantCalls) {
		t.Fatalf("extract calls=%v want=%v", profiles.calls, wantCalls)
	}
	if !slices.Equal(notes.progress, []int{10, 20, 46, 73, 100, 100}) {
		t.Fatalf("progress=%v", notes.progress)
	}
	if !slices.Equal(notes.counts, []int{5}) || res.Report.Listings != 5 {
		t.Fatalf("counts=%v listings=%d", notes.counts, res.Report.Listings)
	}
	if !slices.Contains(notes.statuses, "No people found for business 2/3") {
		t.Fatalf("statuses=%v", notes.statuses)
	}
}

func TestRun_ExtractErrorIsIsolated(t *testing.T) {
	t.Parallel()

	bad, good := listing("bad"), listing("good")
	profiles := &fakeProfiles{
		profiles: map[string]business.Profile{good.ProfileURL: {
			Name:    "Good Co",
			ZipCode: "89101",
			Owners:  []business.OwnerCandidate{business.ParseOwner("Ann Lee, President"), business.ParseOwner("Ann Lee, President")},
		}},
		errs: map[string]error{bad.ProfileURL: errors.New("fetch profile: render timeout")},
	}
	identity := &fakeIdentity{ids: map[string][]people.ProfileID{"Ann Lee": {"px2"}}}
	details := &fakeDetails{persons: map[people.ProfileID]people.ContactRecord{"px2": {Name: "Ann Lee"}}}
	notes := &recordingNotifier{}

	o := pipeline.New(pipeline.Stages{
		Directory: fakeDirectory{listings: []directory.Listing{bad, good}},
		Profiles:  profiles,
		Identity:  identity,
		Details:   details,
	}, pipeline.Options{}, notes)

	res, err := o.Run(context.Background(), plumbing)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].Position != "President" {
		t.Fatalf("records=%#v", res.Records)
	}
	if len(identity.calls) != 1 {
		t.Fatalf("duplicate raw owner looked up twice: %v", identity.calls)
	}
	if res.Report.Businesses[0].Err == "" || res.Report.Businesses[0].URL != bad.ProfileURL {
		t.Fatalf("missing error outcome: %#v", res.Report.Businesses[0])
	}
	if !slices.ContainsFunc(notes.statuses, func(s string) bool { return strings.HasPrefix(s, "Error processing business 1/2") }) {
		t.Fatalf("statuses=%v", notes.statuses)
	}
}

func TestRun_ResolveErrorAndMissingZip(t *testing.T) {
	t.Parallel()

	a, b := listing("a"), listing("b")
	profiles := &fakeProfiles{profiles: map[string]business.Profile{
		a.ProfileURL: {Name: "A", ZipCode: "89101", Owners: []business.OwnerCandidate{business.ParseOwner("Ann Lee")}},
		b.ProfileURL: {Name: "B", Owners: []business.OwnerCandidate{business.ParseOwner("Bo Chen")}},
	}}
	identity := &fakeIdentity{errs: map[string]error{"Ann Lee": errors.New(`Get "http://api.scrape.do?url=x&token=s3cr3t": EOF`)}}
	o := pipeline.New(pipeline.Stages{
		Directory: fakeDirectory{listings: []directory.Listing{a, b}},
		Profiles:  profiles,
		Identity:  identity,
		Details:   &fakeDetails{},
	}, pipeline.Options{}, nil)

	res, err := o.Run(context.Background(), plumbing)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(identity.calls) != 1 {
		t.Fatalf("expected only the zip-bearing owner to be resolved, got %v", identity.calls)
	}
	reasonA := res.Report.Businesses[0].People[0].Reason
	if !strings.HasPrefix(reasonA, "resolve:") || strings.Contains(reasonA, "s3cr3t") {
		t.Fatalf("unexpected reason: %q", reasonA)
	}
	if reasonB := res.Report.Businesses[1].People[0].Reason; !strings.Contains(reasonB, "zip") {
		t.Fatalf("unexpected reason: %q", reasonB)
	}
}

func TestRun_DedupeListingsOption(t *testing.T) {
	t.Parallel()

	l := listing("dup")
	profiles := &fakeProfiles{}
	o := pipeline.New(pipeline.Stages{
		Directory: fakeDirectory{listings: []directory.Listing{l, l, listing("other")}},
		Profiles:  profiles,
		Identity:  &fakeIdentity{},
		Details:   &fakeDetails{},
	}, pipeline.Options{DedupeListings: true, BusinessLimit: 2}, nil)

	if _, err := o.Run(context.Background(), plumbing); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !slices.Equal(profiles.calls, []string{l.ProfileURL, listing("other").ProfileURL}) {
		t.Fatalf("extract calls=%v", profiles.calls)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := pipeline.New(pipeline.Stages{
		Directory: fakeDirectory{listings: []directory.Listing{listing("a")}},
		Profiles:  &fakeProfiles{},
		Identity:  &fakeIdentity{},
		Details:   &fakeDetails{},
	}, pipeline.Options{}, nil)

	if _, err := o.Run(ctx, plumbing); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
