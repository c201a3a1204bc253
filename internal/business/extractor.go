// Package business reads owner names and business metadata from directory profile pages.
package business

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/palantir/palantir-compute-module-owner-search/internal/directory"
	"github.com/palantir/palantir-compute-module-owner-search/internal/enrich"
	"github.com/palantir/palantir-compute-module-owner-search/internal/fetch"
)

// OwnerCandidate is one person a profile attributes to the business.
type OwnerCandidate struct {
	// Raw is the contact line as listed, e.g. "Roderick Mays, Owner".
	Raw   string
	Name  string
	Title string
}

// Profile is what a business profile page yields.
type Profile struct {
	URL       string
	Name      string
	Address   string
	ZipCode   string
	StartDate string
	Owners    []OwnerCandidate

	// UsedFallback is set when owners came from (or were sought by) the fallback resolver.
	UsedFallback bool
	// FallbackErr is the resolver failure, if any. Owners is empty when it is set.
	FallbackErr error
}

// Resolvable reports whether the profile carries enough to look owners up.
func (p Profile) Resolvable() bool {
	return p.ZipCode != "" && len(p.Owners) > 0
}

var contactLabels = map[string]bool{
	"Principal Contacts": true,
	"Customer Contacts":  true,
}

// Extractor fetches profile pages and reads their owners, falling back to a
// free-text resolver when the page lists no contacts.
type Extractor struct {
	fetcher  fetch.Fetcher
	fallback enrich.OwnerResolver
}

// NewExtractor returns an Extractor. A nil fallback disables the free-text path.
func NewExtractor(fetcher fetch.Fetcher, fallback enrich.OwnerResolver) *Extractor {
	return &Extractor{fetcher: fetcher, fallback: fallback}
}

func (e *Extractor) Extract(ctx context.Context, l directory.Listing) (Profile, error) {
	page, err := e.fetcher.Fetch(ctx, l.ProfileURL)
	if err != nil {
		return Profile{URL: l.ProfileURL}, fmt.Errorf("fetch profile: %w", err)
	}
	doc, err := page.Document()
	if err != nil {
		return Profile{URL: l.ProfileURL}, err
	}

	p := ParseProfile(doc)
	p.URL = l.ProfileURL
	if len(p.Owners) > 0 || e.fallback == nil {
		return p, nil
	}

	p.UsedFallback = true
	owner, err := e.fallback.ResolveOwner(ctx, PageText(doc))
	if err != nil {
		if ctx.Err() != nil {
			return p, ctx.Err()
		}
		p.FallbackErr = err
		return p, nil
	}
	if !owner.IsEmpty() {
		p.Owners = []OwnerCandidate{ParseOwner(owner.Raw())}
	}
	return p, nil
}

// ParseProfile reads the structured parts of a profile page. Missing elements
// leave the corresponding fields empty.
func ParseProfile(doc *goquery.Document) Profile {
	p := Profile{
		Name:      fetch.CollapseSpace(doc.Find("#businessName").First().Text()),
		Address:   fetch.CollapseSpace(fetch.JoinedText(doc.Find("div.bpr-overview-address").First(), " ")),
		StartDate: startDate(doc),
		Owners:    ParseOwners(doc),
	}
	p.ZipCode = ZipFromAddress(p.Address)
	return p
}

// ParseOwners returns the contact lines of the "Additional Contact Information"
// section, deduplicated by raw text.
func ParseOwners(doc *goquery.Document) []OwnerCandidate {
	var out []OwnerCandidate
	seen := map[string]bool{}
	doc.Find("div.bpr-details-section").Each(func(_ int, section *goquery.Selection) {
		if !strings.Contains(section.Find("h3").First().Text(), "Additional Contact Information") {
			return
		}
		dl := section.Find("dl").First()
		dl.Find("div.bpr-details-dl-data").Each(func(_ int, row *goquery.Selection) {
			label := strings.TrimSpace(row.Find("dt").First().Text())
			if !contactLabels[label] {
				return
			}
			row.Find("dd").Each(func(_ int, dd *goquery.Selection) {
				raw := fetch.CollapseSpace(fetch.JoinedText(dd, " "))
				if raw == "" || seen[raw] {
					return
				}
				seen[raw] = true
				out = append(out, ParseOwner(raw))
			})
		})
	})
	return out
}

func startDate(doc *goquery.Document) string {
	var out string
	doc.Find("div.bpr-details-dl-data").Each(func(_ int, row *goquery.Selection) {
		if strings.Contains(row.Text(), "Business Started:") {
			out = fetch.CollapseSpace(row.Find("dd").First().Text())
		}
	})
	return out
}
