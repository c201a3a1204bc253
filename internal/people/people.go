// Package people looks owners up on the people-search site and harvests contact
// details from the matching person pages.
package people

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/palantir/palantir-compute-module-owner-search/internal/fetch"
)

const (
	DefaultOrigin       = "https://www.truepeoplesearch.com"
	DefaultSupportEmail = "support@truepeoplesearch.com"
)

// ErrIncompleteProfile is returned when a person page lacks a required block.
var ErrIncompleteProfile = errors.New("people: incomplete person profile")

// ProfileID identifies a person page ("/find/person/{id}").
type ProfileID string

// ContactRecord is one resolved person with the business that referred them.
type ContactRecord struct {
	Name              string
	Age               string
	Position          string
	Address           string
	City              string
	State             string
	BusinessName      string
	BusinessStartDate string
	Phones            []string
	Emails            []string
}

// Equal reports field-by-field equality, including phone and email order.
func (r ContactRecord) Equal(o ContactRecord) bool {
	return r.Name == o.Name &&
		r.Age == o.Age &&
		r.Position == o.Position &&
		r.Address == o.Address &&
		r.City == o.City &&
		r.State == o.State &&
		r.BusinessName == o.BusinessName &&
		r.BusinessStartDate == o.BusinessStartDate &&
		slices.Equal(r.Phones, o.Phones) &&
		slices.Equal(r.Emails, o.Emails)
}

// BusinessContext tags harvested records with where the person was found.
type BusinessContext struct {
	Name      string
	StartDate string
	Position  string
}

type Config struct {
	Origin string
	// SupportEmail is the site's own contact address, never reported as a person's email.
	SupportEmail string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Origin) == "" {
		c.Origin = DefaultOrigin
	}
	c.Origin = strings.TrimRight(c.Origin, "/")
	if strings.TrimSpace(c.SupportEmail) == "" {
		c.SupportEmail = DefaultSupportEmail
	}
	return c
}

// Resolver searches the people index by name and zip code.
type Resolver struct {
	fetcher fetch.Fetcher
	cfg     Config
}

// NewResolver returns a Resolver. fetcher is normally a *fetch.Proxy.
func NewResolver(fetcher fetch.Fetcher, cfg Config) *Resolver {
	return &Resolver{fetcher: fetcher, cfg: cfg.withDefaults()}
}

// SearchURL is the results page for name near zip.
func SearchURL(origin, name, zip string) string {
	slug := strings.ToLower(strings.Join(strings.Fields(name), "-"))
	return strings.TrimRight(origin, "/") + "/results?name=" + url.QueryEscape(slug) + "&citystatezip=" + url.QueryEscape(strings.TrimSpace(zip))
}

// Resolve returns the distinct profile identifiers matching name near zip, sorted.
func (r *Resolver) Resolve(ctx context.Context, name, zip string) ([]ProfileID, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(zip) == "" {
		return nil, errors.New("people: name and zip are required")
	}
	page, err := r.fetcher.Fetch(ctx, SearchURL(r.cfg.Origin, name, zip))
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", name, err)
	}
	doc, err := page.Document()
	if err != nil {
		return nil, err
	}
	return ParseProfileIDs(doc, r.cfg.Origin), nil
}

// ParseProfileIDs reads every "View All Details" link of a results page.
func ParseProfileIDs(doc *goquery.Document, origin string) []ProfileID {
	base, _ := url.Parse(strings.TrimRight(origin, "/") + "/")
	seen := map[string]bool{}
	var urls []string
	doc.Find(`a[aria-label="View All Details"]`).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		abs.RawQuery = ""
		abs.Fragment = ""
		s := abs.String()
		if seen[s] {
			return
		}
		seen[s] = true
		urls = append(urls, s)
	})
	slices.Sort(urls)

	ids := make([]ProfileID, 0, len(urls))
	seenID := map[ProfileID]bool{}
	for _, u := range urls {
		p, _ := url.Parse(u)
		id := ProfileID(path.Base(strings.TrimRight(p.Path, "/")))
		if id == "" || id == "." || id == "/" || seenID[id] {
			continue
		}
		seenID[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Harvester reads contact details from person pages.
type Harvester struct {
	fetcher fetch.Fetcher
	cfg     Config
}

func NewHarvester(fetcher fetch.Fetcher, cfg Config) *Harvester {
	return &Harvester{fetcher: fetcher, cfg: cfg.withDefaults()}
}

// DetailURL is the person page for id.
func DetailURL(origin string, id ProfileID) string {
	return strings.TrimRight(origin, "/") + "/find/person/" + url.PathEscape(string(id))
}

// Harvest builds the contact record for id. A page missing any required block
// yields ErrIncompleteProfile and no partial record.
func (h *Harvester) Harvest(ctx context.Context, id ProfileID, bc BusinessContext) (ContactRecord, error) {
	page, err := h.fetcher.Fetch(ctx, DetailURL(h.cfg.Origin, id))
	if err != nil {
		return ContactRecord{}, fmt.Errorf("person %s: %w", id, err)
	}
	doc, err := page.Document()
	if err != nil {
		return ContactRecord{}, err
	}
	rec, err := ParseDetails(doc, h.cfg.SupportEmail)
	if err != nil {
		return ContactRecord{}, fmt.Errorf("person %s: %w", id, err)
	}
	rec.BusinessName = bc.Name
	rec.BusinessStartDate = bc.StartDate
	rec.Position = bc.Position
	return rec, nil
}

// ParseDetails reads a person page. Business fields are left empty.
func ParseDetails(doc *goquery.Document, supportEmail string) (ContactRecord, error) {
	person := doc.Find("div#personDetails").First()
	if person.Length() == 0 {
		return ContactRecord{}, fmt.Errorf("%w: missing person details", ErrIncompleteProfile)
	}
	heading := doc.Find("h1.oh1").First()
	if heading.Length() == 0 {
		heading = doc.Find("h1").First()
	}
	name := fetch.CollapseSpace(heading.Text())
	if name == "" {
		return ContactRecord{}, fmt.Errorf("%w: missing name", ErrIncompleteProfile)
	}

	addr := doc.Find(`a[data-link-to-more="address"]`).First()
	if addr.Length() == 0 {
		return ContactRecord{}, fmt.Errorf("%w: missing address", ErrIncompleteProfile)
	}
	street, okStreet := itemprop(addr, "streetAddress")
	city, okCity := itemprop(addr, "addressLocality")
	state, okState := itemprop(addr, "addressRegion")
	if !okStreet || !okCity || !okState {
		return ContactRecord{}, fmt.Errorf("%w: incomplete address", ErrIncompleteProfile)
	}

	phoneBlock := doc.Find(`a[data-link-to-more="phone"]`).First()
	if phoneBlock.Length() == 0 {
		return ContactRecord{}, fmt.Errorf("%w: missing phones", ErrIncompleteProfile)
	}
	var phones []string
	phoneBlock.Find(`span[itemprop="telephone"]`).Each(func(_ int, s *goquery.Selection) {
		if p := fetch.CollapseSpace(s.Text()); p != "" {
			phones = append(phones, p)
		}
	})

	age, _ := person.Attr("data-age")
	return ContactRecord{
		Name:    name,
		Age:     strings.TrimSpace(age),
		Address: street,
		City:    city,
		State:   state,
		Phones:  phones,
		Emails:  ExtractEmails(fetch.JoinedText(doc.Selection, " "), supportEmail),
	}, nil
}

func itemprop(sel *goquery.Selection, prop string) (string, bool) {
	s := sel.Find(`span[itemprop="` + prop + `"]`).First()
	if s.Length() == 0 {
		return "", false
	}
	return fetch.CollapseSpace(s.Text()), true
}

var emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// ExtractEmails returns the distinct email-shaped substrings of text in order of
// first appearance, minus any address in exclude (compared case-insensitively).
func ExtractEmails(text string, exclude ...string) []string {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[strings.ToLower(strings.TrimSpace(e))] = true
	}
	seen := map[string]bool{}
	var out []string
	for _, m := range emailRe.FindAllString(text, -1) {
		if skip[strings.ToLower(m)] || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
