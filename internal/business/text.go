package business

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/palantir/palantir-compute-module-owner-search/internal/fetch"
)

var honorificRe = regexp.MustCompile(`(?i)^(?:mr|ms|mrs|dr|prof)\.?\s+`)

// CleanName collapses whitespace and strips leading honorifics ("Dr. ", "MRS ").
// An honorific is only removed when it is a whole leading token followed by more text.
func CleanName(s string) string {
	s = fetch.CollapseSpace(s)
	for {
		stripped := honorificRe.ReplaceAllString(s, "")
		if stripped == s {
			return s
		}
		s = strings.TrimSpace(stripped)
	}
}

// ZipFromAddress returns the final whitespace token of addr with any "-suffix" removed.
// "123 Main St, Las Vegas, NV 89101-1234" yields "89101". An empty address yields "".
func ZipFromAddress(addr string) string {
	fields := strings.Fields(addr)
	if len(fields) == 0 {
		return ""
	}
	last := fields[len(fields)-1]
	zip, _, _ := strings.Cut(last, "-")
	return zip
}

// ParseOwner splits a contact line such as "Mr. Roderick Mays, Owner" into its
// cleaned name and the title following the first comma.
func ParseOwner(raw string) OwnerCandidate {
	raw = strings.TrimSpace(raw)
	name, title, _ := strings.Cut(raw, ",")
	return OwnerCandidate{
		Raw:   raw,
		Name:  CleanName(name),
		Title: fetch.CollapseSpace(title),
	}
}

// PageText is the visible text of a page, one text node per line.
func PageText(doc *goquery.Document) string {
	return fetch.JoinedText(doc.Selection, "\n", "script", "style", "noscript", "template")
}
