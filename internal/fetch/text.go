package fetch

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// JoinedText returns the trimmed, non-empty text nodes under sel joined by sep.
// Elements named in skip (e.g. "script") are not descended into.
func JoinedText(sel *goquery.Selection, sep string, skip ...string) string {
	var parts []string
	collectText(sel, skip, &parts)
	return strings.Join(parts, sep)
}

func collectText(sel *goquery.Selection, skip []string, parts *[]string) {
	sel.Contents().Each(func(_ int, s *goquery.Selection) {
		name := goquery.NodeName(s)
		switch name {
		case "#text":
			if t := strings.TrimSpace(s.Text()); t != "" {
				*parts = append(*parts, t)
			}
		case "#comment":
		default:
			for _, k := range skip {
				if name == k {
					return
				}
			}
			collectText(s, skip, parts)
		}
	})
}

// CollapseSpace trims s and replaces every whitespace run with one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
