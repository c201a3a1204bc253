package pipeline

import (
	"strconv"
	"strings"

	"github.com/palantir/palantir-compute-module-owner-search/internal/people"
)

// ContactRecord is the output row type.
type ContactRecord = people.ContactRecord

// fixedColumns lead every output file; Phone N and Email N columns follow.
var fixedColumns = []string{
	"Name",
	"Age",
	"Position",
	"Address",
	"City",
	"State",
	"Business Name",
	"Business Start Date",
}

// Header returns the output columns for records: the fixed columns, then one
// "Phone i" column per phone of the record with the most phones, then likewise
// for emails.
func Header(records []ContactRecord) []string {
	phones, emails := 0, 0
	for _, r := range records {
		phones = max(phones, len(r.Phones))
		emails = max(emails, len(r.Emails))
	}
	h := make([]string, 0, len(fixedColumns)+phones+emails)
	h = append(h, fixedColumns...)
	for i := 0; i < phones; i++ {
		h = append(h, "Phone "+strconv.Itoa(i))
	}
	for i := 0; i < emails; i++ {
		h = append(h, "Email "+strconv.Itoa(i))
	}
	return h
}

// Dedupe removes records equal in every field to an earlier one. Order of first
// appearance is kept. It returns the number of records dropped.
func Dedupe(records []ContactRecord) ([]ContactRecord, int) {
	seen := make(map[string]struct{}, len(records))
	out := make([]ContactRecord, 0, len(records))
	for _, r := range records {
		k := recordKey(r)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out, len(records) - len(out)
}

func recordKey(r ContactRecord) string {
	var b strings.Builder
	for _, f := range []string{r.Name, r.Age, r.Position, r.Address, r.City, r.State, r.BusinessName, r.BusinessStartDate} {
		b.WriteString(strconv.Quote(f))
	}
	b.WriteByte('|')
	for _, p := range r.Phones {
		b.WriteString(strconv.Quote(p))
	}
	b.WriteByte('|')
	for _, e := range r.Emails {
		b.WriteString(strconv.Quote(e))
	}
	return b.String()
}
