package pipeline

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// WriteCSV writes records with the Header(records) column layout. Records with
// fewer phones or emails than the widest record get empty trailing cells.
func WriteCSV(w io.Writer, records []ContactRecord) error {
	header := Header(records)
	phones, emails := 0, 0
	for _, h := range header {
		switch {
		case strings.HasPrefix(h, "Phone "):
			phones++
		case strings.HasPrefix(h, "Email "):
			emails++
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range records {
		row := make([]string, 0, len(header))
		row = append(row,
			r.Name,
			r.Age,
			r.Position,
			r.Address,
			r.City,
			r.State,
			r.BusinessName,
			r.BusinessStartDate,
		)
		row = append(row, padded(r.Phones, phones)...)
		row = append(row, padded(r.Emails, emails)...)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func padded(vals []string, n int) []string {
	out := make([]string, n)
	copy(out, vals)
	return out
}

// ReadCSV reads records written by WriteCSV.
//
// The fixed columns must exist; Phone N and Email N columns are optional and
// empty cells among them are dropped.
func ReadCSV(r io.Reader) ([]ContactRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(header))
	var phoneCols, emailCols []indexedColumn
	for i, name := range header {
		name = strings.TrimSpace(name)
		index[name] = i
		if n, ok := numberedColumn(name, "Phone "); ok {
			phoneCols = append(phoneCols, indexedColumn{n: n, col: i})
		}
		if n, ok := numberedColumn(name, "Email "); ok {
			emailCols = append(emailCols, indexedColumn{n: n, col: i})
		}
	}
	for _, name := range fixedColumns {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("missing required column %q", name)
		}
	}
	sort.Slice(phoneCols, func(i, j int) bool { return phoneCols[i].n < phoneCols[j].n })
	sort.Slice(emailCols, func(i, j int) bool { return emailCols[i].n < emailCols[j].n })

	var out []ContactRecord
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}

		cell := func(i int) string {
			if i < 0 || i >= len(rec) {
				return ""
			}
			return rec[i]
		}
		get := func(col string) string {
			return cell(index[col])
		}
		list := func(cols []indexedColumn) []string {
			var vals []string
			for _, c := range cols {
				if v := strings.TrimSpace(cell(c.col)); v != "" {
					vals = append(vals, v)
				}
			}
			return vals
		}

		out = append(out, ContactRecord{
			Name:              get("Name"),
			Age:               get("Age"),
			Position:          get("Position"),
			Address:           get("Address"),
			City:              get("City"),
			State:             get("State"),
			BusinessName:      get("Business Name"),
			BusinessStartDate: get("Business Start Date"),
			Phones:            list(phoneCols),
			Emails:            list(emailCols),
		})
	}
}

type indexedColumn struct {
	n   int
	col int
}

func numberedColumn(name, prefix string) (int, bool) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
