package slurm

import (
	"strings"
)

// Record is one row of a tabular scheduler listing keyed by header name.
type Record map[string]string

// Listing is a parsed squeue-style table.
type Listing struct {
	Header []string
	Rows   []Record
}

// ParseListing parses whitespace separated columns keyed by the first
// non-blank line. Rows shorter than the header are padded with empty fields;
// extra trailing fields are folded into the last column.
func ParseListing(out string) Listing {
	lines := strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n")
	var l Listing
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if l.Header == nil {
			l.Header = fields
			continue
		}
		rec := make(Record, len(l.Header))
		for i, name := range l.Header {
			switch {
			case i >= len(fields):
				rec[name] = ""
			case i == len(l.Header)-1:
				rec[name] = strings.Join(fields[i:], " ")
			default:
				rec[name] = fields[i]
			}
		}
		l.Rows = append(l.Rows, rec)
	}
	return l
}

// Find returns the first row whose column equals value.
func (l Listing) Find(column, value string) (Record, bool) {
	for _, r := range l.Rows {
		if r[column] == value {
			return r, true
		}
	}
	return nil, false
}

// Column returns the first header name matching one of names.
func (l Listing) Column(names ...string) string {
	for _, n := range names {
		for _, h := range l.Header {
			if strings.EqualFold(h, n) {
				return h
			}
		}
	}
	return ""
}
