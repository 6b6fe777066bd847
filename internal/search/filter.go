// Package search matches filters against the session stream, maintains the
// result map and extracts numeric values for charts. Scans are incremental:
// a byte watermark marks how far the stream content has been processed.
package search

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vlaube/sessiond/internal/model"
)

// escapeSpecials neutralizes regex metacharacters of a literal filter.
const escapeSpecials = `{}[]+$^/!.*|():?,=<>\`

func escape(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, c := range value {
		if strings.ContainsRune(escapeSpecials, c) {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

// FilterAsRegex renders one filter as regex source. Literal filters are
// escaped, word filters get \b markers, case insensitivity is scoped to
// the filter itself.
func FilterAsRegex(f model.SearchFilter) string {
	subject := f.Value
	if !f.IsRegex {
		subject = escape(subject)
	}
	if f.IsWord {
		subject = `\b` + subject + `\b`
	}
	if f.IgnoreCase {
		subject = `(?i:` + subject + `)`
	}
	return subject
}

// Filters is a compiled filter set. Invalid filters keep their slot (match
// indexes refer to the requested list) but never match.
type Filters struct {
	defs     []model.SearchFilter
	compiled []*regexp.Regexp
	valid    int
}

// CompileFilters compiles the set, degrading invalid filters to warnings
// instead of failing the whole request.
func CompileFilters(defs []model.SearchFilter) (*Filters, []model.Notification) {
	f := &Filters{
		defs:     defs,
		compiled: make([]*regexp.Regexp, len(defs)),
	}
	var notes []model.Notification
	for i, def := range defs {
		re, err := regexp.Compile(FilterAsRegex(def))
		if err != nil {
			notes = append(notes, model.Notification{
				Severity: model.SeverityWarning,
				Content:  fmt.Sprintf("filter %q is invalid and was skipped: %v", def.Value, err),
			})
			continue
		}
		f.compiled[i] = re
		f.valid++
	}
	return f, notes
}

// Empty reports whether no usable filter remains.
func (f *Filters) Empty() bool {
	return f == nil || f.valid == 0
}

func (f *Filters) Len() int {
	if f == nil {
		return 0
	}
	return len(f.defs)
}

// Match returns the indexes of the filters matching line, nil when none
// match.
func (f *Filters) Match(line string) []uint8 {
	var hits []uint8
	for i, re := range f.compiled {
		if re == nil {
			continue
		}
		if re.MatchString(line) {
			hits = append(hits, uint8(i))
		}
	}
	return hits
}
