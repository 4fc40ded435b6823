// Package window decides which export files belong to a requested
// ingestion window, using the date embedded in the file name.
package window

import (
	"regexp"
	"time"
)

const dayLayout = "20060102"

var (
	bareDatePattern = regexp.MustCompile(`(\d{8})\.csv$`)
	anyDatePattern  = regexp.MustCompile(`\d{8}`)
)

// Extractor finds the export date in a file name. Prefix is the known file
// name prefix written by the controller, "touch" for touch_YYYYMMDD.csv.
type Extractor struct {
	prefixed *regexp.Regexp
	export   *regexp.Regexp
}

func NewExtractor(prefix string) *Extractor {
	quoted := regexp.QuoteMeta(prefix)
	return &Extractor{
		prefixed: regexp.MustCompile(`(?i)` + quoted + `_(\d{8})\.csv$`),
		export:   regexp.MustCompile(`(?i)^` + quoted + `_\d{8}\.csv$`),
	}
}

// IsExport reports whether name has the exact prefix_YYYYMMDD.csv shape
// the drop folders are scanned for.
func (e *Extractor) IsExport(name string) bool {
	return e.export.MatchString(name)
}

// ExtractDate tries the prefixed form, then eight digits right before
// ".csv", then any eight digit run in the name. The first candidate that is
// a real calendar date wins. ok is false when none is.
func (e *Extractor) ExtractDate(filename string) (date time.Time, ok bool) {
	if m := e.prefixed.FindStringSubmatch(filename); m != nil {
		if d, ok := parseDay(m[1]); ok {
			return d, true
		}
	}
	if m := bareDatePattern.FindStringSubmatch(filename); m != nil {
		if d, ok := parseDay(m[1]); ok {
			return d, true
		}
	}
	for _, digits := range anyDatePattern.FindAllString(filename, -1) {
		if d, ok := parseDay(digits); ok {
			return d, true
		}
	}
	return time.Time{}, false
}

func parseDay(digits string) (time.Time, bool) {
	d, err := time.Parse(dayLayout, digits)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// Window is an inclusive range of calendar days. A zero bound is open.
type Window struct {
	From time.Time
	To   time.Time
}

// IsZero reports whether the window has no bounds at all.
func (w Window) IsZero() bool {
	return w.From.IsZero() && w.To.IsZero()
}

// Contains compares calendar days only.
func (w Window) Contains(date time.Time) bool {
	day := Day(date)
	if !w.From.IsZero() && day.Before(Day(w.From)) {
		return false
	}
	if !w.To.IsZero() && day.After(Day(w.To)) {
		return false
	}
	return true
}

// Padded widens both bounds by days. Open bounds stay open.
func (w Window) Padded(days int) Window {
	out := w
	if !out.From.IsZero() {
		out.From = Day(out.From).AddDate(0, 0, -days)
	}
	if !out.To.IsZero() {
		out.To = Day(out.To).AddDate(0, 0, days)
	}
	return out
}

// Decision is the outcome of matching one file name against a window.
type Decision struct {
	Date     time.Time
	Dated    bool
	Included bool
}

// Match checks filename against w. Files without an extractable date are
// included: dropping an undated file could silently lose data, so callers
// are expected to warn instead.
func (e *Extractor) Match(filename string, w Window) Decision {
	date, ok := e.ExtractDate(filename)
	if !ok {
		return Decision{Included: true}
	}
	return Decision{Date: date, Dated: true, Included: w.Contains(date)}
}

// Day truncates t to midnight UTC of its own calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
