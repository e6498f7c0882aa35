// Package schedule edits the dispensing schedule of a device against its live
// configuration.
package schedule

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"pillbox/dbtypes"
)

// timePattern accepts 24-hour times with a one or two digit hour.
var timePattern = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$`)

// NormalizeTime validates a dispense time and zero-pads its hour, so that
// lexicographic order of stored times is chronological.
func NormalizeTime(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !timePattern.MatchString(s) {
		return "", false
	}
	if len(s) == len("9:00") {
		s = "0" + s
	}
	return s, true
}

// SortTimes returns the de-duplicated, ascending copy of times.
func SortTimes(times []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, t := range times {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Draft is the locally edited copy of a schedule.
type Draft struct {
	Times      []string
	WeightText string
}

// NewDraft seeds a draft from a stored configuration.  Stored times are
// normalized the same way AddTime normalizes them; times that do not parse are
// kept verbatim so the user can still remove them.
func NewDraft(cfg dbtypes.ScheduleConfig) Draft {
	times := make([]string, 0, len(cfg.Times))
	for _, t := range cfg.Times {
		if norm, ok := NormalizeTime(t); ok {
			t = norm
		}
		times = append(times, t)
	}
	return Draft{
		Times:      SortTimes(times),
		WeightText: strconv.FormatFloat(cfg.PillWeightG, 'f', -1, 64),
	}
}

// AddTime adds t to the draft, keeping the list sorted and free of
// duplicates.  Malformed times are ignored; AddTime reports whether t was
// accepted.
func (d *Draft) AddTime(t string) bool {
	norm, ok := NormalizeTime(t)
	if !ok {
		return false
	}
	d.Times = SortTimes(append(append([]string(nil), d.Times...), norm))
	return true
}

// RemoveTime removes t from the draft, if present.
func (d *Draft) RemoveTime(t string) {
	if norm, ok := NormalizeTime(t); ok {
		t = norm
	}
	kept := []string{}
	for _, have := range d.Times {
		if have != t {
			kept = append(kept, have)
		}
	}
	d.Times = kept
}

// Weight parses the weight text, returning fallback if it is not a finite
// number.  A decimal comma is accepted.
func (d Draft) Weight(fallback float64) float64 {
	w, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(d.WeightText, ",", ".")), 64)
	if err != nil || math.IsNaN(w) || math.IsInf(w, 0) {
		return fallback
	}
	return w
}

func (d Draft) clone() Draft {
	d.Times = append([]string{}, d.Times...)
	return d
}
