// Package opt orders a day's stops into a sequence a crew can drive.
package opt

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

const (
	// AlgoZipStreet groups by postal code and sorts each group by street line.
	AlgoZipStreet = "zip_street"
	// AlgoZipStreet2Opt additionally untangles each geocoded postal-code group.
	AlgoZipStreet2Opt = "zip_street_2opt"
)

// StopInput is the minimal view of a job the sequencer works on.
type StopInput struct {
	JobID        string
	ZipCode      string
	AddressLine1 string
	Lat, Lng     float64
	HasGeo       bool
}

// ValidAlgorithm reports whether name selects a known algorithm ("" means default).
func ValidAlgorithm(name string) bool {
	switch name {
	case "", AlgoZipStreet, AlgoZipStreet2Opt:
		return true
	}
	return false
}

// SequenceWith orders stops with the named algorithm.
func SequenceWith(algo string, stops []StopInput) ([]StopInput, error) {
	switch algo {
	case "", AlgoZipStreet:
		return Sequence(stops), nil
	case AlgoZipStreet2Opt:
		return refineGroups(Sequence(stops)), nil
	}
	return nil, fmt.Errorf("unknown algorithm %q", algo)
}

// Sequence returns stops ordered by postal code then street address. Valid
// codes sort numerically on their first five characters, malformed codes
// follow in string order, and stops with no code come last. Within a code,
// addresses compare with English collation. The input slice is not modified
// and equal keys keep their input order.
func Sequence(stops []StopInput) []StopInput {
	out := append([]StopInput(nil), stops...)
	keys := make(map[string]zipKey, len(out))
	for _, s := range out {
		if _, ok := keys[s.ZipCode]; !ok {
			keys[s.ZipCode] = parseZip(s.ZipCode)
		}
	}
	col := collate.New(language.English)
	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := keys[out[i].ZipCode], keys[out[j].ZipCode]
		if c := ki.compare(kj); c != 0 {
			return c < 0
		}
		return col.CompareString(out[i].AddressLine1, out[j].AddressLine1) < 0
	})
	return out
}

type zipClass int

const (
	zipNumeric zipClass = iota
	zipMalformed
	zipMissing
)

type zipKey struct {
	class zipClass
	num   int
	raw   string
}

func parseZip(code string) zipKey {
	raw := strings.TrimSpace(code)
	if raw == "" {
		return zipKey{class: zipMissing}
	}
	prefix := raw
	if len(prefix) > 5 {
		prefix = prefix[:5]
	}
	n, digits := 0, 0
	for _, r := range prefix {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
		digits++
	}
	if digits == 0 {
		return zipKey{class: zipMalformed, raw: raw}
	}
	return zipKey{class: zipNumeric, num: n, raw: raw}
}

func (k zipKey) compare(o zipKey) int {
	switch {
	case k.class != o.class:
		return int(k.class) - int(o.class)
	case k.num != o.num:
		if k.num < o.num {
			return -1
		}
		return 1
	}
	return strings.Compare(k.raw, o.raw)
}

// refineGroups applies 2-opt inside each run of stops whose postal codes
// share a sort key, when every stop in the run is geocoded. Group order is
// left alone.
func refineGroups(seq []StopInput) []StopInput {
	out := make([]StopInput, 0, len(seq))
	for i := 0; i < len(seq); {
		key := parseZip(seq[i].ZipCode)
		j := i + 1
		for j < len(seq) && parseZip(seq[j].ZipCode).compare(key) == 0 {
			j++
		}
		group := seq[i:j]
		if allGeocoded(group) {
			group = ImproveOrder2Opt(group, 50)
		}
		out = append(out, group...)
		i = j
	}
	return out
}

func allGeocoded(stops []StopInput) bool {
	for _, s := range stops {
		if !s.HasGeo {
			return false
		}
	}
	return true
}
