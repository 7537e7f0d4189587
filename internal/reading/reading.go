// Package reading holds the station data model: datums, readings and the
// bounded buffer that keeps the most recent readings of one station.
package reading

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Datum names a single measurable channel reported by a station.
type Datum string

// DatumSet is the closed, ordered set of datums a station type reports.
// It is declared once per station type and never mutated.
type DatumSet struct {
	name   string
	datums []Datum
}

func NewDatumSet(name string, datums ...Datum) DatumSet {
	return DatumSet{name: name, datums: slices.Clone(datums)}
}

func (s DatumSet) Name() string { return s.name }

// Datums returns the datums in declaration order.
func (s DatumSet) Datums() []Datum { return slices.Clone(s.datums) }

func (s DatumSet) Contains(d Datum) bool { return slices.Contains(s.datums, d) }

// NewSample starts collecting values for one fetch cycle.
func (s DatumSet) NewSample() *Sample {
	return &Sample{set: s, values: make(map[Datum]*float64, len(s.datums))}
}

// Reading is a timestamped snapshot of every datum of a station.
// Values are nil when the datum was not sampled. A Reading is immutable.
type Reading struct {
	Time   time.Time
	set    DatumSet
	values map[Datum]*float64
}

// Set returns the datum set the reading was built from.
func (r Reading) Set() DatumSet { return r.set }

// Value returns the value of d and whether it was sampled.
func (r Reading) Value(d Datum) (float64, bool) {
	v := r.values[d]
	if v == nil {
		return 0, false
	}
	return *v, true
}

// Datums returns a copy of every datum of the set, nil for unsampled ones.
func (r Reading) Datums() map[Datum]*float64 {
	out := make(map[Datum]*float64, len(r.set.datums))
	for _, d := range r.set.datums {
		if v := r.values[d]; v != nil {
			x := *v
			out[d] = &x
		} else {
			out[d] = nil
		}
	}
	return out
}

// MarshalJSON encodes the reading as {"tstamp": ..., "datums": {...}} with
// null for unsampled datums.
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Time   time.Time          `json:"tstamp"`
		Datums map[Datum]*float64 `json:"datums"`
	}{
		Time:   r.Time,
		Datums: r.Datums(),
	})
}

// Sample collects datum values during one fetch cycle.
type Sample struct {
	set    DatumSet
	values map[Datum]*float64
}

// Set stores v for d. Datums outside the station's set are rejected.
func (s *Sample) Set(d Datum, v float64) error {
	if !s.set.Contains(d) {
		return fmt.Errorf("datum %q is not reported by %s", d, s.set.name)
	}
	s.values[d] = &v
	return nil
}

// Reading freezes the sample into a Reading stamped with ts.
func (s *Sample) Reading(ts time.Time) Reading {
	values := make(map[Datum]*float64, len(s.set.datums))
	for _, d := range s.set.datums {
		if v := s.values[d]; v != nil {
			x := *v
			values[d] = &x
		} else {
			values[d] = nil
		}
	}
	return Reading{Time: ts, set: s.set, values: values}
}
