// Package sink holds the destinations a station hands each new reading to:
// SQL repositories, a latest-value cache and message publishers.
package sink

import (
	"context"
	"errors"
	"time"

	"cloudpico-stations/internal/reading"
)

// Sink persists one reading of a station.
type Sink interface {
	Persist(ctx context.Context, station string, r reading.Reading) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, station string, r reading.Reading) error

func (f Func) Persist(ctx context.Context, station string, r reading.Reading) error {
	return f(ctx, station, r)
}

type chain []Sink

// Chain returns a Sink that calls every non-nil sink in order. A failing sink
// does not stop the others; the failures are joined.
func Chain(sinks ...Sink) Sink {
	out := make(chain, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (c chain) Persist(ctx context.Context, station string, r reading.Reading) error {
	var errs []error
	for _, s := range c {
		if err := s.Persist(ctx, station, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bind fixes the station name, giving the per-station persistence hook.
// A nil sink binds to nil.
func Bind(s Sink, station string) func(context.Context, reading.Reading) error {
	if s == nil {
		return nil
	}
	return func(ctx context.Context, r reading.Reading) error {
		return s.Persist(ctx, station, r)
	}
}

// Telemetry is the JSON payload published and cached for a reading.
type Telemetry struct {
	StationID string                     `json:"station_id"`
	Timestamp time.Time                  `json:"timestamp"`
	Datums    map[reading.Datum]*float64 `json:"datums"`
}

func NewTelemetry(station string, r reading.Reading) Telemetry {
	return Telemetry{
		StationID: station,
		Timestamp: r.Time.UTC(),
		Datums:    r.Datums(),
	}
}

// Row is one stored datum value; Value is nil when the datum was not sampled.
type Row struct {
	Station string
	Time    time.Time
	Datum   reading.Datum
	Value   *float64
}

// rows flattens r in the datum order of its set.
func rows(station string, r reading.Reading) []Row {
	values := r.Datums()
	datums := r.Set().Datums()
	out := make([]Row, 0, len(datums))
	for _, d := range datums {
		out = append(out, Row{Station: station, Time: r.Time.UTC(), Datum: d, Value: values[d]})
	}
	return out
}
