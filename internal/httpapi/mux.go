package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"cloudpico-stations/internal/reading"
	"cloudpico-stations/internal/safety"
	"cloudpico-stations/internal/sink"
	"cloudpico-stations/internal/station"
)

type StationLister interface {
	All() []*station.Station
	Get(name string) (*station.Station, error)
}

type SafetyChecker interface {
	Projects() []string
	Sensors(project string) ([]*safety.Sensor, error)
	IsSafe(project string) (safety.Response, error)
}

type InterventionGate interface {
	Status() (safety.Record, error)
	Create(reason string) error
	Remove() error
}

type HistoryReader interface {
	History(ctx context.Context, station string, from, to time.Time, limit int) ([]sink.Row, error)
}

// LastReader returns the last reading cached for a station.
type LastReader interface {
	Last(ctx context.Context, station string) (sink.Telemetry, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators behind the routes. History, Last and DB may
// be nil.
type Deps struct {
	Stations StationLister
	Safety   SafetyChecker
	Gate     InterventionGate
	History  HistoryReader
	Last     LastReader
	DB       Pinger
	Logger   *slog.Logger
}

func NewMux(d Deps) *http.ServeMux {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	mux := http.NewServeMux()
	registerHealthcheck(mux, d.DB)
	registerStations(mux, d)
	registerSafety(mux, d)
	return mux
}

// readingsOf keeps a JSON array even when a buffer is empty.
func readingsOf(rs []reading.Reading) []reading.Reading {
	if rs == nil {
		return []reading.Reading{}
	}
	return rs
}
