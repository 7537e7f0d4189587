package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cloudpico-stations/internal/reading"
	"cloudpico-stations/internal/sink"
	"cloudpico-stations/internal/station"
)

type stationSummary struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Interval   string          `json:"interval"`
	BufferSize int             `json:"buffer_size"`
	Running    bool            `json:"running"`
	Datums     []reading.Datum `json:"datums"`
}

type stationDetails struct {
	stationSummary
	Readings []reading.Reading `json:"readings"`
	// Last is the cached reading, shown while the buffer is still empty.
	Last *sink.Telemetry `json:"last,omitempty"`
}

type historyRow struct {
	Time  time.Time     `json:"tstamp"`
	Datum reading.Datum `json:"datum"`
	Value *float64      `json:"value"`
}

func summarize(s *station.Station) stationSummary {
	return stationSummary{
		Name:       s.Name(),
		Type:       s.Type(),
		Interval:   s.Interval().String(),
		BufferSize: s.BufferSize(),
		Running:    s.Running(),
		Datums:     s.Datums().Datums(),
	}
}

type stationsHandler struct {
	stations StationLister
	history  HistoryReader
	last     LastReader
	logger   *slog.Logger
	now      func() time.Time
}

func registerStations(mux *http.ServeMux, d Deps) {
	h := &stationsHandler{stations: d.Stations, history: d.History, last: d.Last, logger: d.Logger, now: time.Now}
	mux.HandleFunc("GET /stations", h.handleList)
	mux.HandleFunc("GET /stations/{name}", h.handleDetails)
	mux.HandleFunc("GET /stations/{name}/readings", h.handleHistory)
}

func (h *stationsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	all := h.stations.All()
	out := make([]stationSummary, 0, len(all))
	for _, s := range all {
		out = append(out, summarize(s))
	}
	WriteValue(w, out)
}

func (h *stationsHandler) lookup(w http.ResponseWriter, r *http.Request) (*station.Station, bool) {
	s, err := h.stations.Get(r.PathValue("name"))
	if errors.Is(err, station.ErrUnknownStation) {
		var known []string
		for _, s := range h.stations.All() {
			known = append(known, s.Name())
		}
		WriteError(w, http.StatusNotFound, err.Error(), "known stations: "+strings.Join(known, ", "))
		return nil, false
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return s, true
}

func (h *stationsHandler) handleDetails(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	details := stationDetails{
		stationSummary: summarize(s),
		Readings:       readingsOf(s.Readings()),
	}
	if len(details.Readings) == 0 && h.last != nil {
		t, err := h.last.Last(r.Context(), s.Name())
		switch {
		case err == nil:
			details.Last = &t
		case !errors.Is(err, sink.ErrNotCached):
			h.logger.Warn("cached reading unavailable", "station", s.Name(), "error", err)
		}
	}
	WriteValue(w, details)
}

// handleHistory serves stored readings, one row per datum, oldest first.
func (h *stationsHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if h.history == nil {
		WriteError(w, http.StatusServiceUnavailable, "no reading repository configured")
		return
	}

	from, to, limit, err := parseReadingsQuery(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if to.IsZero() {
		to = h.now()
	}

	rows, err := h.history.History(r.Context(), s.Name(), from, to, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteValue(w, map[string]any{
		"station": s.Name(),
		"from":    zeroAsNullTime(from),
		"to":      to.UTC(),
		"limit":   limit,
		"items":   toHistory(rows),
	})
}

func toHistory(rows []sink.Row) []historyRow {
	out := make([]historyRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, historyRow{Time: row.Time, Datum: row.Datum, Value: row.Value})
	}
	return out
}

func parseReadingsQuery(r *http.Request) (from time.Time, to time.Time, limit int, err error) {
	q := r.URL.Query()

	if s := q.Get("from"); s != "" {
		from, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, 0, errors.New("invalid 'from' (expected RFC3339)")
		}
	}
	if s := q.Get("to"); s != "" {
		to, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, 0, errors.New("invalid 'to' (expected RFC3339)")
		}
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return time.Time{}, time.Time{}, 0, errors.New("'from' must be <= 'to'")
	}

	limit = 100
	if s := q.Get("limit"); s != "" {
		n, convErr := strconv.Atoi(s)
		if convErr != nil {
			return time.Time{}, time.Time{}, 0, errors.New("invalid 'limit' (expected integer)")
		}
		if n <= 0 {
			return time.Time{}, time.Time{}, 0, errors.New("'limit' must be > 0")
		}
		if n > 1000 {
			return time.Time{}, time.Time{}, 0, errors.New("'limit' must be <= 1000")
		}
		limit = n
	}

	return from, to, limit, nil
}

func zeroAsNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
