package safety

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"cloudpico-stations/internal/reading"
)

// DefaultProject is the project queried by the global is_safe check.
const DefaultProject = "default"

// DefaultMax is the upper bound of a sensor that does not configure one.
const DefaultMax = float64(math.MaxUint32)

var ErrUnknownProject = errors.New("unknown project")

// ReadingsSource returns the most recent readings of a station, oldest first.
type ReadingsSource interface {
	LatestReadings(station string, n int) ([]reading.Reading, error)
}

// SensorSettings configures a min/max sensor over one station datum.
type SensorSettings struct {
	Name    string
	Project string
	Enabled bool
	// Source is "<station>:<datum>".
	Source    string
	Min       float64
	Max       float64
	NReadings int
	// Settling is how long values must stay in range, after having been out
	// of range, before the sensor reports safe again. Zero disables it.
	Settling time.Duration
}

// SplitSource parses "<station>:<datum>".
func SplitSource(source string) (string, reading.Datum, error) {
	station, datum, ok := strings.Cut(source, ":")
	station, datum = strings.TrimSpace(station), strings.TrimSpace(datum)
	if !ok || station == "" || datum == "" {
		return "", "", fmt.Errorf("invalid sensor source %q (want station:datum)", source)
	}
	return station, reading.Datum(datum), nil
}

// Sensor evaluates one SensorSettings and remembers its settling state
// between evaluations.
type Sensor struct {
	settings SensorSettings
	station  string
	datum    reading.Datum

	mu             sync.Mutex
	wasInRange     bool
	startedSettle  time.Time
	lastValues     []*float64
	lastResponse   Response
	lastEvaluation time.Time
}

func NewSensor(s SensorSettings) (*Sensor, error) {
	if s.Name == "" {
		return nil, errors.New("sensor: empty name")
	}
	station, datum, err := SplitSource(s.Source)
	if err != nil {
		return nil, fmt.Errorf("sensor %q: %w", s.Name, err)
	}
	if s.Project == "" {
		s.Project = DefaultProject
	}
	if s.NReadings < 1 {
		s.NReadings = 1
	}
	if s.Min >= s.Max {
		return nil, fmt.Errorf("sensor %q: min %g must be below max %g", s.Name, s.Min, s.Max)
	}
	return &Sensor{
		settings:   s,
		station:    station,
		datum:      datum,
		wasInRange: true,
	}, nil
}

func (s *Sensor) Settings() SensorSettings { return s.settings }
func (s *Sensor) Station() string { return s.station }
func (s *Sensor) Datum() reading.Datum { return s.datum }

// Status is a snapshot of a sensor's last evaluation.
type Status struct {
	Name        string     `json:"name"`
	Project     string     `json:"project"`
	Source      string     `json:"source"`
	Min         float64    `json:"min"`
	Max         float64    `json:"max"`
	NReadings   int        `json:"nreadings"`
	Settling    string     `json:"settling,omitempty"`
	Safe        bool       `json:"safe"`
	Reasons     []string   `json:"reasons"`
	Values      []*float64 `json:"values"`
	EvaluatedAt time.Time  `json:"evaluated_at"`
}

func (s *Sensor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Name:        s.settings.Name,
		Project:     s.settings.Project,
		Source:      s.settings.Source,
		Min:         s.settings.Min,
		Max:         s.settings.Max,
		NReadings:   s.settings.NReadings,
		Safe:        s.lastResponse.Safe,
		Reasons:     append([]string{}, s.lastResponse.Reasons...),
		Values:      append([]*float64(nil), s.lastValues...),
		EvaluatedAt: s.lastEvaluation,
	}
	if s.settings.Settling > 0 {
		st.Settling = s.settings.Settling.String()
	}
	return st
}

// Evaluate judges the last NReadings values of the sensor's datum. A
// missing value counts as out of range. In range means min <= v < max.
func (s *Sensor) Evaluate(readings []reading.Reading, now time.Time) Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.settings.NReadings
	if len(readings) > n {
		readings = readings[len(readings)-n:]
	}
	values := make([]*float64, len(readings))
	for i, r := range readings {
		if v, ok := r.Value(s.datum); ok {
			values[i] = &v
		}
	}
	s.lastValues = values
	s.lastEvaluation = now

	resp := s.judge(values, now)
	s.lastResponse = resp
	return resp
}

func (s *Sensor) judge(values []*float64, now time.Time) Response {
	name := s.settings.Name
	n := s.settings.NReadings

	if len(values) < n {
		return unsafe(fmt.Sprintf("sensor '%s': only %d (out of %d) readings are available: %s",
			name, len(values), n, formatValues(values)))
	}

	bad := 0
	for _, v := range values {
		if v == nil || *v < s.settings.Min || *v >= s.settings.Max {
			bad++
		}
	}

	wasInRange := s.wasInRange
	s.wasInRange = bad == 0

	if bad > 0 {
		s.startedSettle = time.Time{}
		return unsafe(fmt.Sprintf("sensor '%s': %d out of %d readings are out of range (min=%g, max=%g), values=%s",
			name, bad, n, s.settings.Min, s.settings.Max, formatValues(values)))
	}

	if wasInRange && s.startedSettle.IsZero() {
		return SafeResponse()
	}
	if s.settings.Settling <= 0 {
		return SafeResponse()
	}

	if s.startedSettle.IsZero() {
		s.startedSettle = now
		return unsafe(fmt.Sprintf("sensor '%s': started settling for %s", name, s.settings.Settling))
	}
	end := s.startedSettle.Add(s.settings.Settling)
	if now.Before(end) {
		return unsafe(fmt.Sprintf("sensor '%s': settling for %s more", name, end.Sub(now).Round(time.Second)))
	}
	s.startedSettle = time.Time{}
	return SafeResponse()
}

func unsafe(reason string) Response {
	return Response{Safe: false, Reasons: []string{reason}}
}

func formatValues(values []*float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		if v == nil {
			parts[i] = "null"
			continue
		}
		parts[i] = fmt.Sprintf("%.2f", *v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Evaluator answers is_safe queries per project by combining the human
// intervention gate with every enabled sensor of the project.
type Evaluator struct {
	gate    *Gate
	source  ReadingsSource
	now     func() time.Time
	sensors map[string][]*Sensor
}

// NewEvaluator groups sensors by project. gate may be nil.
func NewEvaluator(gate *Gate, source ReadingsSource, sensors []*Sensor) *Evaluator {
	byProject := map[string][]*Sensor{DefaultProject: nil}
	for _, s := range sensors {
		p := s.settings.Project
		byProject[p] = append(byProject[p], s)
	}
	return &Evaluator{
		gate:    gate,
		source:  source,
		now:     time.Now,
		sensors: byProject,
	}
}

// Projects lists the known projects, sorted.
func (e *Evaluator) Projects() []string {
	out := make([]string, 0, len(e.sensors))
	for p := range e.sensors {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Sensors returns the sensors of a project.
func (e *Evaluator) Sensors(project string) ([]*Sensor, error) {
	sensors, ok := e.sensors[project]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProject, project)
	}
	return sensors, nil
}

// IsSafe evaluates project now. Only marker i/o failures are returned as
// errors; an unreadable station makes the sensor unsafe instead.
func (e *Evaluator) IsSafe(project string) (Response, error) {
	sensors, err := e.Sensors(project)
	if err != nil {
		return Response{}, err
	}

	resp := SafeResponse()
	if e.gate != nil {
		g, err := e.gate.IsSafe()
		if err != nil {
			return Response{}, err
		}
		resp.Merge(g)
	}

	now := e.now()
	for _, s := range sensors {
		if !s.settings.Enabled {
			continue
		}
		readings, err := e.source.LatestReadings(s.station, s.settings.NReadings)
		if err != nil {
			r := unsafe(fmt.Sprintf("sensor '%s': %v", s.settings.Name, err))
			s.mu.Lock()
			s.lastResponse = r
			s.lastEvaluation = now
			s.mu.Unlock()
			resp.Merge(r)
			continue
		}
		resp.Merge(s.Evaluate(readings, now))
	}
	return resp, nil
}
