package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"cloudpico-stations/internal/safety"
	"cloudpico-stations/internal/serial"
	"cloudpico-stations/internal/station"
)

// File is the stations file: the stations to poll and the safety sensors
// evaluated over their readings. Durations are in seconds.
type File struct {
	Stations []StationConfig `yaml:"stations"`
	Sensors  []SensorConfig  `yaml:"sensors"`
}

type StationConfig struct {
	Name         string        `yaml:"name"`
	Type         string        `yaml:"type"`
	Enabled      *bool         `yaml:"enabled"`
	Interval     float64       `yaml:"interval"`
	Identity     string        `yaml:"identity"`
	QueryTimeout float64       `yaml:"query_timeout"`
	Serial       *SerialConfig `yaml:"serial"`
	HTTP         *HTTPConfig   `yaml:"http"`
}

// SerialConfig names the port either directly or by a list of candidate
// globs probed for the station's firmware identity. ReadTimeout defaults to
// serial.DefaultReadTimeout.
type SerialConfig struct {
	Device      string   `yaml:"device"`
	Candidates  []string `yaml:"candidates"`
	Baud        int      `yaml:"baud"`
	ReadTimeout float64  `yaml:"read_timeout"`
}

type HTTPConfig struct {
	Host      string  `yaml:"host"`
	Port      int     `yaml:"port"`
	StationID string  `yaml:"station_id"`
	Token     string  `yaml:"token"`
	Timeout   float64 `yaml:"timeout"`
}

type SensorConfig struct {
	Name      string   `yaml:"name"`
	Project   string   `yaml:"project"`
	Enabled   *bool    `yaml:"enabled"`
	Source    string   `yaml:"source"`
	Min       float64  `yaml:"min"`
	Max       *float64 `yaml:"max"`
	NReadings int      `yaml:"nreadings"`
	Settling  float64  `yaml:"settling"`
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func enabled(b *bool) bool { return b == nil || *b }

func (s StationConfig) IsEnabled() bool { return enabled(s.Enabled) }

// Spec converts s to a station spec. Tokens may reference environment
// variables, e.g. "${IMS_TOKEN}".
func (s StationConfig) Spec() station.Spec {
	spec := station.Spec{
		Name:         s.Name,
		Type:         s.Type,
		Interval:     seconds(s.Interval),
		Identity:     s.Identity,
		QueryTimeout: seconds(s.QueryTimeout),
	}
	if s.Serial != nil {
		spec.Candidates = s.Serial.Candidates
		spec.Serial = serial.Config{
			Device:      s.Serial.Device,
			BaudRate:    s.Serial.Baud,
			ReadTimeout: seconds(s.Serial.ReadTimeout),
		}
	}
	if s.HTTP != nil {
		spec.Host = s.HTTP.Host
		spec.Port = s.HTTP.Port
		spec.StationID = s.HTTP.StationID
		spec.Token = os.ExpandEnv(s.HTTP.Token)
		spec.Timeout = seconds(s.HTTP.Timeout)
	}
	return spec
}

func (s SensorConfig) Settings() safety.SensorSettings {
	upper := safety.DefaultMax
	if s.Max != nil {
		upper = *s.Max
	}
	return safety.SensorSettings{
		Name:      s.Name,
		Project:   s.Project,
		Enabled:   enabled(s.Enabled),
		Source:    s.Source,
		Min:       s.Min,
		Max:       upper,
		NReadings: s.NReadings,
		Settling:  seconds(s.Settling),
	}
}

// LoadStations reads and validates the stations file at path.
func LoadStations(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("stations file: %w", err)
	}
	f, err := ParseStations(b)
	if err != nil {
		return File{}, fmt.Errorf("stations file %s: %w", path, err)
	}
	return f, nil
}

func ParseStations(b []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, err
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate reports every problem in f at once.
func (f File) Validate() error {
	var errs []error
	types := map[string]string{}
	for i, s := range f.Stations {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("stations[%d]: missing name", i))
			continue
		case types[s.Name] != "":
			errs = append(errs, fmt.Errorf("station %q: duplicate name", s.Name))
			continue
		case !slices.Contains(station.Types(), s.Type):
			errs = append(errs, fmt.Errorf("station %q: unknown type %q (allowed: %v)", s.Name, s.Type, station.Types()))
			continue
		}
		types[s.Name] = s.Type
		if s.Interval < 0 {
			errs = append(errs, fmt.Errorf("station %q: negative interval", s.Name))
		}
		switch s.Type {
		case station.TypeOutsideArduino, station.TypeInsideArduino:
			switch {
			case s.Serial == nil || (s.Serial.Device == "" && len(s.Serial.Candidates) == 0):
				errs = append(errs, fmt.Errorf("station %q: missing serial.device or serial.candidates", s.Name))
			case s.Serial.Baud <= 0:
				errs = append(errs, fmt.Errorf("station %q: missing serial.baud", s.Name))
			case !serial.SupportedBaud(s.Serial.Baud):
				errs = append(errs, fmt.Errorf("station %q: unsupported serial.baud %d", s.Name, s.Serial.Baud))
			}
			if s.Serial != nil && s.Serial.ReadTimeout < 0 {
				errs = append(errs, fmt.Errorf("station %q: negative serial.read_timeout", s.Name))
			}
			if s.QueryTimeout != 0 && seconds(s.QueryTimeout) <= serial.IdentitySettle {
				errs = append(errs, fmt.Errorf("station %q: query_timeout must exceed the %v identity settle", s.Name, serial.IdentitySettle))
			}
		case station.TypeIMS, station.TypeTessW:
			if s.HTTP == nil || s.HTTP.Host == "" {
				errs = append(errs, fmt.Errorf("station %q: missing http.host", s.Name))
			}
		}
	}

	for i, s := range f.Sensors {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("sensors[%d]", i)
		}
		stationName, datum, err := safety.SplitSource(s.Source)
		if err != nil {
			errs = append(errs, fmt.Errorf("sensor %q: %w", name, err))
			continue
		}
		typ, ok := types[stationName]
		if !ok {
			errs = append(errs, fmt.Errorf("sensor %q: unknown station %q", name, stationName))
			continue
		}
		datums, _ := station.DatumsOf(typ)
		if !datums.Contains(datum) {
			errs = append(errs, fmt.Errorf("sensor %q: station %q has no datum %q", name, stationName, datum))
		}
		if _, err := safety.NewSensor(s.Settings()); err != nil {
			errs = append(errs, fmt.Errorf("sensor %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// NewSensors builds the configured safety sensors.
func (f File) NewSensors() ([]*safety.Sensor, error) {
	out := make([]*safety.Sensor, 0, len(f.Sensors))
	for _, s := range f.Sensors {
		sensor, err := safety.NewSensor(s.Settings())
		if err != nil {
			return nil, err
		}
		out = append(out, sensor)
	}
	return out, nil
}

// EnabledStations returns the stations to poll.
func (f File) EnabledStations() []StationConfig {
	var out []StationConfig
	for _, s := range f.Stations {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

// BufferSizes maps each station to the largest nreadings of the sensors
// sourcing it, so every sensor finds enough history.
func (f File) BufferSizes() map[string]int {
	out := map[string]int{}
	for _, s := range f.Sensors {
		stationName, _, err := safety.SplitSource(s.Source)
		if err != nil {
			continue
		}
		n := max(s.NReadings, 1)
		if n > out[stationName] {
			out[stationName] = n
		}
	}
	return out
}
