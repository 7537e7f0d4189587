package station

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloudpico-stations/internal/reading"
	"cloudpico-stations/internal/serial"
)

// Spec describes one configured station.
type Spec struct {
	Name     string
	Type     string
	Interval time.Duration

	Serial serial.Config
	// Candidates are scanned for the device when Serial.Device is empty.
	Candidates   []string
	Identity     string
	QueryTimeout time.Duration

	// Host and Port address HTTP stations.
	Host      string
	Port      int
	StationID string
	Token     string
	Timeout   time.Duration
}

// Options are the dependencies shared by every station.
type Options struct {
	BufferSize     int
	Persist        PersistFunc
	StartupTimeout time.Duration
	Logger         *slog.Logger
	// Claims is shared by every serial station built for one process.
	Claims *PortClaims
	// Dial overrides how serial stations open their link.
	Dial DialFunc
}

// Types lists the supported station types.
func Types() []string {
	return []string{TypeOutsideArduino, TypeInsideArduino, TypeIMS, TypeTessW}
}

// DatumsOf returns the datum set of a station type.
func DatumsOf(typ string) (reading.DatumSet, error) {
	switch typ {
	case TypeOutsideArduino:
		return OutsideArduinoDatums, nil
	case TypeInsideArduino:
		return InsideArduinoDatums, nil
	case TypeIMS:
		return IMSDatums, nil
	case TypeTessW:
		return TessWDatums, nil
	default:
		return reading.DatumSet{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

// Build constructs the station described by spec.
func Build(spec Spec, opts Options) (*Station, error) {
	datums, err := DatumsOf(spec.Type)
	if err != nil {
		return nil, fmt.Errorf("station %q: %w", spec.Name, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var acq Acquirer
	switch spec.Type {
	case TypeOutsideArduino, TypeInsideArduino:
		cfg := SerialConfig{
			Port:         spec.Serial,
			Candidates:   spec.Candidates,
			Identity:     spec.Identity,
			QueryTimeout: spec.QueryTimeout,
			Owner:        spec.Name,
			Claims:       opts.Claims,
			Dial:         opts.Dial,
			Logger:       logger.With("station", spec.Name),
		}
		if spec.Type == TypeOutsideArduino {
			acq, err = NewOutsideArduino(cfg)
		} else {
			acq, err = NewInsideArduino(cfg)
		}
	case TypeIMS:
		id := spec.StationID
		if id == "" {
			// stations are named after their id, e.g. "ims232"
			id = strings.TrimPrefix(spec.Name, TypeIMS)
		}
		acq, err = NewIMS(HTTPConfig{
			BaseURL:   baseURL("https", spec.Host, spec.Port),
			StationID: id,
			Token:     spec.Token,
			Timeout:   spec.Timeout,
		})
	case TypeTessW:
		acq, err = NewTessW(HTTPConfig{
			BaseURL: baseURL("http", spec.Host, spec.Port),
			Timeout: spec.Timeout,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("station %q: %w", spec.Name, err)
	}

	return New(Config{
		Name:           spec.Name,
		Type:           spec.Type,
		Datums:         datums,
		Acquirer:       acq,
		Interval:       spec.Interval,
		BufferSize:     opts.BufferSize,
		Persist:        opts.Persist,
		StartupTimeout: opts.StartupTimeout,
		Logger:         logger,
	})
}

// baseURL accepts a bare host or a full URL.
func baseURL(scheme, host string, port int) string {
	if host == "" {
		return ""
	}
	if strings.Contains(host, "://") {
		return host
	}
	u := url.URL{Scheme: scheme, Host: host}
	if port > 0 {
		u.Host = host + ":" + strconv.Itoa(port)
	}
	return u.String()
}
