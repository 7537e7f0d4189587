package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"cloudpico-stations/internal/format"
	"cloudpico-stations/internal/reading"
	"cloudpico-stations/internal/serial"
)

// DefaultQueryTimeout bounds one serial request/response exchange.
const DefaultQueryTimeout = 5 * time.Second

// SubQuery is one request of a serial fetch cycle. The values parsed from
// the response are assigned to Datums in order.
type SubQuery struct {
	Param    string
	Settle   time.Duration
	Template *format.Template
	Datums   []reading.Datum
}

// DialFunc opens the serial link.
type DialFunc func(cfg serial.Config) (serial.Link, error)

func dialPort(cfg serial.Config) (serial.Link, error) {
	p, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ErrNoDevice is returned by Open when no candidate port answers with the
// expected identity.
var ErrNoDevice = errors.New("no matching serial device")

type SerialConfig struct {
	// Port.Device may be left empty when Candidates are given; the device is
	// then found by asking each candidate for its identity.
	Port serial.Config
	// Candidates are glob patterns of ports to scan, e.g. "/dev/ttyACM*".
	Candidates []string
	// Identity is the firmware marker expected in the "id?" response.
	// Empty skips the check.
	Identity string
	// QueryTimeout bounds each exchange. It must exceed serial.IdentitySettle
	// and every sub-query's settle time.
	QueryTimeout time.Duration
	// Owner names the station in Claims.
	Owner  string
	Claims *PortClaims
	Dial   DialFunc
	Logger *slog.Logger
}

// PortClaims records which station owns which serial device, so that
// detection never probes a port another station already uses.
type PortClaims struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewPortClaims() *PortClaims {
	return &PortClaims{owners: make(map[string]string)}
}

// Claim assigns device to owner. It fails if another owner holds it.
func (c *PortClaims) Claim(device, owner string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.owners[device]; ok && cur != owner {
		return false
	}
	c.owners[device] = owner
	return true
}

// Release frees device if owner holds it.
func (c *PortClaims) Release(device, owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owners[device] == owner {
		delete(c.owners, device)
	}
}

// Owner returns who holds device, or "".
func (c *PortClaims) Owner(device string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[device]
}

// SerialAcquirer runs a fixed list of sub-queries, strictly in order, over
// one serial link. A transport failure drops the link; the next Acquire
// reopens it.
type SerialAcquirer struct {
	cfg     SerialConfig
	queries []SubQuery
	logger  *slog.Logger

	mu     sync.Mutex
	q      *serial.Querier
	device string // detected device, if any
}

// NewSerialAcquirer checks that each sub-query's template yields exactly
// one value per target datum.
func NewSerialAcquirer(cfg SerialConfig, queries []SubQuery) (*SerialAcquirer, error) {
	for _, sq := range queries {
		if sq.Template == nil {
			return nil, fmt.Errorf("sub-query %q: nil template", sq.Param)
		}
		if sq.Template.NumValues() != len(sq.Datums) {
			return nil, fmt.Errorf("sub-query %q: template has %d values for %d datums",
				sq.Param, sq.Template.NumValues(), len(sq.Datums))
		}
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.Identity != "" && cfg.QueryTimeout <= serial.IdentitySettle {
		return nil, fmt.Errorf("query timeout %v must exceed the identity settle time %v",
			cfg.QueryTimeout, serial.IdentitySettle)
	}
	for _, sq := range queries {
		if cfg.QueryTimeout <= sq.Settle {
			return nil, fmt.Errorf("sub-query %q: query timeout %v must exceed its settle time %v",
				sq.Param, cfg.QueryTimeout, sq.Settle)
		}
	}
	if cfg.Port.ReadTimeout <= 0 {
		cfg.Port.ReadTimeout = serial.DefaultReadTimeout
	}
	if cfg.Port.Device == "" {
		if len(cfg.Candidates) == 0 {
			return nil, errors.New("missing serial device")
		}
		if cfg.Identity == "" {
			return nil, errors.New("device detection needs an identity")
		}
		for _, pattern := range cfg.Candidates {
			if _, err := filepath.Match(pattern, ""); err != nil {
				return nil, fmt.Errorf("candidate %q: %w", pattern, err)
			}
		}
	}
	if cfg.Claims == nil {
		cfg.Claims = NewPortClaims()
	}
	if cfg.Port.Device != "" && !cfg.Claims.Claim(cfg.Port.Device, cfg.Owner) {
		return nil, fmt.Errorf("device %s already used by station %q", cfg.Port.Device, cfg.Claims.Owner(cfg.Port.Device))
	}
	if cfg.Dial == nil {
		cfg.Dial = dialPort
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port.Device != "" {
		logger = logger.With("device", cfg.Port.Device)
	}
	return &SerialAcquirer{
		cfg:     cfg,
		queries: queries,
		logger:  logger,
	}, nil
}

// Device returns the configured or detected device, or "" before detection.
func (a *SerialAcquirer) Device() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg.Port.Device != "" {
		return a.cfg.Port.Device
	}
	return a.device
}

// SubQueries returns the configured sub-queries.
func (a *SerialAcquirer) SubQueries() []SubQuery { return a.queries }

// Open connects to the device and verifies its firmware identity.
func (a *SerialAcquirer) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openLocked(ctx)
}

func (a *SerialAcquirer) openLocked(ctx context.Context) error {
	if a.q != nil {
		return nil
	}
	if a.cfg.Port.Device == "" {
		return a.detectLocked(ctx)
	}
	q, err := a.connect(ctx, a.cfg.Port)
	if err != nil {
		return err
	}
	a.q = q
	a.logger.Info("serial device opened", "baud", a.cfg.Port.BaudRate, "identity", a.cfg.Identity)
	return nil
}

// connect dials port and verifies the firmware identity.
func (a *SerialAcquirer) connect(ctx context.Context, port serial.Config) (*serial.Querier, error) {
	link, err := a.cfg.Dial(port)
	if err != nil {
		return nil, transportErr("open "+port.Device, err)
	}
	q := serial.NewQuerier(link, a.cfg.QueryTimeout)

	if a.cfg.Identity != "" {
		ok, err := q.CheckIdentity(ctx, a.cfg.Identity)
		if err != nil {
			_ = link.Close()
			return nil, transportErr("identify "+port.Device, err)
		}
		if !ok {
			_ = link.Close()
			return nil, fmt.Errorf("%w: %s is not running %s", ErrIdentityMismatch, port.Device, a.cfg.Identity)
		}
	}
	return q, nil
}

// detectLocked scans the candidate ports not claimed by another station and
// keeps the first one that answers with the expected identity.
func (a *SerialAcquirer) detectLocked(ctx context.Context) error {
	var tried int
	for _, device := range a.candidates() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !a.cfg.Claims.Claim(device, a.cfg.Owner) {
			continue
		}
		tried++
		port := a.cfg.Port
		port.Device = device
		q, err := a.connect(ctx, port)
		if err != nil {
			a.cfg.Claims.Release(device, a.cfg.Owner)
			a.logger.Debug("candidate rejected", "device", device, "error", err)
			continue
		}
		a.q = q
		a.device = device
		a.logger.Info("serial device detected", "device", device, "baud", port.BaudRate, "identity", a.cfg.Identity)
		return nil
	}
	return fmt.Errorf("%w: %s on %d free candidate ports", ErrNoDevice, a.cfg.Identity, tried)
}

func (a *SerialAcquirer) candidates() []string {
	var out []string
	for _, pattern := range a.cfg.Candidates {
		matches, _ := filepath.Glob(pattern)
		if len(matches) == 0 && !strings.ContainsAny(pattern, `*?[\`) {
			matches = []string{pattern}
		}
		for _, m := range matches {
			if !slices.Contains(out, m) {
				out = append(out, m)
			}
		}
	}
	return out
}

// Acquire runs every sub-query in order. The first failure aborts the cycle.
func (a *SerialAcquirer) Acquire(ctx context.Context, sample *reading.Sample) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.openLocked(ctx); err != nil {
		return err
	}

	for _, sq := range a.queries {
		line, err := a.q.Query(ctx, sq.Param, sq.Settle)
		if err != nil {
			a.dropLocked()
			return transportErr("query "+sq.Param, err)
		}
		values, err := sq.Template.Parse(line)
		if err != nil {
			return fmt.Errorf("%s: %w", sq.Param, err)
		}
		for i, d := range sq.Datums {
			if d == ignored {
				continue
			}
			if err := sample.Set(d, values[i]); err != nil {
				return fmt.Errorf("%s: %w", sq.Param, err)
			}
		}
	}
	return nil
}

// Query runs a single raw exchange on the open link.
func (a *SerialAcquirer) Query(ctx context.Context, param string, settle time.Duration) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.openLocked(ctx); err != nil {
		return "", err
	}
	line, err := a.q.Query(ctx, param, settle)
	if err != nil {
		a.dropLocked()
		return "", transportErr("query "+param, err)
	}
	return line, nil
}

// Close releases the link. The next Acquire reopens it. A detected device
// is given up and detected again on the next open.
func (a *SerialAcquirer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.q == nil {
		return nil
	}
	err := a.q.Link().Close()
	a.q = nil
	a.forgetLocked()
	return err
}

func (a *SerialAcquirer) dropLocked() {
	if a.q == nil {
		return
	}
	if err := a.q.Link().Close(); err != nil {
		a.logger.Debug("close after transport error", "error", err)
	}
	a.q = nil
	a.forgetLocked()
}

func (a *SerialAcquirer) forgetLocked() {
	if a.device == "" {
		return
	}
	a.cfg.Claims.Release(a.device, a.cfg.Owner)
	a.device = ""
}
