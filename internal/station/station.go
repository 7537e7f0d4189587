// Package station runs the fetch lifecycle of a polled station: acquire
// every datum of one cycle, stamp and buffer the reading, then hand it to
// the persistence hook.
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cloudpico-stations/internal/reading"
	"cloudpico-stations/internal/schedule"
)

const (
	DefaultInterval       = 60 * time.Second
	DefaultStartupTimeout = 2 * time.Minute
)

// Acquirer fills a sample with one cycle's worth of values. It returns an
// error if any part of the acquisition failed.
type Acquirer interface {
	Acquire(ctx context.Context, sample *reading.Sample) error
}

// Opener is implemented by acquirers that own a device connection.
type Opener interface {
	Open(ctx context.Context) error
	Close() error
}

// PersistFunc stores a reading after it was buffered.
type PersistFunc func(ctx context.Context, r reading.Reading) error

// Fetchable is anything that can run one fetch cycle on demand.
type Fetchable interface {
	Name() string
	Fetch(ctx context.Context) (reading.Reading, error)
}

// SeriallyQueryable exposes a raw request/response exchange.
type SeriallyQueryable interface {
	Query(ctx context.Context, param string, settle time.Duration) (string, error)
}

type Config struct {
	Name     string
	Type     string
	Datums   reading.DatumSet
	Acquirer Acquirer
	// Interval between fetch cycles. Defaults to DefaultInterval.
	Interval time.Duration
	// BufferSize is how many readings are kept. Defaults to 1.
	BufferSize int
	Persist    PersistFunc
	// StartupTimeout bounds the retries of Opener.Open in Start.
	StartupTimeout time.Duration
	Logger         *slog.Logger
}

type Station struct {
	name     string
	typ      string
	datums   reading.DatumSet
	acquirer Acquirer
	interval time.Duration
	persist  PersistFunc
	startup  time.Duration
	buffer   *reading.Buffer
	logger   *slog.Logger
	now      func() time.Time

	cycle sync.Mutex

	mu   sync.Mutex
	task *schedule.Task
}

func New(cfg Config) (*Station, error) {
	if cfg.Name == "" {
		return nil, errors.New("station: empty name")
	}
	if cfg.Acquirer == nil {
		return nil, fmt.Errorf("station %q: nil acquirer", cfg.Name)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	buf, err := reading.NewBuffer(cfg.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("station %q: %w", cfg.Name, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Station{
		name:     cfg.Name,
		typ:      cfg.Type,
		datums:   cfg.Datums,
		acquirer: cfg.Acquirer,
		interval: cfg.Interval,
		persist:  cfg.Persist,
		startup:  cfg.StartupTimeout,
		buffer:   buf,
		logger:   logger.With("station", cfg.Name),
		now:      time.Now,
	}, nil
}

func (s *Station) Name() string { return s.name }
func (s *Station) Type() string { return s.typ }
func (s *Station) Interval() time.Duration { return s.interval }
func (s *Station) Datums() reading.DatumSet { return s.datums }
func (s *Station) Acquirer() Acquirer { return s.acquirer }
func (s *Station) BufferSize() int { return s.buffer.Cap() }
func (s *Station) Latest() (reading.Reading, error) { return s.buffer.Latest() }

// Readings returns every buffered reading, oldest first.
func (s *Station) Readings() []reading.Reading { return s.buffer.Get() }

// LatestReadings returns the last n readings, oldest first.
func (s *Station) LatestReadings(n int) []reading.Reading { return s.buffer.LatestN(n) }

// Fetch runs one cycle. A cycle that fails to acquire any value leaves the
// buffer untouched. If a cycle is already running, Fetch returns
// ErrCycleInProgress without touching the device. A persistence failure is
// returned wrapped in ErrPersistence together with the buffered reading.
func (s *Station) Fetch(ctx context.Context) (reading.Reading, error) {
	if !s.cycle.TryLock() {
		return reading.Reading{}, ErrCycleInProgress
	}
	defer s.cycle.Unlock()

	sample := s.datums.NewSample()
	if err := s.acquirer.Acquire(ctx, sample); err != nil {
		return reading.Reading{}, fmt.Errorf("station %s: %w", s.name, err)
	}

	r := sample.Reading(s.now().UTC())
	s.buffer.Push(r)
	s.logger.Debug("reading acquired", "tstamp", r.Time)

	if s.persist != nil {
		if err := s.persist(ctx, r); err != nil {
			return r, fmt.Errorf("station %s: %w: %w", s.name, ErrPersistence, err)
		}
	}
	return r, nil
}

// Start opens the device, retrying with exponential backoff for up to the
// startup timeout, then schedules Fetch every interval. An identity
// mismatch is not retried.
func (s *Station) Start(ctx context.Context, sched *schedule.Scheduler) error {
	if opener, ok := s.acquirer.(Opener); ok {
		if err := s.open(ctx, opener); err != nil {
			return err
		}
	}

	task, err := sched.Start(ctx, s.name, s.interval, s.tick)
	if err != nil {
		if opener, ok := s.acquirer.(Opener); ok {
			_ = opener.Close()
		}
		return fmt.Errorf("station %s: %w", s.name, err)
	}

	s.mu.Lock()
	s.task = task
	s.mu.Unlock()

	s.logger.Info("station started", "type", s.typ, "interval", s.interval, "buffer", s.buffer.Cap())
	return nil
}

func (s *Station) open(ctx context.Context, opener Opener) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = s.startup

	op := func() error {
		err := opener.Open(ctx)
		if errors.Is(err, ErrIdentityMismatch) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("station open failed, retrying", "error", err, "retry_in", wait)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("station %s: open: %w", s.name, err)
	}
	return nil
}

func (s *Station) tick(ctx context.Context) error {
	_, err := s.Fetch(ctx)
	if errors.Is(err, ErrCycleInProgress) {
		s.logger.Debug("previous cycle still running, skipping")
		return nil
	}
	return err
}

// Stop stops the scheduled task, waiting for an in-flight cycle to finish,
// and closes the device. A cycle against a silent device ends once its query
// timeout passes. Safe to call on a station that was never started.
func (s *Station) Stop() error {
	s.mu.Lock()
	task := s.task
	s.task = nil
	s.mu.Unlock()

	if task != nil {
		task.Stop()
	}
	if opener, ok := s.acquirer.(Opener); ok {
		if err := opener.Close(); err != nil {
			return fmt.Errorf("station %s: close: %w", s.name, err)
		}
	}
	return nil
}

// Running reports whether the station has a scheduled task.
func (s *Station) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task != nil && s.task.State() == schedule.Running
}
