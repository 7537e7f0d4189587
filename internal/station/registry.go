package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"cloudpico-stations/internal/reading"
	"cloudpico-stations/internal/schedule"
)

// Registry holds the configured stations by name.
type Registry struct {
	mu       sync.RWMutex
	stations map[string]*Station
}

func NewRegistry() *Registry {
	return &Registry{stations: make(map[string]*Station)}
}

func (r *Registry) Add(s *Station) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stations[s.Name()]; ok {
		return fmt.Errorf("station %q already registered", s.Name())
	}
	r.stations[s.Name()] = s
	return nil
}

func (r *Registry) Get(name string) (*Station, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stations[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStation, name)
	}
	return s, nil
}

// All returns the stations sorted by name.
func (r *Registry) All() []*Station {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Station, 0, len(r.stations))
	for _, s := range r.stations {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// LatestReadings returns the last n readings of the named station.
func (r *Registry) LatestReadings(name string, n int) ([]reading.Reading, error) {
	s, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return s.LatestReadings(n), nil
}

// StartAll starts every station. A station that fails to start is logged and
// left out; the others keep running. It returns the joined start errors.
func (r *Registry) StartAll(ctx context.Context, sched *schedule.Scheduler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, s := range r.All() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Start(ctx, sched); err != nil {
				logger.Error("station not started", "station", s.Name(), "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StopAll stops every station and returns the joined close errors.
func (r *Registry) StopAll() error {
	var errs []error
	for _, s := range r.All() {
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
