// Package safety decides whether a project may operate, from a human
// override marker and from sensors evaluated over recent station readings.
package safety

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrMarkerIO       = errors.New("human intervention marker i/o")
	ErrMarkerNotFound = errors.New("human intervention marker not found")
)

// Response is the outcome of a safety check. Reasons is empty when Safe.
type Response struct {
	Safe    bool     `json:"safe"`
	Reasons []string `json:"reasons"`
}

// SafeResponse returns a safe Response with no reasons.
func SafeResponse() Response {
	return Response{Safe: true, Reasons: []string{}}
}

// Merge folds other into r: the result is safe only if both are.
func (r *Response) Merge(other Response) {
	if !other.Safe {
		r.Safe = false
	}
	r.Reasons = append(r.Reasons, other.Reasons...)
}

// Record is the content of the marker file.
type Record struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"tstamp"`
}

// Gate reports unsafe while a marker file exists. The file is read on every
// call, so external tools may create or delete it directly.
type Gate struct {
	path string
	now  func() time.Time
}

func NewGate(path string) *Gate {
	return &Gate{path: path, now: time.Now}
}

// Path returns the marker file location.
func (g *Gate) Path() string { return g.path }

// IsSafe reports safe when there is no marker, and unsafe with a reason
// naming the recorded reason and time when there is one.
func (g *Gate) IsSafe() (Response, error) {
	rec, err := g.Status()
	if errors.Is(err, ErrMarkerNotFound) {
		return SafeResponse(), nil
	}
	if err != nil {
		return Response{}, err
	}
	return Response{
		Safe: false,
		Reasons: []string{
			fmt.Sprintf("sensor 'human-intervention', reason='%s', from=%s",
				rec.Reason, rec.Timestamp.Format(time.RFC3339)),
		},
	}, nil
}

// Status returns the current marker record, or ErrMarkerNotFound.
func (g *Gate) Status() (Record, error) {
	b, err := os.ReadFile(g.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrMarkerNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: read %s: %v", ErrMarkerIO, g.path, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: decode %s: %v", ErrMarkerIO, g.path, err)
	}
	return rec, nil
}

// Create writes the marker with reason and the current time, replacing any
// existing one. Readers see either the old file or the complete new one.
func (g *Gate) Create(reason string) error {
	b, err := json.MarshalIndent(Record{Reason: reason, Timestamp: g.now()}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrMarkerIO, err)
	}

	dir := filepath.Dir(g.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(g.path)+".*")
	if err != nil {
		return fmt.Errorf("%w: create temp in %s: %v", ErrMarkerIO, dir, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: write %s: %v", ErrMarkerIO, tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: sync %s: %v", ErrMarkerIO, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrMarkerIO, tmpName, err)
	}
	if err := os.Rename(tmpName, g.path); err != nil {
		return fmt.Errorf("%w: rename to %s: %v", ErrMarkerIO, g.path, err)
	}
	return nil
}

// Remove deletes the marker. It returns ErrMarkerNotFound if there is none.
func (g *Gate) Remove() error {
	err := os.Remove(g.path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrMarkerNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrMarkerIO, g.path, err)
	}
	return nil
}
