// Package serial talks to line-oriented devices over a serial link.
//
// Devices answer a fixed request grammar:
//
//	PC:     <param>?\r\n
//	DEVICE: <text><value 1><text><value 2>...\r\n
//
// Some firmware echoes the request before answering; Querier discards the
// echo and returns the first line that differs from what was sent.
package serial

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrQueryTimeout is returned when a query exceeds the Querier's total timeout.
var ErrQueryTimeout = errors.New("serial query timeout")

// IdentitySettle is how long the device gets to answer an "id?" request.
const IdentitySettle = 500 * time.Millisecond

// Link is a line-oriented serial connection. ReadLine returns the line with
// its terminator, or ErrTimeout once the read deadline has passed.
type Link interface {
	Flush() error
	WriteString(s string) error
	SetReadDeadline(t time.Time) error
	ReadLine() (string, error)
	Close() error
}

// Querier runs request/response exchanges over one Link. It is not safe for
// concurrent use: a physical link carries one exchange at a time.
type Querier struct {
	link Link
	// Timeout bounds one whole Query, settle included. It is handed to the
	// link as a read deadline, so it also cuts short a read in progress.
	Timeout time.Duration
}

func NewQuerier(link Link, timeout time.Duration) *Querier {
	return &Querier{link: link, Timeout: timeout}
}

func (q *Querier) Link() Link { return q.link }

// Query sends "<param>?\r\n", waits settle for the device to prepare its
// answer and returns the first line that is not an echo of the request.
func (q *Querier) Query(ctx context.Context, param string, settle time.Duration) (string, error) {
	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}

	if err := q.link.Flush(); err != nil {
		return "", fmt.Errorf("query %q: %w", param, err)
	}

	request := param + "?\r\n"
	if err := q.link.WriteString(request); err != nil {
		return "", fmt.Errorf("query %q: %w", param, err)
	}

	if settle > 0 {
		timer := time.NewTimer(settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("query %q: %w", param, ctxErr(ctx))
		case <-timer.C:
		}
	}

	deadline, hasDeadline := ctx.Deadline()
	if err := q.link.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("query %q: %w", param, err)
	}
	defer func() { _ = q.link.SetReadDeadline(time.Time{}) }()

	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("query %q: %w", param, ctxErr(ctx))
		}
		line, err := q.link.ReadLine()
		if errors.Is(err, ErrTimeout) && hasDeadline && !time.Now().Before(deadline) {
			return "", fmt.Errorf("query %q: %w", param, ErrQueryTimeout)
		}
		if err != nil {
			return "", fmt.Errorf("query %q: %w", param, err)
		}
		if line == request {
			continue
		}
		return line, nil
	}
}

// CheckIdentity asks the device for its firmware id and reports whether the
// answer contains marker. The Querier's Timeout must exceed IdentitySettle.
func (q *Querier) CheckIdentity(ctx context.Context, marker string) (bool, error) {
	response, err := q.Query(ctx, "id", IdentitySettle)
	if err != nil {
		return false, err
	}
	return marker != "" && strings.Contains(response, marker), nil
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrQueryTimeout
	}
	return ctx.Err()
}
