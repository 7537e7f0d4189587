//go:build !linux

package serial

import (
	"errors"
	"time"
)

var (
	ErrClosed          = errors.New("serial port closed")
	ErrTimeout         = errors.New("serial read timeout")
	ErrUnsupportedBaud = errors.New("unsupported baud rate")
)

const DefaultReadTimeout = 2 * time.Second

type Config struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
}

// Port is only implemented on Linux.
type Port struct{}

func Open(cfg Config) (*Port, error) {
	return nil, errors.New("serial ports are only supported on linux")
}

func (p *Port) Name() string { return "" }
func (p *Port) Flush() error { return ErrClosed }
func (p *Port) WriteString(s string) error { return ErrClosed }
func (p *Port) SetReadDeadline(t time.Time) error { return ErrClosed }
func (p *Port) ReadLine() (string, error) { return "", ErrClosed }
func (p *Port) Close() error { return nil }

// SupportedBaud reports whether baud is one of the POSIX standard rates.
func SupportedBaud(baud int) bool {
	switch baud {
	case 50, 75, 110, 134, 150, 200, 300, 600, 1200, 1800, 2400, 4800,
		9600, 19200, 38400, 57600, 115200, 230400:
		return true
	}
	return false
}
