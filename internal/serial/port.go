//go:build linux

package serial

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrClosed          = errors.New("serial port closed")
	ErrTimeout         = errors.New("serial read timeout")
	ErrUnsupportedBaud = errors.New("unsupported baud rate")
)

// Config holds the parameters for opening a serial port.
type Config struct {
	Device   string
	BaudRate int
	// ReadTimeout bounds a single ReadLine. Zero leaves ReadLine bound only
	// by the read deadline, if any.
	ReadTimeout time.Duration
}

// DefaultReadTimeout is the per-line read timeout used when none is configured.
const DefaultReadTimeout = 2 * time.Second

// Port is a raw-mode Linux serial port with line-oriented reads.
// Close may be called from any goroutine and unblocks a pending ReadLine.
type Port struct {
	cfg       Config
	file      *os.File
	fd        int
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
	done      chan struct{}
	closeOnce sync.Once

	deadline atomic.Int64 // unix nanos, 0 for none

	mu      sync.Mutex
	pending []byte
}

// Open opens cfg.Device in raw 8N1 mode.
func Open(cfg Config) (*Port, error) {
	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}

	speed, ok := baudToUnix(cfg.BaudRate)
	if !ok {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("open %s: %w: %d", cfg.Device, ErrUnsupportedBaud, cfg.BaudRate)
	}
	if err := configure(fd, speed); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("configure %s: %w", cfg.Device, err)
	}

	// Back to blocking mode now that the line is configured; reads are gated by poll.
	if err := unix.SetNonblock(fd, false); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set blocking %s: %w", cfg.Device, err)
	}

	pipeFds := make([]int, 2)
	if err := unix.Pipe2(pipeFds, unix.O_CLOEXEC); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	return &Port{
		cfg:   cfg,
		file:  os.NewFile(uintptr(fd), cfg.Device),
		fd:    fd,
		pipeR: pipeFds[0],
		pipeW: pipeFds[1],
		done:  make(chan struct{}),
	}, nil
}

func configure(fd int, speed uint32) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.CBAUD
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed

	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

// Name returns the device path.
func (p *Port) Name() string { return p.cfg.Device }

// Flush discards data received but not read and data written but not sent.
func (p *Port) Flush() error {
	if p.isClosed() {
		return ErrClosed
	}
	p.mu.Lock()
	p.pending = p.pending[:0]
	p.mu.Unlock()
	if err := unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// WriteString writes s to the port.
func (p *Port) WriteString(s string) error {
	if p.isClosed() {
		return ErrClosed
	}
	if _, err := p.file.WriteString(s); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// SetReadDeadline sets an absolute deadline for subsequent ReadLine calls.
// A zero t clears it. ReadLine returns ErrTimeout once either the deadline or
// the per-line ReadTimeout passes, whichever comes first.
func (p *Port) SetReadDeadline(t time.Time) error {
	if p.isClosed() {
		return ErrClosed
	}
	if t.IsZero() {
		p.deadline.Store(0)
	} else {
		p.deadline.Store(t.UnixNano())
	}
	return nil
}

// ReadLine returns the next line, including its trailing '\n'. Bytes after
// the newline are kept for the next call.
func (p *Port) ReadLine() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var deadline time.Time
	if p.cfg.ReadTimeout > 0 {
		deadline = time.Now().Add(p.cfg.ReadTimeout)
	}
	if ns := p.deadline.Load(); ns != 0 {
		if d := time.Unix(0, ns); deadline.IsZero() || d.Before(deadline) {
			deadline = d
		}
	}

	buf := make([]byte, 512)
	for {
		if idx := bytes.IndexByte(p.pending, '\n'); idx >= 0 {
			line := string(p.pending[:idx+1])
			p.pending = append(p.pending[:0], p.pending[idx+1:]...)
			return line, nil
		}
		if p.isClosed() {
			return "", ErrClosed
		}

		timeout := -1
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return "", ErrTimeout
			}
			timeout = int(remaining.Milliseconds()) + 1
		}

		pfd := []unix.PollFd{
			{Fd: int32(p.fd), Events: unix.POLLIN},
			{Fd: int32(p.pipeR), Events: unix.POLLIN},
		}
		n, err := unix.Poll(pfd, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return "", fmt.Errorf("poll: %w", err)
		}
		if p.isClosed() || pfd[1].Revents&unix.POLLIN != 0 {
			return "", ErrClosed
		}
		if n == 0 {
			continue
		}
		if pfd[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			n, err := unix.Read(p.fd, buf)
			if err != nil {
				if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
					continue
				}
				return "", fmt.Errorf("read: %w", err)
			}
			if n == 0 {
				return "", fmt.Errorf("read: %w", unix.EIO)
			}
			p.pending = append(p.pending, buf[:n]...)
		}
	}
}

// Close closes the port and unblocks any pending ReadLine.
// Safe to call multiple times; subsequent calls are no-ops.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		// Wake up poll using self-pipe
		_, _ = unix.Write(p.pipeW, []byte{1})
		err = p.file.Close()
		_ = unix.Close(p.pipeR)
		_ = unix.Close(p.pipeW)
	})
	return err
}

func (p *Port) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

var baudRates = map[int]uint32{
	50:      unix.B50,
	75:      unix.B75,
	110:     unix.B110,
	134:     unix.B134,
	150:     unix.B150,
	200:     unix.B200,
	300:     unix.B300,
	600:     unix.B600,
	1200:    unix.B1200,
	1800:    unix.B1800,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1152000: unix.B1152000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
	2500000: unix.B2500000,
	3000000: unix.B3000000,
	3500000: unix.B3500000,
	4000000: unix.B4000000,
}

func baudToUnix(baud int) (uint32, bool) {
	speed, ok := baudRates[baud]
	return speed, ok
}

// SupportedBaud reports whether baud is a standard rate the port can be
// configured with.
func SupportedBaud(baud int) bool {
	_, ok := baudRates[baud]
	return ok
}
