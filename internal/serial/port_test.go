//go:build linux

package serial

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
)

func openPTY(t *testing.T, readTimeout time.Duration) (*os.File, *Port) {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	port, err := Open(Config{
		Device:      slave.Name(),
		BaudRate:    115200,
		ReadTimeout: readTimeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() { port.Close() })
	return master, port
}

func TestPort_ReadLineKeepsRemainder(t *testing.T) {
	master, port := openPTY(t, time.Second)

	_, err := master.Write([]byte("first\r\nsecond\r\nthi"))
	require.NoError(t, err)

	line, err := port.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "first\r\n", line)

	line, err = port.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "second\r\n", line)

	_, err = master.Write([]byte("rd\r\n"))
	require.NoError(t, err)
	line, err = port.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "third\r\n", line)
}

func TestPort_WriteString(t *testing.T) {
	master, port := openPTY(t, time.Second)

	require.NoError(t, port.WriteString("pht?\r\n"))

	buf := make([]byte, 6)
	n, err := master.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "pht?\r\n", string(buf[:n]))
}

func TestPort_ReadTimeout(t *testing.T) {
	_, port := openPTY(t, 50*time.Millisecond)

	start := time.Now()
	_, err := port.ReadLine()
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), time.Second)
}

func TestPort_CloseUnblocksRead(t *testing.T) {
	_, port := openPTY(t, 0)

	errs := make(chan error, 1)
	go func() {
		_, err := port.ReadLine()
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, port.Close())

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for ReadLine to return after Close")
	}

	// Should be a no-op due to closeOnce
	require.NoError(t, port.Close())
	require.ErrorIs(t, port.WriteString("x"), ErrClosed)
}

func TestPort_QueryOverPTY(t *testing.T) {
	master, port := openPTY(t, time.Second)
	q := NewQuerier(port, 2*time.Second)

	// device side: echo the request, then answer
	go func() {
		buf := make([]byte, 64)
		n, err := master.Read(buf)
		if err != nil {
			return
		}
		_, _ = master.Write(buf[:n])
		_, _ = master.Write([]byte("v=3.4 m/s  dir. 120°\r\n"))
	}()

	got, err := q.Query(context.Background(), "wind", 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "v=3.4 m/s  dir. 120°\r\n", got)
}

func TestPort_QueryTimeoutWithoutReadTimeout(t *testing.T) {
	// the master never answers and the port has no per-line timeout
	_, port := openPTY(t, 0)
	q := NewQuerier(port, 100*time.Millisecond)

	start := time.Now()
	_, err := q.Query(context.Background(), "pht", 0)
	require.ErrorIs(t, err, ErrQueryTimeout)
	require.Less(t, time.Since(start), time.Second)

	// the deadline is cleared again once the query is over
	require.Zero(t, port.deadline.Load())
}

func TestPort_SetReadDeadline(t *testing.T) {
	master, port := openPTY(t, time.Hour)

	require.NoError(t, port.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	start := time.Now()
	_, err := port.ReadLine()
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), time.Second)

	require.NoError(t, port.SetReadDeadline(time.Time{}))
	_, err = master.Write([]byte("Presence: 0\r\n"))
	require.NoError(t, err)
	line, err := port.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "Presence: 0\r\n", line)

	require.NoError(t, port.Close())
	require.ErrorIs(t, port.SetReadDeadline(time.Now()), ErrClosed)
}

func TestSupportedBaud(t *testing.T) {
	for _, baud := range []int{1200, 2400, 4800, 9600, 115200, 921600} {
		require.True(t, SupportedBaud(baud), "baud %d", baud)
	}
	for _, baud := range []int{0, -9600, 4801, 100000} {
		require.False(t, SupportedBaud(baud), "baud %d", baud)
	}

	slow, ok := baudToUnix(4800)
	require.True(t, ok)
	fast, _ := baudToUnix(115200)
	require.NotEqual(t, fast, slow)
}

func TestOpen_unsupportedBaud(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	defer master.Close()
	defer slave.Close()

	_, err = Open(Config{Device: slave.Name(), BaudRate: 4801})
	require.ErrorIs(t, err, ErrUnsupportedBaud)
}
