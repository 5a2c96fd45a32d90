package serialmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrNoReply is returned when a device does not answer within the deadline.
var ErrNoReply = errors.New("no reply from device")

// pollInterval is the read timeout applied to ports that support one, so
// that ReadLine observes context cancellation promptly.
const pollInterval = 50 * time.Millisecond

// LineConn is a line-oriented request/response connection. Unlike SerialMux
// it owns the read side of the port and has no background reader, which
// suits devices that only speak when spoken to.
type LineConn struct {
	port    SerialPorter
	mu      sync.Mutex
	pending []byte
}

// NewLineConn wraps port. When the port supports read timeouts a short one
// is installed so that reads never block past a cancelled context.
func NewLineConn(port SerialPorter) (*LineConn, error) {
	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(pollInterval); err != nil {
			return nil, err
		}
	}
	return &LineConn{port: port}, nil
}

// Exchange writes command and returns the next line received.
func (c *LineConn) Exchange(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = c.pending[:0]
	if err := writeLine(c.port, command); err != nil {
		return "", err
	}
	return c.readLine(ctx)
}

// WriteLine writes a newline-terminated command without waiting for a reply.
func (c *LineConn) WriteLine(command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeLine(c.port, command)
}

// ReadLine returns the next line, without its terminator.
func (c *LineConn) ReadLine(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLine(ctx)
}

func (c *LineConn) readLine(ctx context.Context) (string, error) {
	buf := make([]byte, 256)
	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			line := string(bytes.TrimRight(c.pending[:i], "\r"))
			c.pending = append(c.pending[:0], c.pending[i+1:]...)
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return "", ErrNoReply
			}
			return "", err
		}
		n, err := c.port.Read(buf)
		c.pending = append(c.pending, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", ErrNoReply
			}
			return "", err
		}
	}
}

// Close closes the underlying port.
func (c *LineConn) Close() error {
	return c.port.Close()
}
