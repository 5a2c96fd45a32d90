package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter. Reads drain a buffer that
// tests fill with AddReadData or that Respond fills in reply to writes.
type TestableSerialPort struct {
	mu   sync.Mutex
	cond *sync.Cond

	in  bytes.Buffer
	out bytes.Buffer

	// ReadError and WriteError fail the next call once and are then cleared.
	// A read fails only once queued data is drained. Use FailRead to set
	// ReadError while a reader may be blocked.
	ReadError  error
	WriteError error

	// BlockReads makes Read wait for data instead of returning 0, io.EOF.
	BlockReads bool

	// Respond sees every accepted write; a non-empty return is queued for
	// reading, so tests can script devices that answer commands.
	Respond func(written []byte) []byte

	Closed      bool
	ReadCalls   int
	WriteCalls  int
	ReadTimeout time.Duration
}

func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func takeErr(slot *error) error {
	err := *slot
	*slot = nil
	return err
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadCalls++

	for p.BlockReads && !p.Closed && p.in.Len() == 0 && p.ReadError == nil {
		p.cond.Wait()
	}
	if p.Closed {
		return 0, errPortClosed
	}
	if p.in.Len() == 0 {
		if err := takeErr(&p.ReadError); err != nil {
			return 0, err
		}
	}
	return p.in.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WriteCalls++

	if p.Closed {
		return 0, errPortClosed
	}
	if err := takeErr(&p.WriteError); err != nil {
		return 0, err
	}
	p.out.Write(b)
	if p.Respond != nil {
		if reply := p.Respond(b); len(reply) > 0 {
			p.in.Write(reply)
			p.cond.Broadcast()
		}
	}
	return len(b), nil
}

// Close wakes any reader blocked in Read.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.cond.Broadcast()
	return nil
}

// SetReadTimeout records the timeout so tests can assert on it.
func (p *TestableSerialPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadTimeout = d
	return nil
}

func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.Write(data)
	p.cond.Broadcast()
}

// FailRead makes the next read that finds no queued data return err,
// waking a reader blocked in Read.
func (p *TestableSerialPort) FailRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadError = err
	p.cond.Broadcast()
}

// GetWrittenData returns a copy of everything written so far.
func (p *TestableSerialPort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.out.Bytes())
}

// MockOpenCall is one recorded MockOpener.Open.
type MockOpenCall struct {
	Path    string
	Options PortOptions
}

// MockOpener serves pre-registered ports by device path.
type MockOpener struct {
	mu        sync.Mutex
	Ports     map[string]SerialPorter
	OpenCalls []MockOpenCall
}

func NewMockOpener(ports map[string]SerialPorter) *MockOpener {
	return &MockOpener{Ports: ports}
}

// Open has the Opener signature. Unregistered paths fail.
func (o *MockOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OpenCalls = append(o.OpenCalls, MockOpenCall{Path: path, Options: opts})
	if port, ok := o.Ports[path]; ok {
		return port, nil
	}
	return nil, fmt.Errorf("no such port: %s", path)
}

// Paths lists opened paths in call order.
func (o *MockOpener) Paths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	paths := make([]string, 0, len(o.OpenCalls))
	for _, c := range o.OpenCalls {
		paths = append(paths, c.Path)
	}
	return paths
}
