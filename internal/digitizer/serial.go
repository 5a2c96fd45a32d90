// Package digitizer implements device.Digitizer for a streaming ADC that
// reports scan blocks as JSON lines over a serial link.
package digitizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/banshee-data/fts.report/internal/device"
	"github.com/banshee-data/fts.report/internal/monitoring"
	"github.com/banshee-data/fts.report/internal/serialmux"
)

// ErrDisconnected is returned when the serial link has gone away: the port
// failed, reached end of input or was closed.
var ErrDisconnected = errors.New("digitizer disconnected")

var logf = monitoring.Component("Digitizer")

// SerialDigitizer speaks the line protocol:
//
//	CONFIG <chan>,<chan> <rate>   select channels and scan rate
//	START                         begin streaming packets
//	STOP                          end streaming
type SerialDigitizer struct {
	mux    *serialmux.SerialMux
	settle int

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	monitorErr    error // set before monitorDone is closed

	mu       sync.Mutex
	channels []string
	rate     int
	stream   *serialStream
}

// OpenSerial opens the digitizer on the given port.
func OpenSerial(path string, opts serialmux.PortOptions, settle int) (*SerialDigitizer, error) {
	mux, err := serialmux.NewRealSerialMux(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialDigitizer(mux, settle), nil
}

// NewSerialDigitizer starts reading from mux. The reader runs until Close
// or until the port fails; after that every stream reports ErrDisconnected.
func NewSerialDigitizer(mux *serialmux.SerialMux, settle int) *SerialDigitizer {
	ctx, cancel := context.WithCancel(context.Background())
	d := &SerialDigitizer{
		mux:           mux,
		settle:        settle,
		monitorCancel: cancel,
		monitorDone:   make(chan struct{}),
	}
	go func() {
		defer close(d.monitorDone)
		err := mux.Monitor(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			err = errors.New("digitizer closed")
		case err == nil:
			err = io.ErrUnexpectedEOF
		default:
			logf("serial monitor stopped: %v", err)
		}
		d.monitorErr = err
	}()
	return d
}

// linkErr reports why the reader stopped, or nil while it is running.
func (d *SerialDigitizer) linkErr() error {
	select {
	case <-d.monitorDone:
		return fmt.Errorf("%w: %v", ErrDisconnected, d.monitorErr)
	default:
		return nil
	}
}

// Configure selects the streamed channels. The first channel is read as
// the mirror position and the second as the detector voltage.
func (d *SerialDigitizer) Configure(channels []string, rate int) error {
	if len(channels) != 2 {
		return fmt.Errorf("need exactly 2 channels (position, voltage), got %d", len(channels))
	}
	if rate <= 0 {
		return fmt.Errorf("scan rate must be positive, got %d", rate)
	}
	if err := d.mux.SendCommand(fmt.Sprintf("CONFIG %s %d", strings.Join(channels, ","), rate)); err != nil {
		return fmt.Errorf("configure digitizer: %w", err)
	}
	d.mu.Lock()
	d.channels = append([]string(nil), channels...)
	d.rate = rate
	d.mu.Unlock()
	return nil
}

func (d *SerialDigitizer) BeginStream(ctx context.Context) (device.BatchStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channels == nil {
		return nil, errors.New("digitizer not configured")
	}
	if d.stream != nil {
		return nil, errors.New("stream already running")
	}
	if err := d.linkErr(); err != nil {
		return nil, err
	}

	id, lines := d.mux.Subscribe()
	if err := d.mux.SendCommand("START"); err != nil {
		d.mux.Unsubscribe(id)
		return nil, fmt.Errorf("start stream: %w", err)
	}
	d.stream = &serialStream{
		mux:      d.mux,
		id:       id,
		lines:    lines,
		position: d.channels[0],
		voltage:  d.channels[1],
		settle:   d.settle,
		dead:     d.monitorDone,
		linkErr:  d.linkErr,
	}
	return d.stream, nil
}

func (d *SerialDigitizer) EndStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return device.ErrStreamNotStarted
	}
	err := d.mux.SendCommand("STOP")
	d.mux.Unsubscribe(d.stream.id)
	d.stream = nil
	if err != nil {
		return fmt.Errorf("stop stream: %w", err)
	}
	return nil
}

// Close stops the reader and closes the port.
func (d *SerialDigitizer) Close() error {
	d.monitorCancel()
	err := d.mux.Close()
	<-d.monitorDone
	return err
}

// AttachAdminRoutes exposes the raw serial link under /debug/digitizer/.
func (d *SerialDigitizer) AttachAdminRoutes(mux *http.ServeMux) {
	d.mux.AttachAdminRoutes(mux, "digitizer")
}

type serialStream struct {
	mux      *serialmux.SerialMux
	id       string
	lines    <-chan string
	position string
	voltage  string
	settle   int
	dropped  int64
	dead     <-chan struct{}
	linkErr  func() error
}

// Next returns the next packet as a batch. Lines the mux had to drop for
// this subscriber are reported as missed samples on the following batch.
// Lines already read are delivered before a dead link is reported.
func (s *serialStream) Next(ctx context.Context) (device.SampleBatch, error) {
	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return device.SampleBatch{}, ctx.Err()
		case line, ok = <-s.lines:
		case <-s.dead:
			select {
			case line, ok = <-s.lines:
			default:
				return device.SampleBatch{}, s.linkErr()
			}
		}
		if !ok {
			if err := s.linkErr(); err != nil {
				return device.SampleBatch{}, err
			}
			return device.SampleBatch{}, ErrDisconnected
		}
		batch, end, isPacket := s.decode(line)
		if !isPacket {
			continue
		}
		if end {
			return device.SampleBatch{}, io.EOF
		}
		return batch, nil
	}
}

func (s *serialStream) decode(line string) (batch device.SampleBatch, end, isPacket bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		// command acknowledgements
		return batch, false, false
	}
	batch, end, err := decodeBatch([]byte(line), s.position, s.voltage, s.settle)
	if err != nil {
		logf("discarding malformed packet: %v", err)
		batch = device.SampleBatch{ErrorCount: 1}
	}
	if dropped := s.mux.Dropped(s.id); dropped > s.dropped {
		batch.MissedCount += int(dropped - s.dropped)
		s.dropped = dropped
	}
	return batch, end, true
}
