// Package device defines the boundary between the acquisition core and the
// physical instruments: a streaming digitizer that delivers sample batches
// and a motorised stage that moves the interferometer mirror.
package device

import (
	"context"
	"errors"
)

var (
	// ErrNoDevice is returned by a Connector when no actuator answers.
	ErrNoDevice = errors.New("no device responded")
	// ErrAxisUnavailable is returned when the requested axis does not exist
	// on the connected device.
	ErrAxisUnavailable = errors.New("axis unavailable")
	// ErrStreamNotStarted is returned when a stream operation is attempted
	// before BeginStream.
	ErrStreamNotStarted = errors.New("stream not started")
)

// Reading is one scan of the two streamed channels.
type Reading struct {
	Position float64
	Voltage  float64
}

// SampleBatch is one chunk delivered by the digitizer together with the
// device-reported error and missed-sample counters for that chunk.
type SampleBatch struct {
	ErrorCount  int
	MissedCount int
	Readings    []Reading
}

// BatchStream delivers batches in device order. Next blocks until the next
// batch is available and returns io.EOF once the device ends the stream.
type BatchStream interface {
	Next(ctx context.Context) (SampleBatch, error)
}

// Digitizer is a streaming analog-to-digital converter.
type Digitizer interface {
	// Configure selects the channels to stream and the scan rate in Hz.
	Configure(channels []string, rate int) error
	// BeginStream starts the device stream. The returned stream is valid
	// until EndStream.
	BeginStream(ctx context.Context) (BatchStream, error)
	EndStream() error
	Close() error
}

// Axis is one motion axis of an actuator. Distances are millimetres and
// speeds millimetres per second. Moves block until the axis is idle.
type Axis interface {
	SetSpeed(ctx context.Context, mmPerSec float64) error
	MoveAbsolute(ctx context.Context, mm float64) error
	MoveRelative(ctx context.Context, mm float64) error
}

// Connection is an open session with an actuator. It must be closed on every
// exit path.
type Connection interface {
	Axis(number int) (Axis, error)
	Close() error
}

// Connector acquires fresh actuator connections.
type Connector interface {
	Connect(ctx context.Context) (Connection, error)
}
