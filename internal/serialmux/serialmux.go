// Package serialmux provides the serial transport shared by the instrument
// drivers. SerialMux fans the lines of a streaming device out to any number
// of subscribers and serialises commands written back to it; LineConn is the
// request/response counterpart used by command-driven devices.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// SubscriberBuffer is the number of lines queued per subscriber before
// further lines are dropped for that subscriber.
const SubscriberBuffer = 256

// maxLineBytes bounds a single line; digitizer packets carry a full scan
// block per line.
const maxLineBytes = 1 << 20

type subscriber struct {
	ch      chan string
	dropped atomic.Int64
}

// SerialMux is a serial port multiplexer that allows multiple clients to
// subscribe to lines from a single serial port.
type SerialMux struct {
	port         SerialPorter
	subscribers  map[string]*subscriber
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// NewSerialMux creates a SerialMux backed by the given port.
func NewSerialMux(port SerialPorter) *SerialMux {
	return &SerialMux{
		port:        port,
		subscribers: make(map[string]*subscriber),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a new channel for receiving lines from the serial port.
// The ID identifies the channel when unsubscribing.
func (s *SerialMux) Subscribe() (string, <-chan string) {
	id := randomID()
	sub := &subscriber{ch: make(chan string, SubscriberBuffer)}
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		close(sub.ch)
		delete(s.subscribers, id)
	}
}

// Dropped reports how many lines were discarded for the subscriber because
// its channel was full.
func (s *SerialMux) Dropped(id string) int64 {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// SendCommand writes a newline-terminated command to the serial port.
func (s *SerialMux) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	return writeLine(s.port, command)
}

func writeLine(w io.Writer, command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := w.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines from the serial port and sends them to subscribers
// until ctx is cancelled, the port reaches EOF, or a read fails.
func (s *SerialMux) Monitor(ctx context.Context) error {
	lines, scanErr := scanLines(ctx, s.port)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if s.isClosing() {
				return nil
			}
			s.broadcast(strings.TrimRight(line, "\r"))
		}
	}
}

// scanLines runs the blocking scanner in its own goroutine. The error
// channel yields exactly one value (nil at EOF) once lines is closed.
func scanLines(ctx context.Context, r io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(r)
		scan.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		errc <- scan.Err()
	}()
	return lines, errc
}

func (s *SerialMux) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

func (s *SerialMux) broadcast(line string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, sub := range s.subscribers {
		select {
		case sub.ch <- line:
		default:
			// never block the reader on a slow subscriber
			sub.dropped.Add(1)
		}
	}
}

// Close closes all subscribed channels and the serial port.
func (s *SerialMux) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, sub := range s.subscribers {
		close(sub.ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

// AttachAdminRoutes attaches debugging endpoints under /debug/<name>/ for
// writing raw commands to the device and tailing its output as Server-Sent
// Events.
func (s *SerialMux) AttachAdminRoutes(mux *http.ServeMux, name string) {
	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc(name+"/send-command", s.handleSendCommand(name))
	debug.HandleSilentFunc(name+"/tail", s.handleTail)
}

func (s *SerialMux) handleSendCommand(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to %s", command, name)
	}
}

func (s *SerialMux) handleTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")

	id, lines := s.Subscribe()
	defer s.Unsubscribe(id)

	io.WriteString(w, ": ping\n\n")
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
