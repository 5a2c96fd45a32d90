// Package actuator drives Zaber linear stages over the Zaber ASCII protocol.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/fts.report/internal/device"
	"github.com/banshee-data/fts.report/internal/monitoring"
	"github.com/banshee-data/fts.report/internal/serialmux"
)

// ErrRejected is returned when the device refuses a command.
var ErrRejected = errors.New("command rejected")

// speedScale converts microsteps per second into the device's native
// maxspeed unit.
const speedScale = 1.6384

var logf = monitoring.Component("Actuator")

// Options configures discovery and unit conversion.
type Options struct {
	// Ports lists the serial ports to probe in order. When empty every port
	// reported by ListPorts is probed.
	Ports []string
	Port  serialmux.PortOptions
	// MicrostepSizeUM is the linear travel of one microstep in micrometres.
	MicrostepSizeUM float64
	// ProbeTimeout bounds the wait for a reply to the discovery broadcast.
	ProbeTimeout time.Duration
	// ReplyTimeout bounds the wait for any other reply.
	ReplyTimeout time.Duration
	// PollInterval is the delay between status polls while a move runs.
	PollInterval time.Duration

	Opener    serialmux.Opener
	ListPorts func() ([]string, error)
}

func (o Options) withDefaults() Options {
	if o.MicrostepSizeUM <= 0 {
		o.MicrostepSizeUM = 0.047625
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 500 * time.Millisecond
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = 2 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 20 * time.Millisecond
	}
	if o.Opener == nil {
		o.Opener = serialmux.OpenPort
	}
	if o.ListPorts == nil {
		o.ListPorts = serialmux.ListPorts
	}
	return o
}

// ZaberConnector implements device.Connector by probing serial ports for the
// first device that answers a broadcast.
type ZaberConnector struct {
	opts Options
}

// NewZaberConnector returns a connector using opts.
func NewZaberConnector(opts Options) *ZaberConnector {
	return &ZaberConnector{opts: opts.withDefaults()}
}

// Connect opens the first responding port. Ports that fail to open or stay
// silent are skipped.
func (z *ZaberConnector) Connect(ctx context.Context) (device.Connection, error) {
	ports := z.opts.Ports
	if len(ports) == 0 {
		var err error
		ports, err = z.opts.ListPorts()
		if err != nil {
			return nil, err
		}
	}

	for _, path := range ports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, dev, err := z.probe(ctx, path)
		if err != nil {
			logf("no actuator on %s: %v", path, err)
			continue
		}
		logf("connected to device %02d on %s", dev, path)
		return &zaberConnection{path: path, conn: conn, device: dev, opts: z.opts}, nil
	}
	return nil, fmt.Errorf("%w: probed %s", device.ErrNoDevice, strings.Join(ports, ", "))
}

func (z *ZaberConnector) probe(ctx context.Context, path string) (*serialmux.LineConn, int, error) {
	port, err := z.opts.Opener(path, z.opts.Port)
	if err != nil {
		return nil, 0, err
	}
	conn, err := serialmux.NewLineConn(port)
	if err != nil {
		port.Close()
		return nil, 0, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, z.opts.ProbeTimeout)
	defer cancel()
	r, err := exchange(probeCtx, conn, "/")
	if err != nil {
		conn.Close()
		return nil, 0, err
	}
	return conn, r.Device, nil
}

// exchange sends command and returns the first reply line, skipping info
// ("#") and alert ("!") messages.
func exchange(ctx context.Context, conn *serialmux.LineConn, command string) (reply, error) {
	line, err := conn.Exchange(ctx, command)
	for err == nil && !strings.HasPrefix(line, "@") {
		line, err = conn.ReadLine(ctx)
	}
	if err != nil {
		return reply{}, err
	}
	return parseReply(line)
}

type zaberConnection struct {
	path   string
	conn   *serialmux.LineConn
	device int
	opts   Options
}

// Axis checks that the axis answers and returns a handle to it.
func (c *zaberConnection) Axis(number int) (device.Axis, error) {
	a := &zaberAxis{c: c, number: number}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ReplyTimeout)
	defer cancel()
	if _, err := a.command(ctx, "get pos"); err != nil {
		return nil, fmt.Errorf("%w: axis %d on %s: %v", device.ErrAxisUnavailable, number, c.path, err)
	}
	return a, nil
}

// String names the device and port, e.g. "device 01 on /dev/ttyUSB0".
func (c *zaberConnection) String() string {
	return fmt.Sprintf("device %02d on %s", c.device, c.path)
}

func (c *zaberConnection) Close() error {
	logf("closing %s", c.path)
	return c.conn.Close()
}

type zaberAxis struct {
	c      *zaberConnection
	number int
}

func (a *zaberAxis) command(ctx context.Context, cmd string) (reply, error) {
	line := fmt.Sprintf("/%d %d", a.c.device, a.number)
	if cmd != "" {
		line += " " + cmd
	}
	replyCtx, cancel := context.WithTimeout(ctx, a.c.opts.ReplyTimeout)
	defer cancel()
	r, err := exchange(replyCtx, a.c.conn, line)
	if err != nil {
		return reply{}, err
	}
	if r.Rejected {
		return r, fmt.Errorf("%w: %q: %s", ErrRejected, line, r.Data)
	}
	return r, nil
}

func (a *zaberAxis) microsteps(mm float64) int64 {
	return int64(math.Round(mm * 1000 / a.c.opts.MicrostepSizeUM))
}

// NativeSpeed converts mm/s into the device maxspeed setting for the given
// microstep size.
func NativeSpeed(mmPerSec, microstepUM float64) int64 {
	return int64(math.Round(mmPerSec * 1000 / microstepUM * speedScale))
}

func (a *zaberAxis) SetSpeed(ctx context.Context, mmPerSec float64) error {
	if mmPerSec <= 0 {
		return fmt.Errorf("speed must be positive, got %g", mmPerSec)
	}
	_, err := a.command(ctx, fmt.Sprintf("set maxspeed %d", NativeSpeed(mmPerSec, a.c.opts.MicrostepSizeUM)))
	return err
}

func (a *zaberAxis) MoveAbsolute(ctx context.Context, mm float64) error {
	return a.move(ctx, fmt.Sprintf("move abs %d", a.microsteps(mm)))
}

func (a *zaberAxis) MoveRelative(ctx context.Context, mm float64) error {
	return a.move(ctx, fmt.Sprintf("move rel %d", a.microsteps(mm)))
}

func (a *zaberAxis) move(ctx context.Context, cmd string) error {
	r, err := a.command(ctx, cmd)
	if err != nil {
		return err
	}
	for r.Busy {
		select {
		case <-ctx.Done():
			return a.abort(ctx.Err())
		case <-time.After(a.c.opts.PollInterval):
		}
		if r, err = a.command(ctx, ""); err != nil {
			if ctx.Err() != nil {
				return a.abort(ctx.Err())
			}
			return err
		}
	}
	if r.Warning != "--" {
		logf("axis %d finished %q with warning %s", a.number, cmd, r.Warning)
	}
	return nil
}

// abort stops the axis where it is and returns cause.
func (a *zaberAxis) abort(cause error) error {
	if _, err := a.command(context.Background(), "stop"); err != nil {
		logf("axis %d stop failed: %v", a.number, err)
	}
	return cause
}
