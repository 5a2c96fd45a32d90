package digitizer

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/fts.report/internal/device"
	"github.com/banshee-data/fts.report/internal/serialmux"
)

func TestDecodeBatch(t *testing.T) {
	line := []byte(`{"errors":1,"missed":2,"AIN200":[9,9,100,101,102],"AIN0":[0.9,0.9,1.5,1.6,1.7]}`)
	batch, end, err := decodeBatch(line, "AIN200", "AIN0", 2)
	if err != nil {
		t.Fatalf("decodeBatch failed: %v", err)
	}
	if end {
		t.Fatal("unexpected end marker")
	}
	want := device.SampleBatch{
		ErrorCount:  1,
		MissedCount: 2,
		Readings: []device.Reading{
			{Position: 100, Voltage: 1.5},
			{Position: 101, Voltage: 1.6},
			{Position: 102, Voltage: 1.7},
		},
	}
	if diff := cmp.Diff(want, batch); diff != "" {
		t.Errorf("batch mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeBatch_EdgeCases(t *testing.T) {
	t.Run("ragged packet counts missed scans", func(t *testing.T) {
		batch, _, err := decodeBatch([]byte(`{"AIN200":[1,2,3],"AIN0":[4]}`), "AIN200", "AIN0", 0)
		if err != nil {
			t.Fatal(err)
		}
		if batch.MissedCount != 2 || len(batch.Readings) != 1 {
			t.Errorf("got missed=%d readings=%d", batch.MissedCount, len(batch.Readings))
		}
	})
	t.Run("settle longer than packet", func(t *testing.T) {
		batch, _, err := decodeBatch([]byte(`{"AIN200":[1],"AIN0":[4]}`), "AIN200", "AIN0", 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(batch.Readings) != 0 {
			t.Errorf("expected empty batch, got %d readings", len(batch.Readings))
		}
	})
	t.Run("end marker", func(t *testing.T) {
		_, end, err := decodeBatch([]byte(`{"end":true}`), "AIN200", "AIN0", 0)
		if err != nil || !end {
			t.Errorf("end=%v err=%v", end, err)
		}
	})
	t.Run("missing channel", func(t *testing.T) {
		if _, _, err := decodeBatch([]byte(`{"AIN0":[1]}`), "AIN200", "AIN0", 0); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("bad samples", func(t *testing.T) {
		if _, _, err := decodeBatch([]byte(`{"AIN200":"x","AIN0":[1]}`), "AIN200", "AIN0", 0); err == nil {
			t.Error("expected error")
		}
	})
}

// newScriptedDigitizer returns a digitizer whose port answers START with
// the given packet lines.
func newScriptedDigitizer(t *testing.T, packets ...string) (*SerialDigitizer, *serialmux.TestableSerialPort) {
	t.Helper()
	port := serialmux.NewTestableSerialPort()
	port.BlockReads = true
	port.Respond = func(p []byte) []byte {
		switch strings.TrimSpace(string(p)) {
		case "START":
			return []byte("OK\n" + strings.Join(packets, "\n") + "\n")
		default:
			return []byte("OK\n")
		}
	}
	d := NewSerialDigitizer(serialmux.NewSerialMux(port), 0)
	t.Cleanup(func() { d.Close() })
	return d, port
}

func TestSerialDigitizer_Stream(t *testing.T) {
	d, port := newScriptedDigitizer(t,
		`{"errors":0,"missed":0,"AIN200":[1,2],"AIN0":[0.1,0.2]}`,
		`not json`,
		`{"errors":0,"missed":0,"AIN200":[3],"AIN0":[0.3]}`,
		`{"end":true}`,
	)

	if err := d.Configure([]string{"AIN200", "AIN0"}, 1000); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := d.BeginStream(ctx)
	if err != nil {
		t.Fatalf("BeginStream failed: %v", err)
	}
	if _, err := d.BeginStream(ctx); err == nil {
		t.Error("expected error for second concurrent stream")
	}

	var got []device.Reading
	var errorCount int
	for {
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		errorCount += batch.ErrorCount
		got = append(got, batch.Readings...)
	}
	want := []device.Reading{{Position: 1, Voltage: 0.1}, {Position: 2, Voltage: 0.2}, {Position: 3, Voltage: 0.3}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("readings mismatch (-want +got):\n%s", diff)
	}
	if errorCount != 0 {
		t.Errorf("non-JSON lines should be skipped, got %d errors", errorCount)
	}

	if err := d.EndStream(); err != nil {
		t.Fatalf("EndStream failed: %v", err)
	}
	if err := d.EndStream(); !errors.Is(err, device.ErrStreamNotStarted) {
		t.Errorf("second EndStream = %v, want ErrStreamNotStarted", err)
	}

	written := string(port.GetWrittenData())
	if written != "CONFIG AIN200,AIN0 1000\nSTART\nSTOP\n" {
		t.Errorf("written = %q", written)
	}
}

func TestSerialDigitizer_MalformedPacketCountsAsError(t *testing.T) {
	d, _ := newScriptedDigitizer(t, `{"AIN0":[1]}`)
	if err := d.Configure([]string{"AIN200", "AIN0"}, 10); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := d.BeginStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	batch, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if batch.ErrorCount != 1 || len(batch.Readings) != 0 {
		t.Errorf("got %+v", batch)
	}
}

func TestSerialDigitizer_NextHonoursContext(t *testing.T) {
	d, _ := newScriptedDigitizer(t)
	if err := d.Configure([]string{"AIN200", "AIN0"}, 10); err != nil {
		t.Fatal(err)
	}
	stream, err := d.BeginStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := stream.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next = %v, want DeadlineExceeded", err)
	}
}

func TestSerialDigitizer_ConfigureValidation(t *testing.T) {
	d, _ := newScriptedDigitizer(t)
	if err := d.Configure([]string{"AIN0"}, 10); err == nil {
		t.Error("expected error for one channel")
	}
	if err := d.Configure([]string{"AIN200", "AIN0"}, 0); err == nil {
		t.Error("expected error for zero rate")
	}
	if _, err := d.BeginStream(context.Background()); err == nil {
		t.Error("expected error when streaming unconfigured digitizer")
	}
}

func TestSerialDigitizer_CloseEndsStream(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.BlockReads = true
	d := NewSerialDigitizer(serialmux.NewSerialMux(port), 0)
	if err := d.Configure([]string{"AIN200", "AIN0"}, 10); err != nil {
		t.Fatal(err)
	}
	stream, err := d.BeginStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := stream.Next(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Next after Close = %v, want ErrDisconnected", err)
	}
}

func TestSerialDigitizer_ReadFaultMidStream(t *testing.T) {
	d, port := newScriptedDigitizer(t, `{"errors":0,"missed":0,"AIN200":[1],"AIN0":[0.1]}`)
	if err := d.Configure([]string{"AIN200", "AIN0"}, 10); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := d.BeginStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Next(ctx); err != nil {
		t.Fatalf("first Next failed: %v", err)
	}

	port.FailRead(errors.New("device unplugged"))
	_, err = stream.Next(ctx)
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Next after read fault = %v, want ErrDisconnected", err)
	}
	if !strings.Contains(err.Error(), "device unplugged") {
		t.Errorf("error %q should carry the port fault", err)
	}
	if err := d.EndStream(); err != nil {
		t.Fatalf("EndStream failed: %v", err)
	}
	if _, err := d.BeginStream(ctx); !errors.Is(err, ErrDisconnected) {
		t.Errorf("BeginStream on a dead link = %v, want ErrDisconnected", err)
	}
}

func TestSerialDigitizer_DeadLinkRefusesStream(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.ReadError = errors.New("device unplugged")
	d := NewSerialDigitizer(serialmux.NewSerialMux(port), 0)
	defer d.Close()
	<-d.monitorDone

	if err := d.Configure([]string{"AIN200", "AIN0"}, 10); err != nil {
		t.Fatal(err)
	}
	_, err := d.BeginStream(context.Background())
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("BeginStream = %v, want ErrDisconnected", err)
	}
	if !strings.Contains(err.Error(), "device unplugged") {
		t.Errorf("error %q should carry the port fault", err)
	}
}

func TestSerialDigitizer_EndOfInputDisconnects(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	d := NewSerialDigitizer(serialmux.NewSerialMux(port), 0)
	defer d.Close()
	<-d.monitorDone

	if err := d.Configure([]string{"AIN200", "AIN0"}, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := d.BeginStream(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Errorf("BeginStream after EOF = %v, want ErrDisconnected", err)
	}
}
