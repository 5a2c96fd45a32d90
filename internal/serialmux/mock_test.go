package serialmux

import (
	"errors"
	"testing"
	"time"
)

func TestTestableSerialPort_ReadWrite(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("hello\n"))

	buf := make([]byte, 16)
	n, err := port.Read(buf)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if string(buf[:n]) != "hello\n" {
		t.Errorf("Read = %q, want %q", buf[:n], "hello\n")
	}

	if _, err := port.Write([]byte("cmd\n")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if got := string(port.GetWrittenData()); got != "cmd\n" {
		t.Errorf("written = %q", got)
	}
	if port.ReadCalls != 1 || port.WriteCalls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", port.ReadCalls, port.WriteCalls)
	}
}

func TestTestableSerialPort_OneShotErrors(t *testing.T) {
	port := NewTestableSerialPort()
	port.ReadError = errors.New("read boom")
	port.WriteError = errors.New("write boom")

	if _, err := port.Read(make([]byte, 1)); err == nil || err.Error() != "read boom" {
		t.Errorf("first Read error = %v", err)
	}
	if _, err := port.Write([]byte("x")); err == nil || err.Error() != "write boom" {
		t.Errorf("first Write error = %v", err)
	}
	if _, err := port.Write([]byte("x")); err != nil {
		t.Errorf("second Write should succeed, got %v", err)
	}
}

func TestTestableSerialPort_Respond(t *testing.T) {
	port := NewTestableSerialPort()
	port.Respond = func(p []byte) []byte { return append([]byte("echo "), p...) }

	port.Write([]byte("ping\n"))
	buf := make([]byte, 32)
	n, _ := port.Read(buf)
	if got := string(buf[:n]); got != "echo ping\n" {
		t.Errorf("reply = %q", got)
	}
}

func TestTestableSerialPort_CloseUnblocksReader(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true

	done := make(chan error, 1)
	go func() {
		_, err := port.Read(make([]byte, 1))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	port.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error from read on closed port")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked reader was not woken by Close")
	}
}

func TestMockOpener(t *testing.T) {
	a := NewTestableSerialPort()
	opener := NewMockOpener(map[string]SerialPorter{"/dev/ttyA": a})

	got, err := opener.Open("/dev/ttyA", PortOptions{BaudRate: 9600})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got != a {
		t.Error("Open returned the wrong port")
	}
	if _, err := opener.Open("/dev/ttyB", PortOptions{}); err == nil {
		t.Error("expected error for unknown path")
	}
	if paths := opener.Paths(); len(paths) != 2 || paths[1] != "/dev/ttyB" {
		t.Errorf("Paths() = %v", paths)
	}
	if opener.OpenCalls[0].Options.BaudRate != 9600 {
		t.Errorf("options not recorded: %+v", opener.OpenCalls[0])
	}
}

func TestTestableSerialPort_FailReadWakesReader(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	port.AddReadData([]byte("queued\n"))

	buf := make([]byte, 32)
	if n, err := port.Read(buf); err != nil || string(buf[:n]) != "queued\n" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := port.Read(buf)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	port.FailRead(errors.New("unplugged"))

	select {
	case err := <-done:
		if err == nil || err.Error() != "unplugged" {
			t.Errorf("Read error = %v, want unplugged", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked reader was not woken by FailRead")
	}
}
