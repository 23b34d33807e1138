package serial

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestBufferTakeFromHead(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte{1, 2, 3})
	b.Append([]byte{4, 5})

	if got := b.Len(); got != 5 {
		t.Fatalf("Len = %d, want 5", got)
	}
	if got := b.Take(2); !bytes.Equal(got, []byte{1, 2}) {
		t.Fatalf("Take(2) = %v", got)
	}
	if got := b.Take(10); !bytes.Equal(got, []byte{3, 4, 5}) {
		t.Fatalf("Take(10) = %v", got)
	}
	if got := b.Take(1); got != nil {
		t.Fatalf("Take on empty buffer = %v, want nil", got)
	}
}

func TestBufferReadySignal(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte{0xAA})
	b.Append([]byte{0xBB})

	select {
	case <-b.Ready():
	case <-time.After(time.Second):
		t.Fatal("ready not signalled")
	}

	// a single pending signal coalesces both appends
	select {
	case <-b.Ready():
		t.Fatal("unexpected second signal")
	default:
	}
}

func TestAutoDetect(t *testing.T) {
	ports := []PortInfo{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "16C0", PID: "0483", SerialNumber: "123"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", Product: "FT232R"},
	}

	tests := []struct {
		name    string
		ports   []PortInfo
		serial  string
		want    string
		wantErr bool
	}{
		{name: "teensy by vid", ports: ports, want: "/dev/ttyACM0"},
		{name: "serial match", ports: ports, serial: "123", want: "/dev/ttyACM0"},
		{name: "serial mismatch", ports: ports, serial: "999", wantErr: true},
		{name: "arduino by product", ports: []PortInfo{{Name: "COM4", Product: "Arduino Due"}}, want: "COM4"},
		{name: "ambiguous", ports: []PortInfo{{Name: "a", VID: "2341"}, {Name: "b", VID: "16C0"}}, wantErr: true},
		{name: "none", ports: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AutoDetect(tt.ports, tt.serial)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpenRequiresDevice(t *testing.T) {
	if _, err := Open(Config{}, nil); err == nil {
		t.Fatal("expected error for empty device")
	}
}

// fakeDevice behaves like tarm's port: Read blocks for at most the read
// timeout and returns io.EOF when nothing arrived.
type fakeDevice struct {
	timeout time.Duration

	mu      sync.Mutex
	pending []byte

	reading       atomic.Int32
	closedMidRead atomic.Bool
	closed        atomic.Bool
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	d.reading.Add(1)
	defer d.reading.Add(-1)
	if d.closed.Load() {
		return 0, errors.New("read on closed device")
	}
	time.Sleep(d.timeout)

	d.mu.Lock()
	defer d.mu.Unlock()
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, p...)
	return len(p), nil
}

func (d *fakeDevice) Close() error {
	if d.reading.Load() > 0 {
		d.closedMidRead.Store(true)
	}
	d.closed.Store(true)
	return nil
}

func TestPortCloseJoinsPumpBeforeClosingDevice(t *testing.T) {
	dev := &fakeDevice{timeout: 5 * time.Millisecond}
	p := newPort(dev, Config{Device: "fake", ReadTimeout: dev.timeout}, zaptest.NewLogger(t))

	if err := p.Write([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for p.BytesAvailable() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("echoed bytes never pumped")
		}
		time.Sleep(time.Millisecond)
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if dev.closedMidRead.Load() {
		t.Error("device closed while the pump was still reading")
	}
	if err := p.Write([]byte{4}); !errors.Is(err, ErrClosed) {
		t.Errorf("write after close: err = %v, want ErrClosed", err)
	}
}
