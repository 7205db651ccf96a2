package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/srcpony/ch341prog/pkg/ch341"
	"github.com/srcpony/ch341prog/pkg/devices"
	"github.com/srcpony/ch341prog/pkg/devices/sim"
	"github.com/srcpony/ch341prog/pkg/flash"
)

const (
	vid = 0x1a86
	pid = 0x5512
)

func newApp(t *testing.T, chip *sim.Chip, opts ...Option) (*App, *sim.Opener) {
	t.Helper()
	o := &sim.Opener{Device: sim.New(chip)}
	opts = append([]Option{
		WithTimeout(500 * time.Millisecond),
		WithFlashOptions(flash.WithPollInterval(time.Millisecond)),
	}, opts...)
	return New(o, opts...), o
}

func TestSession(t *testing.T) {
	a, o := newApp(t, sim.NewChip([3]byte{0xef, 0x40, 0x17}, 1<<12))

	if _, err := a.ReadStatusRegister(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("before Configure: wanted ErrNotConfigured, got %v", err)
	}
	if err := a.Configure(vid, pid); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := a.Configure(vid, pid); !errors.Is(err, ErrAlreadyConfigured) {
		t.Errorf("second Configure: wanted ErrAlreadyConfigured, got %v", err)
	}
	if o.Opened != 1 {
		t.Errorf("device opened %d times", o.Opened)
	}
	if _, err := a.ReadStatusRegister(); err != nil {
		t.Errorf("ReadStatusRegister: %v", err)
	}

	if err := a.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !o.Device.Closed() {
		t.Errorf("device not closed after Release")
	}
	if err := a.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
	if err := a.EraseChip(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("after Release: wanted ErrNotConfigured, got %v", err)
	}

	if err := a.ConfigureAny(); err != nil {
		t.Fatalf("ConfigureAny: %v", err)
	}
	if o.Opened != 2 {
		t.Errorf("device opened %d times", o.Opened)
	}
}

func TestSessionClose(t *testing.T) {
	o := &sim.Opener{Device: sim.New(nil)}
	s, err := Open(o, vid, pid)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Desc.Kind != devices.CH341A {
		t.Errorf("unexpected description %s", s.Desc)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestDeviceNotFound(t *testing.T) {
	a, _ := newApp(t, nil)
	if err := a.Configure(0x1234, 0x5678); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Configure: wanted ErrDeviceNotFound, got %v", err)
	}

	a = New(&sim.Opener{})
	if err := a.ConfigureAny(); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("ConfigureAny: wanted ErrDeviceNotFound, got %v", err)
	}
}

func TestEndToEnd(t *testing.T) {
	chip := sim.NewChip([3]byte{0xef, 0x40, 0x17}, 1<<16)
	for i := range chip.Data {
		chip.Data[i] = byte(i)
	}
	chip.BusyPolls = 4
	a, o := newApp(t, chip)
	if err := a.Configure(vid, pid); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer a.Release()
	ctx := context.Background()

	if err := a.SetStream(ch341.Speed750K); err != nil {
		t.Fatalf("SetStream: %v", err)
	}
	if got := o.Device.Speed(); got != ch341.Speed750K {
		t.Errorf("bridge speed: wanted %s, got %s", ch341.Speed750K, got)
	}

	c, err := a.ProbeCapacity()
	if err != nil {
		t.Fatalf("ProbeCapacity: %v", err)
	}
	if c.Name != "Winbond W25Q64" || c.Bytes() != 8<<20 {
		t.Errorf("unexpected capacity %s", c)
	}

	if err := a.EraseChip(); err != nil {
		t.Fatalf("EraseChip: %v", err)
	}
	if err := a.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	sr, err := a.ReadStatusRegister()
	if err != nil {
		t.Fatalf("ReadStatusRegister: %v", err)
	}
	if sr != 0 {
		t.Fatalf("status after erase: %s", sr)
	}

	want := []byte{0x11, 0x22, 0x33}
	if err := a.WriteRange(ctx, want, 0); err != nil {
		t.Fatalf("WriteRange: %v", err)
	}
	got := make([]byte, 3)
	if err := a.ReadRange(ctx, got, 0); err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Errorf("wanted %x, got %x", want, got)
	}
	if err := a.Verify(ctx, want, 0); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestBusy(t *testing.T) {
	chip := sim.NewChip([3]byte{0xef, 0x40, 0x17}, 1<<12)
	a, o := newApp(t, chip)
	if err := a.Configure(vid, pid); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer a.Release()

	started := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	o.Device.OnWrite = func(buf []byte) {
		if len(buf) > ch341.PacketLength {
			once.Do(func() {
				close(started)
				<-unblock
			})
		}
	}

	errC := make(chan error)
	go func() {
		errC <- a.ReadRange(context.Background(), make([]byte, 100), 0)
	}()
	<-started
	if _, err := a.ReadStatusRegister(); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent ReadStatusRegister: wanted ErrBusy, got %v", err)
	}
	if err := a.Release(); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Release: wanted ErrBusy, got %v", err)
	}
	close(unblock)
	if err := <-errC; err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if _, err := a.ReadStatusRegister(); err != nil {
		t.Errorf("ReadStatusRegister after ReadRange: %v", err)
	}
}

func TestProgressSummary(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	a, _ := newApp(t, sim.NewChip([3]byte{0xef, 0x40, 0x17}, 1<<12), WithLogger(slog.New(slog.NewTextHandler(buf, nil))))
	if err := a.Configure(vid, pid); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	defer a.Release()
	if err := a.SetVerbose(true); err != nil {
		t.Fatalf("SetVerbose: %v", err)
	}
	if err := a.ReadRange(context.Background(), make([]byte, 1000), 0); err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "Done!") || !strings.Contains(out, "bytes=1000") {
		t.Errorf("unexpected progress output %q", out)
	}
}
