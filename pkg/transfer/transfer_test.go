package transfer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srcpony/ch341prog/pkg/ch341"
	"github.com/srcpony/ch341prog/pkg/devices"
	"github.com/srcpony/ch341prog/pkg/devices/sim"
)

func newEngine(t *testing.T, chip *sim.Chip) (*Engine, *sim.Device) {
	t.Helper()
	dev := sim.New(chip)
	desc := devices.Descriptions[0]
	eps, err := dev.Claim(desc.Interface, desc.BulkOut, desc.BulkIn)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	return New(eps, WithTimeout(100*time.Millisecond)), dev
}

func patternChip(size int) *sim.Chip {
	chip := sim.NewChip([3]byte{0xef, 0x40, 0x10}, size)
	for i := range chip.Data {
		chip.Data[i] = byte(i ^ (i >> 8))
	}
	return chip
}

func readBurst(addr uint32, n int) *ch341.Burst {
	b := ch341.NewBurst()
	b.Append(ch341.ChipSelect(true))
	cmd := make([]byte, 4+n)
	cmd[0] = 0x03
	cmd[1] = byte(addr >> 16)
	cmd[2] = byte(addr >> 8)
	cmd[3] = byte(addr)
	b.AppendSPI(cmd)
	return b
}

func TestSync(t *testing.T) {
	e, dev := newEngine(t, patternChip(1<<16))

	if _, err := e.Sync(Out, ch341.ChipSelect(true)); err != nil {
		t.Fatalf("chip select: %v", err)
	}
	if _, err := e.Sync(Out, ch341.SPIStream([]byte{0x9f, 0, 0, 0})); err != nil {
		t.Fatalf("SPI stream: %v", err)
	}
	buf := make([]byte, ch341.PacketLength)
	n, err := e.Sync(In, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 4 {
		t.Fatalf("read %d bytes, want 4", n)
	}
	got := make([]byte, n)
	ch341.ReverseInto(got, buf[:n])
	if want := []byte{0xff, 0xef, 0x40, 0x10}; !bytes.Equal(want, got) {
		t.Errorf("JEDEC ID: wanted %x, got %x", want, got)
	}
	if dev.Pending() != 0 {
		t.Errorf("%d packets left unread", dev.Pending())
	}
}

func TestSyncTimeout(t *testing.T) {
	e, _ := newEngine(t, nil)
	_, err := e.Sync(In, make([]byte, ch341.PacketLength))
	if !errors.Is(err, devices.UsbTimeoutError) {
		t.Fatalf("expected timeout, got %v", err)
	}
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if terr.Op != "bulk in" || terr.Length != ch341.PacketLength {
		t.Errorf("unexpected error details: %+v", terr)
	}
}

func TestStreamRead(t *testing.T) {
	chip := patternChip(1 << 16)
	e, dev := newEngine(t, chip)

	for _, n := range []int{1, 27, 28, 100, (ch341.MaxPackets-1)*ch341.SPIPayloadLength - 4} {
		addr := uint32(0x123)
		b := readBurst(addr, n)
		dst := make([]byte, n)
		got, err := e.Stream(context.Background(), b.Bytes(), dst, b.SPIPackets(), 4)
		if err != nil {
			t.Fatalf("%d bytes: Stream: %v", n, err)
		}
		if got != n {
			t.Errorf("%d bytes: Stream wrote %d bytes", n, got)
		}
		if !bytes.Equal(dst, chip.Data[addr:int(addr)+n]) {
			t.Errorf("%d bytes: data mismatch", n)
		}
		if _, err := e.Sync(Out, ch341.ChipSelect(false)); err != nil {
			t.Fatalf("deselect: %v", err)
		}
		if dev.Pending() != 0 {
			t.Errorf("%d bytes: %d packets left unread", n, dev.Pending())
		}
	}
}

func TestStreamIgnoresCancel(t *testing.T) {
	chip := patternChip(1 << 16)
	e, _ := newEngine(t, chip)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := readBurst(0, 1000)
	dst := make([]byte, 1000)
	if _, err := e.Stream(ctx, b.Bytes(), dst, b.SPIPackets(), 4); err != nil {
		t.Fatalf("Stream with cancelled context: %v", err)
	}
	if !bytes.Equal(dst, chip.Data[:1000]) {
		t.Errorf("data mismatch")
	}
}

func TestStreamErrors(t *testing.T) {
	e, dev := newEngine(t, patternChip(1<<16))
	failure := errors.New("pipe error")

	dev.WriteErr = failure
	b := readBurst(0, 100)
	_, err := e.Stream(context.Background(), b.Bytes(), make([]byte, 100), b.SPIPackets(), 4)
	if !errors.Is(err, failure) {
		t.Fatalf("bulk out failure: got %v", err)
	}
	var terr *Error
	if !errors.As(err, &terr) || terr.Op != "bulk out" {
		t.Errorf("bulk out failure: unexpected error %v", err)
	}

	dev.WriteErr = nil
	dev.ReadErr = failure
	_, err = e.Stream(context.Background(), b.Bytes(), make([]byte, 100), b.SPIPackets(), 4)
	if !errors.Is(err, failure) {
		t.Fatalf("bulk in failure: got %v", err)
	}
	if !errors.As(err, &terr) || terr.Op != "bulk in" {
		t.Errorf("bulk in failure: unexpected error %v", err)
	}
}

func TestStreamTooManyPackets(t *testing.T) {
	e, _ := newEngine(t, nil)
	if _, err := e.Stream(context.Background(), nil, nil, ch341.MaxPackets+1, 0); err == nil {
		t.Fatalf("expected error")
	}
}
