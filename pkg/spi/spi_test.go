package spi

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/srcpony/ch341prog/pkg/ch341"
	"github.com/srcpony/ch341prog/pkg/devices"
	"github.com/srcpony/ch341prog/pkg/devices/sim"
	"github.com/srcpony/ch341prog/pkg/transfer"
)

func newBus(t *testing.T, chip *sim.Chip) (*Bus, *sim.Device) {
	t.Helper()
	dev := sim.New(chip)
	desc := devices.Descriptions[0]
	eps, err := dev.Claim(desc.Interface, desc.BulkOut, desc.BulkIn)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	return New(transfer.New(eps, transfer.WithTimeout(100*time.Millisecond))), dev
}

// csRecorder collects the chip select packets seen on the wire.
func csRecorder(dev *sim.Device) *[]bool {
	var states []bool
	dev.OnWrite = func(buf []byte) {
		switch {
		case bytes.Equal(buf, ch341.ChipSelect(true)):
			states = append(states, true)
		case bytes.Equal(buf, ch341.ChipSelect(false)):
			states = append(states, false)
		}
	}
	return &states
}

func TestExchange(t *testing.T) {
	chip := sim.NewChip([3]byte{0xc2, 0x20, 0x16}, 1<<16)
	chip.CFI = true
	bus, dev := newBus(t, chip)
	states := csRecorder(dev)

	w := make([]byte, 0x30)
	w[0] = 0x9f
	r := make([]byte, len(w))
	if err := bus.Exchange(w, r); err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if want, got := []byte{0xc2, 0x20, 0x16}, r[1:4]; !bytes.Equal(want, got) {
		t.Errorf("ID: wanted %x, got %x", want, got)
	}
	if string(r[0x11:0x14]) != "QRY" {
		t.Errorf("CFI signature missing: %x", r[0x11:0x14])
	}
	if want, got := []bool{true, false}, *states; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("chip select sequence %v, want %v", got, want)
	}
	if dev.Pending() != 0 {
		t.Errorf("%d packets left unread", dev.Pending())
	}
}

func TestExchangeDeselectsOnError(t *testing.T) {
	bus, dev := newBus(t, sim.NewChip([3]byte{0xef, 0x40, 0x10}, 1<<16))
	states := csRecorder(dev)
	failure := errors.New("stall")
	dev.ReadErr = failure

	err := bus.Exchange([]byte{0x05, 0x00}, make([]byte, 2))
	if !errors.Is(err, failure) {
		t.Fatalf("expected read failure, got %v", err)
	}
	got := *states
	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("chip select sequence %v, want [true false]", got)
	}
}

func TestExchangeLengthMismatch(t *testing.T) {
	bus, _ := newBus(t, nil)
	if err := bus.Exchange(make([]byte, 2), make([]byte, 3)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestTxPackets(t *testing.T) {
	chip := sim.NewChip([3]byte{0xef, 0x40, 0x10}, 1<<16)
	for i := range chip.Data {
		chip.Data[i] = byte(i)
	}
	bus, dev := newBus(t, chip)
	states := csRecorder(dev)

	r := make([]byte, 64)
	err := bus.TxPackets([]spi.Packet{
		{W: []byte{0x03, 0x00, 0x01, 0x00}, KeepCS: true},
		{R: r},
	})
	if err != nil {
		t.Fatalf("TxPackets: %v", err)
	}
	if !bytes.Equal(r, chip.Data[0x100:0x140]) {
		t.Errorf("read %x, want %x", r, chip.Data[0x100:0x140])
	}
	if got := *states; len(got) != 2 {
		t.Errorf("chip select toggled %d times, want 2", len(got))
	}
}

func TestSetSpeed(t *testing.T) {
	bus, dev := newBus(t, nil)
	if err := bus.SetFrequency(500 * physic.KiloHertz); err != nil {
		t.Fatalf("SetFrequency: %v", err)
	}
	if dev.Speed() != ch341.Speed400K || bus.Speed() != ch341.Speed400K {
		t.Errorf("device at %s, bus at %s, want %s", dev.Speed(), bus.Speed(), ch341.Speed400K)
	}
}
