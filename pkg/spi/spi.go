// Package spi implements SPI transactions on top of the CH341A stream
// protocol.
//
// Every transaction is bracketed by chip select: the line is asserted, the
// bytes are exchanged in as many SPI stream packets as needed, and the line is
// deasserted again, also when the exchange fails half way.
package spi

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/srcpony/ch341prog/pkg/ch341"
	"github.com/srcpony/ch341prog/pkg/transfer"
)

// Transport is the subset of transfer.Engine used by Bus.
type Transport interface {
	Sync(dir transfer.Direction, buf []byte) (int, error)
	Stream(ctx context.Context, burst []byte, dst []byte, packets, skip int) (int, error)
}

// Bus is the SPI bus behind a CH341A.
type Bus struct {
	t     Transport
	speed ch341.Speed
}

var _ spi.Conn = (*Bus)(nil)

func New(t Transport) *Bus {
	return &Bus{
		t:     t,
		speed: ch341.Speed20K,
	}
}

func (b *Bus) String() string {
	return fmt.Sprintf("ch341a-spi@%s", b.speed)
}

func (b *Bus) Duplex() conn.Duplex {
	return conn.Full
}

// SetSpeed configures the bridge stream speed.
func (b *Bus) SetSpeed(s ch341.Speed) error {
	if _, err := b.t.Sync(transfer.Out, ch341.I2CSpeed(s)); err != nil {
		return fmt.Errorf("set speed %s: %w", s, err)
	}
	b.speed = s
	return nil
}

// SetFrequency configures the fastest bridge stream speed not exceeding f.
func (b *Bus) SetFrequency(f physic.Frequency) error {
	s, err := ch341.SpeedFor(f)
	if err != nil {
		return err
	}
	return b.SetSpeed(s)
}

// Speed returns the last configured stream speed.
func (b *Bus) Speed() ch341.Speed {
	return b.speed
}

func (b *Bus) chipSelect(l gpio.Level) error {
	// Chip select is active low.
	if _, err := b.t.Sync(transfer.Out, ch341.ChipSelect(l == gpio.Low)); err != nil {
		if l == gpio.Low {
			return fmt.Errorf("chip select: %w", err)
		}
		return fmt.Errorf("chip deselect: %w", err)
	}
	return nil
}

// Deselect deasserts chip select.
func (b *Bus) Deselect() error {
	return b.chipSelect(gpio.High)
}

// stream exchanges w for r without touching chip select. r may be nil.
func (b *Bus) stream(w, r []byte) error {
	resp := make([]byte, ch341.PacketLength)
	for off := 0; off < len(w); off += ch341.SPIPayloadLength {
		n := min(len(w)-off, ch341.SPIPayloadLength)
		if _, err := b.t.Sync(transfer.Out, ch341.SPIStream(w[off:off+n])); err != nil {
			return fmt.Errorf("stream out: %w", err)
		}
		got, err := b.t.Sync(transfer.In, resp)
		if err != nil {
			return fmt.Errorf("stream in: %w", err)
		}
		if got != n {
			return fmt.Errorf("stream in: got %d bytes, want %d", got, n)
		}
		if r != nil {
			ch341.ReverseInto(r[off:off+n], resp[:n])
		}
	}
	return nil
}

// Exchange runs a full SPI transaction: assert chip select, shift out w while
// shifting into r, deassert chip select. r may be nil, otherwise it must be
// as long as w.
func (b *Bus) Exchange(w, r []byte) (err error) {
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("read buffer is %d bytes, write buffer is %d bytes", len(r), len(w))
	}
	if err = b.chipSelect(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := b.chipSelect(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	return b.stream(w, r)
}

// Tx implements conn.Conn.
func (b *Bus) Tx(w, r []byte) error {
	if w == nil && r != nil {
		w = make([]byte, len(r))
	}
	return b.Exchange(w, r)
}

// TxPackets implements spi.Conn. Chip select stays asserted between packets
// that request it.
func (b *Bus) TxPackets(p []spi.Packet) (err error) {
	selected := false
	defer func() {
		if selected {
			if csErr := b.chipSelect(gpio.High); csErr != nil && err == nil {
				err = csErr
			}
		}
	}()
	for i, pkt := range p {
		if pkt.BitsPerWord != 0 && pkt.BitsPerWord != 8 {
			return fmt.Errorf("packet %d: unsupported word size %d", i, pkt.BitsPerWord)
		}
		w, r := pkt.W, pkt.R
		if w == nil {
			w = make([]byte, len(r))
		}
		if r != nil && len(r) != len(w) {
			return fmt.Errorf("packet %d: read buffer is %d bytes, write buffer is %d bytes", i, len(r), len(w))
		}
		if !selected {
			if err := b.chipSelect(gpio.Low); err != nil {
				return err
			}
			selected = true
		}
		if err := b.stream(w, r); err != nil {
			return fmt.Errorf("packet %d: %w", i, err)
		}
		if !pkt.KeepCS {
			selected = false
			if err := b.chipSelect(gpio.High); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stream sends a prepared burst and collects its response into dst, skipping
// skip bytes of the first response packet. The burst is expected to assert
// chip select itself; deasserting it afterwards is up to the caller.
func (b *Bus) Stream(ctx context.Context, burst *ch341.Burst, dst []byte, skip int) error {
	n, err := b.t.Stream(ctx, burst.Bytes(), dst, burst.SPIPackets(), skip)
	if err != nil {
		return fmt.Errorf("burst of %d packets: %w", burst.Packets(), err)
	}
	if n < len(dst) {
		return fmt.Errorf("burst returned %d bytes, want %d", n, len(dst))
	}
	return nil
}
