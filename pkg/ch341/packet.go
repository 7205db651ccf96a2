package ch341

import (
	"errors"
	"fmt"
)

var (
	ErrBurstFull = errors.New("burst full")
	// ErrBurstClosed is returned when appending after a short SPI stream
	// packet. The bridge takes the length of an SPI stream packet from the
	// USB packet boundary, so a short one can only be the last in a burst.
	ErrBurstClosed = errors.New("burst ends with a short SPI stream packet")
)

// Packet is a single bridge packet, at most PacketLength bytes long.
type Packet []byte

// ChipSelect returns a UIO stream packet that drives the chip select line.
// Asserting also configures the pin directions, so it is one byte longer.
func ChipSelect(asserted bool) Packet {
	if asserted {
		return Packet{CmdUIOStream, UIOStreamOut | pinsSelected, UIOStreamDir | pinsDirection, UIOStreamEnd}
	}
	return Packet{CmdUIOStream, UIOStreamOut | pinsDeselected, UIOStreamEnd}
}

// SPIStream returns an SPI stream packet carrying the first (up to)
// SPIPayloadLength bytes of payload, bit-reversed for the wire.
func SPIStream(payload []byte) Packet {
	n := min(len(payload), SPIPayloadLength)
	p := make(Packet, n+1)
	p[0] = CmdSPIStream
	ReverseInto(p[1:], payload[:n])
	return p
}

// I2CSpeed returns an I2C stream packet that configures the bridge stream
// speed.
func I2CSpeed(s Speed) Packet {
	return Packet{CmdI2CStream, I2CStreamSet | byte(s&speedMask), I2CStreamEnd}
}

// SPIPackets returns the number of SPI stream packets needed to carry n SPI
// bytes.
func SPIPackets(n int) int {
	return (n + SPIPayloadLength - 1) / SPIPayloadLength
}

// Burst is a sequence of packets sent in a single bulk OUT transfer. Packets
// shorter than PacketLength are padded so that every packet starts on a
// packet boundary.
type Burst struct {
	buf        []byte
	packets    int
	spiPackets int
	closed     bool
}

// NewBurst returns an empty burst.
func NewBurst() *Burst {
	return &Burst{
		buf: make([]byte, 0, MaxBurstLength),
	}
}

// Append adds a single packet to the burst.
func (b *Burst) Append(p Packet) error {
	if len(p) == 0 || len(p) > PacketLength {
		return fmt.Errorf("invalid packet length %d", len(p))
	}
	if b.closed {
		return ErrBurstClosed
	}
	if b.packets >= MaxPackets {
		return ErrBurstFull
	}
	for len(b.buf)%PacketLength != 0 {
		b.buf = append(b.buf, 0)
	}
	b.buf = append(b.buf, p...)
	b.packets += 1
	if p[0] == CmdSPIStream {
		b.spiPackets += 1
		if len(p) < PacketLength {
			b.closed = true
		}
	}
	return nil
}

// AppendSPI splits payload into SPI stream packets and appends them. It
// returns the number of packets appended. Either all of payload fits into the
// burst, or nothing is appended.
func (b *Burst) AppendSPI(payload []byte) (int, error) {
	if b.closed {
		return 0, ErrBurstClosed
	}
	need := SPIPackets(len(payload))
	if b.packets+need > MaxPackets {
		return 0, ErrBurstFull
	}
	for off := 0; off < len(payload); off += SPIPayloadLength {
		if err := b.Append(SPIStream(payload[off:])); err != nil {
			return 0, err
		}
	}
	return need, nil
}

// Bytes returns the wire representation of the burst.
func (b *Burst) Bytes() []byte {
	return b.buf
}

// Packets returns the number of packets in the burst.
func (b *Burst) Packets() int {
	return b.packets
}

// SPIPackets returns the number of SPI stream packets in the burst, which is
// the number of bulk IN packets the bridge will answer with.
func (b *Burst) SPIPackets() int {
	return b.spiPackets
}

// Free returns how many more packets fit into the burst.
func (b *Burst) Free() int {
	if b.closed {
		return 0
	}
	return MaxPackets - b.packets
}
