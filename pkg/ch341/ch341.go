// Package ch341 implements the command framing of the CH341A USB bridge when
// used in its SPI/I2C/UIO stream mode.
//
// The bridge consumes bulk OUT data in fixed 32 byte packets. Every packet
// starts with a stream opcode, followed by payload that is interpreted
// according to that opcode. Several packets may be concatenated into a single
// bulk OUT transfer (a burst), which the bridge will then execute back to
// back. Every SPI stream packet results in exactly one bulk IN packet carrying
// the bytes shifted in while the payload was shifted out.
//
// The bridge shifts SPI data LSB first, while SPI flash chips expect MSB
// first, so every byte passing through an SPI stream is bit-reversed on the
// way in and on the way out.
package ch341

const (
	// PacketLength is the size of a single bridge packet.
	PacketLength = 32
	// SPIPayloadLength is the number of SPI bytes carried by one full SPI
	// stream packet.
	SPIPayloadLength = PacketLength - 1
	// MaxPackets is the maximum number of packets in a single burst.
	MaxPackets = 256
	// MaxBurstLength is the maximum size of a single bulk OUT burst.
	MaxBurstLength = PacketLength * MaxPackets
	// MaxReadChunk is the amount of flash data returned by one read burst.
	// One packet of the burst selects the chip, and the first four SPI bytes
	// are shifted in while the read command and address go out.
	MaxReadChunk = (MaxPackets-1)*SPIPayloadLength - 4
)

// Stream opcodes.
const (
	CmdSPIStream byte = 0xa8
	CmdI2CStream byte = 0xaa
	CmdUIOStream byte = 0xab
)

// UIO stream sub-commands. The low six bits of Out and Dir carry the pin
// states and directions of D0..D5.
const (
	UIOStreamIn  byte = 0x00
	UIOStreamDir byte = 0x40
	UIOStreamOut byte = 0x80
	UIOStreamUs  byte = 0xc0
	UIOStreamEnd byte = 0x20
)

// I2C stream sub-commands.
const (
	I2CStreamSet byte = 0x60
	I2CStreamEnd byte = 0x00
)

// Output pin states used for chip select. D0 is CS, D1..D5 are held high.
const (
	pinsSelected   byte = 0x36
	pinsDeselected byte = 0x37
	// D0..D5 as outputs.
	pinsDirection byte = 0x3f
)
