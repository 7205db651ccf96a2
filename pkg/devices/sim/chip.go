package sim

import (
	"fmt"
	"math/bits"
	"os"
	"sync"
)

// SPI NOR commands understood by Chip.
const (
	cmdWriteStatus  = 0x01
	cmdPageProgram  = 0x02
	cmdRead         = 0x03
	cmdWriteDisable = 0x04
	cmdReadStatus   = 0x05
	cmdWriteEnable  = 0x06
	cmdReadID       = 0x9f
	cmdChipErase    = 0xc7
	cmdChipErase2   = 0x60
)

const (
	pageSize = 256

	statusBusy = 1 << 0
	statusWEL  = 1 << 1
)

// Program records a committed page program.
type Program struct {
	Address uint32
	Length  int
}

// Chip is a minimal SPI NOR flash model: 24-bit addressing, 256 byte pages
// that wrap around on overflow, program operations that can only clear bits,
// a write enable latch and a busy flag that stays set for BusyPolls status
// reads after every program or erase.
type Chip struct {
	mu sync.Mutex

	Data []byte
	ID   [3]byte
	// CFI makes the JEDEC ID response carry a CFI query structure.
	CFI bool
	// BusyPolls is the number of status register reads that report a write in
	// progress after a program, erase or status write.
	BusyPolls int
	// Programs lists all committed page programs.
	Programs []Program

	status byte
	wel    bool
	busy   int

	selected bool
	cmd      byte
	pos      int
	addr     uint32
	data     []byte
}

// NewChip returns a freshly erased chip of size bytes, which must be a power
// of two.
func NewChip(id [3]byte, size int) *Chip {
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xff
	}
	return &Chip{
		Data: data,
		ID:   id,
	}
}

// LoadImage returns a chip whose contents are read from a file. The file size
// must be a power of two.
func LoadImage(path string, id [3]byte) (*Chip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || bits.OnesCount(uint(len(data))) != 1 {
		return nil, fmt.Errorf("image size %d is not a power of two", len(data))
	}
	return &Chip{
		Data: data,
		ID:   id,
	}, nil
}

// Save writes the chip contents to a file.
func (c *Chip) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return os.WriteFile(path, c.Data, 0644)
}

// Status returns the current status register value.
func (c *Chip) Status() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// SetStatus overrides the non-volatile status register bits.
func (c *Chip) SetStatus(v byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = v &^ (statusBusy | statusWEL)
}

func (c *Chip) statusLocked() byte {
	s := c.status
	if c.wel {
		s |= statusWEL
	}
	if c.busy > 0 {
		s |= statusBusy
	}
	return s
}

func (c *Chip) sizeCode() byte {
	return byte(bits.TrailingZeros(uint(len(c.Data))))
}

func (c *Chip) idByte(i int) byte {
	switch {
	case i < 3:
		return c.ID[i]
	case !c.CFI:
		return 0x00
	case i >= 0x10 && i <= 0x12:
		return "QRY"[i-0x10]
	case i == 0x27:
		return c.sizeCode()
	}
	return 0x00
}

// Select asserts chip select.
func (c *Chip) Select() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = true
	c.pos = 0
	c.data = c.data[:0]
}

// Deselect deasserts chip select, committing any pending write command.
func (c *Chip) Deselect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selected {
		return
	}
	c.selected = false
	if c.pos == 0 {
		return
	}

	if c.busy > 0 {
		if c.cmd == cmdReadStatus {
			c.busy -= 1
		}
		return
	}

	switch c.cmd {
	case cmdWriteEnable:
		c.wel = true
	case cmdWriteDisable:
		c.wel = false
	case cmdWriteStatus:
		if c.wel && c.pos >= 2 {
			c.status = c.data[0] &^ (statusBusy | statusWEL)
			c.wel = false
			c.busy = c.BusyPolls
		}
	case cmdChipErase, cmdChipErase2:
		if c.wel && c.pos == 1 {
			for i := range c.Data {
				c.Data[i] = 0xff
			}
			c.wel = false
			c.busy = c.BusyPolls
		}
	case cmdPageProgram:
		if c.wel && c.pos >= 4 {
			c.program()
			c.wel = false
			c.busy = c.BusyPolls
		}
	}
}

func (c *Chip) program() {
	size := uint32(len(c.Data))
	base := c.addr &^ (pageSize - 1)
	offs := c.addr & (pageSize - 1)
	data := c.data
	if len(data) > pageSize {
		data = data[len(data)-pageSize:]
	}
	for i, b := range data {
		a := (base + (offs+uint32(i))%pageSize) % size
		c.Data[a] &= b
	}
	c.Programs = append(c.Programs, Program{Address: c.addr, Length: len(c.data)})
}

// Transfer shifts one byte into the chip and returns the byte shifted out.
func (c *Chip) Transfer(mosi byte) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selected {
		return 0xff
	}

	pos := c.pos
	c.pos += 1
	if pos == 0 {
		c.cmd = mosi
		return 0xff
	}
	if c.busy > 0 && c.cmd != cmdReadStatus {
		return 0xff
	}

	switch c.cmd {
	case cmdReadStatus:
		return c.statusLocked()
	case cmdReadID:
		return c.idByte(pos - 1)
	case cmdWriteStatus:
		if pos == 1 {
			c.data = append(c.data, mosi)
		}
	case cmdRead, cmdPageProgram:
		if pos <= 3 {
			if pos == 1 {
				c.addr = 0
			}
			c.addr = c.addr<<8 | uint32(mosi)
			return 0xff
		}
		if c.cmd == cmdPageProgram {
			c.data = append(c.data, mosi)
			return 0xff
		}
		b := c.Data[c.addr%uint32(len(c.Data))]
		c.addr += 1
		return b
	}
	return 0xff
}
