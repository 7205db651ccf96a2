// Package flash implements SPI NOR flash operations over a CH341A SPI bus:
// identification, status register access, chip erase, and range reads and
// writes.
//
// Reads and writes are split into chunks sized to fit a single bridge burst.
// The context passed to them is only consulted between chunks, so a chunk that
// has been submitted always runs to completion.
package flash

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/srcpony/ch341prog/pkg/ch341"
	"github.com/srcpony/ch341prog/pkg/progress"
)

// Flash commands, as sent MSB first. The bridge bit-reverses them on the wire.
const (
	cmdWriteStatus  = 0x01
	cmdPageProgram  = 0x02
	cmdRead         = 0x03
	cmdWriteDisable = 0x04
	cmdReadStatus   = 0x05
	cmdWriteEnable  = 0x06
	cmdReadID       = 0x9f
	cmdChipErase    = 0xc7
)

const (
	// PageSize is the program granularity. A program crossing a page
	// boundary wraps around to the start of the page.
	PageSize = 256
	// AddressSpace is the size of the 24-bit address space.
	AddressSpace = 1 << 24

	// idLength is the length of the JEDEC ID exchange, long enough to
	// contain the CFI query structure up to the device size byte.
	idLength      = 0x30
	cfiOffset     = 0x11
	cfiSizeOffset = 0x28
)

const (
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultPollTimeout bounds WaitIdle. Chip erase of large parts takes
	// minutes.
	DefaultPollTimeout = 5 * time.Minute
	// pageTimeout bounds the status polling after a page program.
	pageTimeout = time.Second
)

var ErrPollTimeout = errors.New("timed out waiting for write in progress to clear")

// Bus is the SPI bus a Flash is attached to. It is implemented by spi.Bus.
type Bus interface {
	// Exchange runs a full transaction with chip select asserted.
	Exchange(w, r []byte) error
	// Stream submits a burst that asserts chip select itself, collecting its
	// response into dst.
	Stream(ctx context.Context, burst *ch341.Burst, dst []byte, skip int) error
	Deselect() error
}

type Flash struct {
	bus          Bus
	progress     *progress.Reporter
	chips        ChipDB
	pollInterval time.Duration
	pollTimeout  time.Duration
}

type Option func(*Flash)

// WithProgress reports read and write progress to r.
func WithProgress(r *progress.Reporter) Option {
	return func(f *Flash) {
		f.progress = r
	}
}

// WithChipDB adds chips to the built in KnownChips.
func WithChipDB(db ChipDB) Option {
	return func(f *Flash) {
		f.chips = f.chips.Merge(db)
	}
}

// WithPollInterval sets the status register polling interval of WaitIdle.
func WithPollInterval(d time.Duration) Option {
	return func(f *Flash) {
		f.pollInterval = d
	}
}

// WithPollTimeout sets how long WaitIdle waits at most. Zero waits forever.
func WithPollTimeout(d time.Duration) Option {
	return func(f *Flash) {
		f.pollTimeout = d
	}
}

func New(bus Bus, opts ...Option) *Flash {
	f := &Flash{
		bus:          bus,
		chips:        KnownChips,
		pollInterval: DefaultPollInterval,
		pollTimeout:  DefaultPollTimeout,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Capacity is the result of probing a chip.
type Capacity struct {
	JEDEC [3]byte
	// Code is log2 of the chip size in bytes.
	Code byte
	// Guessed is set when the chip neither exposes CFI nor is known, and
	// Code was taken from the last JEDEC ID byte.
	Guessed bool
	// Name is set for chips found in the chip database.
	Name string
}

// Bytes returns the chip size in bytes, or 0 if Code is out of range.
func (c Capacity) Bytes() int {
	if c.Code >= 32 {
		return 0
	}
	return 1 << c.Code
}

func (c Capacity) String() string {
	name := c.Name
	if name == "" {
		name = "unknown chip"
	}
	s := fmt.Sprintf("%s (JEDEC %02x %02x %02x), %d bytes", name, c.JEDEC[0], c.JEDEC[1], c.JEDEC[2], c.Bytes())
	if c.Guessed {
		s += " (guessed)"
	}
	return s
}

// ProbeCapacity reads the JEDEC ID and determines the chip size, from the CFI
// query structure if the chip answers with one, otherwise from the chip
// database, otherwise from the JEDEC capacity byte.
func (f *Flash) ProbeCapacity() (Capacity, error) {
	w := make([]byte, idLength)
	w[0] = cmdReadID
	r := make([]byte, idLength)
	if err := f.bus.Exchange(w, r); err != nil {
		return Capacity{}, fmt.Errorf("read ID: %w", err)
	}

	c := Capacity{JEDEC: [3]byte(r[1:4])}
	if c.JEDEC[0] == 0xff && c.JEDEC[1] == 0xff && c.JEDEC[2] == 0xff {
		return c, ErrChipNotFound
	}
	chip, known := f.chips.Lookup(c.JEDEC)
	if known {
		c.Name = chip.Name
	}

	switch {
	case string(r[cfiOffset:cfiOffset+3]) == "QRY":
		c.Code = r[cfiSizeOffset]
	case known:
		c.Code = chip.SizeCode()
	default:
		c.Code = c.JEDEC[2]
		c.Guessed = true
		glog.Warningf("Chip %02x %02x %02x has no CFI and is unknown, capacity 2^%d bytes may be wrong", c.JEDEC[0], c.JEDEC[1], c.JEDEC[2], c.Code)
	}
	return c, nil
}

// Identify reads the JEDEC ID and returns the name of the chip, if known.
func (f *Flash) Identify() (id [3]byte, name string, err error) {
	r := make([]byte, 4)
	if err = f.bus.Exchange([]byte{cmdReadID, 0, 0, 0}, r); err != nil {
		return id, "", fmt.Errorf("read ID: %w", err)
	}
	id = [3]byte(r[1:])
	if id == [3]byte{0xff, 0xff, 0xff} {
		return id, "", ErrChipNotFound
	}
	if c, ok := f.chips.Lookup(id); ok {
		name = c.Name
	}
	return id, name, nil
}

func (f *Flash) command(name string, w ...byte) error {
	if err := f.bus.Exchange(w, nil); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (f *Flash) writeEnable() error {
	return f.command("write enable", cmdWriteEnable)
}

func (f *Flash) writeDisable() error {
	return f.command("write disable", cmdWriteDisable)
}

func (f *Flash) ReadStatusRegister() (StatusRegister, error) {
	r := make([]byte, 2)
	if err := f.bus.Exchange([]byte{cmdReadStatus, 0}, r); err != nil {
		return 0, fmt.Errorf("read status: %w", err)
	}
	return StatusRegister(r[1]), nil
}

func (f *Flash) WriteStatusRegister(v StatusRegister) error {
	if err := f.writeEnable(); err != nil {
		return err
	}
	if err := f.command("write status", cmdWriteStatus, byte(v)); err != nil {
		return err
	}
	return f.writeDisable()
}

// EraseChip starts a full chip erase. The chip stays busy for a while
// afterwards, use WaitIdle before issuing further commands.
func (f *Flash) EraseChip() error {
	if err := f.writeEnable(); err != nil {
		return err
	}
	if err := f.command("chip erase", cmdChipErase); err != nil {
		return err
	}
	return f.writeDisable()
}

// WaitIdle polls the status register until no write is in progress.
func (f *Flash) WaitIdle(ctx context.Context) error {
	return f.poll(ctx, f.pollInterval, f.pollTimeout)
}

func (f *Flash) poll(ctx context.Context, interval, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		sr, err := f.ReadStatusRegister()
		if err != nil {
			return err
		}
		if !sr.Busy() {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("status %s: %w", sr, ErrPollTimeout)
		}
		if interval <= 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func checkRange(addr uint32, length int) error {
	if uint64(addr)+uint64(length) > AddressSpace {
		return fmt.Errorf("0x%06x+0x%x: %w", addr, length, ErrOutOfRange)
	}
	return nil
}

// header returns a command followed by a 24-bit address and n zero bytes.
func header(cmd byte, addr uint32, n int) []byte {
	h := make([]byte, 4+n)
	h[0] = cmd
	h[1] = byte(addr >> 16)
	h[2] = byte(addr >> 8)
	h[3] = byte(addr)
	return h
}

// burst streams a chip selected transaction and deselects the chip, also when
// the transaction fails.
func (f *Flash) burst(ctx context.Context, w []byte, dst []byte, skip int) (err error) {
	b := ch341.NewBurst()
	if err := b.Append(ch341.ChipSelect(true)); err != nil {
		return err
	}
	if _, err := b.AppendSPI(w); err != nil {
		return err
	}
	defer func() {
		if dsErr := f.bus.Deselect(); dsErr != nil && err == nil {
			err = dsErr
		}
	}()
	return f.bus.Stream(ctx, b, dst, skip)
}

func (f *Flash) begin(total int) {
	if f.progress != nil {
		f.progress.Begin(total)
	}
}

func (f *Flash) report(remaining int) {
	if f.progress != nil {
		f.progress.Report(remaining)
	}
}

func (f *Flash) end() {
	if f.progress != nil {
		f.progress.End()
	}
}

// unfinished returns a non-nil error if ctx is done while work remains.
func unfinished(ctx context.Context, op string, done, total int) error {
	err := ctx.Err()
	if err == nil || done == total {
		return nil
	}
	glog.Warningf("%s unfinished, %d of %d bytes done", op, done, total)
	return &UnfinishedError{Op: op, Done: done, Total: total, Err: err}
}

// ReadRange fills dst with flash contents starting at addr.
func (f *Flash) ReadRange(ctx context.Context, dst []byte, addr uint32) error {
	if err := checkRange(addr, len(dst)); err != nil {
		return err
	}
	total := len(dst)
	f.begin(total)
	for done := 0; done < total; {
		n := min(total-done, ch341.MaxReadChunk)
		a := addr + uint32(done)
		if err := f.burst(ctx, header(cmdRead, a, n), dst[done:done+n], 4); err != nil {
			return fmt.Errorf("read 0x%06x+0x%x: %w", a, n, err)
		}
		done += n
		f.report(total - done)
		if err := unfinished(ctx, "read", done, total); err != nil {
			return err
		}
	}
	f.end()
	return nil
}

// pageChunk returns how many of n bytes starting at addr can be programmed
// without crossing a page boundary.
func pageChunk(addr uint32, n int) int {
	return min(n, PageSize-int(addr%PageSize))
}

// WriteRange programs src into the flash starting at addr. The target range
// must have been erased before.
func (f *Flash) WriteRange(ctx context.Context, src []byte, addr uint32) error {
	if err := checkRange(addr, len(src)); err != nil {
		return err
	}
	total := len(src)
	f.begin(total)
	for done := 0; done < total; {
		a := addr + uint32(done)
		n := pageChunk(a, total-done)
		if err := f.programPage(ctx, a, src[done:done+n]); err != nil {
			return fmt.Errorf("write 0x%06x+0x%x: %w", a, n, err)
		}
		done += n
		f.report(total - done)
		if err := unfinished(ctx, "write", done, total); err != nil {
			return err
		}
	}
	f.end()
	return nil
}

func (f *Flash) programPage(ctx context.Context, addr uint32, data []byte) error {
	if err := f.writeEnable(); err != nil {
		return err
	}
	w := append(header(cmdPageProgram, addr, 0), data...)
	if err := f.burst(ctx, w, nil, 0); err != nil {
		return err
	}
	if err := f.writeDisable(); err != nil {
		return err
	}
	// The page program is committed once submitted, let it finish.
	return f.poll(context.WithoutCancel(ctx), 0, pageTimeout)
}

// Verify reads back len(want) bytes at addr and compares them against want.
func (f *Flash) Verify(ctx context.Context, want []byte, addr uint32) error {
	got := make([]byte, len(want))
	if err := f.ReadRange(ctx, got, addr); err != nil {
		return err
	}
	for i := range want {
		if want[i] != got[i] {
			return &MismatchError{Address: addr + uint32(i), Want: want[i], Got: got[i]}
		}
	}
	return nil
}
