// Package sim implements a simulated CH341A bridge with an SPI NOR chip
// attached to it. It decodes bridge bursts the way the real hardware does and
// answers every SPI stream packet with a bulk IN packet.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/srcpony/ch341prog/pkg/ch341"
	"github.com/srcpony/ch341prog/pkg/devices"
)

// Device is a simulated bridge. It implements devices.Usb, and acts as both of
// its bulk endpoints.
type Device struct {
	Desc devices.Description
	// Chip is the attached flash. If nil, MISO floats high.
	Chip *Chip

	// OnWrite is called with every bulk OUT transfer before it is processed.
	OnWrite func(buf []byte)
	// WriteErr and ReadErr, if set, fail all subsequent transfers. Use
	// FailWrites and FailReads once transfers are running.
	WriteErr error
	ReadErr  error

	mu      sync.Mutex
	queue   [][]byte
	notify  chan struct{}
	speed   ch341.Speed
	claimed bool
	closed  bool
}

// New returns a simulated CH341A with chip attached.
func New(chip *Chip) *Device {
	return &Device{
		Desc:   devices.Descriptions[0],
		Chip:   chip,
		notify: make(chan struct{}, 1),
	}
}

func (d *Device) Claim(intf int, out, in uint8) (devices.BulkEndpoints, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return devices.BulkEndpoints{}, errors.New("device closed")
	}
	if intf != d.Desc.Interface {
		return devices.BulkEndpoints{}, fmt.Errorf("no interface %d", intf)
	}
	if out != d.Desc.BulkOut || in != d.Desc.BulkIn {
		return devices.BulkEndpoints{}, fmt.Errorf("no bulk endpoints %02x/%02x", out, in)
	}
	d.claimed = true
	return devices.BulkEndpoints{In: d, Out: d}, nil
}

func (d *Device) Descriptor() (string, error) {
	return fmt.Sprintf("%04x:%04x simulated %s", d.Desc.VID, d.Desc.PID, d.Desc.Kind), nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.claimed = false
	return nil
}

// Closed returns whether Close has been called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Speed returns the last configured stream speed.
func (d *Device) Speed() ch341.Speed {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speed
}

// FailWrites makes all subsequent bulk OUT transfers return err. It is safe to
// call from OnWrite.
func (d *Device) FailWrites(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.WriteErr = err
}

// FailReads makes all subsequent bulk IN transfers return err, including ones
// already waiting for a packet.
func (d *Device) FailReads(err error) {
	d.mu.Lock()
	d.ReadErr = err
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of bulk IN packets not yet read by the host.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// WriteContext processes a bulk OUT transfer.
func (d *Device) WriteContext(ctx context.Context, buf []byte) (int, error) {
	if d.OnWrite != nil {
		d.OnWrite(buf)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.claimed {
		return 0, errors.New("interface not claimed")
	}
	if d.WriteErr != nil {
		return 0, d.WriteErr
	}

	for off := 0; off < len(buf); off += ch341.PacketLength {
		end := min(off+ch341.PacketLength, len(buf))
		if err := d.packet(buf[off:end]); err != nil {
			return off, err
		}
	}
	return len(buf), nil
}

func (d *Device) packet(p []byte) error {
	switch p[0] {
	case ch341.CmdUIOStream:
		d.uio(p[1:])
	case ch341.CmdI2CStream:
		for _, c := range p[1:] {
			if c == ch341.I2CStreamEnd {
				break
			}
			if c&0xe0 == ch341.I2CStreamSet {
				d.speed = ch341.Speed(c & 0x07)
			}
		}
	case ch341.CmdSPIStream:
		resp := make([]byte, len(p)-1)
		for i, b := range p[1:] {
			miso := byte(0xff)
			if d.Chip != nil {
				miso = d.Chip.Transfer(ch341.ReverseBits(b))
			}
			resp[i] = ch341.ReverseBits(miso)
		}
		d.queue = append(d.queue, resp)
		select {
		case d.notify <- struct{}{}:
		default:
		}
	default:
		return fmt.Errorf("unknown stream opcode %02x", p[0])
	}
	return nil
}

func (d *Device) uio(p []byte) {
	for _, c := range p {
		switch {
		case c == ch341.UIOStreamEnd:
			return
		case c&0xc0 == ch341.UIOStreamOut:
			if d.Chip == nil {
				continue
			}
			if c&0x01 == 0 {
				d.Chip.Select()
			} else {
				d.Chip.Deselect()
			}
		}
	}
}

// ReadContext returns the next pending bulk IN packet, waiting for one to be
// produced if necessary.
func (d *Device) ReadContext(ctx context.Context, buf []byte) (int, error) {
	for {
		d.mu.Lock()
		if d.ReadErr != nil {
			err := d.ReadErr
			d.mu.Unlock()
			return 0, err
		}
		if len(d.queue) > 0 {
			p := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			if len(p) > len(buf) {
				return copy(buf, p), errors.New("overflow")
			}
			return copy(buf, p), nil
		}
		d.mu.Unlock()

		select {
		case <-d.notify:
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %v", devices.UsbTimeoutError, ctx.Err())
		}
	}
}

// Opener hands out Device to callers asking for its VID/PID.
type Opener struct {
	Device *Device
	// Opened counts successful Open calls.
	Opened int
}

func (o *Opener) Open(vid, pid uint16) (devices.Usb, error) {
	if o.Device == nil || vid != o.Device.Desc.VID || pid != o.Device.Desc.PID {
		return nil, nil
	}
	o.Device.mu.Lock()
	o.Device.closed = false
	o.Device.mu.Unlock()
	o.Opened += 1
	return o.Device, nil
}
