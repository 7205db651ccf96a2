package app

import (
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"

	"github.com/srcpony/ch341prog/pkg/devices"
)

var ErrDeviceNotFound = errors.New("no device found")

// Session is an opened bridge with its SPI stream interface claimed.
type Session struct {
	Usb       devices.Usb
	Desc      devices.Description
	Endpoints devices.BulkEndpoints
	closed    bool
}

// Open locates the bridge with the given VID/PID, claims its interface and
// reads its device descriptor. No session is left open on failure.
func Open(o devices.Opener, vid, pid uint16) (*Session, error) {
	usb, err := o.Open(vid, pid)
	if err != nil {
		return nil, fmt.Errorf("open %04x:%04x: %w", vid, pid, err)
	}
	if usb == nil {
		return nil, fmt.Errorf("%04x:%04x: %w", vid, pid, ErrDeviceNotFound)
	}

	s := &Session{
		Usb:  usb,
		Desc: devices.Lookup(vid, pid),
	}
	fail := func(err error) (*Session, error) {
		if cerr := usb.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("when closing device: %w", cerr))
		}
		return nil, err
	}

	s.Endpoints, err = usb.Claim(s.Desc.Interface, s.Desc.BulkOut, s.Desc.BulkIn)
	if err != nil {
		return fail(fmt.Errorf("claim interface %d: %w", s.Desc.Interface, err))
	}
	desc, err := usb.Descriptor()
	if err != nil {
		return fail(fmt.Errorf("read device descriptor: %w", err))
	}
	glog.Infof("Opened %s: %s", s.Desc, desc)
	return s, nil
}

// Close releases the interface and closes the device. Closing a closed
// session does nothing.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.Usb.Close(); err != nil {
		return fmt.Errorf("when closing USB device: %w", err)
	}
	return nil
}
