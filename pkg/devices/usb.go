package devices

import (
	"context"
	"errors"
)

// Usb describes a common API to access a bridge over USB, independent of the
// underlying USB stack.
type Usb interface {
	// Claim detaches any kernel driver from the given interface, claims it
	// and opens its bulk endpoints.
	Claim(intf int, out, in uint8) (BulkEndpoints, error)

	// Descriptor reads the device descriptor and returns a human readable
	// summary of it.
	Descriptor() (string, error)

	// Close releases the claimed interface and disposes of this device. No
	// other functions may be called on the interface afterwards.
	Close() error
}

// Opener locates devices on the bus.
type Opener interface {
	// Open returns the first device matching vid/pid, or nil if none is
	// connected.
	Open(vid, pid uint16) (Usb, error)
}

type BulkInEndpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type BulkOutEndpoint interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

type BulkEndpoints struct {
	In  BulkInEndpoint
	Out BulkOutEndpoint
}

var UsbTimeoutError = errors.New("USB timeout error")
