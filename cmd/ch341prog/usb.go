package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"

	"github.com/srcpony/ch341prog/pkg/devices"
)

// desktopOpener finds bridges through libusb.
type desktopOpener struct {
	ctx *gousb.Context
}

func (o *desktopOpener) Open(vid, pid uint16) (devices.Usb, error) {
	usb, err := o.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		return nil, err
	}
	if usb == nil {
		return nil, nil
	}
	return &desktopUsb{usb: usb}, nil
}

type desktopUsb struct {
	usb  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
}

func (d *desktopUsb) Claim(intf int, out, in uint8) (devices.BulkEndpoints, error) {
	res := devices.BulkEndpoints{}

	if err := d.usb.SetAutoDetach(true); err != nil {
		return res, err
	}
	cfgNum, err := d.usb.ActiveConfigNum()
	if err != nil {
		return res, err
	}
	d.cfg, err = d.usb.Config(cfgNum)
	if err != nil {
		return res, err
	}
	d.intf, err = d.cfg.Interface(intf, 0)
	if err != nil {
		return res, err
	}
	inEp, err := d.intf.InEndpoint(int(in & 0x0f))
	if err != nil {
		return res, fmt.Errorf("bulk in endpoint %02x: %w", in, err)
	}
	outEp, err := d.intf.OutEndpoint(int(out & 0x0f))
	if err != nil {
		return res, fmt.Errorf("bulk out endpoint %02x: %w", out, err)
	}
	res.In = &desktopInEndpoint{inEp}
	res.Out = &desktopOutEndpoint{outEp}
	return res, nil
}

func (d *desktopUsb) Descriptor() (string, error) {
	desc := d.usb.Desc
	if desc == nil {
		return "", fmt.Errorf("no device descriptor")
	}
	return describe(desc), nil
}

func describe(desc *gousb.DeviceDesc) string {
	return fmt.Sprintf("%s, bus %d address %d, revision %s, %s speed, USB %s", desc, desc.Bus, desc.Address, desc.Device, desc.Speed, desc.Spec)
}

func (d *desktopUsb) Close() error {
	var errs error
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		if err := d.cfg.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("when releasing config: %w", err))
		}
		d.cfg = nil
	}
	if err := d.usb.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("when closing device: %w", err))
	}
	return errs
}

func usbError(err error) error {
	if errors.Is(err, gousb.ErrorTimeout) || errors.Is(err, gousb.TransferTimedOut) || errors.Is(err, gousb.TransferCancelled) {
		return fmt.Errorf("%w: %v", devices.UsbTimeoutError, err)
	}
	return err
}

type desktopInEndpoint struct {
	ep *gousb.InEndpoint
}

func (e *desktopInEndpoint) ReadContext(ctx context.Context, buf []byte) (int, error) {
	n, err := e.ep.ReadContext(ctx, buf)
	return n, usbError(err)
}

type desktopOutEndpoint struct {
	ep *gousb.OutEndpoint
}

func (e *desktopOutEndpoint) WriteContext(ctx context.Context, buf []byte) (int, error) {
	n, err := e.ep.WriteContext(ctx, buf)
	return n, usbError(err)
}

func newContext() (*gousb.Context, error) {
	resC := make(chan *gousb.Context)
	errC := make(chan error)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- fmt.Errorf("%v", r)
			}
		}()

		resC <- gousb.NewContext()
	}()

	select {
	case err := <-errC:
		return nil, err
	case res := <-resC:
		return res, nil
	}
}
