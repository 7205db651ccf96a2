// Package app ties the layers of the programmer together behind a single
// handle that owns at most one bridge session.
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/srcpony/ch341prog/pkg/ch341"
	"github.com/srcpony/ch341prog/pkg/devices"
	"github.com/srcpony/ch341prog/pkg/flash"
	"github.com/srcpony/ch341prog/pkg/progress"
	"github.com/srcpony/ch341prog/pkg/spi"
	"github.com/srcpony/ch341prog/pkg/transfer"
)

var (
	ErrNotConfigured     = errors.New("no device configured")
	ErrAlreadyConfigured = errors.New("device already configured")
	// ErrBusy is returned when an operation is attempted while another one
	// is running on the same App.
	ErrBusy = errors.New("another operation is in progress")
)

type App struct {
	opener devices.Opener

	timeout   time.Duration
	flashOpts []flash.Option
	progress  *progress.Reporter

	mu      sync.Mutex
	session *Session
	bus     *spi.Bus
	flash   *flash.Flash
}

type Option func(*App)

// WithTimeout sets the timeout of single bulk transfers.
func WithTimeout(d time.Duration) Option {
	return func(a *App) {
		a.timeout = d
	}
}

// WithLogger sets where progress is reported to.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		a.progress.Logger = l
	}
}

// WithFlashOptions passes options to the flash layer of every session.
func WithFlashOptions(opts ...flash.Option) Option {
	return func(a *App) {
		a.flashOpts = append(a.flashOpts, opts...)
	}
}

func New(o devices.Opener, opts ...Option) *App {
	a := &App{
		opener:   o,
		timeout:  transfer.DefaultTimeout,
		progress: &progress.Reporter{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *App) lock() error {
	if !a.mu.TryLock() {
		return ErrBusy
	}
	return nil
}

func (a *App) attach(s *Session) {
	a.session = s
	a.bus = spi.New(transfer.New(s.Endpoints, transfer.WithTimeout(a.timeout)))
	opts := append([]flash.Option{flash.WithProgress(a.progress)}, a.flashOpts...)
	a.flash = flash.New(a.bus, opts...)
}

// Configure opens the bridge with the given VID/PID.
func (a *App) Configure(vid, pid uint16) error {
	if err := a.lock(); err != nil {
		return err
	}
	defer a.mu.Unlock()
	if a.session != nil {
		return ErrAlreadyConfigured
	}
	s, err := Open(a.opener, vid, pid)
	if err != nil {
		return err
	}
	a.attach(s)
	return nil
}

// ConfigureAny opens the first connected bridge of any supported kind.
func (a *App) ConfigureAny() error {
	if err := a.lock(); err != nil {
		return err
	}
	defer a.mu.Unlock()
	if a.session != nil {
		return ErrAlreadyConfigured
	}

	var errs error
	for _, desc := range devices.Descriptions {
		s, err := Open(a.opener, desc.VID, desc.PID)
		if err != nil {
			if !errors.Is(err, ErrDeviceNotFound) {
				errs = multierror.Append(errs, err)
			}
			continue
		}
		a.attach(s)
		return nil
	}
	if errs == nil {
		return ErrDeviceNotFound
	}
	return errs
}

// Release closes the session, if any.
func (a *App) Release() error {
	if err := a.lock(); err != nil {
		return err
	}
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	err := a.session.Close()
	a.session = nil
	a.bus = nil
	a.flash = nil
	return err
}

// SetVerbose enables progress reports during reads and writes.
func (a *App) SetVerbose(v bool) error {
	if err := a.lock(); err != nil {
		return err
	}
	defer a.mu.Unlock()
	a.progress.Verbose = v
	return nil
}

// SetStream configures the bridge stream speed.
func (a *App) SetStream(s ch341.Speed) error {
	if err := a.lock(); err != nil {
		return err
	}
	defer a.mu.Unlock()
	if a.session == nil {
		return ErrNotConfigured
	}
	return a.bus.SetSpeed(s)
}

func (a *App) do(fn func(f *flash.Flash) error) error {
	if err := a.lock(); err != nil {
		return err
	}
	defer a.mu.Unlock()
	if a.session == nil {
		return ErrNotConfigured
	}
	return fn(a.flash)
}

func (a *App) ProbeCapacity() (c flash.Capacity, err error) {
	err = a.do(func(f *flash.Flash) error {
		c, err = f.ProbeCapacity()
		return err
	})
	return
}

func (a *App) Identify() (id [3]byte, name string, err error) {
	err = a.do(func(f *flash.Flash) error {
		id, name, err = f.Identify()
		return err
	})
	return
}

func (a *App) ReadStatusRegister() (sr flash.StatusRegister, err error) {
	err = a.do(func(f *flash.Flash) error {
		sr, err = f.ReadStatusRegister()
		return err
	})
	return
}

func (a *App) WriteStatusRegister(v flash.StatusRegister) error {
	return a.do(func(f *flash.Flash) error {
		return f.WriteStatusRegister(v)
	})
}

func (a *App) EraseChip() error {
	return a.do(func(f *flash.Flash) error {
		return f.EraseChip()
	})
}

func (a *App) WaitIdle(ctx context.Context) error {
	return a.do(func(f *flash.Flash) error {
		return f.WaitIdle(ctx)
	})
}

func (a *App) ReadRange(ctx context.Context, dst []byte, addr uint32) error {
	return a.do(func(f *flash.Flash) error {
		return f.ReadRange(ctx, dst, addr)
	})
}

func (a *App) WriteRange(ctx context.Context, src []byte, addr uint32) error {
	return a.do(func(f *flash.Flash) error {
		return f.WriteRange(ctx, src, addr)
	})
}

func (a *App) Verify(ctx context.Context, want []byte, addr uint32) error {
	return a.do(func(f *flash.Flash) error {
		return f.Verify(ctx, want, addr)
	})
}
