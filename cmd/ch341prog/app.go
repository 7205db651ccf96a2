package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"

	"github.com/srcpony/ch341prog/pkg/app"
	"github.com/srcpony/ch341prog/pkg/ch341"
	"github.com/srcpony/ch341prog/pkg/devices"
	"github.com/srcpony/ch341prog/pkg/devices/sim"
	"github.com/srcpony/ch341prog/pkg/flash"
)

// simDefaultSize is the size of a simulated chip created for a missing image.
const simDefaultSize = 1 << 20

type cliApp struct {
	*app.App
	closers []func() error
}

func (c *cliApp) Close() error {
	var errs error
	if err := c.Release(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("when releasing device: %w", err))
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		glog.Errorf("Cleanup failed: %v", errs)
	}
	return errs
}

func loadChipDB() (flash.ChipDB, error) {
	path := flagChipDB
	explicit := path != ""
	if !explicit {
		path = filepath.Join(xdg.ConfigHome, "ch341prog", "chips.plist")
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not open chip database: %w", err)
	}
	defer f.Close()
	db, err := flash.LoadChipDB(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Debug("Loaded chip database", "path", path, "chips", len(db))
	return db, nil
}

// simID picks a plausible JEDEC ID for a simulated chip of the given size.
func simID(size int) [3]byte {
	for id, c := range flash.KnownChips {
		if id[0] == 0xef && id[1] == 0x40 && c.Size == size {
			return id
		}
	}
	return [3]byte{0xef, 0x40, flash.Chip{Size: size}.SizeCode()}
}

func newSimOpener(path string) (devices.Opener, func() error, error) {
	chip, err := sim.LoadImage(path, [3]byte{})
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("Creating simulated chip", "path", path, "bytes", simDefaultSize)
		chip = sim.NewChip(simID(simDefaultSize), simDefaultSize)
	case err != nil:
		return nil, nil, err
	default:
		chip.ID = simID(len(chip.Data))
	}
	chip.CFI = true
	save := func() error {
		if err := chip.Save(path); err != nil {
			return fmt.Errorf("when saving simulated chip: %w", err)
		}
		return nil
	}
	return &sim.Opener{Device: sim.New(chip)}, save, nil
}

func newApp() (*cliApp, error) {
	db, err := loadChipDB()
	if err != nil {
		return nil, err
	}
	speed, err := ch341.ParseSpeed(flagSpeed)
	if err != nil {
		return nil, fmt.Errorf("invalid speed: %w", err)
	}

	res := &cliApp{}
	var opener devices.Opener
	if flagSim != "" {
		o, save, err := newSimOpener(flagSim)
		if err != nil {
			return nil, err
		}
		opener = o
		res.closers = append(res.closers, save)
	} else {
		ctx, err := newContext()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize USB: %w", err)
		}
		opener = &desktopOpener{ctx: ctx}
		res.closers = append(res.closers, func() error {
			if err := ctx.Close(); err != nil {
				return fmt.Errorf("when closing context: %w", err)
			}
			return nil
		})
	}

	res.App = app.New(opener, app.WithFlashOptions(flash.WithChipDB(db)))
	if err := configure(res.App); err != nil {
		res.Close()
		return nil, err
	}
	if err := res.SetVerbose(verboseLog); err != nil {
		res.Close()
		return nil, err
	}
	if err := res.SetStream(speed); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

func configure(a *app.App) error {
	if flagVID == "" && flagPID == "" {
		return a.ConfigureAny()
	}
	vid, pid := uint32(devices.Descriptions[0].VID), uint32(devices.Descriptions[0].PID)
	var err error
	if flagVID != "" {
		if vid, err = parseNumber(flagVID); err != nil || vid > 0xffff {
			return fmt.Errorf("invalid vendor ID")
		}
	}
	if flagPID != "" {
		if pid, err = parseNumber(flagPID); err != nil || pid > 0xffff {
			return fmt.Errorf("invalid product ID")
		}
	}
	return a.Configure(uint16(vid), uint16(pid))
}
