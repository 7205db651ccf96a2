package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/srcpony/ch341prog/pkg/flash"
)

var (
	flagAddress string
	flagSize    string
	flagVerify  bool
	flagBackup  bool
)

// interruptible returns a context cancelled on ^C.
func interruptible(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt)
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Identify the flash chip",
	Long:  "Read the JEDEC ID of the attached chip and determine its capacity.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		c, err := app.ProbeCapacity()
		if err != nil {
			return fmt.Errorf("could not probe chip: %w", err)
		}
		fmt.Printf("JEDEC ID: %02x %02x %02x\n", c.JEDEC[0], c.JEDEC[1], c.JEDEC[2])
		if c.Name != "" {
			fmt.Printf("Chip:     %s\n", c.Name)
		}
		fmt.Printf("Capacity: %d bytes\n", c.Bytes())
		if c.Guessed {
			slog.Warn("Capacity guessed from JEDEC ID, it may be wrong")
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [value]",
	Short: "Read or write the status register",
	Long:  "Print the status register, or write value into it first. This is used to clear block protection bits before erasing.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value uint32
		if len(args) == 1 {
			var err error
			value, err = parseNumber(args[0])
			if err != nil || value > 0xff {
				return fmt.Errorf("invalid status register value")
			}
		}

		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		if len(args) == 1 {
			if err := app.WriteStatusRegister(flash.StatusRegister(value)); err != nil {
				return fmt.Errorf("could not write status register: %w", err)
			}
			if err := app.WaitIdle(cmd.Context()); err != nil {
				return err
			}
		}
		sr, err := app.ReadStatusRegister()
		if err != nil {
			return fmt.Errorf("could not read status register: %w", err)
		}
		fmt.Printf("Status register: %s\n", sr)
		return nil
	},
}

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase the whole chip",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		if sr, err := app.ReadStatusRegister(); err == nil && sr.BlockProtect() != 0 {
			slog.Warn("Block protection is enabled, erase will be incomplete. Clear it with 'status 0'.", "status", sr.String())
		}

		start := time.Now()
		slog.Info("Erasing...")
		if err := app.EraseChip(); err != nil {
			return fmt.Errorf("could not erase: %w", err)
		}
		if err := app.WaitIdle(cmd.Context()); err != nil {
			return fmt.Errorf("erase did not finish: %w", err)
		}
		slog.Info("Done!", "seconds", int(time.Since(start).Seconds()))
		return nil
	},
}

// rangeFor resolves the address flag and a length against the chip capacity.
func rangeFor(c flash.Capacity, length uint32, haveLength bool) (uint32, int, error) {
	addr, err := parseNumber(flagAddress)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid address")
	}
	size := uint32(c.Bytes())
	if size == 0 || size > flash.AddressSpace {
		size = flash.AddressSpace
	}
	if addr >= size {
		return 0, 0, fmt.Errorf("address 0x%x beyond end of chip (0x%x)", addr, size)
	}
	if !haveLength {
		length = size - addr
	}
	if uint64(addr)+uint64(length) > uint64(size) {
		return 0, 0, fmt.Errorf("range 0x%x+0x%x beyond end of chip (0x%x)", addr, length, size)
	}
	return addr, int(length), nil
}

var readCmd = &cobra.Command{
	Use:   "read [file]",
	Short: "Read flash contents into a file",
	Long:  "Read flash contents into a file. Files ending in .xz are compressed. An interrupted read saves what was read so far.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var length uint32
		if flagSize != "" {
			var err error
			if length, err = parseNumber(flagSize); err != nil {
				return fmt.Errorf("invalid size")
			}
		}

		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		c, err := app.ProbeCapacity()
		if err != nil {
			return fmt.Errorf("could not probe chip: %w", err)
		}
		addr, n, err := rangeFor(c, length, flagSize != "")
		if err != nil {
			return err
		}

		ctx, stop := interruptible(cmd)
		defer stop()
		slog.Info("Reading...", "address", addr, "bytes", n)
		buf := make([]byte, n)
		err = app.ReadRange(ctx, buf, addr)
		var ue *flash.UnfinishedError
		if errors.As(err, &ue) {
			slog.Warn("Read interrupted, saving partial contents", "bytes", ue.Done)
			buf = buf[:ue.Done]
		} else if err != nil {
			return fmt.Errorf("could not read: %w", err)
		}

		if werr := writeImage(args[0], buf); werr != nil {
			return fmt.Errorf("could not write file: %w", werr)
		}
		return err
	},
}

var writeCmd = &cobra.Command{
	Use:   "write [file]",
	Short: "Write a file into flash",
	Long:  "Write a file into flash. The target range must be erased. Files ending in .xz are decompressed.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readImage(args[0])
		if err != nil {
			return fmt.Errorf("could not read file: %w", err)
		}
		if len(data) == 0 {
			return fmt.Errorf("%s is empty", args[0])
		}

		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		c, err := app.ProbeCapacity()
		if err != nil {
			return fmt.Errorf("could not probe chip: %w", err)
		}
		addr, n, err := rangeFor(c, uint32(len(data)), true)
		if err != nil {
			return err
		}

		ctx, stop := interruptible(cmd)
		defer stop()

		if flagBackup {
			path, err := backupPath(c.JEDEC, addr, time.Now())
			if err != nil {
				return fmt.Errorf("could not create backup directory: %w", err)
			}
			old := make([]byte, n)
			if err := app.ReadRange(ctx, old, addr); err != nil {
				return fmt.Errorf("could not read backup: %w", err)
			}
			if err := writeImage(path, old); err != nil {
				return fmt.Errorf("could not write backup: %w", err)
			}
			slog.Info("Saved backup", "path", path)
		}

		slog.Info("Writing...", "address", addr, "bytes", n)
		if err := app.WriteRange(ctx, data, addr); err != nil {
			return fmt.Errorf("could not write: %w", err)
		}
		if flagVerify {
			slog.Info("Verifying...")
			if err := app.Verify(ctx, data, addr); err != nil {
				return err
			}
			slog.Info("Verified", "bytes", n)
		}
		return nil
	},
}
