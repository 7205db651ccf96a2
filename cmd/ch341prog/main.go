package main

import (
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:   "ch341prog",
	Short: "ch341prog programs SPI NOR flash through a CH341A USB bridge",
	Long: `Reads, writes and erases SPI NOR flash chips (25xx series) attached to a
CH341A USB to SPI bridge.

Reads and writes can be interrupted with ^C, in which case the chunk in flight
is completed before stopping.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verboseLog {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
	},
}

var (
	verboseLog bool
	flagSpeed  string
	flagVID    string
	flagPID    string
	flagSim    string
	flagChipDB string
)

func main() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "Enable verbose logging and progress reports")
	rootCmd.PersistentFlags().StringVarP(&flagSpeed, "speed", "s", "750k", "Bridge stream speed (one of 20k, 100k, 400k, 750k)")
	rootCmd.PersistentFlags().StringVar(&flagVID, "vid", "", "USB vendor ID of the bridge (default: any supported bridge)")
	rootCmd.PersistentFlags().StringVar(&flagPID, "pid", "", "USB product ID of the bridge (default: any supported bridge)")
	rootCmd.PersistentFlags().StringVar(&flagSim, "sim", "", "Use a simulated bridge with a chip backed by the given image file instead of real hardware")
	rootCmd.PersistentFlags().StringVar(&flagChipDB, "chipdb", "", "Chip database (plist) extending the built in one (default: $XDG_CONFIG_HOME/ch341prog/chips.plist)")

	readCmd.Flags().StringVarP(&flagAddress, "address", "a", "0", "Start address")
	readCmd.Flags().StringVarP(&flagSize, "size", "n", "", "Number of bytes to read (default: up to the end of the chip)")
	writeCmd.Flags().StringVarP(&flagAddress, "address", "a", "0", "Start address")
	writeCmd.Flags().BoolVar(&flagVerify, "verify", false, "Read back and compare after writing")
	writeCmd.Flags().BoolVar(&flagBackup, "backup", false, "Save the previous contents of the written range before writing")

	rootCmd.AddCommand(idCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eraseCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.Execute()
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
}

func parseNumber(s string) (uint32, error) {
	var err error
	var res uint64
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		res, err = strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid number")
		}
	} else {
		res, err = strconv.ParseUint(s, 10, 32)
		if err != nil {
			res, err = strconv.ParseUint(s, 16, 32)
			if err != nil {
				return 0, fmt.Errorf("invalid number")
			}
		}
	}
	return uint32(res), nil
}
