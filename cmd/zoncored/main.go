// Command zoncored runs the zoned block translation core against a
// single backing device, named either positionally or in the config
// file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/haltz-labs/zoncore/internal/config"
	"github.com/haltz-labs/zoncore/internal/device"
	"github.com/haltz-labs/zoncore/internal/engine"
	"github.com/haltz-labs/zoncore/internal/logging"
)

// cmd holds the flags shared by the root command and its subcommands.
var cmd struct {
	ConfigPath string
	DevicePath string
}

var rootCmd = &cobra.Command{
	Use:   "zoncored [device]",
	Short: "Log-structured block translation core for zoned block devices",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if len(args) == 1 {
			cmd.DevicePath = args[0]
		}
		return run(cmd.ConfigPath, cmd.DevicePath)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats [device]",
	Short: "Print zone occupancy for a running device simulation and exit",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if len(args) == 1 {
			cmd.DevicePath = args[0]
		}
		return runStats(cmd.ConfigPath, cmd.DevicePath)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file if one was supplied, otherwise
// falls back to the compiled-in default, and applies a positional
// device path override.
func loadConfig(configPath, devicePath string) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("loading config: %w", err)
		}
	}
	if devicePath != "" {
		cfg.DevicePath = devicePath
	}
	if cfg.DevicePath == "" {
		return config.Config{}, fmt.Errorf("no device path given: pass it positionally or set device_path in the config file")
	}
	if cfg.ReservedZones != 1 {
		return config.Config{}, fmt.Errorf("reserved_zones must be 1: the core holds exactly one reclaim destination zone")
	}
	return cfg, nil
}

// openDevice builds the device.Device backing cfg.DevicePath. There is
// no real zoned-device driver in this repo; zoncored always runs
// against an in-memory simulation of 64 zones of 1024 blocks, using
// the config's block size, the same way a demo/test harness would
// exercise the core without real hardware.
func openDevice(cfg config.Config) device.Device {
	return device.NewSimulator(device.SimulatorConfig{
		ZoneCount:         64,
		BlocksPerZone:     1024,
		BlockSize:         int(cfg.BlockSize),
		ConventionalZones: 1,
	})
}

func run(configPath, devicePath string) error {
	cfg, err := loadConfig(configPath, devicePath)
	if err != nil {
		return err
	}

	log, _, err := logging.Init(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	shift, err := cfg.BlocksPerSectorShift()
	if err != nil {
		return err
	}

	dev := openDevice(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, dev, engine.Config{
		BlocksPerSectorShift: shift,
		ReclaimQueueDepth:    16,
		ReclaimLowWatermark:  cfg.ReclaimLowWatermark,
	}, log)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	wg, gctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return eng.Run(gctx)
	})
	wg.Go(func() error {
		<-gctx.Done()
		log.Infow("shutting down", "reason", context.Cause(gctx))
		return gctx.Err()
	})

	return wg.Wait()
}

func runStats(configPath, devicePath string) error {
	cfg, err := loadConfig(configPath, devicePath)
	if err != nil {
		return err
	}

	log, _, err := logging.Init(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	shift, err := cfg.BlocksPerSectorShift()
	if err != nil {
		return err
	}

	dev := openDevice(cfg)
	eng, err := engine.New(context.Background(), dev, engine.Config{
		BlocksPerSectorShift: shift,
		ReclaimQueueDepth:    16,
		ReclaimLowWatermark:  cfg.ReclaimLowWatermark,
	}, log)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	for _, zs := range eng.Stats() {
		fmt.Printf("zone %4d  type=%-12s wp=%8d weight=%8d busy=%v\n", zs.Index, zs.Type, zs.WP, zs.Weight, zs.Busy)
	}
	return nil
}
