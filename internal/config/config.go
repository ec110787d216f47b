// Package config loads the engine's YAML configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/haltz-labs/zoncore/internal/logging"
)

// Config is the on-disk shape of the engine's configuration. Geometry
// itself (zone count, zone type per zone) always comes from the
// device's ReportZones at startup; this file only carries the policy
// knobs layered on top of that geometry.
type Config struct {
	// DevicePath names the backing zoned block device. It may also be
	// supplied positionally on the command line, which takes
	// precedence.
	DevicePath string `yaml:"device_path"`

	// BlockSize is the logical I/O unit. Commonly 4096.
	BlockSize datasize.ByteSize `yaml:"block_size"`

	// SectorSize is the device's addressable unit. Commonly 512.
	SectorSize datasize.ByteSize `yaml:"sector_size"`

	// ReservedZones is the number of zones held empty as reclaim
	// destinations. Must be 1; the knob exists so a config that asks
	// for more fails loudly instead of silently getting one.
	ReservedZones int `yaml:"reserved_zones"`

	// ReclaimLowWatermark is the live-ratio (valid/wp) below which a
	// zone becomes reclaim-eligible after a write completion.
	ReclaimLowWatermark float64 `yaml:"reclaim_low_watermark"`

	Logging logging.Config `yaml:"logging"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		BlockSize:           4 * datasize.KB,
		SectorSize:          512 * datasize.B,
		ReservedZones:       1,
		ReclaimLowWatermark: 0.75,
		Logging:             logging.Config{Level: zapcore.InfoLevel},
	}
}

// Load reads and decodes a YAML configuration file over the compiled-in
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	return cfg, nil
}

// BlocksPerSectorShift returns the fixed power-of-two shift converting
// sectors to blocks.
func (c Config) BlocksPerSectorShift() (uint, error) {
	ratio := uint64(c.BlockSize) / uint64(c.SectorSize)
	if ratio == 0 || ratio&(ratio-1) != 0 {
		return 0, fmt.Errorf("block size %s is not a power-of-two multiple of sector size %s", c.BlockSize, c.SectorSize)
	}

	shift := uint(0)
	for ratio > 1 {
		ratio >>= 1
		shift++
	}

	return shift, nil
}
