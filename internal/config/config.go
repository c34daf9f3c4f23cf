// Package config loads the settings of the compactvd command from a YAML file.
package config

import (
	"os"
	"path/filepath"

	"github.com/dargueta/compactvd"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable holding the path of the config file
// when --config isn't given.
const EnvironmentVariable = "COMPACTVD_CONFIG"

type Config struct {
	// JournalDir is where commit records are kept until the commit completes.
	// An empty string disables journaling.
	JournalDir string `yaml:"journal_dir"`

	// LogLevel is any level zerolog understands: "debug", "info", "warn", ...
	LogLevel string `yaml:"log_level"`

	// DropUnused and DropZeroed are the default optimization passes of `dump`
	// and `compact`. Command-line flags override them.
	DropUnused bool `yaml:"drop_unused"`
	DropZeroed bool `yaml:"drop_zeroed"`

	// MetricsFile, if set, receives the Prometheus counters in the text format
	// when the command exits.
	MetricsFile string `yaml:"metrics_file"`
}

// Default returns the configuration used when no file is given. Fields missing
// from a file keep these values.
func Default() *Config {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}

	return &Config{
		JournalDir: filepath.Join(base, "compactvd", "journal"),
		LogLevel:   "info",
		DropUnused: true,
		DropZeroed: false,
	}
}

// Load reads the file at `path` on top of the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, compactvd.ErrNotFound.Wrap(err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, compactvd.ErrInvalidArgument.WithMessage(
			"bad config file " + path + ": " + err.Error())
	}
	return cfg, cfg.Validate()
}

// Level returns the parsed log level. It's only meaningful after Validate passed.
func (cfg *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// OptimizeFlags returns the passes enabled by default.
func (cfg *Config) OptimizeFlags() compactvd.OptimizeFlags {
	var flags compactvd.OptimizeFlags
	if cfg.DropUnused {
		flags |= compactvd.FreeBlocksUnused
	}
	if cfg.DropZeroed {
		flags |= compactvd.FreeBlocksZeroed
	}
	return flags
}

func (cfg *Config) Validate() error {
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return compactvd.ErrInvalidArgument.WithMessage(
			"invalid log_level: " + cfg.LogLevel)
	}
	if cfg.JournalDir != "" && !filepath.IsAbs(cfg.JournalDir) {
		return compactvd.ErrInvalidArgument.WithMessage(
			"journal_dir must be an absolute path: " + cfg.JournalDir)
	}
	return nil
}
