package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/brunokim/causaltree/wire"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration. Values are read from an optional YAML file, and flags that
// are explicitly set on the command line take precedence.
type Config struct {
	// Listen is the address to serve HTTP on.
	Listen string `yaml:"listen"`

	// StaticDir is served at /, and DebugDir at /debug/.
	StaticDir string `yaml:"static_dir"`
	DebugDir  string `yaml:"debug_dir"`

	Debug    DebugConfig    `yaml:"debug"`
	Log      LogConfig      `yaml:"log"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// DebugConfig configures the JSONL dump of every request and intermediate replica state.
type DebugConfig struct {
	Enabled bool `yaml:"enabled"`
	// File to dump into. Implies Enabled. Default: log_{{datetime}}.jsonl
	File string `yaml:"file"`
}

// LogConfig configures the server logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is either text or json.
	Format string `yaml:"format"`
}

// SnapshotConfig configures the encoding of /snapshot responses.
type SnapshotConfig struct {
	// Compression is one of none, lz4, zstd.
	Compression string `yaml:"compression"`
}

// Default returns the configuration used before any file or flag is applied.
func Default() *Config {
	return &Config{
		Listen: ":8009",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Snapshot: SnapshotConfig{
			Compression: "zstd",
		},
	}
}

// LoadFile merges the YAML file at path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// flags holds the command-line overrides.
type flags struct {
	configFile  string
	listen      string
	staticDir   string
	debugDir    string
	debug       bool
	debugFile   string
	logLevel    string
	logFormat   string
	compression string
}

func (f *flags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.configFile, "config", "", "path to YAML config file")
	fs.StringVar(&f.listen, "listen", "", "address to serve HTTP on (default :8009)")
	fs.StringVar(&f.staticDir, "static-dir", "", "directory with static files")
	fs.StringVar(&f.debugDir, "debug-dir", "", "directory with static debug files")
	fs.BoolVar(&f.debug, "debug", false, "dump debug information. Default debug file is log_{{datetime}}.jsonl")
	fs.StringVar(&f.debugFile, "debug-file", "", "file to dump debug information in JSONL format. Implies --debug")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: text, json")
	fs.StringVar(&f.compression, "compression", "", "snapshot compression: none, lz4, zstd")
}

// apply overwrites cfg with the flags that were set in fs.
func (f *flags) apply(fs *pflag.FlagSet, cfg *Config) {
	if fs.Changed("listen") {
		cfg.Listen = f.listen
	}
	if fs.Changed("static-dir") {
		cfg.StaticDir = f.staticDir
	}
	if fs.Changed("debug-dir") {
		cfg.DebugDir = f.debugDir
	}
	if fs.Changed("debug") {
		cfg.Debug.Enabled = f.debug
	}
	if fs.Changed("debug-file") {
		cfg.Debug.File = f.debugFile
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if fs.Changed("compression") {
		cfg.Snapshot.Compression = f.compression
	}
}

// parseConfig builds the configuration from command-line arguments.
func parseConfig(args []string) (*Config, error) {
	var f flags
	fs := pflag.NewFlagSet("ctree-server", pflag.ContinueOnError)
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	cfg := Default()
	if f.configFile != "" {
		var err error
		if cfg, err = LoadFile(f.configFile); err != nil {
			return nil, err
		}
	}
	f.apply(fs, cfg)
	if cfg.Debug.File != "" {
		cfg.Debug.Enabled = true
	}
	if cfg.Debug.Enabled && cfg.Debug.File == "" {
		cfg.Debug.File = fmt.Sprintf("log_%s.jsonl", time.Now().Format("2006-01-02T15:04:05"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if _, err := c.level(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid log.format: %q", c.Log.Format))
	}
	if _, err := wire.ParseCompression(c.Snapshot.Compression); err != nil {
		errs = append(errs, fmt.Errorf("invalid snapshot.compression: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	return level, nil
}

// Compression returns the configured snapshot compression.
func (c *Config) Compression() wire.Compression {
	compression, _ := wire.ParseCompression(c.Snapshot.Compression)
	return compression
}

// NewLogger returns a logger writing to w, as configured.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := c.level()
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
