package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brunokim/causaltree/wire"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctree.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8009", cfg.Listen)
	assert.Equal(t, wire.CompressionZstd, cfg.Compression())
	assert.False(t, cfg.Debug.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
listen: "127.0.0.1:9000"
static_dir: /srv/static
log:
  level: debug
snapshot:
  compression: lz4
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "/srv/static", cfg.StaticDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format, "unset keys keep their defaults")
	assert.Equal(t, wire.CompressionLZ4, cfg.Compression())
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadFile(writeConfig(t, "listen: [unclosed"))
	assert.Error(t, err)
}

func TestParseConfig(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
log:
  level: warn
  format: json
snapshot:
  compression: none
`)
	tests := []struct {
		desc string
		args []string
		want func(t *testing.T, cfg *Config)
	}{
		{"defaults", nil, func(t *testing.T, cfg *Config) {
			assert.Equal(t, Default(), cfg)
		}},
		{"file", []string{"--config", path}, func(t *testing.T, cfg *Config) {
			assert.Equal(t, ":9000", cfg.Listen)
			assert.Equal(t, "warn", cfg.Log.Level)
			assert.Equal(t, wire.CompressionNone, cfg.Compression())
		}},
		{"flags override file", []string{"--config", path, "--listen", ":7000", "--compression", "zstd"}, func(t *testing.T, cfg *Config) {
			assert.Equal(t, ":7000", cfg.Listen)
			assert.Equal(t, "json", cfg.Log.Format)
			assert.Equal(t, wire.CompressionZstd, cfg.Compression())
		}},
		{"debug file implies debug", []string{"--debug-file", "out.jsonl"}, func(t *testing.T, cfg *Config) {
			assert.True(t, cfg.Debug.Enabled)
			assert.Equal(t, "out.jsonl", cfg.Debug.File)
		}},
		{"debug picks a file name", []string{"--debug"}, func(t *testing.T, cfg *Config) {
			assert.True(t, strings.HasPrefix(cfg.Debug.File, "log_"), cfg.Debug.File)
			assert.True(t, strings.HasSuffix(cfg.Debug.File, ".jsonl"), cfg.Debug.File)
		}},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			cfg, err := parseConfig(test.args)
			require.NoError(t, err)
			test.want(t, cfg)
		})
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		desc string
		args []string
		want string
	}{
		{"unknown flag", []string{"--port", "80"}, "unknown flag"},
		{"extra argument", []string{"serve"}, "unexpected argument: serve"},
		{"bad level", []string{"--log-level", "loud"}, "invalid log.level"},
		{"bad format", []string{"--log-format", "xml"}, "invalid log.format"},
		{"bad compression", []string{"--compression", "gzip"}, "invalid snapshot.compression"},
		{"empty listen", []string{"--listen", ""}, "listen is required"},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			_, err := parseConfig(test.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.want)
		})
	}
}

func TestHelp(t *testing.T) {
	_, err := parseConfig([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"
	logger := cfg.NewLogger(&buf)
	logger.Info("dropped")
	logger.Warn("kept", "id", "a")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "kept", record["msg"])
	assert.Equal(t, slog.LevelWarn.String(), record["level"])
	assert.Equal(t, "a", record["id"])
}
