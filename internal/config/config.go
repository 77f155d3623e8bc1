// Package config loads the relay configuration from defaults, an optional
// YAML file, the environment and command-line flags, in that order.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/frame-relay/internal/apperr"
	"github.com/dj-oyu/frame-relay/internal/logger"
	"github.com/dj-oyu/frame-relay/internal/state"
	"github.com/dj-oyu/frame-relay/pkg/types"
)

// Config defines the runtime configuration for the relay.
type Config struct {
	Addr string `yaml:"addr"`

	// Startup values for the runtime-mutable settings.
	OutputFormat    string `yaml:"output_format"`
	Quality         int    `yaml:"quality"`
	MaxPayloadBytes int64  `yaml:"max_payload_bytes"`

	// TransportReadLimit caps a single socket message. Messages between
	// MaxPayloadBytes and this limit are rejected as too large; larger ones
	// terminate the connection.
	TransportReadLimit      int64         `yaml:"transport_read_limit"`
	MaxConcurrentTranscodes int           `yaml:"max_concurrent_transcodes"`
	MaxDimension            int           `yaml:"max_dimension"`
	HandshakeTimeout        time.Duration `yaml:"handshake_timeout"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout"`
	MJPEGKeepalive          time.Duration `yaml:"mjpeg_keepalive"`
	CORSOrigin              string        `yaml:"cors_origin"`

	Log LogConfig `yaml:"log"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Color  bool   `yaml:"color"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the compiled-in defaults.
func DefaultConfig() Config {
	return Config{
		Addr:                    ":8080",
		OutputFormat:            string(types.FormatPNG),
		Quality:                 90,
		MaxPayloadBytes:         50 << 20,
		TransportReadLimit:      100 << 20,
		MaxConcurrentTranscodes: runtime.NumCPU(),
		MaxDimension:            0,
		HandshakeTimeout:        10 * time.Second,
		ShutdownTimeout:         5 * time.Second,
		MJPEGKeepalive:          2 * time.Second,
		CORSOrigin:              "*",
		Log: LogConfig{
			Level:  "info",
			Color:  true,
			Format: "text",
		},
	}
}

// Load builds a Config from args (without the program name). envFile is the
// dotenv file to read; a missing file is not an error.
func Load(args []string, envFile string, stderr io.Writer) (Config, error) {
	// First pass only finds -config and rejects bad flags.
	probe := DefaultConfig()
	var path string
	pfs := newFlagSet(&probe, &path, stderr)
	if err := pfs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, apperr.Wrap(apperr.KindConfig, "config.env", "failed to read "+envFile, err)
		}
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}

	// Second pass: explicit flags win over everything else.
	ffs := newFlagSet(&cfg, &path, stderr)
	if err := ffs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newFlagSet(cfg *Config, path *string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("frame-relay", flag.ContinueOnError)
	if stderr != nil {
		fs.SetOutput(stderr)
	}
	fs.StringVar(path, "config", *path, "YAML config file")
	fs.StringVar(&cfg.Addr, "http", cfg.Addr, "HTTP server address")
	fs.StringVar(&cfg.OutputFormat, "format", cfg.OutputFormat, "Output format (png, webp, jpeg)")
	fs.IntVar(&cfg.Quality, "quality", cfg.Quality, "Lossy encode quality (10-100)")
	fs.Int64Var(&cfg.MaxPayloadBytes, "max-payload", cfg.MaxPayloadBytes, "Maximum accepted payload in bytes")
	fs.Int64Var(&cfg.TransportReadLimit, "read-limit", cfg.TransportReadLimit, "Socket message size limit in bytes")
	fs.IntVar(&cfg.MaxConcurrentTranscodes, "transcoders", cfg.MaxConcurrentTranscodes, "Concurrent transcode limit")
	fs.IntVar(&cfg.MaxDimension, "max-dimension", cfg.MaxDimension, "Downscale frames so the longest edge fits (0 = off)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout")
	fs.StringVar(&cfg.CORSOrigin, "cors-origin", cfg.CORSOrigin, "Access-Control-Allow-Origin value (empty = off)")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&cfg.Log.Color, "log-color", cfg.Log.Color, "Enable colored log output")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format (text, json)")
	return fs
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperr.Wrap(apperr.KindConfig, "config.file", "failed to read config", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return apperr.Wrap(apperr.KindConfig, "config.file", "invalid YAML in "+path, err)
	}
	return nil
}

// Validate rejects values the relay cannot run with. A non-positive
// transcode limit falls back to the CPU count.
func (c *Config) Validate() error {
	if _, err := types.ParseFormat(c.OutputFormat); err != nil {
		return apperr.Wrap(apperr.KindConfig, "config.validate", "output_format", err)
	}
	if c.Quality < state.MinQuality || c.Quality > state.MaxQuality {
		return apperr.New(apperr.KindConfig, "config.validate",
			fmt.Sprintf("quality %d out of range [%d,%d]", c.Quality, state.MinQuality, state.MaxQuality))
	}
	if c.MaxPayloadBytes <= 0 {
		return apperr.New(apperr.KindConfig, "config.validate", "max_payload_bytes must be positive")
	}
	if c.TransportReadLimit < c.MaxPayloadBytes {
		return apperr.New(apperr.KindConfig, "config.validate",
			fmt.Sprintf("transport_read_limit %d is below max_payload_bytes %d", c.TransportReadLimit, c.MaxPayloadBytes))
	}
	if c.MaxConcurrentTranscodes <= 0 {
		c.MaxConcurrentTranscodes = runtime.NumCPU()
	}
	if c.MaxDimension < 0 {
		return apperr.New(apperr.KindConfig, "config.validate", "max_dimension must not be negative")
	}
	if c.HandshakeTimeout <= 0 || c.ShutdownTimeout <= 0 || c.MJPEGKeepalive <= 0 {
		return apperr.New(apperr.KindConfig, "config.validate", "timeouts must be positive")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return apperr.Wrap(apperr.KindConfig, "config.validate", "log.level", err)
	}
	if _, err := logger.ParseFormat(c.Log.Format); err != nil {
		return apperr.Wrap(apperr.KindConfig, "config.validate", "log.format", err)
	}
	return nil
}

// Settings returns the startup values for state.Settings. Call after
// Validate.
func (c Config) Settings() state.ServerConfig {
	f, _ := types.ParseFormat(c.OutputFormat)
	return state.ServerConfig{
		OutputFormat:    f,
		Quality:         c.Quality,
		MaxPayloadBytes: c.MaxPayloadBytes,
	}
}

// LoggerOptions converts the log section. Call after Validate.
func (c Config) LoggerOptions(out io.Writer) logger.Options {
	level, _ := logger.ParseLevel(c.Log.Level)
	format, _ := logger.ParseFormat(c.Log.Format)
	return logger.Options{
		Level:    level,
		Output:   out,
		UseColor: c.Log.Color,
		Format:   format,
	}
}
