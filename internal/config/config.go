// Package config holds the runtime settings of bdrive and builds the logger.
package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/rs/zerolog"

	"github.com/chmdznr/blobdrive/internal/apperr"
	"github.com/chmdznr/blobdrive/internal/db"
	"github.com/chmdznr/blobdrive/internal/store"
)

// AppName names the xdg sub-directories.
const AppName = "blobdrive"

// Storage backends.
const (
	BackendMinio = "minio"
	BackendDir   = "dir"
)

// Log formats.
const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// Config is everything a command needs to open the drive.
type Config struct {
	DataDir  string
	CacheDir string

	Backend   string
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Secure    bool
	BlobDir   string

	Workers       int
	PartSize      int64
	BigThreshold  int64
	RetentionDays int

	ReconcileInterval time.Duration

	LogLevel  string
	LogFormat string
}

// Default returns the stock configuration with the dir backend.
func Default() Config {
	return Config{
		Backend:           BackendDir,
		Secure:            true,
		Workers:           16,
		PartSize:          512 * 1024,
		BigThreshold:      10 * 1024 * 1024,
		RetentionDays:     30,
		ReconcileInterval: 10 * time.Minute,
		LogLevel:          "info",
		LogFormat:         LogFormatConsole,
	}
}

// Validate rejects settings no command can work with.
func (c Config) Validate() error {
	const op = "config"
	switch c.Backend {
	case BackendDir:
	case BackendMinio:
		if c.Endpoint == "" {
			return apperr.Errorf(apperr.KindInvalid, op, "minio backend needs an endpoint")
		}
		if c.Bucket == "" {
			return apperr.Errorf(apperr.KindInvalid, op, "minio backend needs a bucket")
		}
	default:
		return apperr.Errorf(apperr.KindInvalid, op, "unknown backend %q", c.Backend)
	}
	if c.Workers < 1 {
		return apperr.Errorf(apperr.KindInvalid, op, "workers must be at least 1, got %d", c.Workers)
	}
	if c.PartSize < 1 {
		return apperr.Errorf(apperr.KindInvalid, op, "part size must be positive, got %d", c.PartSize)
	}
	if c.BigThreshold < 0 {
		return apperr.Errorf(apperr.KindInvalid, op, "big threshold must not be negative")
	}
	if c.RetentionDays < 0 {
		return apperr.Errorf(apperr.KindInvalid, op, "retention days must not be negative, got %d", c.RetentionDays)
	}
	if c.ReconcileInterval <= 0 {
		return apperr.Errorf(apperr.KindInvalid, op, "reconcile interval must be positive, got %s", c.ReconcileInterval)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return apperr.Errorf(apperr.KindInvalid, op, "log level %q", c.LogLevel)
	}
	if c.LogFormat != LogFormatConsole && c.LogFormat != LogFormatJSON {
		return apperr.Errorf(apperr.KindInvalid, op, "log format %q", c.LogFormat)
	}
	return nil
}

// DataDirOrDefault returns DataDir, falling back to $XDG_DATA_HOME/blobdrive.
func (c Config) DataDirOrDefault() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return filepath.Join(xdg.DataHome, AppName)
}

// CacheDirOrDefault returns CacheDir, falling back to $XDG_CACHE_HOME/blobdrive/preview.
func (c Config) CacheDirOrDefault() string {
	if c.CacheDir != "" {
		return c.CacheDir
	}
	return filepath.Join(xdg.CacheHome, AppName, "preview")
}

// BlobDirOrDefault is where the dir backend keeps blobs.
func (c Config) BlobDirOrDefault() string {
	if c.BlobDir != "" {
		return c.BlobDir
	}
	return filepath.Join(c.DataDirOrDefault(), "blobs")
}

// SnapshotPath is the JSON index file.
func (c Config) SnapshotPath() string {
	return filepath.Join(c.DataDirOrDefault(), store.SnapshotFile)
}

// LedgerPath is the sqlite ledger file.
func (c Config) LedgerPath() string {
	return filepath.Join(c.DataDirOrDefault(), db.LedgerFile)
}

// SetupLogger builds the root logger. w defaults to stderr.
func SetupLogger(c Config, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.Nop(), apperr.New(apperr.KindInvalid, "log level", err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if c.LogFormat != LogFormatJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("app", AppName).Logger(), nil
}
