package config

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/chmdznr/blobdrive/internal/apperr"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"minio without endpoint", func(c *Config) { c.Backend = BackendMinio; c.Bucket = "b" }, true},
		{"minio without bucket", func(c *Config) { c.Backend = BackendMinio; c.Endpoint = "s3:9000" }, true},
		{"minio complete", func(c *Config) { c.Backend = BackendMinio; c.Endpoint = "s3:9000"; c.Bucket = "b" }, false},
		{"unknown backend", func(c *Config) { c.Backend = "ftp" }, true},
		{"zero workers", func(c *Config) { c.Workers = 0 }, true},
		{"zero part size", func(c *Config) { c.PartSize = 0 }, true},
		{"negative retention", func(c *Config) { c.RetentionDays = -1 }, true},
		{"zero retention", func(c *Config) { c.RetentionDays = 0 }, false},
		{"zero interval", func(c *Config) { c.ReconcileInterval = 0 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"upper-case log level", func(c *Config) { c.LogLevel = "DEBUG" }, false},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v; wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, apperr.ErrInvalid) {
				t.Errorf("err = %v; want invalid kind", err)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	c := Default()
	c.DataDir = filepath.Join("tmp", "drive")

	if got := c.SnapshotPath(); got != filepath.Join("tmp", "drive", "metadata.json") {
		t.Errorf("SnapshotPath = %s", got)
	}
	if got := c.LedgerPath(); got != filepath.Join("tmp", "drive", "ledger.db") {
		t.Errorf("LedgerPath = %s", got)
	}
	if got := c.BlobDirOrDefault(); got != filepath.Join("tmp", "drive", "blobs") {
		t.Errorf("BlobDirOrDefault = %s", got)
	}

	c.BlobDir = "elsewhere"
	if got := c.BlobDirOrDefault(); got != "elsewhere" {
		t.Errorf("BlobDirOrDefault with override = %s", got)
	}

	empty := Config{}
	if !strings.HasSuffix(empty.DataDirOrDefault(), AppName) {
		t.Errorf("DataDirOrDefault = %s", empty.DataDirOrDefault())
	}
	if !strings.HasSuffix(empty.CacheDirOrDefault(), filepath.Join(AppName, "preview")) {
		t.Errorf("CacheDirOrDefault = %s", empty.CacheDirOrDefault())
	}
}

func TestSetupLoggerJSON(t *testing.T) {
	c := Default()
	c.LogFormat = LogFormatJSON
	c.LogLevel = "warn"

	var buf bytes.Buffer
	logger, err := SetupLogger(c, &buf)
	if err != nil {
		t.Fatalf("SetupLogger: %v", err)
	}

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "test").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["message"] != "shown" || entry["component"] != "test" || entry["app"] != AppName {
		t.Errorf("entry = %v", entry)
	}
}

func TestSetupLoggerRejectsBadLevel(t *testing.T) {
	c := Default()
	c.LogLevel = "chatty"
	if _, err := SetupLogger(c, &bytes.Buffer{}); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("err = %v; want invalid", err)
	}
}
