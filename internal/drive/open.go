package drive

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chmdznr/blobdrive/internal/config"
	"github.com/chmdznr/blobdrive/internal/db"
	"github.com/chmdznr/blobdrive/internal/remote"
	"github.com/chmdznr/blobdrive/internal/store"
	"github.com/chmdznr/blobdrive/internal/transfer"
	"github.com/chmdznr/blobdrive/internal/trash"
)

// Backend is a gateway that can also report whether its session is usable.
type Backend interface {
	remote.Gateway
	remote.Session
}

// NewBackend builds the gateway named by cfg.Backend.
func NewBackend(cfg config.Config, logger zerolog.Logger) (Backend, error) {
	switch cfg.Backend {
	case config.BackendMinio:
		gw, err := remote.NewMinioGateway(remote.MinioConfig{
			Endpoint:  cfg.Endpoint,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Secure:    cfg.Secure,
		}, logger)
		if err != nil {
			return nil, err
		}
		return gw, nil
	case config.BackendDir:
		return remote.NewDirGateway(cfg.BlobDirOrDefault(), logger), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Open wires a Service from cfg: the snapshot index, the sqlite ledger, the
// configured backend and the reconciler. Close releases them.
func Open(cfg config.Config, logger zerolog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.SnapshotPath(), store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	ledger, err := db.New(cfg.LedgerPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	gw, err := NewBackend(cfg, logger)
	if err != nil {
		ledger.Close()
		return nil, err
	}

	xfer := transfer.New(gw, st, transfer.Options{
		PartSize:     cfg.PartSize,
		BigThreshold: cfg.BigThreshold,
		Concurrency:  cfg.Workers,
		CacheDir:     cfg.CacheDirOrDefault(),
		Journal:      ledger,
	}, logger)

	logger.Debug().
		Str("data_dir", cfg.DataDirOrDefault()).
		Str("backend", cfg.Backend).
		Int("workers", cfg.Workers).
		Msg("drive opened")

	return New(Deps{
		Store:      st,
		Transfers:  xfer,
		Trash:      trash.NewManager(st, gw, ledger, logger),
		Session:    gw,
		History:    ledger,
		Retention:  cfg.RetentionDays,
		Reconciler: trash.NewReconciler(st, gw, ledger, cfg.ReconcileInterval, logger),
		closers:    []func() error{ledger.Close},
	}, logger), nil
}
