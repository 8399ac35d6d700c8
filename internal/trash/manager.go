// Package trash owns the trash lifecycle: soft delete and restore, purges
// that drop local rows before releasing remote blobs, and the reconciler
// that retries remote deletions which could not be done at purge time.
//
// Local removal always commits first. A remote failure never undoes it;
// the affected refs are written to the ledger as tombstones instead.
package trash

import (
	"context"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/chmdznr/blobdrive/internal/apperr"
	"github.com/chmdznr/blobdrive/internal/remote"
	"github.com/chmdznr/blobdrive/internal/store"
	"github.com/chmdznr/blobdrive/pkg/models"
)

// DefaultRetentionDays is how long trashed items survive the opportunistic sweep.
const DefaultRetentionDays = 30

var (
	purgedFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bdrive_trash_purged_files_total",
		Help: "File rows removed by permanent deletes and sweeps.",
	})
	remoteDeletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bdrive_remote_deletions_total",
		Help: "Remote refs released at purge time, by outcome.",
	}, []string{"result"})
)

// Ledger keeps remote deletions that are still owed. *db.DB implements it.
type Ledger interface {
	AddTombstones(stones []models.Tombstone) error
	PendingTombstones() ([]models.Tombstone, error)
	MarkTombstonesDone(refs []string) error
	MarkTombstonesFailed(refs []string, cause error) error
}

// PurgeResult summarises one purge.
type PurgeResult struct {
	Found         bool
	RemovedFiles  []models.FileMetadata
	RemoteDeleted int
	Deferred      int
}

// Manager applies trash operations to the store and releases remote blobs.
type Manager struct {
	st     *store.Store
	gw     remote.Gateway
	ledger Ledger
	logger zerolog.Logger
}

// NewManager builds a Manager. ledger may be nil, in which case failed
// remote deletions are only logged.
func NewManager(st *store.Store, gw remote.Gateway, ledger Ledger, logger zerolog.Logger) *Manager {
	return &Manager{
		st:     st,
		gw:     gw,
		ledger: ledger,
		logger: logger.With().Str("component", "trash").Logger(),
	}
}

// Trash soft-deletes an entity.
func (m *Manager) Trash(id string, isFolder bool) (bool, error) {
	return m.st.TrashItem(id, isFolder)
}

// Restore takes an entity out of the trash.
func (m *Manager) Restore(id string, isFolder bool) (bool, error) {
	return m.st.RestoreItem(id, isFolder)
}

// PurgeItem removes an entity for good. A folder takes the files directly
// inside it along; subfolders stay. The remote blobs of removed files are
// then deleted in one batch.
func (m *Manager) PurgeItem(ctx context.Context, id string, isFolder bool) (PurgeResult, error) {
	var (
		res PurgeResult
		err error
	)
	if isFolder {
		if _, ok := m.st.GetFolder(id); !ok {
			return res, nil
		}
		res.Found = true
		res.RemovedFiles, err = m.st.DeleteFolder(id)
	} else {
		var file models.FileMetadata
		file, res.Found, err = m.st.RemoveFile(id)
		if res.Found {
			res.RemovedFiles = []models.FileMetadata{file}
		}
	}

	if err != nil {
		// the snapshot may still hold the rows; let the reconciler decide
		res.Deferred = m.postpone(res.RemovedFiles, "purge", err)
		return res, err
	}
	res.RemoteDeleted, res.Deferred = m.release(ctx, res.RemovedFiles, "purge")
	return res, nil
}

// Sweep purges trash older than days and releases the remote blobs.
func (m *Manager) Sweep(ctx context.Context, days int) (PurgeResult, error) {
	removed, err := m.st.CleanupTrash(days)
	res := PurgeResult{Found: len(removed) > 0, RemovedFiles: removed}
	if err != nil {
		res.Deferred = m.postpone(removed, "sweep", err)
		return res, err
	}
	res.RemoteDeleted, res.Deferred = m.release(ctx, removed, "sweep")

	if len(removed) > 0 {
		m.logger.Info().
			Int("retention_days", days).
			Int("files", len(removed)).
			Int("remote_deleted", res.RemoteDeleted).
			Int("deferred", res.Deferred).
			Msg("trash swept")
	}
	return res, nil
}

// EmptyTrash purges everything in the trash regardless of age.
func (m *Manager) EmptyTrash(ctx context.Context) (PurgeResult, error) {
	return m.Sweep(ctx, 0)
}

// SweepIfAuthorized runs the retention sweep when the session is usable.
// It reports whether the sweep ran.
func (m *Manager) SweepIfAuthorized(ctx context.Context, session remote.Session, days int) (PurgeResult, bool, error) {
	if session == nil || !session.IsAuthorized(ctx) {
		return PurgeResult{}, false, nil
	}
	res, err := m.Sweep(ctx, days)
	return res, true, err
}

// release deletes the remote blobs of removed files. Refs still used by a
// live row are skipped. Failures go to the ledger.
func (m *Manager) release(ctx context.Context, removed []models.FileMetadata, reason string) (deleted, deferred int) {
	purgedFilesTotal.Add(float64(len(removed)))
	files := m.unreferenced(removed)
	if len(files) == 0 {
		return 0, 0
	}

	refs := refsOf(files)
	if err := m.gw.Ready(ctx); err != nil {
		return 0, m.postpone(files, reason, err)
	}
	if err := m.gw.DeleteRecords(ctx, refs); err != nil {
		return 0, m.postpone(files, reason, apperr.New(apperr.KindRemoteDeletion, "delete records", err))
	}

	remoteDeletionsTotal.WithLabelValues("ok").Add(float64(len(refs)))
	m.logger.Debug().Strs("refs", refs).Str("reason", reason).Msg("remote blobs deleted")
	return len(refs), 0
}

// postpone ledgers the refs of files for a later retry and returns their count.
func (m *Manager) postpone(files []models.FileMetadata, reason string, cause error) int {
	files = m.unreferenced(files)
	if len(files) == 0 {
		return 0
	}
	remoteDeletionsTotal.WithLabelValues("deferred").Add(float64(len(files)))

	m.logger.Warn().
		Err(cause).
		Str("reason", reason).
		Strs("refs", refsOf(files)).
		Msg("remote deletion deferred")

	if m.ledger == nil {
		return len(files)
	}
	stones := make([]models.Tombstone, 0, len(files))
	for _, f := range files {
		stones = append(stones, models.Tombstone{
			RemoteRef: f.RemoteRef,
			Name:      f.Name,
			Size:      f.Size,
			Reason:    reason,
			LastError: cause.Error(),
		})
	}
	if err := m.ledger.AddTombstones(stones); err != nil {
		m.logger.Error().Err(err).Msg("failed to record tombstones")
	}
	return len(files)
}

// unreferenced keeps files with a ref that no live row uses, one per ref.
func (m *Manager) unreferenced(files []models.FileMetadata) []models.FileMetadata {
	if len(files) == 0 {
		return nil
	}
	live := m.st.RemoteRefs()
	seen := make(map[string]bool, len(files))
	out := make([]models.FileMetadata, 0, len(files))
	for _, f := range files {
		if f.RemoteRef == "" || seen[f.RemoteRef] {
			continue
		}
		if _, used := live[f.RemoteRef]; used {
			continue
		}
		seen[f.RemoteRef] = true
		out = append(out, f)
	}
	return out
}

func refsOf(files []models.FileMetadata) []string {
	refs := make([]string, 0, len(files))
	for _, f := range files {
		refs = append(refs, f.RemoteRef)
	}
	sort.Strings(refs)
	return refs
}
