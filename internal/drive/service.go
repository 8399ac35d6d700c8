// Package drive is the caller-facing command layer. It composes the index,
// the transfer coordinator and the trash manager, and turns found-booleans
// into not-found errors.
package drive

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/chmdznr/blobdrive/internal/apperr"
	"github.com/chmdznr/blobdrive/internal/remote"
	"github.com/chmdznr/blobdrive/internal/store"
	"github.com/chmdznr/blobdrive/internal/transfer"
	"github.com/chmdznr/blobdrive/internal/trash"
	"github.com/chmdznr/blobdrive/pkg/models"
	"github.com/chmdznr/blobdrive/pkg/utils"
)

// History reports ledger figures and past uploads. *db.DB implements it.
type History interface {
	FillStats(stats *models.Stats) error
	RecentTransfers(limit int) ([]models.TransferRecord, error)
}

// Deps are the collaborators of a Service. History and Reconciler are
// optional; Retention is in days.
type Deps struct {
	Store      *store.Store
	Transfers  *transfer.Coordinator
	Trash      *trash.Manager
	Session    remote.Session
	History    History
	Retention  int
	Reconciler *trash.Reconciler

	closers []func() error
}

// Service runs drive commands.
type Service struct {
	st        *store.Store
	xfer      *transfer.Coordinator
	trash     *trash.Manager
	session   remote.Session
	history   History
	retention int
	rec       *trash.Reconciler
	closers   []func() error
	logger    zerolog.Logger
}

// New builds a Service from deps.
func New(deps Deps, logger zerolog.Logger) *Service {
	return &Service{
		st:        deps.Store,
		xfer:      deps.Transfers,
		trash:     deps.Trash,
		session:   deps.Session,
		history:   deps.History,
		retention: deps.Retention,
		rec:       deps.Reconciler,
		closers:   deps.closers,
		logger:    logger.With().Str("component", "drive").Logger(),
	}
}

// Reconciler returns the reconciler, nil when none was configured.
func (s *Service) Reconciler() *trash.Reconciler { return s.rec }

// RetentionDays is the age after which trashed items are swept.
func (s *Service) RetentionDays() int { return s.retention }

// Close retries a failed index write and releases what Open acquired.
// Cached previews stay on disk for later runs.
func (s *Service) Close() error {
	var first error
	if err := s.st.Flush(); err != nil {
		first = err
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// List returns the non-trashed direct children of folderID (nil = root).
func (s *Service) List(folderID *string) (models.Listing, error) {
	if folderID != nil {
		if _, ok := s.st.GetFolder(*folderID); !ok {
			return models.Listing{}, notFound("list", "folder", *folderID)
		}
	}
	return s.st.ListContents(folderID), nil
}

// CreateFolder adds a folder and returns its id.
func (s *Service) CreateFolder(name string, parentID *string) (string, error) {
	return s.st.CreateFolder(name, parentID)
}

// Upload sends a local file and indexes it in folderID.
func (s *Service) Upload(ctx context.Context, path string, folderID *string, rep transfer.Reporter) (models.FileMetadata, error) {
	return s.xfer.UploadFile(ctx, path, folderID, rep)
}

// Download writes the content of fileID to dest.
func (s *Service) Download(ctx context.Context, fileID, dest string) error {
	return s.xfer.Download(ctx, fileID, dest)
}

// Preview returns a cached local copy of fileID.
func (s *Service) Preview(ctx context.Context, fileID string) (string, error) {
	return s.xfer.Preview(ctx, fileID)
}

// PurgePreviews empties the preview cache.
func (s *Service) PurgePreviews() error {
	return s.xfer.PurgePreviews()
}

// Trash soft-deletes an entity.
func (s *Service) Trash(id string, isFolder bool) error {
	ok, err := s.trash.Trash(id, isFolder)
	if err != nil {
		return err
	}
	if !ok {
		return notFound("trash", kindName(isFolder), id)
	}
	return nil
}

// Restore takes an entity out of the trash.
func (s *Service) Restore(id string, isFolder bool) error {
	ok, err := s.trash.Restore(id, isFolder)
	if err != nil {
		return err
	}
	if !ok {
		return notFound("restore", kindName(isFolder), id)
	}
	return nil
}

// PermanentlyDelete removes an entity and releases its remote blobs.
func (s *Service) PermanentlyDelete(ctx context.Context, id string, isFolder bool) (trash.PurgeResult, error) {
	res, err := s.trash.PurgeItem(ctx, id, isFolder)
	if err != nil {
		return res, err
	}
	if !res.Found {
		return res, notFound("delete", kindName(isFolder), id)
	}
	return res, nil
}

// Rename gives an entity a new name.
func (s *Service) Rename(id string, isFolder bool, newName string) error {
	var (
		ok  bool
		err error
	)
	if isFolder {
		ok, err = s.st.RenameFolder(id, newName)
	} else {
		ok, err = s.st.RenameFile(id, newName)
	}
	if err != nil {
		return err
	}
	if !ok {
		return notFound("rename", kindName(isFolder), id)
	}
	return nil
}

// ToggleStar flips the starred flag and returns the new value.
func (s *Service) ToggleStar(id string, isFolder bool) (bool, error) {
	var starred bool
	if isFolder {
		f, ok := s.st.GetFolder(id)
		if !ok {
			return false, notFound("star", "folder", id)
		}
		starred = !f.IsStarred
	} else {
		f, ok := s.st.GetFile(id)
		if !ok {
			return false, notFound("star", "file", id)
		}
		starred = !f.IsStarred
	}

	ok, err := s.st.ToggleStar(id, isFolder)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, notFound("star", kindName(isFolder), id)
	}
	return starred, nil
}

// Search matches non-trashed names against query, ignoring case.
func (s *Service) Search(query string) models.Listing {
	return s.st.SearchItems(query)
}

// Usage is the size of all non-trashed files, formatted for people.
func (s *Service) Usage() string {
	return utils.FormatSize(s.st.TotalUsage())
}

// ListTrash returns everything in the trash.
func (s *Service) ListTrash() models.Listing {
	return s.st.ListTrash()
}

// ListStarred returns the starred, non-trashed entities.
func (s *Service) ListStarred() models.Listing {
	return s.st.GetStarred()
}

// EmptyTrash purges every trashed item.
func (s *Service) EmptyTrash(ctx context.Context) (trash.PurgeResult, error) {
	return s.trash.EmptyTrash(ctx)
}

// Sweep purges items trashed longer than the retention period.
func (s *Service) Sweep(ctx context.Context) (trash.PurgeResult, error) {
	return s.trash.Sweep(ctx, s.retention)
}

// CheckAuth reports whether the remote session is usable. When it is, the
// retention sweep runs as a side effect; its failure is logged only.
func (s *Service) CheckAuth(ctx context.Context) bool {
	res, ran, err := s.trash.SweepIfAuthorized(ctx, s.session, s.retention)
	if err != nil {
		s.logger.Warn().Err(err).Msg("retention sweep failed")
	} else if ran && len(res.RemovedFiles) > 0 {
		s.logger.Debug().Int("files", len(res.RemovedFiles)).Msg("retention sweep on auth check")
	}
	return ran
}

// Status summarises the index and, when present, the ledger.
func (s *Service) Status() (models.Stats, error) {
	stats := s.st.Stats()
	if s.history == nil {
		return stats, nil
	}
	if err := s.history.FillStats(&stats); err != nil {
		return stats, apperr.New(apperr.KindPersistence, "status", err)
	}
	return stats, nil
}

// RecentTransfers returns up to limit uploads, newest first. Without a
// ledger there is no history.
func (s *Service) RecentTransfers(limit int) ([]models.TransferRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	recs, err := s.history.RecentTransfers(limit)
	if err != nil {
		return nil, apperr.New(apperr.KindPersistence, "recent transfers", err)
	}
	return recs, nil
}

func kindName(isFolder bool) string {
	if isFolder {
		return "folder"
	}
	return "file"
}

func notFound(op, kind, id string) error {
	return apperr.Errorf(apperr.KindNotFound, op, "%s %s not found", kind, id)
}
