// Package store is the authoritative local index of folders and files.
//
// Both collections live in memory behind one RWMutex and are written back
// to a single JSON snapshot after every mutation. Entities reference each
// other by id only; a folder removed with DeleteFolder leaves its subfolders
// in place with a dangling ParentID.
package store

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chmdznr/blobdrive/internal/apperr"
	"github.com/chmdznr/blobdrive/pkg/models"
)

// Store holds the folder/file index.
type Store struct {
	mu      sync.RWMutex
	path    string
	folders []models.Folder
	files   []models.FileMetadata
	dirty   bool // memory is ahead of the snapshot after a failed write

	now    func() time.Time
	newID  func() string
	logger zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, used to simulate trash ageing.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open loads the snapshot at path. A missing file starts an empty index;
// an unreadable or corrupt one is a persistence failure, never reset.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "store").Logger()

	snap, err := readSnapshot(path)
	if err != nil {
		return nil, apperr.New(apperr.KindPersistence, "open index", err)
	}
	s.folders = snap.Folders
	s.files = snap.Files

	s.logger.Debug().
		Str("path", path).
		Int("folders", len(s.folders)).
		Int("files", len(s.files)).
		Msg("index loaded")
	return s, nil
}

// Path returns the snapshot location.
func (s *Store) Path() string { return s.path }

// persist writes the snapshot. Caller holds the write lock.
// The in-memory state is kept even when the write fails.
func (s *Store) persist(op string) error {
	snap := &snapshot{Folders: s.folders, Files: s.files}
	if err := writeSnapshot(s.path, snap); err != nil {
		s.dirty = true
		s.logger.Error().Err(err).Str("op", op).Msg("snapshot write failed")
		return apperr.New(apperr.KindPersistence, op, err)
	}
	s.dirty = false
	return nil
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func (s *Store) folderIndex(id string) int {
	for i := range s.folders {
		if s.folders[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) fileIndex(id string) int {
	for i := range s.files {
		if s.files[i].ID == id {
			return i
		}
	}
	return -1
}

// checkParent validates a parent reference at creation time.
func (s *Store) checkParent(op string, parentID *string) error {
	if parentID == nil {
		return nil
	}
	if s.folderIndex(*parentID) < 0 {
		return apperr.Errorf(apperr.KindNotFound, op, "folder %s", *parentID)
	}
	return nil
}

// CreateFolder inserts a folder under parentID (nil = root) and returns its id.
func (s *Store) CreateFolder(name string, parentID *string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", apperr.Errorf(apperr.KindInvalid, "create folder", "empty name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkParent("create folder", parentID); err != nil {
		return "", err
	}

	folder := models.Folder{
		ID:        s.newID(),
		ParentID:  cloneRef(parentID),
		Name:      name,
		CreatedAt: s.timestamp(),
	}
	s.folders = append(s.folders, folder)

	s.logger.Info().Str("folder_id", folder.ID).Str("name", name).Msg("folder created")
	return folder.ID, s.persist("create folder")
}

// AddFile registers a file row for a blob that is already stored remotely.
func (s *Store) AddFile(folderID *string, name string, size int64, mimeType, remoteRef string) (models.FileMetadata, error) {
	if strings.TrimSpace(name) == "" {
		return models.FileMetadata{}, apperr.Errorf(apperr.KindInvalid, "add file", "empty name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkParent("add file", folderID); err != nil {
		return models.FileMetadata{}, err
	}

	file := models.FileMetadata{
		ID:        s.newID(),
		FolderID:  cloneRef(folderID),
		Name:      name,
		Size:      size,
		MimeType:  mimeType,
		RemoteRef: remoteRef,
		CreatedAt: s.timestamp(),
	}
	s.files = append(s.files, file)

	s.logger.Info().
		Str("file_id", file.ID).
		Str("name", name).
		Int64("size", size).
		Str("remote_ref", remoteRef).
		Msg("file added")
	return file, s.persist("add file")
}

// ListContents returns the non-trashed folders and files directly under
// folderID. nil lists the root.
func (s *Store) ListContents(folderID *string) models.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(
		func(f *models.Folder) bool { return !f.Trashed && f.InFolder(folderID) },
		func(f *models.FileMetadata) bool { return !f.Trashed && f.InFolder(folderID) },
	)
}

// ListTrash returns every trashed entity across the whole tree.
func (s *Store) ListTrash() models.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(
		func(f *models.Folder) bool { return f.Trashed },
		func(f *models.FileMetadata) bool { return f.Trashed },
	)
}

// GetStarred returns starred entities that are not in the trash.
func (s *Store) GetStarred() models.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(
		func(f *models.Folder) bool { return f.IsStarred && !f.Trashed },
		func(f *models.FileMetadata) bool { return f.IsStarred && !f.Trashed },
	)
}

// SearchItems matches query as a case-insensitive substring of names.
// Trashed entities are excluded; an empty query matches nothing.
func (s *Store) SearchItems(query string) models.Listing {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return models.Listing{Folders: []models.Folder{}, Files: []models.FileMetadata{}}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(
		func(f *models.Folder) bool { return !f.Trashed && strings.Contains(strings.ToLower(f.Name), q) },
		func(f *models.FileMetadata) bool { return !f.Trashed && strings.Contains(strings.ToLower(f.Name), q) },
	)
}

// collect copies matching rows. Caller holds a lock.
func (s *Store) collect(keepFolder func(*models.Folder) bool, keepFile func(*models.FileMetadata) bool) models.Listing {
	out := models.Listing{Folders: []models.Folder{}, Files: []models.FileMetadata{}}
	for i := range s.folders {
		if keepFolder(&s.folders[i]) {
			out.Folders = append(out.Folders, s.folders[i])
		}
	}
	for i := range s.files {
		if keepFile(&s.files[i]) {
			out.Files = append(out.Files, s.files[i])
		}
	}
	return out
}

// GetFile looks up a file by id, trashed or not.
func (s *Store) GetFile(id string) (models.FileMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.fileIndex(id); i >= 0 {
		return s.files[i], true
	}
	return models.FileMetadata{}, false
}

// GetFolder looks up a folder by id, trashed or not.
func (s *Store) GetFolder(id string) (models.Folder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.folderIndex(id); i >= 0 {
		return s.folders[i], true
	}
	return models.Folder{}, false
}

// TrashItem soft-deletes one entity. Children of a trashed folder keep
// their own flags; they drop out of listings because the parent does.
func (s *Store) TrashItem(id string, isFolder bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.timestamp()
	if !s.setTrashed(id, isFolder, true, &at) {
		return false, nil
	}
	s.logger.Info().Str("id", id).Bool("folder", isFolder).Msg("moved to trash")
	return true, s.persist("trash item")
}

// RestoreItem clears the trash flag. Starring and every other field are kept.
func (s *Store) RestoreItem(id string, isFolder bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.setTrashed(id, isFolder, false, nil) {
		return false, nil
	}
	s.logger.Info().Str("id", id).Bool("folder", isFolder).Msg("restored from trash")
	return true, s.persist("restore item")
}

func (s *Store) setTrashed(id string, isFolder, trashed bool, at *time.Time) bool {
	if isFolder {
		i := s.folderIndex(id)
		if i < 0 {
			return false
		}
		s.folders[i].Trashed = trashed
		s.folders[i].TrashedAt = at
		return true
	}
	i := s.fileIndex(id)
	if i < 0 {
		return false
	}
	s.files[i].Trashed = trashed
	s.files[i].TrashedAt = at
	return true
}

// DeleteFile hard-deletes a file row and reports whether it existed.
func (s *Store) DeleteFile(id string) (bool, error) {
	_, ok, err := s.RemoveFile(id)
	return ok, err
}

// RemoveFile hard-deletes a file row and returns it, so the caller can
// release the remote blob without a separate lookup.
func (s *Store) RemoveFile(id string) (models.FileMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.fileIndex(id)
	if i < 0 {
		return models.FileMetadata{}, false, nil
	}
	removed := s.files[i]
	s.files = append(s.files[:i], s.files[i+1:]...)

	s.logger.Info().Str("file_id", id).Msg("file deleted")
	return removed, true, s.persist("delete file")
}

// DeleteFolder removes the folder and the files directly inside it and
// returns those files. Subfolders are not touched: their ParentID keeps
// pointing at the removed folder. Nothing is written when neither the
// folder nor any file under it exists.
func (s *Store) DeleteFolder(id string) ([]models.FileMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.folderIndex(id)
	removed := s.removeChildFiles(id)
	if i < 0 && len(removed) == 0 {
		return removed, nil
	}
	if i >= 0 {
		s.folders = append(s.folders[:i], s.folders[i+1:]...)
	}

	s.logger.Info().Str("folder_id", id).Int("files", len(removed)).Msg("folder deleted")
	return removed, s.persist("delete folder")
}

// removeChildFiles drops files whose FolderID is folderID. Caller holds the lock.
func (s *Store) removeChildFiles(folderID string) []models.FileMetadata {
	removed := []models.FileMetadata{}
	kept := s.files[:0]
	for _, f := range s.files {
		if f.FolderID != nil && *f.FolderID == folderID {
			removed = append(removed, f)
			continue
		}
		kept = append(kept, f)
	}
	s.files = kept
	return removed
}

// RenameFile sets a new name and reports whether the file exists.
func (s *Store) RenameFile(id, newName string) (bool, error) {
	return s.rename(id, false, newName)
}

// RenameFolder sets a new name and reports whether the folder exists.
func (s *Store) RenameFolder(id, newName string) (bool, error) {
	return s.rename(id, true, newName)
}

func (s *Store) rename(id string, isFolder bool, newName string) (bool, error) {
	if strings.TrimSpace(newName) == "" {
		return false, apperr.Errorf(apperr.KindInvalid, "rename", "empty name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if isFolder {
		i := s.folderIndex(id)
		if i < 0 {
			return false, nil
		}
		s.folders[i].Name = newName
	} else {
		i := s.fileIndex(id)
		if i < 0 {
			return false, nil
		}
		s.files[i].Name = newName
	}
	return true, s.persist("rename")
}

// ToggleStar flips IsStarred and reports whether the entity exists.
func (s *Store) ToggleStar(id string, isFolder bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isFolder {
		i := s.folderIndex(id)
		if i < 0 {
			return false, nil
		}
		s.folders[i].IsStarred = !s.folders[i].IsStarred
	} else {
		i := s.fileIndex(id)
		if i < 0 {
			return false, nil
		}
		s.files[i].IsStarred = !s.files[i].IsStarred
	}
	return true, s.persist("toggle star")
}

// CleanupTrash purges trashed entities whose TrashedAt is older than
// days*24h. A purged folder takes the files directly inside it along,
// whether or not those files were trashed themselves; nested subfolders
// are left in place. days == 0 empties the trash. Every removed file row
// is returned.
func (s *Store) CleanupTrash(days int) ([]models.FileMetadata, error) {
	if days < 0 {
		return nil, apperr.Errorf(apperr.KindInvalid, "cleanup trash", "negative retention %d", days)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.timestamp().Add(-time.Duration(days) * 24 * time.Hour)
	expired := func(trashed bool, at *time.Time) bool {
		return trashed && at != nil && (days == 0 || at.Before(limit))
	}

	removed := []models.FileMetadata{}
	kept := s.files[:0]
	for _, f := range s.files {
		if expired(f.Trashed, f.TrashedAt) {
			removed = append(removed, f)
			continue
		}
		kept = append(kept, f)
	}
	s.files = kept

	var purgedFolders []string
	keptFolders := s.folders[:0]
	for _, f := range s.folders {
		if expired(f.Trashed, f.TrashedAt) {
			purgedFolders = append(purgedFolders, f.ID)
			continue
		}
		keptFolders = append(keptFolders, f)
	}
	s.folders = keptFolders

	for _, id := range purgedFolders {
		removed = append(removed, s.removeChildFiles(id)...)
	}

	if len(removed) == 0 && len(purgedFolders) == 0 {
		return removed, nil
	}

	s.logger.Info().
		Int("retention_days", days).
		Int("folders", len(purgedFolders)).
		Int("files", len(removed)).
		Msg("trash cleaned up")
	return removed, s.persist("cleanup trash")
}

// TotalUsage sums the size of every file that is not trashed.
func (s *Store) TotalUsage() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for i := range s.files {
		if !s.files[i].Trashed {
			total += s.files[i].Size
		}
	}
	return total
}

// RemoteRefs returns every remote reference held by a row, trashed or not.
func (s *Store) RemoteRefs() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make(map[string]struct{}, len(s.files))
	for i := range s.files {
		if s.files[i].RemoteRef != "" {
			refs[s.files[i].RemoteRef] = struct{}{}
		}
	}
	return refs
}

// Stats fills the index half of models.Stats.
func (s *Store) Stats() models.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st models.Stats
	for i := range s.folders {
		st.TotalFolders++
		if s.folders[i].Trashed {
			st.TrashedFolders++
		} else if s.folders[i].IsStarred {
			st.StarredItems++
		}
	}
	for i := range s.files {
		f := &s.files[i]
		st.TotalFiles++
		st.TotalSize += f.Size
		if f.Trashed {
			st.TrashedFiles++
			st.TrashedSize += f.Size
		} else if f.IsStarred {
			st.StarredItems++
		}
	}
	return st
}

// Flush rewrites the snapshot if an earlier write failed and left memory
// ahead of disk. A clean store is not touched.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.persist("flush")
}

func cloneRef(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
