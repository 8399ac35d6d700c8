package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chmdznr/blobdrive/internal/apperr"
	"github.com/chmdznr/blobdrive/pkg/models"
)

// fakeClock is a settable clock shared with the store under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// setupStore opens an empty store in a temp dir with a controllable clock.
func setupStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), SnapshotFile), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, clock
}

func mustFolder(t *testing.T, s *Store, name string, parent *string) string {
	t.Helper()
	id, err := s.CreateFolder(name, parent)
	if err != nil {
		t.Fatalf("CreateFolder(%q): %v", name, err)
	}
	return id
}

func mustFile(t *testing.T, s *Store, folder *string, name string, size int64) models.FileMetadata {
	t.Helper()
	f, err := s.AddFile(folder, name, size, "application/octet-stream", "ref-"+name)
	if err != nil {
		t.Fatalf("AddFile(%q): %v", name, err)
	}
	return f
}

func fileIDs(files []models.FileMetadata) map[string]bool {
	ids := make(map[string]bool, len(files))
	for _, f := range files {
		ids[f.ID] = true
	}
	return ids
}

func folderIDs(folders []models.Folder) map[string]bool {
	ids := make(map[string]bool, len(folders))
	for _, f := range folders {
		ids[f.ID] = true
	}
	return ids
}

func TestIDsAreUnique(t *testing.T) {
	s, _ := setupStore(t)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := mustFolder(t, s, "folder", nil)
		if seen[id] {
			t.Fatalf("duplicate folder id %s", id)
		}
		seen[id] = true

		f := mustFile(t, s, nil, "file", 1)
		if seen[f.ID] {
			t.Fatalf("duplicate file id %s", f.ID)
		}
		seen[f.ID] = true
	}
}

func TestListContentsExactness(t *testing.T) {
	s, _ := setupStore(t)

	docs := mustFolder(t, s, "Docs", nil)
	pics := mustFolder(t, s, "Pics", nil)
	sub := mustFolder(t, s, "Sub", &docs)
	inDocs := mustFile(t, s, &docs, "a.txt", 10)
	inDocsTrashed := mustFile(t, s, &docs, "b.txt", 20)
	atRoot := mustFile(t, s, nil, "root.txt", 30)
	mustFile(t, s, &pics, "c.jpg", 40)
	mustFile(t, s, &sub, "deep.txt", 50)

	if _, err := s.TrashItem(inDocsTrashed.ID, false); err != nil {
		t.Fatalf("TrashItem: %v", err)
	}

	tests := []struct {
		name        string
		folder      *string
		wantFolders map[string]bool
		wantFiles   map[string]bool
	}{
		{
			name:        "root",
			folder:      nil,
			wantFolders: map[string]bool{docs: true, pics: true},
			wantFiles:   map[string]bool{atRoot.ID: true},
		},
		{
			name:        "docs excludes trashed and nested",
			folder:      &docs,
			wantFolders: map[string]bool{sub: true},
			wantFiles:   map[string]bool{inDocs.ID: true},
		},
		{
			name:        "unknown folder",
			folder:      models.StrPtr("nope"),
			wantFolders: map[string]bool{},
			wantFiles:   map[string]bool{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.ListContents(tt.folder)
			if g := folderIDs(got.Folders); !equalSets(g, tt.wantFolders) {
				t.Errorf("folders = %v; want %v", g, tt.wantFolders)
			}
			if g := fileIDs(got.Files); !equalSets(g, tt.wantFiles) {
				t.Errorf("files = %v; want %v", g, tt.wantFiles)
			}
		})
	}
}

func equalSets(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func TestCreateRejectsUnknownParent(t *testing.T) {
	s, _ := setupStore(t)

	_, err := s.CreateFolder("orphan", models.StrPtr("missing"))
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("CreateFolder with unknown parent: err = %v; want not found", err)
	}
	_, err = s.AddFile(models.StrPtr("missing"), "x", 1, "text/plain", "r")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("AddFile with unknown folder: err = %v; want not found", err)
	}
	if _, err := s.CreateFolder("  ", nil); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("CreateFolder with blank name: err = %v; want invalid", err)
	}
}

func TestTrashRestoreRoundTrip(t *testing.T) {
	s, _ := setupStore(t)

	f := mustFile(t, s, nil, "report.pdf", 1234)
	if ok, _ := s.ToggleStar(f.ID, false); !ok {
		t.Fatal("ToggleStar: not found")
	}
	before, _ := s.GetFile(f.ID)

	if ok, err := s.TrashItem(f.ID, false); !ok || err != nil {
		t.Fatalf("TrashItem = %v, %v", ok, err)
	}
	trashed, _ := s.GetFile(f.ID)
	if !trashed.Trashed || trashed.TrashedAt == nil {
		t.Fatalf("after trash: trashed=%v trashed_at=%v", trashed.Trashed, trashed.TrashedAt)
	}

	if ok, err := s.RestoreItem(f.ID, false); !ok || err != nil {
		t.Fatalf("RestoreItem = %v, %v", ok, err)
	}
	after, _ := s.GetFile(f.ID)

	if after.Trashed != before.Trashed || after.TrashedAt != nil {
		t.Errorf("trash state not restored: trashed=%v trashed_at=%v", after.Trashed, after.TrashedAt)
	}
	if after.IsStarred != before.IsStarred || after.Name != before.Name || after.Size != before.Size {
		t.Errorf("restore changed fields: before=%+v after=%+v", before, after)
	}
}

func TestTrashFolderDoesNotCascade(t *testing.T) {
	s, _ := setupStore(t)

	a := mustFolder(t, s, "A", nil)
	child := mustFile(t, s, &a, "child.txt", 5)

	if _, err := s.TrashItem(a, true); err != nil {
		t.Fatalf("TrashItem: %v", err)
	}

	got, _ := s.GetFile(child.ID)
	if got.Trashed {
		t.Error("child file was marked trashed")
	}
	if root := s.ListContents(nil); len(root.Folders) != 0 {
		t.Errorf("trashed folder still listed at root: %+v", root.Folders)
	}
	trash := s.ListTrash()
	if len(trash.Folders) != 1 || len(trash.Files) != 0 {
		t.Errorf("ListTrash = %d folders, %d files; want 1, 0", len(trash.Folders), len(trash.Files))
	}
}

func TestUnknownIDsReportNotFound(t *testing.T) {
	s, _ := setupStore(t)

	checks := []struct {
		name string
		call func() (bool, error)
	}{
		{"trash", func() (bool, error) { return s.TrashItem("x", false) }},
		{"restore", func() (bool, error) { return s.RestoreItem("x", true) }},
		{"rename file", func() (bool, error) { return s.RenameFile("x", "y") }},
		{"rename folder", func() (bool, error) { return s.RenameFolder("x", "y") }},
		{"star", func() (bool, error) { return s.ToggleStar("x", true) }},
		{"delete", func() (bool, error) { return s.DeleteFile("x") }},
		{"delete folder", func() (bool, error) {
			removed, err := s.DeleteFolder("x")
			return len(removed) > 0, err
		}},
	}

	mustFolder(t, s, "Docs", nil)
	// any write would recreate the snapshot
	if err := os.Remove(s.Path()); err != nil {
		t.Fatal(err)
	}

	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			ok, err := c.call()
			if ok || err != nil {
				t.Errorf("got (%v, %v); want (false, nil)", ok, err)
			}
			if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
				t.Errorf("snapshot rewritten for an unknown id: %v", err)
			}
		})
	}
}

func TestFlushSkipsCleanStore(t *testing.T) {
	s, _ := setupStore(t)
	mustFolder(t, s, "Docs", nil)

	if err := os.Remove(s.Path()); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Errorf("clean Flush wrote the snapshot: %v", err)
	}
}

func TestToggleStarIsSelfInverse(t *testing.T) {
	s, _ := setupStore(t)

	folder := mustFolder(t, s, "Music", nil)
	file := mustFile(t, s, &folder, "song.mp3", 99)

	for _, item := range []struct {
		id       string
		isFolder bool
	}{{folder, true}, {file.ID, false}} {
		starred := func() bool {
			if item.isFolder {
				f, _ := s.GetFolder(item.id)
				return f.IsStarred
			}
			f, _ := s.GetFile(item.id)
			return f.IsStarred
		}
		orig := starred()
		s.ToggleStar(item.id, item.isFolder)
		if starred() == orig {
			t.Errorf("%s: first toggle did not flip", item.id)
		}
		s.ToggleStar(item.id, item.isFolder)
		if starred() != orig {
			t.Errorf("%s: two toggles did not restore", item.id)
		}
	}

	s.ToggleStar(file.ID, false)
	if got := s.GetStarred(); len(got.Files) != 1 || got.Files[0].ID != file.ID {
		t.Errorf("GetStarred files = %+v", got.Files)
	}
	s.TrashItem(file.ID, false)
	if got := s.GetStarred(); len(got.Files) != 0 {
		t.Errorf("trashed file still starred-listed: %+v", got.Files)
	}
}

func TestRename(t *testing.T) {
	s, _ := setupStore(t)

	folder := mustFolder(t, s, "old", nil)
	file := mustFile(t, s, nil, "a.txt", 1)

	if ok, err := s.RenameFolder(folder, "new"); !ok || err != nil {
		t.Fatalf("RenameFolder = %v, %v", ok, err)
	}
	if ok, err := s.RenameFile(file.ID, "b.txt"); !ok || err != nil {
		t.Fatalf("RenameFile = %v, %v", ok, err)
	}
	if f, _ := s.GetFolder(folder); f.Name != "new" {
		t.Errorf("folder name = %q", f.Name)
	}
	if f, _ := s.GetFile(file.ID); f.Name != "b.txt" {
		t.Errorf("file name = %q", f.Name)
	}
}

func TestSearchItemsCaseInsensitive(t *testing.T) {
	s, _ := setupStore(t)

	mustFolder(t, s, "Invoices 2025", nil)
	mustFile(t, s, nil, "INVOICE-march.pdf", 1)
	mustFile(t, s, nil, "notes.txt", 1)
	hidden := mustFile(t, s, nil, "old invoice.pdf", 1)
	s.TrashItem(hidden.ID, false)

	tests := []struct {
		query       string
		wantFolders int
		wantFiles   int
	}{
		{"invoice", 1, 1},
		{"INVOICE", 1, 1},
		{"notes", 0, 1},
		{".PDF", 0, 1},
		{"", 0, 0},
		{"zzz", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := s.SearchItems(tt.query)
			if len(got.Folders) != tt.wantFolders || len(got.Files) != tt.wantFiles {
				t.Errorf("SearchItems(%q) = %d folders, %d files; want %d, %d",
					tt.query, len(got.Folders), len(got.Files), tt.wantFolders, tt.wantFiles)
			}
		})
	}
}

func TestUsageAccounting(t *testing.T) {
	s, _ := setupStore(t)

	a := mustFile(t, s, nil, "a", 100)
	mustFile(t, s, nil, "b", 250)

	if got := s.TotalUsage(); got != 350 {
		t.Fatalf("TotalUsage = %d; want 350", got)
	}
	s.TrashItem(a.ID, false)
	if got := s.TotalUsage(); got != 250 {
		t.Errorf("after trash: TotalUsage = %d; want 250", got)
	}
	s.RestoreItem(a.ID, false)
	if got := s.TotalUsage(); got != 350 {
		t.Errorf("after restore: TotalUsage = %d; want 350", got)
	}
}

func TestCleanupTrashByAge(t *testing.T) {
	s, clock := setupStore(t)

	old := mustFile(t, s, nil, "old.txt", 1)
	s.TrashItem(old.ID, false)

	oldFolder := mustFolder(t, s, "OldFolder", nil)
	childActive := mustFile(t, s, &oldFolder, "inside.txt", 2)
	nested := mustFolder(t, s, "Nested", &oldFolder)
	s.TrashItem(oldFolder, true)

	clock.Advance(20 * 24 * time.Hour)

	recent := mustFile(t, s, nil, "recent.txt", 3)
	s.TrashItem(recent.ID, false)
	untouched := mustFile(t, s, nil, "live.txt", 4)

	clock.Advance(11 * 24 * time.Hour)

	removed, err := s.CleanupTrash(30)
	if err != nil {
		t.Fatalf("CleanupTrash: %v", err)
	}

	want := map[string]bool{old.ID: true, childActive.ID: true}
	if got := fileIDs(removed); !equalSets(got, want) {
		t.Errorf("removed = %v; want %v", got, want)
	}
	if _, ok := s.GetFolder(oldFolder); ok {
		t.Error("expired folder still present")
	}
	if f, ok := s.GetFolder(nested); !ok || models.StrVal(f.ParentID) != oldFolder {
		t.Errorf("nested folder = %+v, %v; want kept with dangling parent", f, ok)
	}
	if _, ok := s.GetFile(recent.ID); !ok {
		t.Error("recently trashed file was purged")
	}
	if _, ok := s.GetFile(untouched.ID); !ok {
		t.Error("live file was purged")
	}

	// retention 0 empties the trash entirely
	removed, err = s.CleanupTrash(0)
	if err != nil {
		t.Fatalf("CleanupTrash(0): %v", err)
	}
	if len(removed) != 1 || removed[0].ID != recent.ID {
		t.Errorf("CleanupTrash(0) = %+v; want only recent.txt", removed)
	}
	if trash := s.ListTrash(); !trash.Empty() {
		t.Errorf("trash not empty: %+v", trash)
	}
}

func TestCleanupTrashRejectsNegativeDays(t *testing.T) {
	s, _ := setupStore(t)
	if _, err := s.CleanupTrash(-1); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("err = %v; want invalid", err)
	}
}

func TestDocsScenarioTrashAndSweep(t *testing.T) {
	s, clock := setupStore(t)

	docs := mustFolder(t, s, "Docs", nil)
	f, err := s.AddFile(&docs, "big.bin", 1572864, "application/octet-stream", "ref-big")
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	s.TrashItem(f.ID, false)
	if got := s.ListContents(&docs); len(got.Files) != 0 {
		t.Errorf("trashed file still in Docs: %+v", got.Files)
	}
	if got := s.ListTrash(); len(got.Files) != 1 || got.Files[0].ID != f.ID {
		t.Errorf("ListTrash files = %+v", got.Files)
	}

	clock.Advance(31 * 24 * time.Hour)
	removed, err := s.CleanupTrash(30)
	if err != nil {
		t.Fatalf("CleanupTrash: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != f.ID || removed[0].RemoteRef != "ref-big" {
		t.Errorf("purge set = %+v", removed)
	}
}

func TestDeleteFolderCascadesOneLevel(t *testing.T) {
	s, _ := setupStore(t)

	a := mustFolder(t, s, "A", nil)
	b := mustFolder(t, s, "B", &a)
	f := mustFile(t, s, &a, "F", 7)
	inB := mustFile(t, s, &b, "G", 8)

	removed, err := s.DeleteFolder(a)
	if err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != f.ID {
		t.Errorf("removed = %+v; want only F", removed)
	}
	if _, ok := s.GetFolder(a); ok {
		t.Error("A still present")
	}
	if _, ok := s.GetFile(f.ID); ok {
		t.Error("F still present")
	}

	got, ok := s.GetFolder(b)
	if !ok {
		t.Fatal("B was removed; only one level should cascade")
	}
	if got.ParentID == nil || *got.ParentID != a {
		t.Errorf("B.ParentID = %v; want dangling %s", got.ParentID, a)
	}
	if _, ok := s.GetFile(inB.ID); !ok {
		t.Error("file inside B was removed")
	}
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	s, _ := setupStore(t)

	docs := mustFolder(t, s, "Docs", nil)
	f := mustFile(t, s, &docs, "a.txt", 42)
	s.ToggleStar(docs, true)
	s.TrashItem(f.ID, false)

	reopened, err := Open(s.Path())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	folder, ok := reopened.GetFolder(docs)
	if !ok || !folder.IsStarred || folder.Name != "Docs" {
		t.Errorf("folder after reopen = %+v, %v", folder, ok)
	}
	file, ok := reopened.GetFile(f.ID)
	if !ok || !file.Trashed || file.TrashedAt == nil || models.StrVal(file.FolderID) != docs {
		t.Errorf("file after reopen = %+v, %v", file, ok)
	}

	entries, _ := os.ReadDir(filepath.Dir(s.Path()))
	for _, e := range entries {
		if e.Name() != SnapshotFile {
			t.Errorf("leftover file in data dir: %s", e.Name())
		}
	}
}

func TestCorruptSnapshotIsPersistenceFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), SnapshotFile)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Open(path)
	if !errors.Is(err, apperr.ErrPersistence) {
		t.Errorf("Open corrupt snapshot: err = %v; want persistence failure", err)
	}
}

func TestWriteFailureIsRecoverable(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	s, err := Open(filepath.Join(dataDir, SnapshotFile))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// replace the data dir with a regular file so every write fails
	if err := os.WriteFile(dataDir, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	id, err := s.CreateFolder("Docs", nil)
	if !errors.Is(err, apperr.ErrPersistence) {
		t.Fatalf("CreateFolder err = %v; want persistence failure", err)
	}
	if _, ok := s.GetFolder(id); !ok {
		t.Error("in-memory mutation lost after failed write")
	}

	if err := os.Remove(dataDir); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush after recovery: %v", err)
	}
	reopened, err := Open(s.Path())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := reopened.GetFolder(id); !ok {
		t.Error("flushed folder missing after reopen")
	}
}

func TestConcurrentAccess(t *testing.T) {
	s, _ := setupStore(t)
	root := mustFolder(t, s, "root", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := s.AddFile(&root, "f", 1, "text/plain", ""); err != nil {
					t.Errorf("AddFile: %v", err)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				s.ListContents(&root)
				s.TotalUsage()
			}
		}()
	}
	wg.Wait()

	if got := len(s.ListContents(&root).Files); got != 80 {
		t.Errorf("files = %d; want 80", got)
	}
}
