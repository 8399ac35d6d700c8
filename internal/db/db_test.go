package db

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chmdznr/blobdrive/pkg/models"
)

func setupLedger(t *testing.T) *DB {
	t.Helper()

	ledger, err := New(filepath.Join(t.TempDir(), "nested", LedgerFile))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func pendingRefs(t *testing.T, ledger *DB) []string {
	t.Helper()
	stones, err := ledger.PendingTombstones()
	if err != nil {
		t.Fatalf("PendingTombstones: %v", err)
	}
	refs := make([]string, 0, len(stones))
	for _, s := range stones {
		refs = append(refs, s.RemoteRef)
	}
	return refs
}

func TestTombstoneLifecycle(t *testing.T) {
	ledger := setupLedger(t)

	err := ledger.AddTombstones([]models.Tombstone{
		{RemoteRef: "ref-a", Name: "a.txt", Size: 10, Reason: "purge"},
		{RemoteRef: "ref-b", Name: "b.txt", Size: 20, Reason: "purge"},
		{RemoteRef: ""},
	})
	if err != nil {
		t.Fatalf("AddTombstones: %v", err)
	}

	if got := pendingRefs(t, ledger); len(got) != 2 {
		t.Fatalf("pending = %v; want 2 refs", got)
	}

	if err := ledger.MarkTombstonesFailed([]string{"ref-a"}, errors.New("remote offline")); err != nil {
		t.Fatalf("MarkTombstonesFailed: %v", err)
	}
	if err := ledger.MarkTombstonesFailed([]string{"ref-a"}, errors.New("still offline")); err != nil {
		t.Fatalf("MarkTombstonesFailed: %v", err)
	}

	stones, _ := ledger.PendingTombstones()
	for _, s := range stones {
		if s.RemoteRef != "ref-a" {
			continue
		}
		if s.Attempts != 2 || s.LastError != "still offline" {
			t.Errorf("ref-a attempts=%d last_error=%q", s.Attempts, s.LastError)
		}
		if s.Name != "a.txt" || s.Size != 10 {
			t.Errorf("ref-a name=%q size=%d", s.Name, s.Size)
		}
	}

	if err := ledger.MarkTombstonesDone([]string{"ref-a"}); err != nil {
		t.Fatalf("MarkTombstonesDone: %v", err)
	}
	if got := pendingRefs(t, ledger); len(got) != 1 || got[0] != "ref-b" {
		t.Errorf("pending after done = %v; want [ref-b]", got)
	}

	// a closed ref can be owed again
	if err := ledger.AddTombstones([]models.Tombstone{{RemoteRef: "ref-a"}}); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if got := pendingRefs(t, ledger); len(got) != 2 {
		t.Errorf("pending after re-add = %v; want 2 refs", got)
	}
}

func TestAddTombstoneKeepsAttempts(t *testing.T) {
	ledger := setupLedger(t)

	ledger.AddTombstones([]models.Tombstone{{RemoteRef: "ref"}})
	ledger.MarkTombstonesFailed([]string{"ref"}, errors.New("boom"))
	ledger.AddTombstones([]models.Tombstone{{RemoteRef: "ref"}})

	stones, err := ledger.PendingTombstones()
	if err != nil {
		t.Fatal(err)
	}
	if len(stones) != 1 || stones[0].Attempts != 1 {
		t.Errorf("stones = %+v; want one with 1 attempt", stones)
	}
}

func TestTransferJournal(t *testing.T) {
	ledger := setupLedger(t)
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return clock }

	tests := []struct {
		id     string
		size   int64
		finish func(id string) error
		status string
	}{
		{"t1", 100, func(id string) error { return ledger.FinishTransfer(id, "remote-1") }, models.TransferUploaded},
		{"t2", 200, func(id string) error { return ledger.FailTransfer(id, errors.New("part 3 failed")) }, models.TransferFailed},
		{"t3", 300, nil, models.TransferPending},
	}

	for _, tt := range tests {
		err := ledger.StartTransfer(models.TransferRecord{ID: tt.id, Name: tt.id + ".bin", Size: tt.size, Parts: 1})
		if err != nil {
			t.Fatalf("StartTransfer(%s): %v", tt.id, err)
		}
		clock = clock.Add(time.Minute)
		if tt.finish != nil {
			if err := tt.finish(tt.id); err != nil {
				t.Fatalf("finish %s: %v", tt.id, err)
			}
		}
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rec, err := ledger.GetTransfer(tt.id)
			if err != nil {
				t.Fatalf("GetTransfer: %v", err)
			}
			if rec.Status != tt.status {
				t.Errorf("status = %q; want %q", rec.Status, tt.status)
			}
			if (rec.FinishedAt != nil) != (tt.finish != nil) {
				t.Errorf("finished_at = %v", rec.FinishedAt)
			}
		})
	}

	failed, _ := ledger.GetTransfer("t2")
	if failed.LastError != "part 3 failed" {
		t.Errorf("last_error = %q", failed.LastError)
	}
	uploaded, _ := ledger.GetTransfer("t1")
	if uploaded.RemoteRef != "remote-1" {
		t.Errorf("remote_ref = %q", uploaded.RemoteRef)
	}

	recent, err := ledger.RecentTransfers(2)
	if err != nil {
		t.Fatalf("RecentTransfers: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "t3" || recent[1].ID != "t2" {
		t.Errorf("recent = %+v; want t3, t2", recent)
	}

	if _, err := ledger.GetTransfer("missing"); err == nil {
		t.Error("GetTransfer(missing) returned no error")
	}
}

func TestFillStats(t *testing.T) {
	ledger := setupLedger(t)

	ledger.StartTransfer(models.TransferRecord{ID: "a", Name: "a", Size: 100})
	ledger.FinishTransfer("a", "ref-a")
	ledger.StartTransfer(models.TransferRecord{ID: "b", Name: "b", Size: 50})
	ledger.FinishTransfer("b", "ref-b")
	ledger.StartTransfer(models.TransferRecord{ID: "c", Name: "c", Size: 7})
	ledger.FailTransfer("c", nil)
	ledger.StartTransfer(models.TransferRecord{ID: "d", Name: "d", Size: 1})
	ledger.AddTombstones([]models.Tombstone{{RemoteRef: "x"}, {RemoteRef: "y"}})

	var stats models.Stats
	if err := ledger.FillStats(&stats); err != nil {
		t.Fatalf("FillStats: %v", err)
	}

	want := models.Stats{
		UploadedTransfers: 2,
		UploadedSize:      150,
		FailedTransfers:   1,
		PendingTransfers:  1,
		PendingTombstones: 2,
	}
	if stats != want {
		t.Errorf("stats = %+v; want %+v", stats, want)
	}
}

func TestLedgerReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), LedgerFile)

	ledger, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	ledger.AddTombstones([]models.Tombstone{{RemoteRef: "keep"}})
	ledger.Close()

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if got := pendingRefs(t, reopened); len(got) != 1 || got[0] != "keep" {
		t.Errorf("pending after reopen = %v", got)
	}
}
