package models

import "time"

// Folder is a node of the local hierarchy. ParentID references another
// Folder by id and is nil for top-level folders.
type Folder struct {
	ID        string     `json:"id"`
	ParentID  *string    `json:"parent_id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	Trashed   bool       `json:"trashed"`
	TrashedAt *time.Time `json:"trashed_at,omitempty"`
	IsStarred bool       `json:"is_starred"`
}

// InFolder reports whether the folder sits directly under parentID (nil = root).
func (f *Folder) InFolder(parentID *string) bool {
	return sameRef(f.ParentID, parentID)
}

// Listing is the (folders, files) pair returned by every listing operation.
type Listing struct {
	Folders []Folder       `json:"folders"`
	Files   []FileMetadata `json:"files"`
}

// Empty reports whether the listing holds nothing.
func (l Listing) Empty() bool {
	return len(l.Folders) == 0 && len(l.Files) == 0
}

// Transfer statuses recorded in the transfer journal.
const (
	TransferPending  = "pending"
	TransferUploaded = "uploaded"
	TransferFailed   = "failed"
)

// TransferRecord is one row of the upload journal.
type TransferRecord struct {
	ID         string
	SourcePath string
	Name       string
	Size       int64
	Parts      int
	Status     string
	RemoteRef  string
	LastError  string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Tombstone is a remote reference whose blob still has to be deleted
// remotely after the local row is already gone.
type Tombstone struct {
	RemoteRef string
	Name      string
	Size      int64
	Reason    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StrPtr returns a pointer to s, or nil when s is empty.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StrVal dereferences p, returning "" for nil.
func StrVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
