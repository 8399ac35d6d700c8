package models

import "time"

// FileMetadata is the local index row for one blob stored remotely.
type FileMetadata struct {
	ID        string     `json:"id"`
	FolderID  *string    `json:"folder_id"`
	Name      string     `json:"name"`
	Size      int64      `json:"size"`
	MimeType  string     `json:"mime_type"`
	RemoteRef string     `json:"remote_ref"`
	CreatedAt time.Time  `json:"created_at"`
	Trashed   bool       `json:"trashed"`
	TrashedAt *time.Time `json:"trashed_at,omitempty"`
	IsStarred bool       `json:"is_starred"`
}

// InFolder reports whether the file sits directly under folderID (nil = root).
func (f *FileMetadata) InFolder(folderID *string) bool {
	return sameRef(f.FolderID, folderID)
}
