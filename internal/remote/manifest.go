package remote

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Manifest is the object written by RegisterBlob next to the parts.
type Manifest struct {
	UploadID  string    `json:"upload_id"`
	Kind      string    `json:"kind"` // "big" or "small"
	Parts     int       `json:"parts"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum,omitempty"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mime_type"`
	CreatedAt time.Time `json:"created_at"`
}

func newManifest(desc PartsDescriptor, filename, mimeType string, now time.Time) *Manifest {
	kind := "small"
	if desc.Big {
		kind = "big"
	}
	return &Manifest{
		UploadID:  desc.UploadID,
		Kind:      kind,
		Parts:     desc.TotalParts,
		Size:      desc.Size,
		Checksum:  desc.Checksum,
		Filename:  sanitizePath(filename),
		MimeType:  mimeType,
		CreatedAt: now.UTC(),
	}
}

func (m *Manifest) encode() ([]byte, error) {
	return json.Marshal(m)
}

func decodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Parts < 0 || m.Size < 0 {
		return nil, fmt.Errorf("decode manifest: negative parts or size")
	}
	return &m, nil
}

// sanitizePath makes a name safe to store as object metadata: backslashes
// become slashes, each segment is query-escaped with & and + spelled out,
// and repeated slashes collapse.
func sanitizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")

	segments := strings.Split(path, "/")
	for i, segment := range segments {
		// decode first so already-escaped input is not escaped twice
		if decoded, err := url.QueryUnescape(segment); err == nil {
			segment = decoded
		}
		segment = strings.ReplaceAll(segment, "&", "and")
		segment = strings.ReplaceAll(segment, "+", "plus")
		segments[i] = url.QueryEscape(segment)
	}

	sanitized := strings.Join(segments, "/")
	for strings.Contains(sanitized, "//") {
		sanitized = strings.ReplaceAll(sanitized, "//", "/")
	}
	return sanitized
}
