// Package remote holds the contract with the blob service and two
// implementations of it: an S3/MinIO bucket and a plain directory.
//
// A blob is stored as its parts plus a manifest, all under one key prefix
// named after the upload id. The upload id doubles as the remote reference
// handed back by RegisterBlob.
package remote

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chmdznr/blobdrive/internal/apperr"
)

// Gateway moves bytes to and from the blob service.
type Gateway interface {
	// Ready returns an apperr.KindUnready error when the service cannot
	// be used right now.
	Ready(ctx context.Context) error
	// UploadPart stores part partIndex (0-based) of totalParts.
	UploadPart(ctx context.Context, uploadID string, partIndex, totalParts int, data []byte) error
	// RegisterBlob commits an upload whose parts are all acknowledged and
	// returns its remote reference.
	RegisterBlob(ctx context.Context, desc PartsDescriptor, filename, mimeType string) (string, error)
	// FetchBlob streams a registered blob.
	FetchBlob(ctx context.Context, remoteRef string) (io.ReadCloser, error)
	// DeleteRecords removes blobs. Unknown refs are not an error.
	DeleteRecords(ctx context.Context, remoteRefs []string) error
}

// Session reports whether the remote account is usable.
type Session interface {
	IsAuthorized(ctx context.Context) bool
}

// Lister is implemented by gateways that can enumerate stored blobs.
type Lister interface {
	ListRefs(ctx context.Context) ([]RefInfo, error)
}

// PartsDescriptor describes a fully uploaded set of parts.
type PartsDescriptor struct {
	UploadID   string
	TotalParts int
	Big        bool
	Size       int64
	Checksum   string // hex blake2b-256 of the whole blob
}

// RefInfo is one blob found on the remote side. Registered is false for a
// prefix that holds parts but no manifest (an aborted upload).
type RefInfo struct {
	Ref        string
	Registered bool
	ModTime    time.Time
}

const (
	manifestName = "manifest.json"
	partPrefix   = "part-"
)

func partName(index int) string {
	return fmt.Sprintf("%s%06d", partPrefix, index)
}

// validateRef rejects refs that would escape their key prefix.
func validateRef(ref string) error {
	if ref == "" || ref == "." || ref == ".." ||
		strings.ContainsAny(ref, "/\\\x00") {
		return apperr.Errorf(apperr.KindInvalid, "remote ref", "invalid ref %q", ref)
	}
	return nil
}

// unready wraps a readiness failure.
func unready(err error) error {
	return apperr.New(apperr.KindUnready, "remote", err)
}
