package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chmdznr/blobdrive/internal/apperr"
)

// DirGateway stores blobs under a local directory, one sub-directory per
// upload id. It serves offline use and tests.
type DirGateway struct {
	root   string
	now    func() time.Time
	logger zerolog.Logger
}

// NewDirGateway returns a gateway rooted at root. The directory is created
// on first write; Ready fails while it cannot be created.
func NewDirGateway(root string, logger zerolog.Logger) *DirGateway {
	return &DirGateway{
		root:   root,
		now:    time.Now,
		logger: logger.With().Str("component", "dir-gateway").Logger(),
	}
}

// refDir resolves the directory of ref, refusing anything outside root.
func (g *DirGateway) refDir(ref string) (string, error) {
	if err := validateRef(ref); err != nil {
		return "", err
	}
	absRoot, err := filepath.Abs(g.root)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.Abs(filepath.Join(g.root, ref))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(resolved, absRoot+string(filepath.Separator)) {
		return "", apperr.Errorf(apperr.KindInvalid, "remote ref", "ref %q escapes root", ref)
	}
	return resolved, nil
}

// Ready checks that the root directory exists or can be created.
func (g *DirGateway) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return unready(err)
	}
	if err := os.MkdirAll(g.root, 0o755); err != nil {
		return unready(fmt.Errorf("blob dir %s: %w", g.root, err))
	}
	return nil
}

// IsAuthorized reports whether the directory is usable.
func (g *DirGateway) IsAuthorized(ctx context.Context) bool {
	return g.Ready(ctx) == nil
}

// UploadPart writes one part file atomically.
func (g *DirGateway) UploadPart(ctx context.Context, uploadID string, partIndex, totalParts int, data []byte) error {
	if partIndex < 0 || partIndex >= totalParts {
		return apperr.Errorf(apperr.KindInvalid, "upload part", "part %d of %d", partIndex, totalParts)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := g.refDir(uploadID)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, partName(partIndex)), data)
}

// RegisterBlob checks that every part is present and writes the manifest.
func (g *DirGateway) RegisterBlob(ctx context.Context, desc PartsDescriptor, filename, mimeType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := g.refDir(desc.UploadID)
	if err != nil {
		return "", err
	}

	var size int64
	for i := 0; i < desc.TotalParts; i++ {
		info, err := os.Stat(filepath.Join(dir, partName(i)))
		if err != nil {
			return "", fmt.Errorf("register %s: part %d: %w", desc.UploadID, i, err)
		}
		size += info.Size()
	}
	if size != desc.Size {
		return "", fmt.Errorf("register %s: parts hold %d bytes, want %d", desc.UploadID, size, desc.Size)
	}

	data, err := newManifest(desc, filename, mimeType, g.now()).encode()
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(dir, manifestName), data); err != nil {
		return "", fmt.Errorf("register %s: %w", desc.UploadID, err)
	}

	g.logger.Debug().Str("ref", desc.UploadID).Int("parts", desc.TotalParts).Msg("blob registered")
	return desc.UploadID, nil
}

// FetchBlob returns a reader over the parts in order.
func (g *DirGateway) FetchBlob(ctx context.Context, remoteRef string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := g.refDir(remoteRef)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.Errorf(apperr.KindNotFound, "fetch blob", "blob %s", remoteRef)
	}
	if err != nil {
		return nil, err
	}
	m, err := decodeManifest(data)
	if err != nil {
		return nil, err
	}

	return &partReader{
		ctx:   ctx,
		total: m.Parts,
		open: func(i int) (io.ReadCloser, error) {
			return os.Open(filepath.Join(dir, partName(i)))
		},
	}, nil
}

// DeleteRecords removes the directories of refs. Missing refs are skipped;
// the first failure is returned after every ref was attempted.
func (g *DirGateway) DeleteRecords(ctx context.Context, remoteRefs []string) error {
	var errs []error
	for _, ref := range remoteRefs {
		if err := ctx.Err(); err != nil {
			return err
		}
		dir, err := g.refDir(ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", ref, err))
		}
	}
	return errors.Join(errs...)
}

// ListRefs enumerates every upload directory.
func (g *DirGateway) ListRefs(ctx context.Context) ([]RefInfo, error) {
	entries, err := os.ReadDir(g.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	refs := make([]RefInfo, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		_, statErr := os.Stat(filepath.Join(g.root, e.Name(), manifestName))
		refs = append(refs, RefInfo{
			Ref:        e.Name(),
			Registered: statErr == nil,
			ModTime:    info.ModTime(),
		})
	}
	return refs, nil
}

// writeFileAtomic writes data to path through a temp file in the same dir.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".blob-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// partReader concatenates parts, opening each one lazily.
type partReader struct {
	ctx   context.Context
	total int
	next  int
	cur   io.ReadCloser
	open  func(int) (io.ReadCloser, error)
}

func (r *partReader) Read(p []byte) (int, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}
		if r.cur == nil {
			if r.next >= r.total {
				return 0, io.EOF
			}
			rc, err := r.open(r.next)
			if err != nil {
				return 0, fmt.Errorf("open part %d: %w", r.next, err)
			}
			r.cur = rc
			r.next++
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *partReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}
