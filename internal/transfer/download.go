package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chmdznr/blobdrive/internal/apperr"
)

// Download writes the blob of fileID to dest. Bytes go to a temp file in
// the destination directory that is renamed into place once complete.
func (c *Coordinator) Download(ctx context.Context, fileID, dest string) error {
	started := time.Now()
	n, err := c.download(ctx, fileID, dest)

	transfersTotal.WithLabelValues(directionDownload, resultLabel(err)).Inc()
	transferDuration.WithLabelValues(directionDownload).Observe(time.Since(started).Seconds())
	if err != nil {
		c.logger.Error().Err(err).Str("file_id", fileID).Str("dest", dest).Msg("download failed")
		return err
	}
	c.logger.Info().Str("file_id", fileID).Str("dest", dest).Int64("bytes", n).Msg("download complete")
	return nil
}

func (c *Coordinator) download(ctx context.Context, fileID, dest string) (int64, error) {
	const op = "download"

	file, ok := c.st.GetFile(fileID)
	if !ok {
		return 0, apperr.Errorf(apperr.KindNotFound, op, "file %s", fileID)
	}
	if err := c.ready(ctx); err != nil {
		return 0, err
	}

	rc, err := c.gw.FetchBlob(ctx, file.RemoteRef)
	if err != nil {
		return 0, asPartTransfer("fetch blob", err)
	}
	defer rc.Close()

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, apperr.New(apperr.KindPartTransfer, op, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return 0, apperr.New(apperr.KindPartTransfer, op, err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (int64, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, asPartTransfer(op, err)
	}

	n, err := io.Copy(tmp, rc)
	if err != nil {
		return fail(fmt.Errorf("copy %s: %w", file.RemoteRef, err))
	}
	if n != file.Size {
		return fail(fmt.Errorf("blob %s holds %d bytes, index says %d", file.RemoteRef, n, file.Size))
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, apperr.New(apperr.KindPartTransfer, op, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return 0, apperr.New(apperr.KindPartTransfer, op, err)
	}

	transferBytesTotal.WithLabelValues(directionDownload).Add(float64(n))
	return n, nil
}

// Preview returns a local path holding the content of fileID, downloading
// it into the scratch cache on a miss. Entries are keyed by file id, so two
// files that share a name never alias.
func (c *Coordinator) Preview(ctx context.Context, fileID string) (string, error) {
	file, ok := c.st.GetFile(fileID)
	if !ok {
		return "", apperr.Errorf(apperr.KindNotFound, "preview", "file %s", fileID)
	}

	key := previewKey(file.ID, file.Name)
	path := filepath.Join(c.opts.CacheDir, key)

	if cached, ok := c.previews.Get(key); ok {
		if _, err := os.Stat(cached); err == nil {
			previewHitsTotal.Inc()
			return cached, nil
		}
		c.previews.Remove(key)
	} else if info, err := os.Stat(path); err == nil && info.Size() == file.Size {
		// left over from an earlier run
		previewHitsTotal.Inc()
		c.previews.Add(key, path)
		return path, nil
	}

	previewMissesTotal.Inc()
	if err := c.Download(ctx, fileID, path); err != nil {
		return "", err
	}
	c.previews.Add(key, path)
	return path, nil
}

// PurgePreviews drops every cached preview, including files left in the
// cache directory by earlier runs.
func (c *Coordinator) PurgePreviews() error {
	c.previews.Purge()
	if err := os.RemoveAll(c.opts.CacheDir); err != nil {
		return apperr.New(apperr.KindPersistence, "purge previews", err)
	}
	return nil
}

func (c *Coordinator) evictPreview(key, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn().Err(err).Str("key", key).Msg("evict preview failed")
	}
}

func previewKey(id, name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
	return id + "-" + name
}

func (c *Coordinator) ready(ctx context.Context) error {
	err := c.gw.Ready(ctx)
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) == apperr.KindUnready {
		return err
	}
	return apperr.New(apperr.KindUnready, "remote", err)
}
