// Package transfer moves file bytes between local sources and the blob
// service. Uploads are cut into fixed-size parts read sequentially and sent
// with bounded parallelism; a file row is added to the index only after
// every part and the final registration succeeded.
package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/chmdznr/blobdrive/internal/apperr"
	"github.com/chmdznr/blobdrive/internal/remote"
	"github.com/chmdznr/blobdrive/internal/store"
	"github.com/chmdznr/blobdrive/pkg/models"
)

const (
	DefaultPartSize     = 512 * 1024
	DefaultBigThreshold = 10 * 1024 * 1024
	DefaultConcurrency  = 16
	DefaultCacheSize    = 64
	DefaultCacheTTL     = time.Hour
)

// Journal records upload attempts. *db.DB implements it.
type Journal interface {
	StartTransfer(rec models.TransferRecord) error
	FinishTransfer(id, remoteRef string) error
	FailTransfer(id string, cause error) error
}

// Options tunes the coordinator. Zero values take the defaults.
type Options struct {
	PartSize     int64
	BigThreshold int64
	Concurrency  int

	CacheDir  string
	CacheSize int
	CacheTTL  time.Duration

	Journal Journal
}

// DefaultOptions returns the stock part size, threshold and concurrency.
func DefaultOptions() Options {
	return Options{
		PartSize:     DefaultPartSize,
		BigThreshold: DefaultBigThreshold,
		Concurrency:  DefaultConcurrency,
		CacheSize:    DefaultCacheSize,
		CacheTTL:     DefaultCacheTTL,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PartSize <= 0 {
		o.PartSize = d.PartSize
	}
	if o.BigThreshold <= 0 {
		o.BigThreshold = d.BigThreshold
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.CacheSize <= 0 {
		o.CacheSize = d.CacheSize
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = d.CacheTTL
	}
	if o.CacheDir == "" {
		o.CacheDir = filepath.Join(os.TempDir(), "blobdrive-preview")
	}
	return o
}

// UploadRequest describes one source to upload. ID is the upload id and
// defaults to a fresh uuid.
type UploadRequest struct {
	ID         string
	Name       string
	MimeType   string
	Size       int64
	FolderID   *string
	SourcePath string
}

// Coordinator runs uploads, downloads and previews.
type Coordinator struct {
	gw   remote.Gateway
	st   *store.Store
	opts Options

	previews *expirable.LRU[string, string]
	logger   zerolog.Logger
}

// New builds a Coordinator.
func New(gw remote.Gateway, st *store.Store, opts Options, logger zerolog.Logger) *Coordinator {
	opts = opts.withDefaults()
	c := &Coordinator{
		gw:     gw,
		st:     st,
		opts:   opts,
		logger: logger.With().Str("component", "transfer").Logger(),
	}
	c.previews = expirable.NewLRU[string, string](opts.CacheSize, c.evictPreview, opts.CacheTTL)
	return c
}

// Options returns the effective options.
func (c *Coordinator) Options() Options { return c.opts }

// PartCount is ceil(size/partSize).
func PartCount(size, partSize int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + partSize - 1) / partSize)
}

// UploadFile uploads a local file into folderID.
func (c *Coordinator) UploadFile(ctx context.Context, path string, folderID *string, rep Reporter) (models.FileMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.FileMetadata{}, apperr.New(apperr.KindInvalid, "upload file", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return models.FileMetadata{}, apperr.New(apperr.KindInvalid, "upload file", err)
	}
	if info.IsDir() {
		return models.FileMetadata{}, apperr.Errorf(apperr.KindInvalid, "upload file", "%s is a directory", path)
	}

	return c.Upload(ctx, f, UploadRequest{
		Name:       info.Name(),
		MimeType:   MimeTypeOf(info.Name()),
		Size:       info.Size(),
		FolderID:   folderID,
		SourcePath: path,
	}, rep)
}

// MimeTypeOf guesses a MIME type from the file extension.
func MimeTypeOf(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Upload sends exactly req.Size bytes from src and adds the file row.
func (c *Coordinator) Upload(ctx context.Context, src io.Reader, req UploadRequest, rep Reporter) (models.FileMetadata, error) {
	const op = "upload"
	if strings.TrimSpace(req.Name) == "" {
		return models.FileMetadata{}, apperr.Errorf(apperr.KindInvalid, op, "empty name")
	}
	if req.Size < 0 {
		return models.FileMetadata{}, apperr.Errorf(apperr.KindInvalid, op, "negative size %d", req.Size)
	}
	if req.FolderID != nil {
		if _, ok := c.st.GetFolder(*req.FolderID); !ok {
			return models.FileMetadata{}, apperr.Errorf(apperr.KindNotFound, op, "folder %s", *req.FolderID)
		}
	}
	if err := c.ready(ctx); err != nil {
		return models.FileMetadata{}, err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.MimeType == "" {
		req.MimeType = MimeTypeOf(req.Name)
	}

	totalParts := PartCount(req.Size, c.opts.PartSize)
	log := c.logger.With().
		Str("upload_id", req.ID).
		Str("name", req.Name).
		Int64("size", req.Size).
		Int("parts", totalParts).
		Logger()

	started := time.Now()
	c.journalStart(req, totalParts)

	file, err := c.upload(ctx, src, req, totalParts, rep)

	transfersTotal.WithLabelValues(directionUpload, resultLabel(err)).Inc()
	transferDuration.WithLabelValues(directionUpload).Observe(time.Since(started).Seconds())
	if err != nil {
		log.Error().Err(err).Msg("upload failed")
		c.journalFail(req.ID, err)
		return file, err
	}

	c.journalFinish(req.ID, file.RemoteRef)
	log.Info().
		Str("file_id", file.ID).
		Str("remote_ref", file.RemoteRef).
		Dur("took", time.Since(started)).
		Msg("upload complete")
	return file, nil
}

func (c *Coordinator) upload(ctx context.Context, src io.Reader, req UploadRequest, totalParts int, rep Reporter) (models.FileMetadata, error) {
	tracker := newProgressTracker(req.ID, req.Size, rep)

	checksum, err := c.sendParts(ctx, src, req.ID, req.Size, totalParts, tracker)
	if err != nil {
		return models.FileMetadata{}, err
	}

	desc := remote.PartsDescriptor{
		UploadID:   req.ID,
		TotalParts: totalParts,
		Big:        req.Size > c.opts.BigThreshold,
		Size:       req.Size,
		Checksum:   checksum,
	}
	ref, err := c.gw.RegisterBlob(ctx, desc, req.Name, req.MimeType)
	if err != nil {
		return models.FileMetadata{}, asPartTransfer("register blob", err)
	}
	tracker.done()

	return c.st.AddFile(req.FolderID, req.Name, req.Size, req.MimeType, ref)
}

// sendParts reads src sequentially and uploads the parts concurrently.
// A permit is taken before each part is read, so at most Concurrency parts
// are buffered. The first failure cancels the shared context before its
// permit is returned: parts that have not issued their remote call yet skip
// it, calls already in flight finish.
func (c *Coordinator) sendParts(ctx context.Context, src io.Reader, uploadID string, size int64, totalParts int, tracker *progressTracker) (string, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	reader := io.TeeReader(src, hash)

	partCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	sem := semaphore.NewWeighted(int64(c.opts.Concurrency))
	g, gctx := errgroup.WithContext(partCtx)

	for i := 0; i < totalParts; i++ {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}

		n := c.opts.PartSize
		if rest := size - int64(i)*c.opts.PartSize; rest < n {
			n = rest
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(reader, buf); err != nil {
			readErr := apperr.New(apperr.KindPartTransfer, fmt.Sprintf("read part %d", i), fmt.Errorf("source ended early: %w", err))
			cancel(readErr)
			sem.Release(1)
			g.Go(func() error { return readErr })
			break
		}

		index := i
		g.Go(func() error {
			err := c.sendPart(gctx, uploadID, index, totalParts, buf, tracker)
			if err != nil {
				cancel(err)
			}
			sem.Release(1)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		// siblings may report the cancellation before the failing part returns
		if cause := context.Cause(partCtx); cause != nil {
			err = cause
		}
		return "", asPartTransfer("upload parts", err)
	}
	if err := ctx.Err(); err != nil {
		return "", asPartTransfer("upload parts", err)
	}
	if sent := tracker.bytes(); sent != size {
		return "", apperr.Errorf(apperr.KindPartTransfer, "upload parts", "acknowledged %d of %d bytes", sent, size)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func (c *Coordinator) sendPart(ctx context.Context, uploadID string, index, totalParts int, buf []byte, tracker *progressTracker) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.gw.UploadPart(ctx, uploadID, index, totalParts, buf); err != nil {
		partsTotal.WithLabelValues("failed").Inc()
		return apperr.New(apperr.KindPartTransfer, fmt.Sprintf("upload part %d", index), err)
	}
	partsTotal.WithLabelValues("ok").Inc()
	transferBytesTotal.WithLabelValues(directionUpload).Add(float64(len(buf)))
	tracker.add(int64(len(buf)))
	return nil
}

// asPartTransfer keeps typed errors and classifies everything else as a
// part transfer failure.
func asPartTransfer(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.New(apperr.KindPartTransfer, op, err)
}

func (c *Coordinator) journalStart(req UploadRequest, parts int) {
	if c.opts.Journal == nil {
		return
	}
	err := c.opts.Journal.StartTransfer(models.TransferRecord{
		ID:         req.ID,
		SourcePath: req.SourcePath,
		Name:       req.Name,
		Size:       req.Size,
		Parts:      parts,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("upload_id", req.ID).Msg("journal start failed")
	}
}

func (c *Coordinator) journalFinish(id, ref string) {
	if c.opts.Journal == nil {
		return
	}
	if err := c.opts.Journal.FinishTransfer(id, ref); err != nil {
		c.logger.Warn().Err(err).Str("upload_id", id).Msg("journal finish failed")
	}
}

func (c *Coordinator) journalFail(id string, cause error) {
	if c.opts.Journal == nil {
		return
	}
	if err := c.opts.Journal.FailTransfer(id, cause); err != nil {
		c.logger.Warn().Err(err).Str("upload_id", id).Msg("journal fail failed")
	}
}
