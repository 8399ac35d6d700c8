package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/chmdznr/blobdrive/internal/apperr"
)

// MinioConfig locates the bucket that backs the drive.
type MinioConfig struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// MinioGateway stores blobs in an S3-compatible bucket.
type MinioGateway struct {
	client *minio.Client
	bucket string
	prefix string
	now    func() time.Time
	logger zerolog.Logger
}

// NewMinioGateway builds the client. No request is made until first use.
func NewMinioGateway(cfg MinioConfig, logger zerolog.Logger) (*MinioGateway, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, apperr.Errorf(apperr.KindInvalid, "minio gateway", "endpoint and bucket are required")
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Transport:    tr,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	return &MinioGateway{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		now:    time.Now,
		logger: logger.With().Str("component", "minio-gateway").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

func (g *MinioGateway) key(ref, name string) string {
	return path.Join(g.prefix, ref, name)
}

func (g *MinioGateway) refPrefix(ref string) string {
	return path.Join(g.prefix, ref) + "/"
}

// Ready checks that the bucket is reachable with the configured credentials.
func (g *MinioGateway) Ready(ctx context.Context) error {
	ok, err := g.client.BucketExists(ctx, g.bucket)
	if err != nil {
		return unready(fmt.Errorf("bucket %s: %w", g.bucket, err))
	}
	if !ok {
		return unready(fmt.Errorf("bucket %s does not exist", g.bucket))
	}
	return nil
}

// IsAuthorized reports whether Ready succeeds.
func (g *MinioGateway) IsAuthorized(ctx context.Context) bool {
	return g.Ready(ctx) == nil
}

// UploadPart puts one part object.
func (g *MinioGateway) UploadPart(ctx context.Context, uploadID string, partIndex, totalParts int, data []byte) error {
	if partIndex < 0 || partIndex >= totalParts {
		return apperr.Errorf(apperr.KindInvalid, "upload part", "part %d of %d", partIndex, totalParts)
	}
	if err := validateRef(uploadID); err != nil {
		return err
	}

	info, err := g.client.PutObject(ctx, g.bucket, g.key(uploadID, partName(partIndex)),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		g.logMinioError(err, uploadID, partIndex)
		return fmt.Errorf("put part %d: %w", partIndex, err)
	}
	if info.Size != int64(len(data)) {
		return fmt.Errorf("put part %d: stored %d bytes, sent %d", partIndex, info.Size, len(data))
	}
	return nil
}

// RegisterBlob verifies the part objects and writes the manifest.
func (g *MinioGateway) RegisterBlob(ctx context.Context, desc PartsDescriptor, filename, mimeType string) (string, error) {
	if err := validateRef(desc.UploadID); err != nil {
		return "", err
	}

	var size int64
	for i := 0; i < desc.TotalParts; i++ {
		info, err := g.client.StatObject(ctx, g.bucket, g.key(desc.UploadID, partName(i)), minio.StatObjectOptions{})
		if err != nil {
			return "", fmt.Errorf("register %s: part %d: %w", desc.UploadID, i, err)
		}
		size += info.Size
	}
	if size != desc.Size {
		return "", fmt.Errorf("register %s: parts hold %d bytes, want %d", desc.UploadID, size, desc.Size)
	}

	m := newManifest(desc, filename, mimeType, g.now())
	data, err := m.encode()
	if err != nil {
		return "", err
	}
	_, err = g.client.PutObject(ctx, g.bucket, g.key(desc.UploadID, manifestName),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"filename": m.Filename,
				"kind":     m.Kind,
			},
		})
	if err != nil {
		return "", fmt.Errorf("register %s: put manifest: %w", desc.UploadID, err)
	}

	g.logger.Debug().Str("ref", desc.UploadID).Int("parts", desc.TotalParts).Str("kind", m.Kind).Msg("blob registered")
	return desc.UploadID, nil
}

// FetchBlob reads the manifest and streams the parts in order.
func (g *MinioGateway) FetchBlob(ctx context.Context, remoteRef string) (io.ReadCloser, error) {
	if err := validateRef(remoteRef); err != nil {
		return nil, err
	}

	obj, err := g.client.GetObject(ctx, g.bucket, g.key(remoteRef, manifestName), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", remoteRef, err)
	}
	data, err := io.ReadAll(obj)
	obj.Close()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, apperr.Errorf(apperr.KindNotFound, "fetch blob", "blob %s", remoteRef)
		}
		return nil, fmt.Errorf("fetch %s: manifest: %w", remoteRef, err)
	}
	m, err := decodeManifest(data)
	if err != nil {
		return nil, err
	}

	return &partReader{
		ctx:   ctx,
		total: m.Parts,
		open: func(i int) (io.ReadCloser, error) {
			return g.client.GetObject(ctx, g.bucket, g.key(remoteRef, partName(i)), minio.GetObjectOptions{})
		},
	}, nil
}

// DeleteRecords removes every object under each ref prefix.
func (g *MinioGateway) DeleteRecords(ctx context.Context, remoteRefs []string) error {
	objects := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)

	go func() {
		defer close(objects)
		for _, ref := range remoteRefs {
			if err := validateRef(ref); err != nil {
				listErr <- err
				return
			}
			if err := g.feedRef(ctx, ref, objects); err != nil {
				listErr <- err
				return
			}
		}
	}()

	var errs []error
	for rerr := range g.client.RemoveObjects(ctx, g.bucket, objects, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("remove %s: %w", rerr.ObjectName, rerr.Err))
	}
	select {
	case err := <-listErr:
		errs = append(errs, err)
	default:
	}
	return errors.Join(errs...)
}

// feedRef sends the objects under ref to out. Returning early cancels the
// listing so the client's producer goroutine exits.
func (g *MinioGateway) feedRef(ctx context.Context, ref string, out chan<- minio.ObjectInfo) error {
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range g.client.ListObjects(listCtx, g.bucket, minio.ListObjectsOptions{
		Prefix:    g.refPrefix(ref),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return fmt.Errorf("list %s: %w", ref, obj.Err)
		}
		select {
		case out <- obj:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ListRefs groups the objects under the prefix by upload id.
func (g *MinioGateway) ListRefs(ctx context.Context) ([]RefInfo, error) {
	root := ""
	if g.prefix != "" {
		root = g.prefix + "/"
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	byRef := make(map[string]*RefInfo)
	var order []string
	for obj := range g.client.ListObjects(listCtx, g.bucket, minio.ListObjectsOptions{Prefix: root, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		rest := strings.TrimPrefix(obj.Key, root)
		ref, name, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		info, seen := byRef[ref]
		if !seen {
			info = &RefInfo{Ref: ref}
			byRef[ref] = info
			order = append(order, ref)
		}
		if name == manifestName {
			info.Registered = true
		}
		if obj.LastModified.After(info.ModTime) {
			info.ModTime = obj.LastModified
		}
	}

	refs := make([]RefInfo, 0, len(order))
	for _, ref := range order {
		refs = append(refs, *byRef[ref])
	}
	return refs, nil
}

func (g *MinioGateway) logMinioError(err error, uploadID string, partIndex int) {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return
	}
	g.logger.Warn().
		Str("upload_id", uploadID).
		Int("part", partIndex).
		Str("code", resp.Code).
		Str("key", resp.Key).
		Msg(resp.Message)
}
