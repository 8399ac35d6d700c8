// Package remotetest provides an in-memory remote.Gateway for tests.
package remotetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/chmdznr/blobdrive/internal/apperr"
	"github.com/chmdznr/blobdrive/internal/remote"
)

// Fake stores parts and blobs in memory and records every call.
type Fake struct {
	mu sync.Mutex

	parts   map[string]map[int][]byte
	blobs   map[string][]byte
	descs   map[string]remote.PartsDescriptor
	modTime map[string]time.Time

	partCalls   int
	inFlight    int
	maxInFlight int
	deleteCalls [][]string

	notReady    bool
	deleteErr   error
	registerErr error

	// FailPart, when set, is consulted before a part is stored.
	FailPart func(uploadID string, index int) error
	// PartDelay slows every part upload down.
	PartDelay time.Duration
	// Now stamps refs; defaults to time.Now.
	Now func() time.Time
}

var (
	_ remote.Gateway = (*Fake)(nil)
	_ remote.Session = (*Fake)(nil)
	_ remote.Lister  = (*Fake)(nil)
)

// NewFake returns an empty, ready gateway.
func NewFake() *Fake {
	return &Fake{
		parts:   make(map[string]map[int][]byte),
		blobs:   make(map[string][]byte),
		descs:   make(map[string]remote.PartsDescriptor),
		modTime: make(map[string]time.Time),
		Now:     time.Now,
	}
}

// SetReady toggles readiness.
func (f *Fake) SetReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notReady = !ready
}

// SetDeleteError makes DeleteRecords fail with err (nil to heal).
func (f *Fake) SetDeleteError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr = err
}

// SetRegisterError makes RegisterBlob fail with err.
func (f *Fake) SetRegisterError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerErr = err
}

func (f *Fake) Ready(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notReady {
		return apperr.Errorf(apperr.KindUnready, "remote", "fake gateway offline")
	}
	return nil
}

func (f *Fake) IsAuthorized(ctx context.Context) bool {
	return f.Ready(ctx) == nil
}

func (f *Fake) UploadPart(ctx context.Context, uploadID string, partIndex, totalParts int, data []byte) error {
	f.mu.Lock()
	f.partCalls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay, fail := f.PartDelay, f.FailPart
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(uploadID, partIndex); err != nil {
			return err
		}
	}
	if partIndex < 0 || partIndex >= totalParts {
		return fmt.Errorf("part %d of %d", partIndex, totalParts)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.parts[uploadID][partIndex]; ok {
		return fmt.Errorf("part %d of %s uploaded twice", partIndex, uploadID)
	}
	if f.parts[uploadID] == nil {
		f.parts[uploadID] = make(map[int][]byte)
	}
	f.parts[uploadID][partIndex] = bytes.Clone(data)
	f.modTime[uploadID] = f.Now()
	return nil
}

func (f *Fake) RegisterBlob(ctx context.Context, desc remote.PartsDescriptor, filename, mimeType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.registerErr != nil {
		return "", f.registerErr
	}
	var blob []byte
	for i := 0; i < desc.TotalParts; i++ {
		part, ok := f.parts[desc.UploadID][i]
		if !ok {
			return "", fmt.Errorf("register %s: part %d missing", desc.UploadID, i)
		}
		blob = append(blob, part...)
	}
	if int64(len(blob)) != desc.Size {
		return "", fmt.Errorf("register %s: %d bytes, want %d", desc.UploadID, len(blob), desc.Size)
	}
	f.blobs[desc.UploadID] = blob
	f.descs[desc.UploadID] = desc
	f.modTime[desc.UploadID] = f.Now()
	return desc.UploadID, nil
}

func (f *Fake) FetchBlob(ctx context.Context, remoteRef string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, ok := f.blobs[remoteRef]
	if !ok {
		return nil, apperr.Errorf(apperr.KindNotFound, "fetch blob", "blob %s", remoteRef)
	}
	return io.NopCloser(bytes.NewReader(blob)), nil
}

func (f *Fake) DeleteRecords(ctx context.Context, remoteRefs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleteCalls = append(f.deleteCalls, append([]string(nil), remoteRefs...))
	if f.notReady {
		return errors.New("fake gateway offline")
	}
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for _, ref := range remoteRefs {
		delete(f.blobs, ref)
		delete(f.parts, ref)
		delete(f.descs, ref)
		delete(f.modTime, ref)
	}
	return nil
}

func (f *Fake) ListRefs(ctx context.Context) ([]remote.RefInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	refs := make([]remote.RefInfo, 0, len(f.modTime))
	for ref, mod := range f.modTime {
		_, registered := f.blobs[ref]
		refs = append(refs, remote.RefInfo{Ref: ref, Registered: registered, ModTime: mod})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Ref < refs[j].Ref })
	return refs, nil
}

// PutBlob stores a registered blob directly.
func (f *Fake) PutBlob(ref string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[ref] = bytes.Clone(data)
	f.modTime[ref] = f.Now()
}

// Has reports whether ref holds parts or a blob.
func (f *Fake) Has(ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.modTime[ref]
	return ok
}

// Blob returns a registered blob.
func (f *Fake) Blob(ref string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[ref]
	return b, ok
}

// Descriptor returns the descriptor a blob was registered with.
func (f *Fake) Descriptor(ref string) (remote.PartsDescriptor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.descs[ref]
	return d, ok
}

// PartCalls counts UploadPart calls, failed ones included.
func (f *Fake) PartCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.partCalls
}

// StoredParts counts parts held for uploadID.
func (f *Fake) StoredParts(uploadID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.parts[uploadID])
}

// MaxInFlight is the highest number of concurrent UploadPart calls seen.
func (f *Fake) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// DeleteCalls returns the ref batches passed to DeleteRecords.
func (f *Fake) DeleteCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.deleteCalls))
	copy(out, f.deleteCalls)
	return out
}
