// Package memory implements an in-memory blob Store for tests and ephemeral runs.
package memory

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // etag parity with S3, not a security boundary
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"donationcore/internal/blob/core"
)

var _ core.Store = (*Store)(nil)

type object struct {
	info core.Info
	data []byte
}

// Store keeps blobs in a mutex-guarded map.
type Store struct {
	mu   sync.RWMutex
	objs map[string]object
	now  func() time.Time
}

// New returns an empty in-memory blob store.
func New() *Store {
	return &Store{objs: make(map[string]object), now: func() time.Time { return time.Now().UTC() }}
}

// Driver returns the blob driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Put stores a new blob; an existing key yields core.ErrExists.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	if err := ctx.Err(); err != nil {
		return core.Info{}, err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return core.Info{}, fmt.Errorf("read blob %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objs[key]; exists {
		return core.Info{}, fmt.Errorf("put %s: %w", key, core.ErrExists)
	}
	sum := md5.Sum(b) //nolint:gosec
	info := core.Info{
		Key:          key,
		Size:         int64(len(b)),
		ContentType:  opts.ContentType,
		ETag:         hex.EncodeToString(sum[:]),
		Metadata:     core.CloneMetadata(opts.Metadata),
		LastModified: s.now(),
	}
	s.objs[key] = object{info: info, data: b}
	return copyInfo(info), nil
}

// Get returns blob metadata and a reader over a private copy of its content.
func (s *Store) Get(_ context.Context, key string) (core.Info, io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objs[key]
	s.mu.RUnlock()
	if !ok {
		return core.Info{}, nil, fmt.Errorf("get %s: %w", key, core.ErrNotFound)
	}
	return copyInfo(obj.info), io.NopCloser(bytes.NewReader(bytes.Clone(obj.data))), nil
}

// Head returns blob metadata only.
func (s *Store) Head(_ context.Context, key string) (core.Info, error) {
	s.mu.RLock()
	obj, ok := s.objs[key]
	s.mu.RUnlock()
	if !ok {
		return core.Info{}, fmt.Errorf("head %s: %w", key, core.ErrNotFound)
	}
	return copyInfo(obj.info), nil
}

// List returns blobs whose key starts with prefix, ordered by key.
func (s *Store) List(_ context.Context, prefix string) ([]core.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Info, 0, len(s.objs))
	for k, v := range s.objs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, copyInfo(v.info))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func copyInfo(in core.Info) core.Info {
	in.Metadata = core.CloneMetadata(in.Metadata)
	return in
}
