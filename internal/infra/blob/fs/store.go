// Package fs implements a blob Store on the local filesystem.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"donationcore/internal/blob/core"
)

var _ core.Store = (*Store)(nil)

const (
	defaultRoot = "./blobdata"
	metaSuffix  = ".meta"
)

// Store maps keys to files under root. A JSON sidecar (<file>.meta) carries
// content type, user metadata and the sha256 etag.
type Store struct {
	root string
}

// New returns a filesystem store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		root = defaultRoot
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the directory blobs are written under.
func (s *Store) Root() string { return s.root }

// Driver returns the blob driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

type sidecar struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ETag        string            `json:"etag"`
	Size        int64             `json:"size"`
	WrittenAt   time.Time         `json:"written_at"`
}

func (m sidecar) info(key string) core.Info {
	return core.Info{
		Key:          key,
		Size:         m.Size,
		ContentType:  m.ContentType,
		ETag:         m.ETag,
		Metadata:     core.CloneMetadata(m.Metadata),
		LastModified: m.WrittenAt,
	}
}

// cleanKey rejects keys that would escape root.
func cleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.ToSlash(filepath.Clean(key)), nil
}

func (s *Store) paths(key string) (string, string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", "", err
	}
	data := filepath.Join(s.root, filepath.FromSlash(k))
	return data, data + metaSuffix, nil
}

// Put streams r into a temp file then renames it into place. Existing keys
// yield core.ErrExists.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	if err := ctx.Err(); err != nil {
		return core.Info{}, err
	}
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return core.Info{}, err
	}
	if _, err := os.Stat(dataPath); err == nil {
		return core.Info{}, fmt.Errorf("put %s: %w", key, core.ErrExists)
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o750); err != nil {
		return core.Info{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".tmp-*")
	if err != nil {
		return core.Info{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return core.Info{}, fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		return core.Info{}, err
	}
	meta := sidecar{
		ContentType: opts.ContentType,
		Metadata:    core.CloneMetadata(opts.Metadata),
		ETag:        hex.EncodeToString(h.Sum(nil)),
		Size:        size,
		WrittenAt:   time.Now().UTC(),
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return core.Info{}, err
	}
	if err := os.WriteFile(metaPath, b, 0o600); err != nil {
		return core.Info{}, err
	}
	return meta.info(key), nil
}

// Get opens the blob for reading.
func (s *Store) Get(_ context.Context, key string) (core.Info, io.ReadCloser, error) {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return core.Info{}, nil, err
	}
	f, err := os.Open(dataPath) //nolint:gosec // path is confined to root by cleanKey
	if errors.Is(err, iofs.ErrNotExist) {
		return core.Info{}, nil, fmt.Errorf("get %s: %w", key, core.ErrNotFound)
	}
	if err != nil {
		return core.Info{}, nil, err
	}
	meta, err := readSidecar(metaPath)
	if err != nil {
		_ = f.Close()
		return core.Info{}, nil, err
	}
	return meta.info(key), f, nil
}

// Head returns metadata from the sidecar.
func (s *Store) Head(_ context.Context, key string) (core.Info, error) {
	_, metaPath, err := s.paths(key)
	if err != nil {
		return core.Info{}, err
	}
	meta, err := readSidecar(metaPath)
	if errors.Is(err, iofs.ErrNotExist) {
		return core.Info{}, fmt.Errorf("head %s: %w", key, core.ErrNotFound)
	}
	if err != nil {
		return core.Info{}, err
	}
	return meta.info(key), nil
}

// List walks root collecting sidecars whose key has the prefix.
func (s *Store) List(_ context.Context, prefix string) ([]core.Info, error) {
	var out []core.Info
	err := filepath.WalkDir(s.root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(path, metaSuffix))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		meta, err := readSidecar(path)
		if err != nil {
			return err
		}
		out = append(out, meta.info(key))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func readSidecar(path string) (sidecar, error) {
	b, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return sidecar{}, err
	}
	var m sidecar
	if err := json.Unmarshal(b, &m); err != nil {
		return sidecar{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return m, nil
}
