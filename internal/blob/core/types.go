// Package core defines the blob storage contract used by the webhook payload
// archive and its backends.
package core

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	// DriverFilesystem stores blobs under a local directory.
	DriverFilesystem Driver = "fs"
	// DriverS3 targets AWS S3 or a compatible endpoint such as MinIO.
	DriverS3 Driver = "s3"
	// DriverMemory keeps blobs in process memory (tests, ephemeral runs).
	DriverMemory Driver = "memory"
)

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is a create-only object store. Put never overwrites; a second Put for
// the same key returns ErrExists.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

var (
	// ErrExists is returned by Put when the key is already stored.
	ErrExists = errors.New("blob already exists")
	// ErrNotFound is returned by Get and Head for unknown keys.
	ErrNotFound = errors.New("blob not found")
)

// CloneMetadata copies user metadata so callers never share maps with a store.
func CloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
