package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"donationcore/internal/blob"
)

// ArchiveKey returns the blob key for an event received at t.
func ArchiveKey(eventID string, t time.Time) string {
	return fmt.Sprintf("webhooks/%s/%s.json", t.UTC().Format("2006/01/02"), eventID)
}

// Archiver stores verified raw payloads. Redeliveries of an archived event
// are not rewritten.
type Archiver struct {
	store blob.Store
}

// NewArchiver wraps store.
func NewArchiver(store blob.Store) *Archiver {
	return &Archiver{store: store}
}

// Archive writes payload under ArchiveKey. An existing blob is left alone.
func (a *Archiver) Archive(ctx context.Context, event Event, payload []byte, receivedAt time.Time) (string, error) {
	key := ArchiveKey(event.ID, receivedAt)
	_, err := a.store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"event-type": event.Type},
	})
	if err != nil && !errors.Is(err, blob.ErrExists) {
		return key, fmt.Errorf("archive event %s: %w", event.ID, err)
	}
	return key, nil
}

// List returns the archived blobs under prefix, oldest first.
func (a *Archiver) List(ctx context.Context, prefix string) ([]blob.Info, error) {
	infos, err := a.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list archive %q: %w", prefix, err)
	}
	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].LastModified.Equal(infos[j].LastModified) {
			return infos[i].LastModified.Before(infos[j].LastModified)
		}
		return infos[i].Key < infos[j].Key
	})
	return infos, nil
}

// Load reads back the payload archived under key.
func (a *Archiver) Load(ctx context.Context, key string) ([]byte, error) {
	_, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load archived %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()
	payload, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read archived %s: %w", key, err)
	}
	return payload, nil
}
