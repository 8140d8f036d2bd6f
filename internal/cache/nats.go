package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	cierrors "blockci/internal/errors"
)

// ObjectBucket is the part of a JetStream object store the cache uses.
// jetstream.ObjectStore satisfies it.
type ObjectBucket interface {
	PutBytes(ctx context.Context, name string, data []byte) (*jetstream.ObjectInfo, error)
	GetBytes(ctx context.Context, name string, opts ...jetstream.GetObjectOpt) ([]byte, error)
	List(ctx context.Context, opts ...jetstream.ListObjectsOpt) ([]*jetstream.ObjectInfo, error)
}

// NATSStore keeps entries in a JetStream object store bucket, so runners
// on several hosts can share one cache. An object put is published with a
// single metadata message, which keeps overwrites atomic for readers.
type NATSStore struct {
	bucket  ObjectBucket
	conn    *nats.Conn
	timeout time.Duration
}

// NewNATSStore wraps an existing bucket.
func NewNATSStore(bucket ObjectBucket) *NATSStore {
	return &NATSStore{bucket: bucket, timeout: 30 * time.Second}
}

// DialNATSStore connects to url and opens (or creates) the named bucket.
func DialNATSStore(ctx context.Context, url, bucket string) (*NATSStore, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	obs, err := js.ObjectStore(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		obs, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "blockci build cache",
		})
		if err == nil {
			slog.Info("Created object store bucket for build cache", "bucket", bucket)
		}
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open object store %q: %w", bucket, err)
	}

	s := NewNATSStore(obs)
	s.conn = conn
	return s, nil
}

func (s *NATSStore) Get(ctx context.Context, candidates []string) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	infos, err := s.bucket.List(ctx)
	if errors.Is(err, jetstream.ErrNoObjectsFound) {
		return nil, nil
	}
	if err != nil {
		return nil, cierrors.StoreUnavailable("cache", err)
	}

	metas := make([]Meta, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.Deleted {
			continue
		}
		metas = append(metas, Meta{Key: info.Name, StoredAt: info.ModTime, Size: int64(info.Size)})
	}
	sel, ok := Select(candidates, metas)
	if !ok {
		return nil, nil
	}

	data, err := s.bucket.GetBytes(ctx, sel.Key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, cierrors.StoreUnavailable("cache", err)
	}
	return &Entry{Key: sel.Key, Data: data, StoredAt: sel.StoredAt}, nil
}

func (s *NATSStore) Put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.bucket.PutBytes(ctx, key, data); err != nil {
		return cierrors.StoreUnavailable("cache", err)
	}
	return nil
}

// Close closes the NATS connection when the store owns one.
func (s *NATSStore) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}
