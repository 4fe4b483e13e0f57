// Package natskv implements storage.Store on a NATS JetStream KV bucket.
//
// Balances survive process restarts through the bucket; transient NATS
// failures are retried with backoff before surfacing.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	switcherrors "github.com/Kava-Labs/switch-api/errors"
	"github.com/Kava-Labs/switch-api/pkg/retry"
	"github.com/Kava-Labs/switch-api/storage"
)

// Options configures the store.
type Options struct {
	// Timeout bounds each KV operation. Defaults to 5s.
	Timeout time.Duration
	// Retry configures backoff for transient failures.
	Retry retry.Config
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() Options {
	return Options{
		Timeout: 5 * time.Second,
		Retry:   retry.Contended(),
	}
}

// Store is a storage.Store backed by one JetStream KV bucket.
type Store struct {
	bucket  jetstream.KeyValue
	options Options
}

var _ storage.Store = (*Store)(nil)

// New wraps an existing KV bucket.
func New(bucket jetstream.KeyValue, opts ...func(*Options)) *Store {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Store{bucket: bucket, options: options}
}

// Open connects to the named bucket on conn, creating it when absent.
func Open(ctx context.Context, conn *nats.Conn, bucketName string, opts ...func(*Options)) (*Store, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, switcherrors.WrapFatal(err, "natskv", "Open", "jetstream init")
	}

	bucket, err := js.KeyValue(ctx, bucketName)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		bucket, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucketName,
			Description: "switch uplink accounting state",
			History:     1,
		})
	}
	if err != nil {
		return nil, switcherrors.WrapFatal(err, "natskv", "Open", "bucket open")
	}

	return New(bucket, opts...), nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	entry, err := retry.DoWithResult(ctx, s.options.Retry, func() (jetstream.KeyValueEntry, error) {
		entry, err := s.bucket.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, retry.NonRetryable(switcherrors.ErrKeyNotFound)
		}
		return entry, err
	})
	if err != nil {
		if errors.Is(err, switcherrors.ErrKeyNotFound) {
			return nil, switcherrors.ErrKeyNotFound
		}
		return nil, switcherrors.WrapTransient(fmt.Errorf("kv get %s: %w", key, err), "Store", "Get", "kv read")
	}

	return entry.Value(), nil
}

// Put implements storage.Store. Last writer wins.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	err := retry.Do(ctx, s.options.Retry, func() error {
		_, err := s.bucket.Put(ctx, key, value)
		return err
	})
	if err != nil {
		return switcherrors.WrapTransient(fmt.Errorf("kv put %s: %w", key, err), "Store", "Put", "kv write")
	}
	return nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	err := retry.Do(ctx, s.options.Retry, func() error {
		err := s.bucket.Delete(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return switcherrors.WrapTransient(fmt.Errorf("kv delete %s: %w", key, err), "Store", "Delete", "kv delete")
	}
	return nil
}

func (s *Store) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.options.Timeout > 0 {
		return context.WithTimeout(ctx, s.options.Timeout)
	}
	return ctx, func() {}
}
