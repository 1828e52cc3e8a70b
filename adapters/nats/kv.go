package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/wymanxh/AxonFramework/internal/codec"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	// ErrRevisionMismatch signals a lost compare-and-swap race.
	ErrRevisionMismatch = errors.New("revision mismatch")
)

type KvConfig struct {
	Connect Connector
	Bucket  string
}

// KvStore is a typed view over a JetStream key-value bucket. Revisions
// returned by Get feed the compare-and-swap Update.
type KvStore[T any] struct {
	kv    jetstream.KeyValue
	codec codec.Codec
}

func NewKvStore[T any](cfg KvConfig) (*KvStore[T], error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, _, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}

	return &KvStore[T]{kv: kv, codec: codec.JSONCodec{}}, nil
}

// Get returns the value and its revision for the compare-and-swap
// update path.
func (k *KvStore[T]) Get(ctx context.Context, key string) (out T, revision uint64, err error) {
	entry, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return out, 0, ErrKeyNotFound
		}
		return out, 0, fmt.Errorf("failed to get key %q: %w", key, err)
	}
	if err := k.codec.Unmarshal(entry.Value(), &out); err != nil {
		return out, 0, err
	}
	return out, entry.Revision(), nil
}

// Create stores the value only when the key does not exist yet.
func (k *KvStore[T]) Create(ctx context.Context, key string, v T) error {
	data, err := k.codec.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := k.kv.Create(ctx, key, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrRevisionMismatch
		}
		return err
	}
	return nil
}

// Update replaces the value only when revision matches the current one.
func (k *KvStore[T]) Update(ctx context.Context, key string, v T, revision uint64) error {
	data, err := k.codec.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := k.kv.Update(ctx, key, data, revision); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrRevisionMismatch
		}
		return err
	}
	return nil
}

// Put stores the value unconditionally.
func (k *KvStore[T]) Put(ctx context.Context, key string, v T) error {
	data, err := k.codec.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := k.kv.Put(ctx, key, data); err != nil {
		return err
	}
	return nil
}
