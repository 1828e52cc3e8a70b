package nats

import (
	"context"
	"errors"
	"time"

	"github.com/wymanxh/AxonFramework/core/es"
)

const defaultTokenBucket = "axon_tokens"

type TokenStoreConfig struct {
	Connect Connector
	Bucket  string
}

// TokenStore persists tracking-processor tokens in a key-value bucket,
// keyed by processor name. Tokens survive process restarts, which is
// what lets a processor resume where it left off.
type TokenStore struct {
	kv *KvStore[es.TrackingToken]
}

func NewTokenStore(cfg TokenStoreConfig) (*TokenStore, error) {
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultTokenBucket
	}
	kv, err := NewKvStore[es.TrackingToken](KvConfig{
		Connect: cfg.Connect,
		Bucket:  bucket,
	})
	if err != nil {
		return nil, err
	}
	return &TokenStore{kv: kv}, nil
}

func (s *TokenStore) Token(processor string) (es.TrackingToken, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, _, err := s.kv.Get(ctx, processor)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return 0, es.ErrTokenNotFound
		}
		return 0, err
	}
	return token, nil
}

func (s *TokenStore) StoreToken(processor string, token es.TrackingToken) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.kv.Put(ctx, processor, token)
}

var _ es.TokenStore = (*TokenStore)(nil)
