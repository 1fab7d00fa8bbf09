package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// KeysBucket is the JetStream KV bucket holding committed action results.
const KeysBucket = "SALESOPS_IDEMPOTENCY"

// NATSStore keeps committed results in a NATS JetStream KV bucket so every
// pipeline process attached to the same broker shares one key space.
type NATSStore struct {
	kv jetstream.KeyValue
}

// NewNATSStore opens the idempotency bucket, creating it if needed.
func NewNATSStore(ctx context.Context, js jetstream.JetStream) (*NATSStore, error) {
	kv, err := js.KeyValue(ctx, KeysBucket)
	if err == nil {
		return &NATSStore{kv: kv}, nil
	}

	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      KeysBucket,
		Description: "SalesOps committed action results",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create idempotency bucket: %w", err)
	}
	return &NATSStore{kv: kv}, nil
}

// Get returns the committed result for key, if any.
func (s *NATSStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return json.RawMessage(entry.Value()), true, nil
}

// Put records the result for key. KV Create only succeeds for the first
// writer; losing the race keeps the winner's result.
func (s *NATSStore) Put(ctx context.Context, key string, result json.RawMessage) error {
	_, err := s.kv.Create(ctx, key, result)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}
