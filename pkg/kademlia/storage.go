package kademlia

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zde37/kadnet/pkg"
	"github.com/zde37/kadnet/pkg/hash"
	"github.com/zde37/kadnet/pkg/wire"
)

// StorageHandler stores and serves the items of one type.
type StorageHandler interface {
	Store(ctx context.Context, item wire.Item) error
	// Retrieve returns pkg.ErrKeyNotFound when nothing is stored under key.
	Retrieve(ctx context.Context, key hash.Key) (*wire.Item, error)
}

// MemoryStorageHandler keeps items in a pkg.MemoryStorage, CBOR encoded.
type MemoryStorageHandler struct {
	storage *pkg.MemoryStorage
	ttl     time.Duration
}

// NewMemoryStorageHandler wraps storage. Items expire after ttl; zero keeps
// them forever.
func NewMemoryStorageHandler(storage *pkg.MemoryStorage, ttl time.Duration) *MemoryStorageHandler {
	return &MemoryStorageHandler{storage: storage, ttl: ttl}
}

// NewDefaultMemoryStorageHandler creates a handler over a fresh storage with
// a one minute cleanup interval and no expiry.
func NewDefaultMemoryStorageHandler() *MemoryStorageHandler {
	return NewMemoryStorageHandler(pkg.NewMemoryStorage(&pkg.MemoryConfig{
		CleanupInterval: time.Minute,
	}), 0)
}

func (h *MemoryStorageHandler) Store(ctx context.Context, item wire.Item) error {
	data, err := wire.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode item: %w", err)
	}
	return h.storage.Set(ctx, item.Key.String(), data, h.ttl)
}

func (h *MemoryStorageHandler) Retrieve(ctx context.Context, key hash.Key) (*wire.Item, error) {
	data, err := h.storage.Get(ctx, key.String())
	if err != nil {
		return nil, err
	}
	var item wire.Item
	if err := wire.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to decode item %s: %w", key.Short(), err)
	}
	return &item, nil
}

// KeyLister is implemented by storage handlers that can enumerate what they
// hold.
type KeyLister interface {
	Keys(ctx context.Context) ([]hash.Key, error)
}

var _ KeyLister = (*MemoryStorageHandler)(nil)

// Keys lists the keys of every stored item.
func (h *MemoryStorageHandler) Keys(ctx context.Context) ([]hash.Key, error) {
	names, err := h.storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]hash.Key, 0, len(names))
	for _, n := range names {
		k, err := hash.ParseHex(n)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Close releases the underlying storage.
func (h *MemoryStorageHandler) Close() error {
	return h.storage.Close()
}

// retrieveLocal asks handler for key, treating a miss as no item.
func retrieveLocal(ctx context.Context, handler StorageHandler, key hash.Key) (*wire.Item, error) {
	item, err := handler.Retrieve(ctx, key)
	if errors.Is(err, pkg.ErrKeyNotFound) {
		return nil, nil
	}
	return item, err
}
