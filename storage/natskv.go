package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// leaderKey is the single key arbitrated inside the lease bucket.
const leaderKey = "leader"

var errBucketNotReady = errors.New("lease bucket not initialized, Reset must run first")

// NATSKV arbitrates the lease record through a JetStream key/value bucket
// whose TTL enforces expiry on the server: acquisition is an atomic
// create-if-absent, and an expired lease simply reads as an absent key.
//
// Renewal is a plain read-check-write. The owner check and the TTL refresh
// are two separate operations, so an ownership change landing between them
// goes undetected and the refresh extends the new owner's entry instead.
type NATSKV struct {
	js            jetstream.JetStream
	bucket        string
	leaseDuration time.Duration

	mu sync.RWMutex
	kv jetstream.KeyValue
}

// Compile-time check that NATSKV satisfies the Backend contract.
var _ Backend = (*NATSKV)(nil)

// NewNATSKV creates a backend over the given NATS connection. The connection
// is owned by the caller and survives Close; the bucket itself is created
// lazily by Reset.
func NewNATSKV(nc *nats.Conn, bucket string, leaseDuration time.Duration) (*NATSKV, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	return &NATSKV{
		js:            js,
		bucket:        bucket,
		leaseDuration: leaseDuration,
	}, nil
}

// TryAcquire claims the key iff it is absent. Entries past their TTL are
// removed by the server, so an expired lease is indistinguishable from no
// lease at all.
func (n *NATSKV) TryAcquire(ctx context.Context, nodeID string, _ time.Time) (bool, error) {
	kv, err := n.store()
	if err != nil {
		return false, err
	}

	if _, err := kv.Create(ctx, leaderKey, []byte(nodeID)); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create leader key: %w", err)
	}

	return true, nil
}

// Renew refreshes the lease iff the key still names nodeID as its owner.
// Each put writes a fresh entry, which restarts the bucket TTL.
func (n *NATSKV) Renew(ctx context.Context, nodeID string, _ time.Time) (bool, error) {
	kv, err := n.store()
	if err != nil {
		return false, err
	}

	entry, err := kv.Get(ctx, leaderKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get leader key: %w", err)
	}
	if string(entry.Value()) != nodeID {
		return false, nil
	}

	if _, err := kv.Put(ctx, leaderKey, []byte(nodeID)); err != nil {
		return false, fmt.Errorf("failed to refresh leader key: %w", err)
	}

	return true, nil
}

// Release deletes the key. A missing key is not an error.
func (n *NATSKV) Release(ctx context.Context) error {
	n.mu.RLock()
	var kv = n.kv
	n.mu.RUnlock()
	if kv == nil {
		return nil
	}

	if err := kv.Delete(ctx, leaderKey); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete leader key: %w", err)
	}
	return nil
}

// Reset creates or opens the lease bucket and removes any leftover key. The
// bucket TTL is fixed to the lease duration when the bucket is first created.
func (n *NATSKV) Reset(ctx context.Context) error {
	kv, err := n.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  n.bucket,
		History: 1,
		TTL:     n.leaseDuration,
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		kv, err = n.js.KeyValue(ctx, n.bucket)
	}
	if err != nil {
		return fmt.Errorf("failed to open lease bucket %q: %w", n.bucket, err)
	}

	n.mu.Lock()
	n.kv = kv
	n.mu.Unlock()

	return n.Release(ctx)
}

// Get reports the current owner. JetStream does not expose an entry's
// remaining TTL, so the expiry is derived from its creation time plus the
// bucket TTL.
func (n *NATSKV) Get(ctx context.Context) (*Record, error) {
	kv, err := n.store()
	if err != nil {
		return nil, err
	}

	entry, err := kv.Get(ctx, leaderKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get leader key: %w", err)
	}

	var created = entry.Created()
	return &Record{
		Owner:     string(entry.Value()),
		ExpiresAt: created.Add(n.leaseDuration),
		UpdatedAt: created,
	}, nil
}

// Close drops the bucket handle so stale callers fail fast. The underlying
// NATS connection belongs to the caller and stays open.
func (n *NATSKV) Close() error {
	n.mu.Lock()
	n.kv = nil
	n.mu.Unlock()
	return nil
}

// store returns the bucket handle established by Reset.
func (n *NATSKV) store() (jetstream.KeyValue, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.kv == nil {
		return nil, errBucketNotReady
	}
	return n.kv, nil
}
