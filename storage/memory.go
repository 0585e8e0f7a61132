package storage

import (
	"context"
	"sync"
	"time"
)

// Memory arbitrates the lease record in process, one mutex around every
// operation. It is the reference implementation of the contract's atomicity
// and backs the dependency-free demo mode and most engine tests.
type Memory struct {
	mu            sync.Mutex
	leaseDuration time.Duration
	record        *Record
}

// Compile-time check that Memory satisfies the Backend contract.
var _ Backend = (*Memory)(nil)

// NewMemory creates an empty in-process backend.
func NewMemory(leaseDuration time.Duration) *Memory {
	return &Memory{leaseDuration: leaseDuration}
}

// TryAcquire claims the record iff it is absent or expired before now.
func (m *Memory) TryAcquire(_ context.Context, nodeID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record != nil && !m.record.Expired(now) {
		return false, nil
	}

	m.record = &Record{
		Owner:     nodeID,
		ExpiresAt: now.Add(m.leaseDuration),
		UpdatedAt: now,
	}
	return true, nil
}

// Renew extends the record iff it is still owned by nodeID.
func (m *Memory) Renew(_ context.Context, nodeID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record == nil || m.record.Owner != nodeID {
		return false, nil
	}

	m.record.ExpiresAt = now.Add(m.leaseDuration)
	m.record.UpdatedAt = now
	return true, nil
}

// Release drops the record.
func (m *Memory) Release(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = nil
	return nil
}

// Reset drops the record.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = nil
	return nil
}

// Get returns a copy of the current record, expired or not.
func (m *Memory) Get(_ context.Context) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record == nil {
		return nil, nil
	}

	var record = *m.record
	return &record, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
