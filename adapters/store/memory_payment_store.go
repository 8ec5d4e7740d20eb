package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/escrowd/core"
	"github.com/layer-3/escrowd/ports"
)

// MemoryPaymentRequestStore is an in-memory implementation of ports.PaymentRequestStore
type MemoryPaymentRequestStore struct {
	requests map[string]*core.PaymentRequest
	mu       sync.RWMutex
}

// NewMemoryPaymentRequestStore creates a new in-memory payment request store
func NewMemoryPaymentRequestStore() ports.PaymentRequestStore {
	return &MemoryPaymentRequestStore{
		requests: make(map[string]*core.PaymentRequest),
	}
}

func (s *MemoryPaymentRequestStore) Create(ctx context.Context, req *core.PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return core.ErrAlreadyExists
	}
	req.Version = 1
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *MemoryPaymentRequestStore) Get(ctx context.Context, id string) (*core.PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return req.Clone(), nil
}

func (s *MemoryPaymentRequestStore) CompareAndSwap(ctx context.Context, req *core.PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.requests[req.ID]
	if !ok {
		return core.ErrNotFound
	}
	if cur.Version != req.Version {
		return core.ErrVersionConflict
	}
	req.Version++
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *MemoryPaymentRequestStore) ListByStatus(ctx context.Context, status core.PaymentStatus) ([]*core.PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.PaymentRequest, 0)
	for _, req := range s.requests {
		if req.Status == status {
			out = append(out, req.Clone())
		}
	}
	return out, nil
}

func (s *MemoryPaymentRequestStore) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, req := range s.requests {
		if req.Status == core.PaymentFailed && req.CreatedAt.Before(cutoff) {
			delete(s.requests, id)
			n++
		}
	}
	return n, nil
}

// MemoryPaymentRecordStore is an in-memory implementation of ports.PaymentRecordStore
type MemoryPaymentRecordStore struct {
	records map[string]*core.PaymentRecord
	mu      sync.RWMutex
}

// NewMemoryPaymentRecordStore creates a new in-memory payment record store
func NewMemoryPaymentRecordStore() ports.PaymentRecordStore {
	return &MemoryPaymentRecordStore{
		records: make(map[string]*core.PaymentRecord),
	}
}

func (s *MemoryPaymentRecordStore) Create(ctx context.Context, record *core.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.PaymentID]; exists {
		return core.ErrAlreadyExists
	}
	record.Version = 1
	cp := *record
	s.records[record.PaymentID] = &cp
	return nil
}

func (s *MemoryPaymentRecordStore) Get(ctx context.Context, paymentID string) (*core.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[paymentID]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (s *MemoryPaymentRecordStore) CompareAndSwap(ctx context.Context, record *core.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[record.PaymentID]
	if !ok {
		return core.ErrNotFound
	}
	if cur.Version != record.Version {
		return core.ErrVersionConflict
	}
	record.Version++
	cp := *record
	s.records[record.PaymentID] = &cp
	return nil
}

// DeleteOlderThan snapshots the expired ids under the read lock, then
// deletes each one only if it is still the same stale record.
func (s *MemoryPaymentRecordStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.RLock()
	stale := make(map[string]int64)
	for id, r := range s.records {
		if r.CreatedAt.Before(cutoff) {
			stale[id] = r.Version
		}
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, version := range stale {
		if r, ok := s.records[id]; ok && r.Version == version {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}
