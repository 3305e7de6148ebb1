// Package memory is an in-process outbox.Store with skip-locked claim
// semantics, for tests and local runs without Postgres.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/LerianStudio/outbox-relay/outbox"
	"github.com/google/uuid"
)

// ErrBatchClosed is returned by Commit on a batch already settled.
var ErrBatchClosed = errors.New("memory outbox batch already closed")

// Store keeps rows ordered by CreatedAt. Rows claimed by an open batch are
// invisible to other claims until that batch settles.
type Store struct {
	mu      sync.Mutex
	rows    []outbox.Entry
	claimed map[uuid.UUID]struct{}
	now     func() time.Time
}

var (
	_ outbox.Store          = (*Store)(nil)
	_ outbox.PendingCounter = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		claimed: make(map[uuid.UUID]struct{}),
		now:     time.Now,
	}
}

// Insert appends entries. A zero ID gets a fresh UUID and a zero CreatedAt
// gets the current time.
func (s *Store) Insert(entries ...outbox.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}

		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}

		s.rows = append(s.rows, e)
	}

	slices.SortStableFunc(s.rows, func(a, b outbox.Entry) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// IDs returns the ids of every stored row, claimed or not, oldest first.
func (s *Store) IDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(s.rows))
	for _, row := range s.rows {
		ids = append(ids, row.ID)
	}

	return ids
}

// Len returns the number of stored rows, claimed or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.rows)
}

// Pending implements outbox.PendingCounter.
func (s *Store) Pending(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return int64(s.Len()), nil
}

// Table names the store in logs.
func (s *Store) Table() string {
	return "memory"
}

// Claim implements outbox.Store.
func (s *Store) Claim(ctx context.Context, limit int) (outbox.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var picked []outbox.Entry

	for _, row := range s.rows {
		if len(picked) >= limit {
			break
		}

		if _, locked := s.claimed[row.ID]; locked {
			continue
		}

		s.claimed[row.ID] = struct{}{}
		picked = append(picked, row)
	}

	return &batch{store: s, entries: picked}, nil
}

type batch struct {
	store   *Store
	entries []outbox.Entry
	once    sync.Once
}

func (b *batch) Entries() []outbox.Entry {
	return slices.Clone(b.entries)
}

func (b *batch) Commit(_ context.Context) error {
	settled := false

	b.once.Do(func() {
		settled = true
		b.store.settle(b.entries, true)
	})

	if !settled {
		return ErrBatchClosed
	}

	return nil
}

func (b *batch) Rollback(_ context.Context) error {
	b.once.Do(func() {
		b.store.settle(b.entries, false)
	})

	return nil
}

func (s *Store) settle(entries []outbox.Entry, remove bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(map[uuid.UUID]struct{}, len(entries))
	for _, e := range entries {
		delete(s.claimed, e.ID)
		done[e.ID] = struct{}{}
	}

	if remove {
		s.rows = slices.DeleteFunc(s.rows, func(e outbox.Entry) bool {
			_, ok := done[e.ID]
			return ok
		})
	}
}
