// Package store keeps the set of open opportunities shared by the open and
// close loops and persists it after every change.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/gaparb/pkg/models"
)

var (
	ErrDuplicate = errors.New("opportunity already open")
	ErrNotFound  = errors.New("opportunity not found")
)

// Backend is the durable medium behind a Store. Load returns nil data when
// nothing has been saved yet.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Store is an ordered set of open opportunities keyed by id. All access goes
// through its lock; callers only ever see copies.
type Store struct {
	backend Backend
	logger  *logrus.Logger

	mu    sync.Mutex
	items []models.Opportunity
}

func New(backend Backend, logger *logrus.Logger) *Store {
	return &Store{backend: backend, logger: logger}
}

// LoadOrEmpty replaces the contents with the persisted state. A missing or
// unreadable record leaves the store empty rather than failing.
func (s *Store) LoadOrEmpty(ctx context.Context) {
	items, err := s.load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.logger.WithError(err).WithField("type", "no-opportunities-file").Info("Starting with no open opportunities")
		s.items = nil
		return
	}
	s.items = items
	s.logger.WithFields(logrus.Fields{
		"type":          "opportunities-loaded",
		"opportunities": len(items),
	}).Info("Loaded open opportunities")
}

func (s *Store) load(ctx context.Context) ([]models.Opportunity, error) {
	data, err := s.backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.New("no persisted opportunities")
	}

	var items []models.Opportunity
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse opportunities: %w", err)
	}

	// Drop duplicate ids a hand-edited file might contain.
	seen := make(map[string]bool, len(items))
	deduped := items[:0]
	for _, o := range items {
		if seen[o.ID] {
			continue
		}
		seen[o.ID] = true
		deduped = append(deduped, o)
	}
	return deduped, nil
}

func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexOf(id) >= 0
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Insert adds o and persists. It fails with ErrDuplicate if an opportunity with
// the same id is already open. A persistence failure is returned but the
// opportunity stays tracked in memory.
func (s *Store) Insert(ctx context.Context, o models.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(o.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, o.ID)
	}
	s.items = append(s.items, o.Clone())
	return s.persistLocked(ctx)
}

// Remove deletes the opportunity with id and persists, returning the removed entry.
func (s *Store) Remove(ctx context.Context, id string) (models.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return models.Opportunity{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	removed := s.items[i]
	s.items = append(s.items[:i:i], s.items[i+1:]...)
	return removed, s.persistLocked(ctx)
}

// Snapshot returns copies of the open opportunities in insertion order.
func (s *Store) Snapshot() []models.Opportunity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Opportunity, len(s.items))
	for i, o := range s.items {
		out[i] = o.Clone()
	}
	return out
}

// Persist rewrites the backing record with the current contents.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx)
}

func (s *Store) persistLocked(ctx context.Context) error {
	items := s.items
	if items == nil {
		items = []models.Opportunity{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode opportunities: %w", err)
	}
	if err := s.backend.Save(ctx, data); err != nil {
		return fmt.Errorf("persist opportunities: %w", err)
	}
	return nil
}

func (s *Store) indexOf(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}
