// Package rules is the rule store: CRUD over trigger definitions and the
// priority-ordered candidate query used by the scheduler.
package rules

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/djlord-it/easytrigger/internal/domain"
)

// DefaultCacheSize holds one candidate list per event kind with headroom.
const DefaultCacheSize = 16

// Store persists trigger definitions.
type Store interface {
	CreateTrigger(ctx context.Context, t domain.Trigger) error
	// UpdateTrigger replaces an existing trigger; returns domain.ErrNotFound
	// if the id does not exist.
	UpdateTrigger(ctx context.Context, t domain.Trigger) error
	DeleteTrigger(ctx context.Context, id string) error
	GetTrigger(ctx context.Context, id string) (domain.Trigger, error)
	// ListTriggers returns triggers ordered by priority descending, then id.
	ListTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error)
	// ActiveTriggersForEvent returns active triggers bound to kind in any order.
	ActiveTriggersForEvent(ctx context.Context, kind domain.EventKind) ([]domain.Trigger, error)
	// TriggersVersion changes whenever any trigger is written, by any
	// process sharing the store.
	TriggersVersion(ctx context.Context) (int64, error)
}

// Service validates writes and serves cached, ordered candidate lists.
// Triggers returned by the service are shared; callers must not mutate them.
//
// A cached list is only served while the store's trigger version matches
// the version it was loaded under, so writes made through another Service
// or another process are seen on the next event.
type Service struct {
	store Store
	clock func() time.Time
	cache *lru.Cache[domain.EventKind, cachedCandidates]
}

type cachedCandidates struct {
	version  int64
	triggers []domain.Trigger
}

// NewService creates a rule service. cacheSize <= 0 disables caching.
func NewService(store Store, cacheSize int) *Service {
	s := &Service{store: store, clock: time.Now}
	if cacheSize > 0 {
		// lru.New only errors on non-positive size which we guard above.
		s.cache, _ = lru.New[domain.EventKind, cachedCandidates](cacheSize)
	}
	return s
}

// CandidatesFor returns active triggers for kind, ordered by priority
// descending with ties broken by id ascending.
func (s *Service) CandidatesFor(ctx context.Context, kind domain.EventKind) ([]domain.Trigger, error) {
	if s.cache == nil {
		return s.loadCandidates(ctx, kind)
	}

	// Read the version first: a write racing the load below bumps it, so
	// the list cached under the old version is never served again.
	version, err := s.store.TriggersVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("triggers version: %w", err)
	}
	if c, ok := s.cache.Get(kind); ok && c.version == version {
		return c.triggers, nil
	}

	candidates, err := s.loadCandidates(ctx, kind)
	if err != nil {
		return nil, err
	}
	s.cache.Add(kind, cachedCandidates{version: version, triggers: candidates})
	return candidates, nil
}

func (s *Service) loadCandidates(ctx context.Context, kind domain.EventKind) ([]domain.Trigger, error) {
	triggers, err := s.store.ActiveTriggersForEvent(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("active triggers for %s: %w", kind, err)
	}

	candidates := make([]domain.Trigger, 0, len(triggers))
	for _, t := range triggers {
		if t.Active && t.Event == kind {
			candidates = append(candidates, t)
		}
	}
	SortByPriority(candidates)
	return candidates, nil
}

// SortByPriority orders triggers by priority descending, then id ascending.
func SortByPriority(triggers []domain.Trigger) {
	sort.SliceStable(triggers, func(i, j int) bool {
		if triggers[i].Priority != triggers[j].Priority {
			return triggers[i].Priority > triggers[j].Priority
		}
		return triggers[i].ID < triggers[j].ID
	})
}

// Create validates and stores a new trigger. An empty id is replaced by a
// generated UUID.
func (s *Service) Create(ctx context.Context, t domain.Trigger) (domain.Trigger, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.clock().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := Validate(t); err != nil {
		return domain.Trigger{}, err
	}
	if err := s.store.CreateTrigger(ctx, t); err != nil {
		return domain.Trigger{}, fmt.Errorf("create trigger: %w", err)
	}
	s.invalidate()

	log.Printf("rules: created trigger=%s event=%s priority=%d active=%t", t.ID, t.Event, t.Priority, t.Active)
	return t, nil
}

// Update replaces an existing trigger's definition, keeping its creation time.
func (s *Service) Update(ctx context.Context, t domain.Trigger) (domain.Trigger, error) {
	existing, err := s.store.GetTrigger(ctx, t.ID)
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("get trigger: %w", err)
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = s.clock().UTC()

	if err := Validate(t); err != nil {
		return domain.Trigger{}, err
	}
	if err := s.store.UpdateTrigger(ctx, t); err != nil {
		return domain.Trigger{}, fmt.Errorf("update trigger: %w", err)
	}
	s.invalidate()

	log.Printf("rules: updated trigger=%s", t.ID)
	return t, nil
}

// SetActive toggles a trigger. Activating a trigger without actions fails
// validation.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (domain.Trigger, error) {
	t, err := s.store.GetTrigger(ctx, id)
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("get trigger: %w", err)
	}
	if t.Active == active {
		return t, nil
	}
	t.Active = active
	t.UpdatedAt = s.clock().UTC()

	if err := Validate(t); err != nil {
		return domain.Trigger{}, err
	}
	if err := s.store.UpdateTrigger(ctx, t); err != nil {
		return domain.Trigger{}, fmt.Errorf("update trigger: %w", err)
	}
	s.invalidate()

	log.Printf("rules: trigger=%s active=%t", id, active)
	return t, nil
}

// Delete removes a trigger. Its ledger entries are retained.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteTrigger(ctx, id); err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	s.invalidate()

	log.Printf("rules: deleted trigger=%s", id)
	return nil
}

// Get returns a trigger by id.
func (s *Service) Get(ctx context.Context, id string) (domain.Trigger, error) {
	return s.store.GetTrigger(ctx, id)
}

// List returns triggers, paginated by limit and offset.
func (s *Service) List(ctx context.Context, limit, offset int) ([]domain.Trigger, error) {
	return s.store.ListTriggers(ctx, limit, offset)
}

// invalidate drops this process's lists early; other processes notice the
// write through TriggersVersion.
func (s *Service) invalidate() {
	if s.cache != nil {
		s.cache.Purge()
	}
}
