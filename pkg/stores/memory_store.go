package stores

import (
	"context"
	"sync"

	"github.com/icos-project/polman/pkg/model"
)

// MemoryStore keeps policies in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*model.Policy
	order    []string

	// onChange runs with the lock held after every write. A failure rolls
	// the write back.
	onChange func() error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*model.Policy)}
}

func (s *MemoryStore) Insert(_ context.Context, p *model.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[p.ID]; ok {
		return errAlreadyExists(p.ID)
	}
	s.policies[p.ID] = p.Clone()
	s.order = append(s.order, p.ID)
	if err := s.changed(); err != nil {
		delete(s.policies, p.ID)
		s.order = s.order[:len(s.order)-1]
		return err
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, model.NewNotFoundError(id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filters Filters) ([]*model.Policy, error) {
	s.mu.RLock()
	all := make([]*model.Policy, 0, len(s.order))
	for _, id := range s.order {
		all = append(all, s.policies[id].Clone())
	}
	s.mu.RUnlock()

	return filterPolicies(all, filters)
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.policies[id]
	if !ok {
		return model.NewNotFoundError(id)
	}
	oldOrder := append([]string(nil), s.order...)

	delete(s.policies, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if err := s.changed(); err != nil {
		s.policies[id] = old
		s.order = oldOrder
		return err
	}
	return nil
}

func (s *MemoryStore) AddEvent(_ context.Context, id string, event model.Event) error {
	return s.update(id, addEvent(event))
}

func (s *MemoryStore) SetPhase(_ context.Context, id string, phase model.Phase) error {
	return s.update(id, setPhase(phase))
}

func (s *MemoryStore) SetRenderedSpec(_ context.Context, id string, spec model.Spec) error {
	return s.update(id, setRenderedSpec(spec))
}

func (s *MemoryStore) SetVariable(_ context.Context, id, name string, value interface{}) error {
	return s.update(id, setVariable(name, value))
}

func (s *MemoryStore) UpdateMeasurementBackend(_ context.Context, id, name string, status map[string]interface{}) error {
	return s.update(id, updateMeasurementBackend(name, status))
}

func (s *MemoryStore) DeleteMeasurementBackend(_ context.Context, id, name string) error {
	return s.update(id, deleteMeasurementBackend(name))
}

func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) update(id string, fn mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.policies[id]
	if !ok {
		return model.NewNotFoundError(id)
	}

	p := old.Clone()
	fn(p)
	s.policies[id] = p
	if err := s.changed(); err != nil {
		s.policies[id] = old
		return err
	}
	return nil
}

func (s *MemoryStore) changed() error {
	if s.onChange == nil {
		return nil
	}
	return s.onChange()
}

// snapshot returns the stored policies in insertion order. Caller holds the
// lock.
func (s *MemoryStore) snapshot() []*model.Policy {
	out := make([]*model.Policy, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.policies[id])
	}
	return out
}

// replace swaps the whole content. Caller holds the lock.
func (s *MemoryStore) replace(policies []*model.Policy) {
	s.policies = make(map[string]*model.Policy, len(policies))
	s.order = s.order[:0]
	for _, p := range policies {
		if _, dup := s.policies[p.ID]; dup {
			continue
		}
		s.policies[p.ID] = p
		s.order = append(s.order, p.ID)
	}
}
