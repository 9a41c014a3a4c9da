package order

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// OrderType maps to the order_type table.
type OrderType struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	ParentID       *uuid.UUID `json:"parent_id,omitempty"`
	ConceptClasses []string   `json:"concept_classes,omitempty"`
	Retired        bool       `json:"retired"`
}

// OrderTypeHierarchy resolves order types, their descendants and the type
// implied by a concept's class.
type OrderTypeHierarchy interface {
	GetOrderType(ctx context.Context, id uuid.UUID) (*OrderType, error)
	GetOrderTypeByName(ctx context.Context, name string) (*OrderType, error)
	// GetSubtypes returns the ids of all descendants of id, and id itself when
	// includeSelf is set.
	GetSubtypes(ctx context.Context, id uuid.UUID, includeSelf bool) ([]uuid.UUID, error)
	// OrderTypeForConcept returns nil, nil when no type maps to the concept's class.
	OrderTypeForConcept(ctx context.Context, conceptID uuid.UUID) (*OrderType, error)
}

// descendants walks parent->children edges breadth first. The visited set keeps
// a corrupt, cyclic hierarchy from looping.
func descendants(children map[uuid.UUID][]uuid.UUID, root uuid.UUID, includeSelf bool) []uuid.UUID {
	visited := map[uuid.UUID]bool{root: true}
	queue := []uuid.UUID{root}
	var out []uuid.UUID
	if includeSelf {
		out = append(out, root)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range children[cur] {
			if visited[child] {
				continue
			}
			visited[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// TypeRegistry is an in-memory OrderTypeHierarchy.
type TypeRegistry struct {
	mu             sync.RWMutex
	types          map[uuid.UUID]*OrderType
	conceptClasses map[uuid.UUID]string
}

func NewTypeRegistry(types ...*OrderType) *TypeRegistry {
	r := &TypeRegistry{
		types:          make(map[uuid.UUID]*OrderType),
		conceptClasses: make(map[uuid.UUID]string),
	}
	for _, t := range types {
		r.AddType(t)
	}
	return r
}

func (r *TypeRegistry) AddType(t *OrderType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.types[t.ID] = &cp
}

// ClassifyConcept records the concept class of a concept.
func (r *TypeRegistry) ClassifyConcept(conceptID uuid.UUID, class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conceptClasses[conceptID] = class
}

func (r *TypeRegistry) GetOrderType(_ context.Context, id uuid.UUID) (*OrderType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[id]
	if !ok {
		return nil, fmt.Errorf("order type %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (r *TypeRegistry) GetOrderTypeByName(_ context.Context, name string) (*OrderType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.types {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("order type %q: %w", name, ErrNotFound)
}

func (r *TypeRegistry) GetSubtypes(_ context.Context, id uuid.UUID, includeSelf bool) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.types[id]; !ok {
		return nil, fmt.Errorf("order type %s: %w", id, ErrNotFound)
	}
	children := make(map[uuid.UUID][]uuid.UUID)
	for _, t := range r.types {
		if t.ParentID != nil {
			children[*t.ParentID] = append(children[*t.ParentID], t.ID)
		}
	}
	return descendants(children, id, includeSelf), nil
}

func (r *TypeRegistry) OrderTypeForConcept(_ context.Context, conceptID uuid.UUID) (*OrderType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	class, ok := r.conceptClasses[conceptID]
	if !ok {
		return nil, nil
	}
	var match *OrderType
	for _, t := range r.types {
		if t.Retired {
			continue
		}
		for _, c := range t.ConceptClasses {
			if c != class {
				continue
			}
			if match != nil && match.ID != t.ID {
				return nil, validationf("concept class %q maps to more than one order type", class)
			}
			match = t
		}
	}
	if match == nil {
		return nil, nil
	}
	cp := *match
	return &cp, nil
}
