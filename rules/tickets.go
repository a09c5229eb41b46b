package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TicketFilter narrows a ticket listing.
type TicketFilter struct {
	Statuses []TicketStatus
	Limit    int
}

// TicketPatch is a partial ticket update. Nil pointer fields are left
// untouched; Metadata entries are merged into the existing map.
type TicketPatch struct {
	Status     *TicketStatus
	AssignedTo *string
	Metadata   map[string]string
}

// TicketStore is the persistence collaborator for ticket facts.
type TicketStore interface {
	Insert(ctx context.Context, t *Ticket) error
	Get(ctx context.Context, id string) (*Ticket, error)
	List(ctx context.Context, filter TicketFilter) ([]*Ticket, error)
	Update(ctx context.Context, id string, patch TicketPatch) (*Ticket, error)
}

// UserDirectory resolves staff users for role-based assignment. When
// several users share a role the earliest-created one wins; the source
// system left this tie-break undefined.
type UserDirectory interface {
	// FindByRole returns the first user with the given role, or
	// ErrNotFound when the role has no users.
	FindByRole(ctx context.Context, role string) (*User, error)
}

// InMemoryTicketStore implements TicketStore using an in-memory map.
type InMemoryTicketStore struct {
	tickets map[string]*Ticket
	mu      sync.RWMutex
}

// NewInMemoryTicketStore creates a new in-memory ticket store.
func NewInMemoryTicketStore() *InMemoryTicketStore {
	return &InMemoryTicketStore{
		tickets: make(map[string]*Ticket),
	}
}

// Insert adds a new ticket, setting timestamps.
func (s *InMemoryTicketStore) Insert(ctx context.Context, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tickets[t.ID]; exists {
		return fmt.Errorf("ticket with ID %s already exists", t.ID)
	}

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.tickets[t.ID] = t
	return nil
}

// Get retrieves a ticket by ID.
func (s *InMemoryTicketStore) Get(ctx context.Context, id string) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tickets[id]
	if !exists {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// List returns tickets matching the filter, newest first.
func (s *InMemoryTicketStore) List(ctx context.Context, filter TicketFilter) ([]*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Ticket
	for _, t := range s.tickets {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, t.Status) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Update applies a patch to a ticket.
func (s *InMemoryTicketStore) Update(ctx context.Context, id string, patch TicketPatch) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tickets[id]
	if !exists {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}

	applyPatch(t, patch)
	t.UpdatedAt = time.Now()
	return t, nil
}

func applyPatch(t *Ticket, patch TicketPatch) {
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.AssignedTo != nil {
		t.AssignedTo = *patch.AssignedTo
	}
	if len(patch.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			t.Metadata[k] = v
		}
	}
}

func containsStatus(list []TicketStatus, s TicketStatus) bool {
	for _, st := range list {
		if st == s {
			return true
		}
	}
	return false
}

// InMemoryUserDirectory implements UserDirectory over a fixed user set.
type InMemoryUserDirectory struct {
	users []*User
	mu    sync.RWMutex
}

// NewInMemoryUserDirectory creates a directory seeded with the given users.
func NewInMemoryUserDirectory(users ...*User) *InMemoryUserDirectory {
	d := &InMemoryUserDirectory{}
	d.users = append(d.users, users...)
	return d
}

// AddUser registers a user in the directory.
func (d *InMemoryUserDirectory) AddUser(u *User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = append(d.users, u)
}

// FindByRole returns the earliest-created user with the role.
func (d *InMemoryUserDirectory) FindByRole(ctx context.Context, role string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var found *User
	for _, u := range d.users {
		if u.Role != role {
			continue
		}
		if found == nil || u.CreatedAt.Before(found.CreatedAt) {
			found = u
		}
	}
	if found == nil {
		return nil, fmt.Errorf("user with role %s: %w", role, ErrNotFound)
	}
	return found, nil
}
