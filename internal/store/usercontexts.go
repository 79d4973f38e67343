package store

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/chengweih001/chromium-bidi/internal/protocol"
)

// DefaultUserContext is the id of the user context every browser starts
// with. It cannot be removed.
const DefaultUserContext = "default"

// UserContext is an isolated cookie jar / permission scope, backed by a CDP
// browser context.
type UserContext struct {
	ID string
	// CDPBrowserContext is the Target.BrowserContextID backing this user
	// context; empty for the default one.
	CDPBrowserContext string
}

// UserContextStore tracks the live user contexts.
type UserContextStore struct {
	mu       sync.RWMutex
	contexts map[string]*UserContext
}

// NewUserContextStore creates a store seeded with the default user context.
func NewUserContextStore() *UserContextStore {
	return &UserContextStore{
		contexts: map[string]*UserContext{
			DefaultUserContext: {ID: DefaultUserContext},
		},
	}
}

// Get returns the user context with the given id.
func (s *UserContextStore) Get(id string) (*UserContext, *protocol.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uc, ok := s.contexts[id]
	if !ok {
		return nil, protocol.NoSuchUserContext(id)
	}
	return uc, nil
}

// Create mints a new user context bound to the given CDP browser context.
func (s *UserContextStore) Create(cdpBrowserContext string) *UserContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	uc := &UserContext{ID: uuid.NewString(), CDPBrowserContext: cdpBrowserContext}
	s.contexts[uc.ID] = uc
	return uc
}

// Remove deletes a user context. The default user context is indestructible.
func (s *UserContextStore) Remove(id string) (*UserContext, *protocol.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == DefaultUserContext {
		return nil, protocol.InvalidArgument("user context %q cannot be removed", DefaultUserContext)
	}
	uc, ok := s.contexts[id]
	if !ok {
		return nil, protocol.NoSuchUserContext(id)
	}
	delete(s.contexts, id)
	return uc, nil
}

// FindByCDP resolves a CDP browser context id to its user context id,
// falling back to the default user context.
func (s *UserContextStore) FindByCDP(cdpBrowserContext string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, uc := range s.contexts {
		if uc.CDPBrowserContext == cdpBrowserContext {
			return id
		}
	}
	return DefaultUserContext
}

// List returns all user contexts, default first, the rest sorted by id.
func (s *UserContextStore) List() []*UserContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rest []*UserContext
	for id, uc := range s.contexts {
		if id != DefaultUserContext {
			rest = append(rest, uc)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].ID < rest[j].ID })
	out := []*UserContext{s.contexts[DefaultUserContext]}
	return append(out, rest...)
}
