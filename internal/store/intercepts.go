package store

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/chengweih001/chromium-bidi/internal/protocol"
	"github.com/chengweih001/chromium-bidi/internal/urlpattern"
)

// Intercept is a registration that pauses matching network requests for
// client mediation.
type Intercept struct {
	ID     string
	Phases []RequestPhase
	// Patterns is the URL filter; empty matches every URL.
	Patterns []*urlpattern.Pattern
	// Contexts restricts the intercept to requests whose top-level context
	// is listed; empty means all contexts.
	Contexts []string
}

// matches applies the three intercept conditions: phase, URL pattern and
// context filter.
func (i *Intercept) matches(phase RequestPhase, url, topLevelContext string) bool {
	phaseOK := false
	for _, p := range i.Phases {
		if p == phase {
			phaseOK = true
			break
		}
	}
	if !phaseOK {
		return false
	}
	if len(i.Contexts) > 0 {
		found := false
		for _, c := range i.Contexts {
			if c == topLevelContext {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(i.Patterns) == 0 {
		return true
	}
	for _, p := range i.Patterns {
		if p.Matches(url) {
			return true
		}
	}
	return false
}

// InterceptStore tracks registered network intercepts.
type InterceptStore struct {
	mu         sync.RWMutex
	intercepts map[string]*Intercept
}

// NewInterceptStore creates an empty intercept store.
func NewInterceptStore() *InterceptStore {
	return &InterceptStore{intercepts: make(map[string]*Intercept)}
}

// Add registers an intercept and mints its id.
func (s *InterceptStore) Add(phases []RequestPhase, patterns []*urlpattern.Pattern, contexts []string) *Intercept {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := &Intercept{
		ID:       uuid.NewString(),
		Phases:   phases,
		Patterns: patterns,
		Contexts: contexts,
	}
	s.intercepts[i.ID] = i
	return i
}

// Remove deletes an intercept.
func (s *InterceptStore) Remove(id string) *protocol.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intercepts[id]; !ok {
		return protocol.NoSuchIntercept(id)
	}
	delete(s.intercepts, id)
	return nil
}

// Empty reports whether no intercepts are registered.
func (s *InterceptStore) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.intercepts) == 0
}

// Match returns the ids of every intercept matching the given phase, URL
// and top-level context, sorted ascending.
func (s *InterceptStore) Match(phase RequestPhase, url, topLevelContext string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, i := range s.intercepts {
		if i.matches(phase, url, topLevelContext) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Phases returns the union of phases across all registered intercepts,
// used to size the Fetch.enable pattern list.
func (s *InterceptStore) Phases() []RequestPhase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[RequestPhase]bool)
	var out []RequestPhase
	for _, i := range s.intercepts {
		for _, p := range i.Phases {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}
