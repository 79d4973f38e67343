// Package store holds the canonical mapper-side model of the browser:
// browsing contexts, navigations, realms, network requests, intercepts,
// preload scripts and user contexts. Entities reference each other by id
// only; all lookups go through the stores.
package store

import (
	"sync"

	"github.com/google/uuid"

	"github.com/chengweih001/chromium-bidi/internal/protocol"
)

// NavigationState tracks a navigation through its lifecycle.
type NavigationState int

const (
	// NavigationPending is the state between willSend and the response.
	NavigationPending NavigationState = iota
	// NavigationCommitting is the state between the response and load.
	NavigationCommitting
	// NavigationCommitted is the terminal success state.
	NavigationCommitted
	// NavigationAborted is the terminal state of a superseded or canceled
	// navigation.
	NavigationAborted
	// NavigationFailed is the terminal state of a navigation that errored.
	NavigationFailed
)

// Navigation is one navigation attempt on a browsing context.
type Navigation struct {
	ID    string
	URL   string
	State NavigationState
}

// terminal reports whether the navigation can no longer progress.
func (n *Navigation) terminal() bool {
	return n.State == NavigationCommitted || n.State == NavigationAborted || n.State == NavigationFailed
}

// Context is one node of the browsing-context tree: a tab or an iframe.
type Context struct {
	ID          string
	Parent      string // "" for top-level contexts
	UserContext string
	URL         string
	// CDPSession is the id of the CDP target session that owns this
	// context's frame tree.
	CDPSession string
	// Current is the in-flight or last navigation; Previous the one it
	// replaced on commit.
	Current  *Navigation
	Previous *Navigation

	children []string
}

// ContextStore maintains the live browsing-context tree.
type ContextStore struct {
	mu       sync.RWMutex
	contexts map[string]*Context
}

// NewContextStore creates an empty context store.
func NewContextStore() *ContextStore {
	return &ContextStore{contexts: make(map[string]*Context)}
}

// Get returns the context with the given id.
func (s *ContextStore) Get(id string) (*Context, *protocol.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	if !ok {
		return nil, protocol.NoSuchFrame(id)
	}
	return c, nil
}

// Has reports whether a context with the given id exists.
func (s *ContextStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.contexts[id]
	return ok
}

// Add inserts a context. A non-empty parent must already be present.
func (s *ContextStore) Add(id, parent, userContext, cdpSession string) (*Context, *protocol.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[id]; ok {
		return nil, protocol.InvalidArgument("browsing context %s already exists", id)
	}
	if parent != "" {
		p, ok := s.contexts[parent]
		if !ok {
			return nil, protocol.NoSuchFrame(parent)
		}
		p.children = append(p.children, id)
	}
	if userContext == "" {
		userContext = DefaultUserContext
	}
	c := &Context{ID: id, Parent: parent, UserContext: userContext, CDPSession: cdpSession}
	s.contexts[id] = c
	return c, nil
}

// Children returns the direct child ids of a context, in attach order.
func (s *ContextStore) Children(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	if !ok {
		return nil
	}
	out := make([]string, len(c.children))
	copy(out, c.children)
	return out
}

// FindTopLevel walks up the tree and returns the top-level ancestor of id.
// Unknown ids are returned unchanged so callers can treat detached contexts
// as their own top level.
func (s *ContextStore) FindTopLevel(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findTopLevelLocked(id)
}

func (s *ContextStore) findTopLevelLocked(id string) string {
	cur := id
	for {
		c, ok := s.contexts[cur]
		if !ok || c.Parent == "" {
			return cur
		}
		cur = c.Parent
	}
}

// IsTopLevel reports whether id names a known top-level context.
func (s *ContextStore) IsTopLevel(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	return ok && c.Parent == ""
}

// TopLevels returns all top-level context ids.
func (s *ContextStore) TopLevels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, c := range s.contexts {
		if c.Parent == "" {
			out = append(out, id)
		}
	}
	return out
}

// TopLevelBySession returns the top-level context owned by a CDP session.
func (s *ContextStore) TopLevelBySession(cdpSession string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.contexts {
		if c.Parent == "" && c.CDPSession == cdpSession {
			return id, true
		}
	}
	return "", false
}

// ByUserContext returns the top-level context ids belonging to userContext.
func (s *ContextStore) ByUserContext(userContext string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, c := range s.contexts {
		if c.Parent == "" && c.UserContext == userContext {
			out = append(out, id)
		}
	}
	return out
}

// Remove deletes the subtree rooted at id and returns the removed ids in
// post-order (children before parents, child-first within a level), the
// order contextDestroyed events must be emitted in.
func (s *ContextStore) Remove(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[id]
	if !ok {
		return nil
	}
	order := s.postOrderLocked(id)
	for _, rid := range order {
		delete(s.contexts, rid)
	}
	if c.Parent != "" {
		if p, ok := s.contexts[c.Parent]; ok {
			p.children = removeString(p.children, id)
		}
	}
	return order
}

// SubtreePostOrder returns the ids of the subtree rooted at id in post-order
// without removing anything.
func (s *ContextStore) SubtreePostOrder(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.contexts[id]; !ok {
		return nil
	}
	return s.postOrderLocked(id)
}

func (s *ContextStore) postOrderLocked(id string) []string {
	var out []string
	var walk func(string)
	walk = func(cur string) {
		c, ok := s.contexts[cur]
		if !ok {
			return
		}
		for _, child := range c.children {
			walk(child)
		}
		out = append(out, cur)
	}
	walk(id)
	return out
}

func removeString(list []string, v string) []string {
	for i, s := range list {
		if s == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// StartNavigation begins a navigation on a context, minting a navigation id.
// If a pending or committing navigation exists it is superseded: its state
// flips to aborted and it is returned so the caller can emit
// navigationAborted before the new navigation's own events.
func (s *ContextStore) StartNavigation(contextID, url string) (nav, superseded *Navigation, err *protocol.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[contextID]
	if !ok {
		return nil, nil, protocol.NoSuchFrame(contextID)
	}
	if c.Current != nil && !c.Current.terminal() {
		c.Current.State = NavigationAborted
		superseded = c.Current
	}
	nav = &Navigation{ID: uuid.NewString(), URL: url, State: NavigationPending}
	if c.Current != nil && c.Current.State == NavigationCommitted {
		c.Previous = c.Current
	}
	c.Current = nav
	return nav, superseded, nil
}

// CommitNavigation moves the current navigation of a context from pending to
// committing (response received). Returns the navigation, or nil when the
// context has no pending navigation.
func (s *ContextStore) CommitNavigation(contextID, url string) *Navigation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[contextID]
	if !ok || c.Current == nil || c.Current.State != NavigationPending {
		return nil
	}
	if url != "" {
		c.Current.URL = url
	}
	c.Current.State = NavigationCommitting
	c.URL = c.Current.URL
	return c.Current
}

// FinishNavigation marks the current navigation committed (load fired).
func (s *ContextStore) FinishNavigation(contextID string) *Navigation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[contextID]
	if !ok || c.Current == nil || c.Current.terminal() {
		return nil
	}
	c.Current.State = NavigationCommitted
	return c.Current
}

// FailNavigation marks the current navigation failed.
func (s *ContextStore) FailNavigation(contextID string) *Navigation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[contextID]
	if !ok || c.Current == nil || c.Current.terminal() {
		return nil
	}
	c.Current.State = NavigationFailed
	return c.Current
}

// CurrentNavigation returns a snapshot of the context's current navigation.
// The boolean reports whether the context exists and has one.
func (s *ContextStore) CurrentNavigation(contextID string) (Navigation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[contextID]
	if !ok || c.Current == nil {
		return Navigation{}, false
	}
	return *c.Current, true
}

// SetURL records the last known URL of a context (fragment navigations,
// same-document updates).
func (s *ContextStore) SetURL(contextID, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contexts[contextID]; ok {
		c.URL = url
	}
}
