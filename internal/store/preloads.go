package store

import (
	"sync"

	"github.com/google/uuid"

	"github.com/chengweih001/chromium-bidi/internal/protocol"
)

// PreloadScript is a script replayed into every newly created realm matching
// its filter, before any page script runs.
type PreloadScript struct {
	ID string
	// Source is the function declaration to evaluate.
	Source  string
	Sandbox string
	// Contexts restricts the script to the given top-level contexts; empty
	// means all.
	Contexts []string

	// cdpIDs maps a CDP session id to the Page.addScriptToEvaluateOnNewDocument
	// identifier installed there, needed for removal.
	cdpIDs map[string]string
}

// AppliesTo reports whether the script must run in realms of the given
// top-level context.
func (p *PreloadScript) AppliesTo(topLevelContext string) bool {
	if len(p.Contexts) == 0 {
		return true
	}
	for _, c := range p.Contexts {
		if c == topLevelContext {
			return true
		}
	}
	return false
}

// CDPIDs returns the per-session installed script ids.
func (p *PreloadScript) CDPIDs() map[string]string {
	out := make(map[string]string, len(p.cdpIDs))
	for k, v := range p.cdpIDs {
		out[k] = v
	}
	return out
}

// PreloadScriptStore tracks the registered preload scripts.
type PreloadScriptStore struct {
	mu      sync.RWMutex
	scripts map[string]*PreloadScript
}

// NewPreloadScriptStore creates an empty preload script store.
func NewPreloadScriptStore() *PreloadScriptStore {
	return &PreloadScriptStore{scripts: make(map[string]*PreloadScript)}
}

// Add registers a preload script and mints its id.
func (s *PreloadScriptStore) Add(source, sandbox string, contexts []string) *PreloadScript {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &PreloadScript{
		ID:       uuid.NewString(),
		Source:   source,
		Sandbox:  sandbox,
		Contexts: contexts,
		cdpIDs:   make(map[string]string),
	}
	s.scripts[p.ID] = p
	return p
}

// Get returns the preload script with the given id.
func (s *PreloadScriptStore) Get(id string) (*PreloadScript, *protocol.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.scripts[id]
	if !ok {
		return nil, protocol.NoSuchScript(id)
	}
	return p, nil
}

// Remove deletes a preload script and returns it.
func (s *PreloadScriptStore) Remove(id string) (*PreloadScript, *protocol.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.scripts[id]
	if !ok {
		return nil, protocol.NoSuchScript(id)
	}
	delete(s.scripts, id)
	return p, nil
}

// SetCDPID records the CDP identifier a script got when installed on a
// session.
func (s *PreloadScriptStore) SetCDPID(id, cdpSession, cdpID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.scripts[id]; ok {
		p.cdpIDs[cdpSession] = cdpID
	}
}

// ForContext returns the scripts that apply to a top-level context.
func (s *PreloadScriptStore) ForContext(topLevelContext string) []*PreloadScript {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PreloadScript
	for _, p := range s.scripts {
		if p.AppliesTo(topLevelContext) {
			out = append(out, p)
		}
	}
	return out
}
