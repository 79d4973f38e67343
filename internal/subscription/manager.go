// Package subscription implements the per-(channel, context, event)
// subscription model with priority-ordered delivery. Subscriptions attach to
// top-level browsing contexts; events on a descendant fan out to the
// subscribers of its top level. A missing context denotes a session-wide
// subscription.
package subscription

import (
	"sort"
	"sync"

	"github.com/chengweih001/chromium-bidi/internal/protocol"
)

// TopLevelResolver maps a browsing context id to its top-level ancestor.
// The boolean reports whether the context is known.
type TopLevelResolver func(context string) (string, bool)

// globalKey is the inner-map key of session-wide (null context)
// subscriptions. Browsing context ids are never empty.
const globalKey = ""

// Manager holds the subscription state. Priorities are minted from a single
// monotonic counter, so a later subscription compares higher than an
// earlier one and delivery order is oldest-subscription-first.
type Manager struct {
	mu      sync.Mutex
	counter uint64
	// subs: channel → context key → event → priority.
	subs    map[string]map[string]map[string]uint64
	resolve TopLevelResolver
}

// NewManager creates a Manager using resolve for top-level rollup.
func NewManager(resolve TopLevelResolver) *Manager {
	return &Manager{
		subs:    make(map[string]map[string]map[string]uint64),
		resolve: resolve,
	}
}

// Subscribe registers the given events for a channel, optionally scoped to
// contexts. Group events expand to their atomic members. Re-subscribing an
// existing triple keeps its original priority.
func (m *Manager) Subscribe(events, contexts []string, channel string) *protocol.Error {
	for _, e := range events {
		if !protocol.KnownEvent(e) {
			return protocol.InvalidArgument("unknown event %s", e)
		}
	}

	keys := []string{globalKey}
	if len(contexts) > 0 {
		keys = keys[:0]
		for _, c := range contexts {
			top, ok := m.resolve(c)
			if !ok {
				return protocol.NoSuchFrame(c)
			}
			keys = append(keys, top)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, event := range protocol.ExpandEvents(events) {
		for _, key := range keys {
			byContext, ok := m.subs[channel]
			if !ok {
				byContext = make(map[string]map[string]uint64)
				m.subs[channel] = byContext
			}
			byEvent, ok := byContext[key]
			if !ok {
				byEvent = make(map[string]uint64)
				byContext[key] = byEvent
			}
			if _, ok := byEvent[event]; ok {
				continue
			}
			m.counter++
			byEvent[event] = m.counter
		}
	}
	return nil
}

// Unsubscribe removes the given (event, context) pairs for a channel. The
// call is atomic: if any pair has no subscription the whole call fails and
// nothing is removed.
func (m *Manager) Unsubscribe(events, contexts []string, channel string) *protocol.Error {
	for _, e := range events {
		if !protocol.KnownEvent(e) {
			return protocol.InvalidArgument("unknown event %s", e)
		}
	}

	keys := []string{globalKey}
	if len(contexts) > 0 {
		keys = keys[:0]
		for _, c := range contexts {
			top, ok := m.resolve(c)
			if !ok {
				return protocol.NoSuchFrame(c)
			}
			keys = append(keys, top)
		}
	}
	expanded := protocol.ExpandEvents(events)

	m.mu.Lock()
	defer m.mu.Unlock()

	byContext := m.subs[channel]
	for _, event := range expanded {
		for _, key := range keys {
			if byContext == nil {
				return protocol.InvalidArgument("no subscription for event %s", event)
			}
			if _, ok := byContext[key][event]; !ok {
				return protocol.InvalidArgument("no subscription for event %s", event)
			}
		}
	}

	for _, event := range expanded {
		for _, key := range keys {
			delete(byContext[key], event)
			if len(byContext[key]) == 0 {
				delete(byContext, key)
			}
		}
	}
	if len(byContext) == 0 {
		delete(m.subs, channel)
	}
	return nil
}

// UnsubscribeChannel drops every subscription held by a channel, used when
// a client disconnects.
func (m *Manager) UnsubscribeChannel(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, channel)
}

// ChannelsFor returns every channel subscribed to event on the given
// context — either globally or via the context's top level — sorted by
// ascending priority (oldest subscription first). An empty context matches
// only session-wide subscriptions.
func (m *Manager) ChannelsFor(event, context string) []string {
	top := context
	if context != "" {
		if resolved, ok := m.resolve(context); ok {
			top = resolved
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keys := []string{globalKey}
	if top != globalKey {
		keys = append(keys, top)
	}

	type entry struct {
		channel  string
		priority uint64
	}
	var entries []entry
	for channel, byContext := range m.subs {
		best, found := uint64(0), false
		for _, key := range keys {
			if p, ok := byContext[key][event]; ok {
				if !found || p < best {
					best, found = p, true
				}
			}
		}
		if found {
			entries = append(entries, entry{channel, best})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].priority < entries[j].priority })
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.channel
	}
	return out
}

// HasSubscribers reports whether at least one channel would receive the
// event on the given context.
func (m *Manager) HasSubscribers(event, context string) bool {
	return len(m.ChannelsFor(event, context)) > 0
}
