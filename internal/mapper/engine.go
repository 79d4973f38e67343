// Package mapper implements the BiDi↔CDP mapper engine: command dispatch,
// the canonical stores, CDP event translation and subscription-ordered
// event delivery.
package mapper

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chromedp/cdproto/security"
	"github.com/chromedp/cdproto/target"
	"github.com/sirupsen/logrus"

	"github.com/chengweih001/chromium-bidi/internal/cdp"
	"github.com/chengweih001/chromium-bidi/internal/protocol"
	"github.com/chengweih001/chromium-bidi/internal/store"
	"github.com/chengweih001/chromium-bidi/internal/subscription"
	"github.com/chengweih001/chromium-bidi/internal/transport"
)

// PromptBehavior controls what happens to user prompts nobody handles.
type PromptBehavior string

const (
	PromptDefault PromptBehavior = ""
	PromptAccept  PromptBehavior = "accept"
	PromptDismiss PromptBehavior = "dismiss"
	PromptIgnore  PromptBehavior = "ignore"
)

// Config is the construction-time configuration of the engine.
type Config struct {
	AcceptInsecureCerts     bool
	UnhandledPromptBehavior PromptBehavior
	// IdleTimeout caps how long a command handler waits on a browser
	// event (navigation wait, context or sandbox creation). Zero means no
	// timeout.
	IdleTimeout time.Duration
}

// waitTimeout returns the handler wait cap, or a very large value when the
// configuration asks for no timeout.
func (c Config) waitTimeout() time.Duration {
	if c.IdleTimeout <= 0 {
		return 24 * time.Hour
	}
	return c.IdleTimeout
}

// Mapper is the engine. It owns the stores, the southbound CDP client and
// the northbound client registry, and translates traffic in both
// directions.
type Mapper struct {
	cfg Config
	log logrus.FieldLogger
	cdp *cdp.Client

	contexts     *store.ContextStore
	realms       *store.RealmStore
	network      *store.NetworkStore
	intercepts   *store.InterceptStore
	preloads     *store.PreloadScriptStore
	userContexts *store.UserContextStore
	subs         *subscription.Manager

	dispatcher *dispatcher

	mu       sync.Mutex
	clients  map[uint64]transport.Client
	channels map[string]uint64 // channel tag → owning client id

	// fetchToNetwork correlates Fetch pause ids with Network request ids;
	// Fetch.authRequired frames carry only the former.
	fetchMu        sync.Mutex
	fetchToNetwork map[string]string
	// navWaiters holds commands suspended on a navigation, keyed by
	// context id.
	navWaiters map[string][]*navWaiter
	// inputStates tracks pressed keys and buttons per context.
	inputStates map[string]*inputState

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a mapper engine on an established CDP client.
func New(client *cdp.Client, cfg Config, log logrus.FieldLogger) *Mapper {
	m := &Mapper{
		cfg:          cfg,
		log:          log.WithField("component", "mapper"),
		cdp:          client,
		contexts:     store.NewContextStore(),
		realms:       store.NewRealmStore(),
		network:      store.NewNetworkStore(),
		intercepts:   store.NewInterceptStore(),
		preloads:     store.NewPreloadScriptStore(),
		userContexts: store.NewUserContextStore(),
		clients:        make(map[uint64]transport.Client),
		channels:       make(map[string]uint64),
		fetchToNetwork: make(map[string]string),
		navWaiters:   make(map[string][]*navWaiter),
		done:         make(chan struct{}),
	}
	m.subs = subscription.NewManager(func(ctx string) (string, bool) {
		if !m.contexts.Has(ctx) {
			return "", false
		}
		return m.contexts.FindTopLevel(ctx), true
	})
	m.dispatcher = newDispatcher(m)
	client.OnEvent(m.onCDPEvent)
	return m
}

// Start performs the CDP handshake: certificate handling, then target
// auto-attach so every page target gets its own flat session. A failed
// handshake is surfaced as "session not created".
func (m *Mapper) Start(ctx context.Context) *protocol.Error {
	if m.cfg.AcceptInsecureCerts {
		params := security.SetIgnoreCertificateErrors(true)
		if err := m.cdp.Send(ctx, "", security.CommandSetIgnoreCertificateErrors, params, nil); err != nil {
			return protocol.NewError(protocol.ErrSessionNotCreated, "failed to configure certificates: %s", err.Error())
		}
	}
	attach := target.SetAutoAttach(true, true).WithFlatten(true)
	if err := m.cdp.Send(ctx, "", target.CommandSetAutoAttach, attach, nil); err != nil {
		return protocol.NewError(protocol.ErrSessionNotCreated, "browser handshake failed: %s", err.Error())
	}
	return nil
}

// Close shuts the engine down. Every pending command resolves with
// "unknown error: session ended".
func (m *Mapper) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.failAllWaiters(protocol.NewError(protocol.ErrUnknownError, "session ended"))
		m.cdp.Close()
	})
}

// Done returns a channel closed on shutdown.
func (m *Mapper) Done() <-chan struct{} { return m.done }

// OnClientConnect registers a northbound client.
func (m *Mapper) OnClientConnect(c transport.Client) {
	m.mu.Lock()
	m.clients[c.ID()] = c
	m.mu.Unlock()
	m.log.WithField("client", c.ID()).Info("client connected")
}

// OnClientMessage handles one frame from a client.
func (m *Mapper) OnClientMessage(c transport.Client, msg string) {
	cmd, perr := protocol.ParseCommand([]byte(msg))
	if perr != nil {
		// The frame id may still be recoverable for the error response.
		var probe struct {
			ID *uint64 `json:"id"`
		}
		json.Unmarshal([]byte(msg), &probe)
		m.sendToClient(c, protocol.Failure(probe.ID, "", perr))
		return
	}
	if cmd.Channel != "" {
		m.mu.Lock()
		m.channels[cmd.Channel] = c.ID()
		m.mu.Unlock()
	}
	m.dispatcher.enqueue(c, cmd)
}

// OnClientDisconnect drops a client and the subscriptions of its channels.
func (m *Mapper) OnClientDisconnect(c transport.Client) {
	m.mu.Lock()
	delete(m.clients, c.ID())
	var orphaned []string
	for channel, owner := range m.channels {
		if owner == c.ID() {
			orphaned = append(orphaned, channel)
			delete(m.channels, channel)
		}
	}
	m.mu.Unlock()
	for _, channel := range orphaned {
		m.subs.UnsubscribeChannel(channel)
	}
	m.log.WithField("client", c.ID()).Info("client disconnected")
}

// sendToClient serializes and delivers one frame, logging failures.
func (m *Mapper) sendToClient(c transport.Client, frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		m.log.WithError(err).Error("failed to marshal frame")
		return
	}
	if err := c.Send(string(data)); err != nil {
		m.log.WithError(err).WithField("client", c.ID()).Debug("failed to send frame")
	}
}

// emit routes one BiDi event: it asks the subscription manager for the
// ordered channel list, serializes per channel and delivers. Events never
// block command processing.
func (m *Mapper) emit(event, contextID string, params interface{}) {
	channels := m.subs.ChannelsFor(event, contextID)
	if len(channels) == 0 {
		return
	}

	m.mu.Lock()
	targets := make([]struct {
		channel string
		clients []transport.Client
	}, 0, len(channels))
	for _, channel := range channels {
		var dest []transport.Client
		if channel == "" {
			for _, c := range m.clients {
				dest = append(dest, c)
			}
		} else if owner, ok := m.channels[channel]; ok {
			if c, ok := m.clients[owner]; ok {
				dest = append(dest, c)
			}
		}
		targets = append(targets, struct {
			channel string
			clients []transport.Client
		}{channel, dest})
	}
	m.mu.Unlock()

	for _, t := range targets {
		frame := protocol.Event(event, params, t.channel)
		for _, c := range t.clients {
			m.sendToClient(c, frame)
		}
	}
}

// hasSubscribers reports whether anyone listens for an event on a context.
func (m *Mapper) hasSubscribers(event, contextID string) bool {
	return m.subs.HasSubscribers(event, contextID)
}

// ---------------------------------------------------------------------------
// Navigation waits
// ---------------------------------------------------------------------------

// navWaiter is one command handler suspended until a navigation reaches its
// wait condition.
type navWaiter struct {
	navigationID string
	// condition is "interactive" or "complete".
	condition string
	ch        chan *protocol.Error
}

// waitForNavigation suspends until the navigation reaches the requested
// readiness, the handler timeout expires, or the session ends.
func (m *Mapper) waitForNavigation(contextID, navigationID, condition string) *protocol.Error {
	w := &navWaiter{
		navigationID: navigationID,
		condition:    condition,
		ch:           make(chan *protocol.Error, 1),
	}
	m.mu.Lock()
	m.navWaiters[contextID] = append(m.navWaiters[contextID], w)
	m.mu.Unlock()

	// The navigation may have settled or been superseded before the waiter
	// registered; a signal sent in that window was missed, so consult the
	// store once instead of hanging until the timeout.
	if cur, ok := m.contexts.CurrentNavigation(contextID); !ok || cur.ID != navigationID {
		m.removeWaiter(contextID, w)
		return protocol.NewError(protocol.ErrUnknownError, "navigation canceled by a newer navigation")
	} else if cur.State == store.NavigationAborted {
		m.removeWaiter(contextID, w)
		return protocol.NewError(protocol.ErrUnknownError, "navigation canceled by a newer navigation")
	} else if cur.State == store.NavigationFailed {
		m.removeWaiter(contextID, w)
		return protocol.NewError(protocol.ErrUnknownError, "navigation failed")
	} else if cur.State == store.NavigationCommitted {
		m.removeWaiter(contextID, w)
		return nil
	}

	timer := time.NewTimer(m.cfg.waitTimeout())
	defer timer.Stop()

	select {
	case perr := <-w.ch:
		return perr
	case <-timer.C:
		m.removeWaiter(contextID, w)
		return protocol.NewError(protocol.ErrUnknownError, "timed out waiting for navigation")
	case <-m.done:
		m.removeWaiter(contextID, w)
		return protocol.NewError(protocol.ErrUnknownError, "session ended")
	}
}

func (m *Mapper) removeWaiter(contextID string, w *navWaiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waiters := m.navWaiters[contextID]
	for i, cand := range waiters {
		if cand == w {
			m.navWaiters[contextID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
}

// signalNavigation wakes the waiters of a context whose condition is
// satisfied by the given readiness ("interactive" satisfies interactive
// waiters, "complete" satisfies both). A non-nil perr fails every waiter of
// the navigation.
func (m *Mapper) signalNavigation(contextID, navigationID, readiness string, perr *protocol.Error) {
	m.mu.Lock()
	waiters := m.navWaiters[contextID]
	var keep, wake []*navWaiter
	for _, w := range waiters {
		if w.navigationID != navigationID {
			keep = append(keep, w)
			continue
		}
		if perr != nil || readiness == "complete" || readiness == w.condition {
			wake = append(wake, w)
		} else {
			keep = append(keep, w)
		}
	}
	m.navWaiters[contextID] = keep
	m.mu.Unlock()

	for _, w := range wake {
		w.ch <- perr
	}
}

func (m *Mapper) failAllWaiters(perr *protocol.Error) {
	m.mu.Lock()
	var all []*navWaiter
	for ctx, waiters := range m.navWaiters {
		all = append(all, waiters...)
		delete(m.navWaiters, ctx)
	}
	m.mu.Unlock()
	for _, w := range all {
		w.ch <- perr
	}
}

// sessionFor returns a CDP session handle for a context.
func (m *Mapper) sessionFor(c *store.Context) *cdp.Session {
	return m.cdp.Session(c.CDPSession)
}

// topLevelSessions returns one CDP session id per top-level context.
func (m *Mapper) topLevelSessions() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range m.contexts.TopLevels() {
		c, err := m.contexts.Get(id)
		if err != nil {
			continue
		}
		if !seen[c.CDPSession] {
			seen[c.CDPSession] = true
			out = append(out, c.CDPSession)
		}
	}
	return out
}
