package mapper

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chromedp/cdproto"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/chengweih001/chromium-bidi/internal/cdp"
	"github.com/chengweih001/chromium-bidi/internal/protocol"
	"github.com/chengweih001/chromium-bidi/internal/store"
)

// nowMillis is the event timestamp source: milliseconds since the Unix
// epoch.
func nowMillis() int64 { return time.Now().UnixMilli() }

// onCDPEvent translates one CDP event into store mutations and BiDi events.
// It runs on the CDP read goroutine, so translation consults the stores and
// never re-queries the browser; follow-up CDP calls are spawned off.
func (m *Mapper) onCDPEvent(ev cdp.Event) {
	switch ev.Method {
	case cdproto.EventTargetAttachedToTarget:
		var p target.EventAttachedToTarget
		if json.Unmarshal(ev.Params, &p) == nil {
			m.onTargetAttached(&p)
		}
	case cdproto.EventTargetDetachedFromTarget:
		var p target.EventDetachedFromTarget
		if json.Unmarshal(ev.Params, &p) == nil {
			m.onTargetDetached(&p)
		}
	case cdproto.EventPageFrameAttached:
		var p cdppage.EventFrameAttached
		if json.Unmarshal(ev.Params, &p) == nil {
			m.onFrameAttached(ev.SessionID, &p)
		}
	case cdproto.EventPageFrameDetached:
		var p cdppage.EventFrameDetached
		if json.Unmarshal(ev.Params, &p) == nil {
			m.destroyContext(string(p.FrameID))
		}
	case cdproto.EventPageFrameStartedLoading:
		var p cdppage.EventFrameStartedLoading
		if json.Unmarshal(ev.Params, &p) == nil {
			m.onFrameStartedLoading(string(p.FrameID))
		}
	case cdproto.EventPageFrameNavigated:
		var p cdppage.EventFrameNavigated
		if json.Unmarshal(ev.Params, &p) == nil && p.Frame != nil {
			m.onFrameNavigated(string(p.Frame.ID), p.Frame.URL)
		}
	case cdproto.EventPageNavigatedWithinDocument:
		var p cdppage.EventNavigatedWithinDocument
		if json.Unmarshal(ev.Params, &p) == nil {
			m.onFragmentNavigated(string(p.FrameID), p.URL)
		}
	case cdproto.EventPageDomContentEventFired:
		m.onReadiness(ev.SessionID, "interactive")
	case cdproto.EventPageLoadEventFired:
		m.onReadiness(ev.SessionID, "complete")
	case cdproto.EventPageJavascriptDialogOpening:
		var p cdppage.EventJavascriptDialogOpening
		if json.Unmarshal(ev.Params, &p) == nil {
			m.onDialogOpening(ev.SessionID, &p)
		}
	case cdproto.EventPageJavascriptDialogClosed:
		var p cdppage.EventJavascriptDialogClosed
		if json.Unmarshal(ev.Params, &p) == nil {
			m.onDialogClosed(ev.SessionID, &p)
		}
	case cdproto.EventRuntimeExecutionContextCreated:
		var p runtime.EventExecutionContextCreated
		if json.Unmarshal(ev.Params, &p) == nil && p.Context != nil {
			m.onExecutionContextCreated(ev.SessionID, p.Context)
		}
	case cdproto.EventRuntimeExecutionContextDestroyed:
		var p runtime.EventExecutionContextDestroyed
		if json.Unmarshal(ev.Params, &p) == nil {
			m.onExecutionContextDestroyed(ev.SessionID, &p)
		}
	case cdproto.EventRuntimeExecutionContextsCleared:
		m.onExecutionContextsCleared(ev.SessionID)
	case cdproto.EventRuntimeConsoleAPICalled:
		var p runtime.EventConsoleAPICalled
		if json.Unmarshal(ev.Params, &p) == nil {
			m.onConsoleAPICalled(ev.SessionID, &p)
		}
	case cdproto.EventRuntimeExceptionThrown:
		var p runtime.EventExceptionThrown
		if json.Unmarshal(ev.Params, &p) == nil {
			m.onExceptionThrown(ev.SessionID, &p)
		}
	default:
		m.onNetworkEvent(ev)
	}
}

// ---------------------------------------------------------------------------
// Targets and frames
// ---------------------------------------------------------------------------

func (m *Mapper) onTargetAttached(p *target.EventAttachedToTarget) {
	info := p.TargetInfo
	if info == nil {
		return
	}
	sessionID := string(p.SessionID)
	switch info.Type {
	case "page", "tab":
	default:
		// Workers and other targets do not form browsing contexts; resume
		// them and move on.
		go m.resumeTarget(sessionID)
		return
	}

	userContext := m.userContexts.FindByCDP(string(info.BrowserContextID))
	ctx, perr := m.contexts.Add(string(info.TargetID), "", userContext, sessionID)
	if perr != nil {
		m.log.WithField("target", info.TargetID).Debug("duplicate target attach")
		return
	}
	m.contexts.SetURL(ctx.ID, info.URL)

	m.emit(protocol.EventContextCreated, ctx.ID, m.contextInfo(ctx.ID, false))

	// Domain enabling requires CDP round-trips; keep the read loop free.
	go m.setupTargetSession(sessionID, ctx.ID)
}

// setupTargetSession enables the domains the mapper depends on for a fresh
// target session and releases the debugger pause.
func (m *Mapper) setupTargetSession(sessionID, contextID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sess := m.cdp.Session(sessionID)

	type call struct {
		method string
		params interface{}
	}
	calls := []call{
		{"Page.enable", nil},
		{"Runtime.enable", nil},
		{"Network.enable", nil},
		{target.CommandSetAutoAttach, target.SetAutoAttach(true, true).WithFlatten(true)},
	}
	for _, c := range calls {
		if err := sess.Send(ctx, c.method, c.params, nil); err != nil {
			m.log.WithError(err).WithField("method", c.method).Debug("target setup call failed")
		}
	}

	m.installPreloadScripts(ctx, sess, contextID)

	if !m.intercepts.Empty() {
		if err := m.enableFetch(ctx, sess); err != nil {
			m.log.WithError(err).Debug("failed to enable fetch on new target")
		}
	}

	m.resumeTarget(sessionID)
}

func (m *Mapper) resumeTarget(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := m.cdp.Session(sessionID).Send(ctx, runtime.CommandRunIfWaitingForDebugger, nil, nil)
	if err != nil {
		m.log.WithError(err).Debug("runIfWaitingForDebugger failed")
	}
}

// installPreloadScripts replays registered preload scripts into a new
// target so they run before any page script.
func (m *Mapper) installPreloadScripts(ctx context.Context, sess *cdp.Session, contextID string) {
	top := m.contexts.FindTopLevel(contextID)
	for _, script := range m.preloads.ForContext(top) {
		m.installPreloadScript(ctx, sess, script)
	}
}

// installPreloadScript installs one preload script on one target session
// and records the CDP identifier for later removal.
func (m *Mapper) installPreloadScript(ctx context.Context, sess *cdp.Session, script *store.PreloadScript) {
	action := cdppage.AddScriptToEvaluateOnNewDocument(wrapPreloadSource(script.Source)).
		WithRunImmediately(true)
	if script.Sandbox != "" {
		action = action.WithWorldName(script.Sandbox)
	}
	var res struct {
		Identifier string `json:"identifier"`
	}
	if err := sess.Send(ctx, cdppage.CommandAddScriptToEvaluateOnNewDocument, action, &res); err != nil {
		m.log.WithError(err).WithField("script", script.ID).Debug("preload install failed")
		return
	}
	m.preloads.SetCDPID(script.ID, sess.ID(), res.Identifier)
}

// wrapPreloadSource turns a function declaration into an immediately
// invoked expression.
func wrapPreloadSource(fn string) string {
	return "(" + fn + ")();"
}

func (m *Mapper) onTargetDetached(p *target.EventDetachedFromTarget) {
	sessionID := string(p.SessionID)
	if id, ok := m.contexts.TopLevelBySession(sessionID); ok {
		m.destroyContext(id)
	}
}

func (m *Mapper) onFrameAttached(sessionID string, p *cdppage.EventFrameAttached) {
	parent := string(p.ParentFrameID)
	if !m.contexts.Has(parent) {
		// OOPIF parents live on another session; the frame will surface
		// there via its own target attach.
		return
	}
	pc, _ := m.contexts.Get(parent)
	ctx, perr := m.contexts.Add(string(p.FrameID), parent, pc.UserContext, sessionID)
	if perr != nil {
		return
	}
	m.emit(protocol.EventContextCreated, ctx.ID, m.contextInfo(ctx.ID, false))
}

// destroyContext removes a subtree and emits contextDestroyed per removed
// node in child-first order, garbage-collecting realms and requests.
func (m *Mapper) destroyContext(id string) {
	if !m.contexts.Has(id) {
		return
	}
	// Snapshot the infos before removal so the events still carry URLs.
	order := m.contexts.SubtreePostOrder(id)
	infos := make(map[string]interface{}, len(order))
	for _, rid := range order {
		infos[rid] = m.contextInfo(rid, false)
	}
	m.contexts.Remove(id)

	for _, rid := range order {
		for _, realm := range m.realms.RemoveByContext(rid) {
			m.emit(protocol.EventRealmDestroyed, rid, map[string]interface{}{"realm": realm.ID})
		}
		for _, req := range m.network.RemoveByContext(rid) {
			m.emitFetchError(req, "request canceled by context destruction")
		}
		m.signalNavigationAborted(rid)
		m.emit(protocol.EventContextDestroyed, rid, infos[rid])
	}
}

// signalNavigationAborted fails every navigation waiter of a destroyed
// context.
func (m *Mapper) signalNavigationAborted(contextID string) {
	m.mu.Lock()
	waiters := m.navWaiters[contextID]
	delete(m.navWaiters, contextID)
	m.mu.Unlock()
	for _, w := range waiters {
		w.ch <- protocol.NoSuchFrame(contextID)
	}
}

// ---------------------------------------------------------------------------
// Navigation
// ---------------------------------------------------------------------------

func (m *Mapper) onFrameStartedLoading(contextID string) {
	c, perr := m.contexts.Get(contextID)
	if perr != nil {
		return
	}
	if c.Current != nil && c.Current.State == store.NavigationPending {
		// Command-initiated navigation already tracked.
		return
	}
	nav, superseded, perr := m.contexts.StartNavigation(contextID, c.URL)
	if perr != nil {
		return
	}
	if superseded != nil {
		m.emitNavigationEvent(protocol.EventNavigationAborted, contextID, superseded)
		m.signalNavigation(contextID, superseded.ID, "",
			protocol.NewError(protocol.ErrUnknownError, "navigation canceled by a newer navigation"))
	}
	m.emitNavigationEvent(protocol.EventNavigationStarted, contextID, nav)
}

func (m *Mapper) onFrameNavigated(contextID, url string) {
	if nav := m.contexts.CommitNavigation(contextID, url); nav != nil {
		return
	}
	m.contexts.SetURL(contextID, url)
}

func (m *Mapper) onFragmentNavigated(contextID, url string) {
	m.contexts.SetURL(contextID, url)
	m.emit(protocol.EventFragmentNavigated, contextID, map[string]interface{}{
		"context":    contextID,
		"navigation": nil,
		"timestamp":  nowMillis(),
		"url":        url,
	})
}

// onReadiness handles domContentEventFired/loadEventFired, which CDP emits
// per session for the root frame.
func (m *Mapper) onReadiness(sessionID, readiness string) {
	contextID, ok := m.contexts.TopLevelBySession(sessionID)
	if !ok {
		return
	}
	c, perr := m.contexts.Get(contextID)
	if perr != nil || c.Current == nil {
		return
	}
	nav := c.Current
	event := protocol.EventDomContentLoaded
	if readiness == "complete" {
		m.contexts.FinishNavigation(contextID)
		event = protocol.EventLoad
	}
	m.emitNavigationEvent(event, contextID, nav)
	m.signalNavigation(contextID, nav.ID, readiness, nil)
}

func (m *Mapper) emitNavigationEvent(event, contextID string, nav *store.Navigation) {
	m.emit(event, contextID, map[string]interface{}{
		"context":    contextID,
		"navigation": nav.ID,
		"timestamp":  nowMillis(),
		"url":        nav.URL,
	})
}

// ---------------------------------------------------------------------------
// User prompts
// ---------------------------------------------------------------------------

func (m *Mapper) onDialogOpening(sessionID string, p *cdppage.EventJavascriptDialogOpening) {
	contextID, ok := m.contexts.TopLevelBySession(sessionID)
	if !ok {
		return
	}
	handler := string(m.cfg.UnhandledPromptBehavior)
	if handler == "" {
		handler = "dismiss"
	}
	params := map[string]interface{}{
		"context": contextID,
		"type":    string(p.Type),
		"message": p.Message,
		"handler": handler,
	}
	if p.Type == cdppage.DialogTypePrompt {
		params["defaultValue"] = p.DefaultPrompt
	}
	m.emit(protocol.EventUserPromptOpened, contextID, params)

	switch m.cfg.UnhandledPromptBehavior {
	case PromptAccept:
		go m.handleDialog(sessionID, true, "")
	case PromptDismiss:
		go m.handleDialog(sessionID, false, "")
	case PromptIgnore, PromptDefault:
		// Left for the client to handle via handleUserPrompt.
	}
}

func (m *Mapper) handleDialog(sessionID string, accept bool, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	action := cdppage.HandleJavaScriptDialog(accept)
	if text != "" {
		action = action.WithPromptText(text)
	}
	err := m.cdp.Session(sessionID).Send(ctx, cdppage.CommandHandleJavaScriptDialog, action, nil)
	if err != nil {
		m.log.WithError(err).Debug("failed to handle dialog")
	}
}

func (m *Mapper) onDialogClosed(sessionID string, p *cdppage.EventJavascriptDialogClosed) {
	contextID, ok := m.contexts.TopLevelBySession(sessionID)
	if !ok {
		return
	}
	m.emit(protocol.EventUserPromptClosed, contextID, map[string]interface{}{
		"context":  contextID,
		"accepted": p.Result,
		"userText": p.UserInput,
	})
}

// ---------------------------------------------------------------------------
// Realms and logs
// ---------------------------------------------------------------------------

func (m *Mapper) onExecutionContextCreated(sessionID string, desc *runtime.ExecutionContextDescription) {
	var aux struct {
		FrameID   string `json:"frameId"`
		IsDefault bool   `json:"isDefault"`
		Type      string `json:"type"`
	}
	if len(desc.AuxData) > 0 {
		json.Unmarshal(desc.AuxData, &aux)
	}
	realm := &store.Realm{
		ID:               desc.UniqueID,
		Context:          aux.FrameID,
		Type:             store.RealmWindow,
		Origin:           desc.Origin,
		ExecutionContext: desc.ID,
		CDPSession:       sessionID,
	}
	if !aux.IsDefault {
		realm.Sandbox = desc.Name
	}
	m.realms.Add(realm)
	m.emit(protocol.EventRealmCreated, aux.FrameID, map[string]interface{}{
		"realm":   realm.ID,
		"origin":  realm.Origin,
		"context": realm.Context,
		"type":    string(realm.Type),
	})
}

func (m *Mapper) onExecutionContextDestroyed(sessionID string, p *runtime.EventExecutionContextDestroyed) {
	id := p.ExecutionContextUniqueID
	if id == "" {
		if realm, ok := m.realms.ByExecutionContext(sessionID, p.ExecutionContextID); ok {
			id = realm.ID
		}
	}
	if realm, ok := m.realms.Remove(id); ok {
		m.emit(protocol.EventRealmDestroyed, realm.Context, map[string]interface{}{"realm": realm.ID})
	}
}

func (m *Mapper) onExecutionContextsCleared(sessionID string) {
	for _, realm := range m.realms.Filter("", "") {
		if realm.CDPSession == sessionID {
			if removed, ok := m.realms.Remove(realm.ID); ok {
				m.emit(protocol.EventRealmDestroyed, removed.Context, map[string]interface{}{"realm": removed.ID})
			}
		}
	}
}

func (m *Mapper) onConsoleAPICalled(sessionID string, p *runtime.EventConsoleAPICalled) {
	realm, _ := m.realms.ByExecutionContext(sessionID, p.ExecutionContextID)
	contextID := ""
	realmID := ""
	if realm != nil {
		contextID = realm.Context
		realmID = realm.ID
	}
	entry := consoleLogEntry(p, realmID, contextID)
	m.emit(protocol.EventLogEntryAdded, contextID, entry)
}

func (m *Mapper) onExceptionThrown(sessionID string, p *runtime.EventExceptionThrown) {
	if p.ExceptionDetails == nil {
		return
	}
	realm, _ := m.realms.ByExecutionContext(sessionID, p.ExceptionDetails.ExecutionContextID)
	contextID := ""
	realmID := ""
	if realm != nil {
		contextID = realm.Context
		realmID = realm.ID
	}
	m.emit(protocol.EventLogEntryAdded, contextID, map[string]interface{}{
		"type":      "javascript",
		"level":     "error",
		"source":    map[string]interface{}{"realm": realmID, "context": contextID},
		"text":      exceptionText(p.ExceptionDetails),
		"timestamp": nowMillis(),
	})
}

// ---------------------------------------------------------------------------
// Fetch error helper shared with the network processors
// ---------------------------------------------------------------------------

func (m *Mapper) emitFetchError(req *store.Request, errorText string) {
	req.Advance(store.PhaseFetchError)
	m.emit(protocol.EventFetchError, req.Context, map[string]interface{}{
		"context":       req.Context,
		"navigation":    navigationOrNil(req),
		"redirectCount": req.RedirectCount,
		"request":       requestData(req),
		"timestamp":     nowMillis(),
		"errorText":     errorText,
	})
}

func navigationOrNil(req *store.Request) interface{} {
	if req.NavigationID == "" {
		return nil
	}
	return req.NavigationID
}
