package mapper

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/emulation"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"github.com/chengweih001/chromium-bidi/internal/protocol"
	"github.com/chengweih001/chromium-bidi/internal/store"
)

func (m *Mapper) contextGetTree(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	roots := m.contexts.TopLevels()
	if root, ok := p.String("root"); ok {
		if _, perr := m.contexts.Get(root); perr != nil {
			return nil, perr
		}
		roots = []string{root}
	}
	infos := []interface{}{}
	for _, id := range roots {
		infos = append(infos, m.contextInfo(id, true))
	}
	return map[string]interface{}{"contexts": infos}, nil
}

func (m *Mapper) contextCreate(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	createType, _ := p.String("type")
	userContext, hasUC := p.String("userContext")
	if !hasUC {
		userContext = store.DefaultUserContext
	}
	uc, perr := m.userContexts.Get(userContext)
	if perr != nil {
		return nil, perr
	}

	action := target.CreateTarget("about:blank").WithNewWindow(createType == "window")
	if uc.CDPBrowserContext != "" {
		action = action.WithBrowserContextID(browserContextID(uc.CDPBrowserContext))
	}
	var res struct {
		TargetID string `json:"targetId"`
	}
	if err := m.cdp.Send(ctx, "", target.CommandCreateTarget, action, &res); err != nil {
		return nil, protocol.UnknownError(err)
	}

	// The context materializes when the auto-attach event arrives; wait
	// for the store to catch up before answering.
	if perr := m.awaitContext(res.TargetID); perr != nil {
		return nil, perr
	}
	return map[string]interface{}{"context": res.TargetID}, nil
}

// awaitContext polls the store until a created target shows up, bounded by
// the handler wait cap.
func (m *Mapper) awaitContext(id string) *protocol.Error {
	deadline := time.Now().Add(m.cfg.waitTimeout())
	for !m.contexts.Has(id) {
		if time.Now().After(deadline) {
			return protocol.NewError(protocol.ErrUnknownError, "timed out waiting for context %s", id)
		}
		select {
		case <-m.done:
			return protocol.NewError(protocol.ErrUnknownError, "session ended")
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

func (m *Mapper) contextClose(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("context")
	c, perr := m.contexts.Get(id)
	if perr != nil {
		return nil, perr
	}
	if c.Parent != "" {
		return nil, protocol.InvalidArgument("context %s is not top-level", id)
	}
	if err := m.cdp.Send(ctx, "", target.CommandCloseTarget, target.CloseTarget(target.ID(id)), nil); err != nil {
		return nil, protocol.UnknownError(err)
	}
	return map[string]interface{}{}, nil
}

// contextNavigate drives the navigation state machine for an explicit
// navigate command. Navigating an iframe acts on that iframe: the command
// is never rewritten to its top-level ancestor.
func (m *Mapper) contextNavigate(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("context")
	url, _ := p.String("url")
	wait, ok := p.String("wait")
	if !ok {
		wait = "none"
	}

	c, perr := m.contexts.Get(id)
	if perr != nil {
		return nil, perr
	}

	nav, superseded, perr := m.contexts.StartNavigation(id, url)
	if perr != nil {
		return nil, perr
	}
	if superseded != nil {
		m.emitNavigationEvent(protocol.EventNavigationAborted, id, superseded)
		m.signalNavigation(id, superseded.ID, "",
			protocol.NewError(protocol.ErrUnknownError, "navigation canceled by a newer navigation"))
	}
	m.emitNavigationEvent(protocol.EventNavigationStarted, id, nav)

	action := cdppage.Navigate(url)
	if c.Parent != "" {
		action = action.WithFrameID(frameID(id))
	}
	var res struct {
		ErrorText string `json:"errorText"`
	}
	if err := m.sessionFor(c).Send(ctx, cdppage.CommandNavigate, action, &res); err != nil {
		m.contexts.FailNavigation(id)
		m.emitNavigationEvent(protocol.EventNavigationFailed, id, nav)
		return nil, protocol.UnknownError(err)
	}
	if res.ErrorText != "" {
		m.contexts.FailNavigation(id)
		m.emitNavigationEvent(protocol.EventNavigationFailed, id, nav)
		return nil, protocol.NewError(protocol.ErrUnknownError, "navigation failed: %s", res.ErrorText)
	}

	if wait != "none" {
		if perr := m.waitForNavigation(id, nav.ID, wait); perr != nil {
			return nil, perr
		}
	}
	return map[string]interface{}{"navigation": nav.ID, "url": url}, nil
}

func (m *Mapper) contextReload(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("context")
	wait, ok := p.String("wait")
	if !ok {
		wait = "none"
	}
	c, perr := m.contexts.Get(id)
	if perr != nil {
		return nil, perr
	}

	nav, superseded, perr := m.contexts.StartNavigation(id, c.URL)
	if perr != nil {
		return nil, perr
	}
	if superseded != nil {
		m.emitNavigationEvent(protocol.EventNavigationAborted, id, superseded)
		m.signalNavigation(id, superseded.ID, "",
			protocol.NewError(protocol.ErrUnknownError, "navigation canceled by a newer navigation"))
	}
	m.emitNavigationEvent(protocol.EventNavigationStarted, id, nav)

	action := cdppage.Reload()
	if ignore, ok := p.Bool("ignoreCache"); ok && ignore {
		action = action.WithIgnoreCache(true)
	}
	if err := m.sessionFor(c).Send(ctx, cdppage.CommandReload, action, nil); err != nil {
		m.contexts.FailNavigation(id)
		return nil, protocol.UnknownError(err)
	}

	if wait != "none" {
		if perr := m.waitForNavigation(id, nav.ID, wait); perr != nil {
			return nil, perr
		}
	}
	return map[string]interface{}{"navigation": nav.ID, "url": nav.URL}, nil
}

func (m *Mapper) contextTraverseHistory(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("context")
	delta, _ := p.Int("delta")
	c, perr := m.contexts.Get(id)
	if perr != nil {
		return nil, perr
	}

	var history struct {
		CurrentIndex int `json:"currentIndex"`
		Entries      []struct {
			ID int64 `json:"id"`
		} `json:"entries"`
	}
	sess := m.sessionFor(c)
	if err := sess.Send(ctx, cdppage.CommandGetNavigationHistory, nil, &history); err != nil {
		return nil, protocol.UnknownError(err)
	}
	index := history.CurrentIndex + delta
	if index < 0 || index >= len(history.Entries) {
		return nil, protocol.NewError(protocol.ErrNoSuchHistoryEntry, "no history entry at delta %d", delta)
	}
	action := cdppage.NavigateToHistoryEntry(history.Entries[index].ID)
	if err := sess.Send(ctx, cdppage.CommandNavigateToHistoryEntry, action, nil); err != nil {
		return nil, protocol.UnknownError(err)
	}
	return map[string]interface{}{}, nil
}

func (m *Mapper) contextActivate(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("context")
	c, perr := m.contexts.Get(id)
	if perr != nil {
		return nil, perr
	}
	if c.Parent != "" {
		return nil, protocol.InvalidArgument("context %s is not top-level", id)
	}
	if err := m.sessionFor(c).Send(ctx, cdppage.CommandBringToFront, nil, nil); err != nil {
		return nil, protocol.UnknownError(err)
	}
	return map[string]interface{}{}, nil
}

func (m *Mapper) contextHandleUserPrompt(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("context")
	c, perr := m.contexts.Get(id)
	if perr != nil {
		return nil, perr
	}
	accept := true
	if v, ok := p.Bool("accept"); ok {
		accept = v
	}
	action := cdppage.HandleJavaScriptDialog(accept)
	if text, ok := p.String("userText"); ok {
		action = action.WithPromptText(text)
	}
	if err := m.sessionFor(c).Send(ctx, cdppage.CommandHandleJavaScriptDialog, action, nil); err != nil {
		return nil, protocol.NewError(protocol.ErrNoSuchAlert, "no prompt is open on context %s", id)
	}
	return map[string]interface{}{}, nil
}

func (m *Mapper) contextCaptureScreenshot(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("context")
	c, perr := m.contexts.Get(id)
	if perr != nil {
		return nil, perr
	}
	if c.Parent != "" {
		return nil, protocol.InvalidArgument("context %s is not top-level", id)
	}
	var res struct {
		Data string `json:"data"`
	}
	action := cdppage.CaptureScreenshot().WithFormat(cdppage.CaptureScreenshotFormatPng)
	if err := m.sessionFor(c).Send(ctx, cdppage.CommandCaptureScreenshot, action, &res); err != nil {
		return nil, protocol.UnknownError(err)
	}
	return map[string]interface{}{"data": res.Data}, nil
}

func (m *Mapper) contextSetViewport(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("context")
	c, perr := m.contexts.Get(id)
	if perr != nil {
		return nil, perr
	}
	if c.Parent != "" {
		return nil, protocol.InvalidArgument("context %s is not top-level", id)
	}
	sess := m.sessionFor(c)

	viewport, ok := p.Object("viewport")
	if !ok {
		if err := sess.Send(ctx, emulation.CommandClearDeviceMetricsOverride, nil, nil); err != nil {
			return nil, protocol.UnknownError(err)
		}
		return map[string]interface{}{}, nil
	}
	width, wok := viewport.Int("width")
	height, hok := viewport.Int("height")
	if !wok || !hok || width <= 0 || height <= 0 {
		return nil, protocol.InvalidArgument("params.viewport: width and height must be positive integers")
	}
	scale := 1.0
	if dpr, ok := p.Number("devicePixelRatio"); ok {
		if dpr <= 0 {
			return nil, protocol.InvalidArgument("params.devicePixelRatio: must be positive")
		}
		scale = dpr
	}
	action := emulation.SetDeviceMetricsOverride(int64(width), int64(height), scale, false)
	if err := sess.Send(ctx, emulation.CommandSetDeviceMetricsOverride, action, nil); err != nil {
		return nil, protocol.UnknownError(err)
	}
	return map[string]interface{}{}, nil
}

func (m *Mapper) contextPrint(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("context")
	c, perr := m.contexts.Get(id)
	if perr != nil {
		return nil, perr
	}
	if c.Parent != "" {
		return nil, protocol.InvalidArgument("context %s is not top-level", id)
	}
	var res struct {
		Data string `json:"data"`
	}
	if err := m.sessionFor(c).Send(ctx, cdppage.CommandPrintToPDF, cdppage.PrintToPDF(), &res); err != nil {
		return nil, protocol.NewError(protocol.ErrUnsupportedOperation, "print is not available: %s", err.Error())
	}
	return map[string]interface{}{"data": res.Data}, nil
}
