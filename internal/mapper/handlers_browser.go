package mapper

import (
	"context"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"

	"github.com/chengweih001/chromium-bidi/internal/protocol"
	"github.com/chengweih001/chromium-bidi/internal/store"
)

func (m *Mapper) browserClose(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	if err := m.cdp.Send(ctx, "", browser.CommandClose, nil, nil); err != nil {
		return nil, protocol.UnknownError(err)
	}
	go m.Close()
	return map[string]interface{}{}, nil
}

func (m *Mapper) browserCreateUserContext(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	var res struct {
		BrowserContextID string `json:"browserContextId"`
	}
	action := target.CreateBrowserContext()
	if err := m.cdp.Send(ctx, "", target.CommandCreateBrowserContext, action, &res); err != nil {
		return nil, protocol.UnknownError(err)
	}
	uc := m.userContexts.Create(res.BrowserContextID)
	return map[string]interface{}{"userContext": uc.ID}, nil
}

// browserRemoveUserContext closes every browsing context belonging to the
// user context before disposing the backing CDP browser context.
func (m *Mapper) browserRemoveUserContext(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("userContext")
	if id == store.DefaultUserContext {
		return nil, protocol.InvalidArgument("user context %q cannot be removed", id)
	}
	uc, perr := m.userContexts.Get(id)
	if perr != nil {
		return nil, perr
	}

	for _, contextID := range m.contexts.ByUserContext(id) {
		action := target.CloseTarget(target.ID(contextID))
		if err := m.cdp.Send(ctx, "", target.CommandCloseTarget, action, nil); err != nil {
			m.log.WithError(err).WithField("context", contextID).Debug("failed to close context")
		}
	}

	action := target.DisposeBrowserContext(browserContextID(uc.CDPBrowserContext))
	if err := m.cdp.Send(ctx, "", target.CommandDisposeBrowserContext, action, nil); err != nil {
		return nil, protocol.UnknownError(err)
	}
	m.userContexts.Remove(id)
	return map[string]interface{}{}, nil
}

func (m *Mapper) browserGetUserContexts(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	out := []interface{}{}
	for _, uc := range m.userContexts.List() {
		out = append(out, map[string]interface{}{"userContext": uc.ID})
	}
	return map[string]interface{}{"userContexts": out}, nil
}

func (m *Mapper) browserGetClientWindows(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	return nil, protocol.NewError(protocol.ErrUnsupportedOperation, "client windows are not supported")
}
