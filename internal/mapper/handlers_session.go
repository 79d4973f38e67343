package mapper

import (
	"context"

	"github.com/google/uuid"

	"github.com/chengweih001/chromium-bidi/internal/protocol"
)

func (m *Mapper) sessionStatus(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	// The mapper is always attached to a client, so status always reports
	// ready=false. session.new is not rejected: it re-runs the handshake and
	// returns a fresh session id.
	return map[string]interface{}{
		"ready":   false,
		"message": "already connected",
	}, nil
}

func (m *Mapper) sessionNew(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	if perr := m.Start(ctx); perr != nil {
		return nil, perr
	}
	return map[string]interface{}{
		"sessionId": uuid.NewString(),
		"capabilities": map[string]interface{}{
			"acceptInsecureCerts":     m.cfg.AcceptInsecureCerts,
			"browserName":             "chrome",
			"setWindowRect":           false,
			"unhandledPromptBehavior": string(m.cfg.UnhandledPromptBehavior),
		},
	}, nil
}

func (m *Mapper) sessionEnd(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	// The response to session.end is sent by the dispatcher before the
	// shutdown tears the transport down: Close only signals here.
	go m.Close()
	return map[string]interface{}{}, nil
}

func (m *Mapper) sessionSubscribe(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	events, _ := p.StringList("events")
	contexts, _ := p.StringList("contexts")
	if perr := m.subs.Subscribe(events, contexts, ch); perr != nil {
		return nil, perr
	}
	return map[string]interface{}{}, nil
}

func (m *Mapper) sessionUnsubscribe(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	events, _ := p.StringList("events")
	contexts, _ := p.StringList("contexts")
	if perr := m.subs.Unsubscribe(events, contexts, ch); perr != nil {
		return nil, perr
	}
	return map[string]interface{}{}, nil
}
