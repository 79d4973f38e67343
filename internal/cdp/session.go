package cdp

import (
	"context"
)

// Session is a handle on one attached CDP target session. The zero session
// id addresses the browser-level session.
type Session struct {
	client *Client
	id     string
}

// ID returns the CDP session id.
func (s *Session) ID() string { return s.id }

// Send issues a command on this session.
func (s *Session) Send(ctx context.Context, method string, params, result interface{}) error {
	return s.client.Send(ctx, s.id, method, params, result)
}

// Client returns the underlying client.
func (s *Session) Client() *Client { return s.client }
