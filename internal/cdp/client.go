// Package cdp implements the southbound Chrome DevTools Protocol client:
// command/response correlation over one WebSocket connection, flat session
// routing for attached targets, and ordered event delivery.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("cdp client is closed")

// Event is a CDP event as received from the browser. SessionID is empty for
// browser-level events.
type Event struct {
	SessionID string
	Method    string
	Params    json.RawMessage
}

// EventHandler consumes CDP events in receive order. It runs on the read
// goroutine: handlers must not block on CDP responses.
type EventHandler func(Event)

// Client multiplexes CDP commands and events over a single connection.
type Client struct {
	conn    Conn
	writeMu sync.Mutex
	msgID   atomic.Int64

	pending sync.Map // int64 → chan *cdproto.Message

	handlerMu sync.RWMutex
	handler   EventHandler

	closed   atomic.Bool
	closedCh chan struct{}
	closeErr error
	closeMu  sync.Mutex
	done     chan struct{}

	log logrus.FieldLogger
}

// NewClient creates a client on an established connection and starts its
// read loop.
func NewClient(conn Conn, log logrus.FieldLogger) *Client {
	c := &Client{
		conn:     conn,
		closedCh: make(chan struct{}),
		done:     make(chan struct{}),
		log:      log.WithField("component", "cdp"),
	}
	go c.readLoop()
	return c
}

// Dial connects to a CDP WebSocket endpoint and returns a new client.
func Dial(wsURL string, log logrus.FieldLogger) (*Client, error) {
	conn, err := DialConn(wsURL, http.Header{})
	if err != nil {
		return nil, err
	}
	return NewClient(conn, log), nil
}

// OnEvent registers the event handler. Exactly one handler is supported;
// the mapper fans events out internally.
func (c *Client) OnEvent(handler EventHandler) {
	c.handlerMu.Lock()
	c.handler = handler
	c.handlerMu.Unlock()
}

// Send issues a CDP command on the given session ("" for the browser
// session) and decodes the result into result when non-nil.
func (c *Client) Send(ctx context.Context, sessionID, method string, params, result interface{}) error {
	if c.closed.Load() {
		return ErrClosed
	}

	id := c.msgID.Add(1)
	msg := cdproto.Message{
		ID:        id,
		SessionID: target.SessionID(sessionID),
		Method:    cdproto.MethodType(method),
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
		msg.Params = data
	}
	data, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", method, err)
	}

	respCh := make(chan *cdproto.Message, 1)
	c.pending.Store(id, respCh)
	defer c.pending.Delete(id)

	c.log.WithField("method", method).Debug("cdp send")
	c.writeMu.Lock()
	err = c.conn.WriteMessage(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.closedCh:
		return ErrClosed
	}
}

// Session returns a handle bound to one attached target session.
func (c *Client) Session(id string) *Session {
	return &Session{client: c, id: id}
}

// Close closes the connection and stops the read loop.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.closedCh)
	err := c.conn.Close()
	<-c.done
	return err
}

// Err returns the error that terminated the read loop, if any.
func (c *Client) Err() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeErr
}

// Closed returns a channel closed when the client shuts down.
func (c *Client) Closed() <-chan struct{} {
	return c.closedCh
}

// readLoop reads frames and dispatches responses to waiting senders and
// events to the handler, preserving receive order.
func (c *Client) readLoop() {
	defer close(c.done)

	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Swap(true) {
				c.closeMu.Lock()
				c.closeErr = err
				c.closeMu.Unlock()
				close(c.closedCh)
			}
			return
		}

		var msg cdproto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Debug("dropping malformed cdp frame")
			continue
		}

		if msg.Method == "" {
			// Response frame.
			if ch, ok := c.pending.Load(msg.ID); ok {
				select {
				case ch.(chan *cdproto.Message) <- &msg:
				default:
				}
			}
			continue
		}

		c.handlerMu.RLock()
		handler := c.handler
		c.handlerMu.RUnlock()
		if handler != nil {
			handler(Event{
				SessionID: string(msg.SessionID),
				Method:    string(msg.Method),
				Params:    json.RawMessage(msg.Params),
			})
		}
	}
}
