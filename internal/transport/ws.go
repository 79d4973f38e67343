package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// maxMessageSize is the maximum size of a WebSocket message (10MB). Script
// results and captured bodies can be large.
const maxMessageSize = 10 * 1024 * 1024

// clientReadDeadline is the timeout for reading from a client WebSocket.
// Generous since clients may be idle between commands.
const clientReadDeadline = 300 * time.Second

// Server accepts BiDi client WebSocket connections and feeds them to a
// Handler.
type Server struct {
	port       int
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    sync.Map // map[uint64]*wsClient
	nextID     atomic.Uint64
	handler    Handler
	log        logrus.FieldLogger
}

// wsClient is one connected WebSocket client.
type wsClient struct {
	id     uint64
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (c *wsClient) ID() uint64 { return c.id }

func (c *wsClient) Send(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// NewServer creates a server delivering connections to handler.
func NewServer(port int, handler Handler, log logrus.FieldLogger) *Server {
	return &Server{
		port:    port,
		handler: handler,
		log:     log.WithField("component", "transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxMessageSize,
			WriteBufferSize: maxMessageSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Port returns the bound port, which may differ from the requested one when
// port 0 asked for an OS-assigned port.
func (s *Server) Port() int { return s.port }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", s.handleWebSocket)
	mux.HandleFunc("/", s.handleWebSocket)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.httpServer = &http.Server{Handler: mux}
	go s.httpServer.Serve(listener)
	s.log.WithField("port", s.port).Info("listening for BiDi clients")
	return nil
}

// Stop closes every client and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.clients.Range(func(key, value interface{}) bool {
		value.(*wsClient).Close()
		return true
	})
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	client := &wsClient{id: s.nextID.Add(1), conn: conn}
	s.clients.Store(client.id, client)
	s.log.WithField("client", client.id).Info("client connected")

	s.handler.OnClientConnect(client)
	s.serveClient(client)
}

func (s *Server) serveClient(client *wsClient) {
	defer func() {
		s.clients.Delete(client.id)
		client.Close()
		s.handler.OnClientDisconnect(client)
		s.log.WithField("client", client.id).Info("client disconnected")
	}()

	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(clientReadDeadline))
		return nil
	})

	for {
		client.conn.SetReadDeadline(time.Now().Add(clientReadDeadline))
		msgType, msg, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).WithField("client", client.id).Debug("read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.handler.OnClientMessage(client, string(msg))
	}
}
