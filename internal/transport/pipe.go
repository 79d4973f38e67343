package transport

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// pipeIDs numbers pipe clients after WebSocket clients; both live in the
// same mapper client registry.
var pipeIDs atomic.Uint64

func init() {
	pipeIDs.Store(1 << 32)
}

// pipeClient is one BiDi client on a local stream connection, speaking
// newline-delimited JSON frames.
type pipeClient struct {
	id     uint64
	conn   net.Conn
	writer *bufio.Writer
	mu     sync.Mutex
	closed bool
}

func (c *pipeClient) ID() uint64 { return c.id }

func (c *pipeClient) Send(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("pipe closed")
	}
	if _, err := c.writer.WriteString(msg); err != nil {
		return err
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *pipeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// PipeServer accepts BiDi clients on a local IPC endpoint: a unix socket,
// or a named pipe on Windows.
type PipeServer struct {
	addr     string
	listener net.Listener
	handler  Handler
	log      logrus.FieldLogger
}

// NewPipeServer creates a pipe server on the given endpoint path.
func NewPipeServer(addr string, handler Handler, log logrus.FieldLogger) *PipeServer {
	return &PipeServer{
		addr:    addr,
		handler: handler,
		log:     log.WithField("component", "pipe"),
	}
}

// Start binds the endpoint and accepts clients in the background.
func (s *PipeServer) Start() error {
	listener, err := listenPipe(s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	go s.acceptLoop()
	s.log.WithField("addr", s.addr).Info("listening for pipe clients")
	return nil
}

// Stop closes the listener.
func (s *PipeServer) Stop() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *PipeServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *PipeServer) serveConn(conn net.Conn) {
	client := &pipeClient{
		id:     pipeIDs.Add(1),
		conn:   conn,
		writer: bufio.NewWriter(conn),
	}
	s.handler.OnClientConnect(client)
	defer func() {
		client.Close()
		s.handler.OnClientDisconnect(client)
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.handler.OnClientMessage(client, line)
	}
}
