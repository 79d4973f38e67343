package mapper

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/chengweih001/chromium-bidi/internal/protocol"
	"github.com/chengweih001/chromium-bidi/internal/transport"
)

// handlerFunc is a module entrypoint. It returns the command result or a
// typed protocol error; the dispatcher renders either into a frame.
type handlerFunc func(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error)

// inflight is the correlation record of one command being processed.
type inflight struct {
	bidiID    uint64
	channel   string
	method    string
	startedAt time.Time
}

// queueKey identifies one ordered command stream: commands sharing a client
// and channel execute and respond in arrival order, distinct streams run
// concurrently.
type queueKey struct {
	client  uint64
	channel string
}

type queuedCommand struct {
	client transport.Client
	cmd    *protocol.Command
}

// dispatcher routes validated commands to module handlers, one worker per
// (client, channel) stream.
type dispatcher struct {
	m        *Mapper
	handlers map[string]handlerFunc

	mu       sync.Mutex
	queues   map[queueKey]chan queuedCommand
	inflight map[uint64]inflight // keyed by bidi command id
	nextSeq  uint64
}

// newDispatcher builds the static method table. Dispatch is a pure mapping
// from the method string to a module entrypoint.
func newDispatcher(m *Mapper) *dispatcher {
	d := &dispatcher{
		m:        m,
		queues:   make(map[queueKey]chan queuedCommand),
		inflight: make(map[uint64]inflight),
	}
	d.handlers = map[string]handlerFunc{
		"session.status":      m.sessionStatus,
		"session.new":         m.sessionNew,
		"session.end":         m.sessionEnd,
		"session.subscribe":   m.sessionSubscribe,
		"session.unsubscribe": m.sessionUnsubscribe,

		"browsingContext.getTree":           m.contextGetTree,
		"browsingContext.create":            m.contextCreate,
		"browsingContext.close":             m.contextClose,
		"browsingContext.navigate":          m.contextNavigate,
		"browsingContext.reload":            m.contextReload,
		"browsingContext.traverseHistory":   m.contextTraverseHistory,
		"browsingContext.activate":          m.contextActivate,
		"browsingContext.handleUserPrompt":  m.contextHandleUserPrompt,
		"browsingContext.captureScreenshot": m.contextCaptureScreenshot,
		"browsingContext.setViewport":       m.contextSetViewport,
		"browsingContext.print":             m.contextPrint,

		"network.addIntercept":     m.networkAddIntercept,
		"network.removeIntercept":  m.networkRemoveIntercept,
		"network.continueRequest":  m.networkContinueRequest,
		"network.continueResponse": m.networkContinueResponse,
		"network.continueWithAuth": m.networkContinueWithAuth,
		"network.provideResponse":  m.networkProvideResponse,
		"network.failRequest":      m.networkFailRequest,
		"network.setCacheBehavior": m.networkSetCacheBehavior,

		"script.evaluate":            m.scriptEvaluate,
		"script.callFunction":        m.scriptCallFunction,
		"script.disown":              m.scriptDisown,
		"script.getRealms":           m.scriptGetRealms,
		"script.addPreloadScript":    m.scriptAddPreloadScript,
		"script.removePreloadScript": m.scriptRemovePreloadScript,

		"input.performActions": m.inputPerformActions,
		"input.releaseActions": m.inputReleaseActions,
		"input.setFiles":       m.inputSetFiles,

		"browser.close":             m.browserClose,
		"browser.createUserContext": m.browserCreateUserContext,
		"browser.removeUserContext": m.browserRemoveUserContext,
		"browser.getUserContexts":   m.browserGetUserContexts,
		"browser.getClientWindows":  m.browserGetClientWindows,

		"storage.getCookies":    m.storageGetCookies,
		"storage.setCookie":     m.storageSetCookie,
		"storage.deleteCookies": m.storageDeleteCookies,

		"permissions.setPermission": m.permissionsSetPermission,
	}
	return d
}

// enqueue appends a command to its stream, creating the stream worker on
// first use.
func (d *dispatcher) enqueue(c transport.Client, cmd *protocol.Command) {
	key := queueKey{client: c.ID(), channel: cmd.Channel}

	d.mu.Lock()
	q, ok := d.queues[key]
	if !ok {
		q = make(chan queuedCommand, 64)
		d.queues[key] = q
		go d.worker(q)
	}
	d.mu.Unlock()

	select {
	case q <- queuedCommand{client: c, cmd: cmd}:
	case <-d.m.done:
		d.m.sendToClient(c, protocol.Failure(&cmd.ID, cmd.Channel,
			protocol.NewError(protocol.ErrUnknownError, "session ended")))
	}
}

// worker processes one stream sequentially so responses leave in arrival
// order.
func (d *dispatcher) worker(q chan queuedCommand) {
	for {
		select {
		case qc := <-q:
			select {
			case <-d.m.done:
				d.m.sendToClient(qc.client, protocol.Failure(&qc.cmd.ID, qc.cmd.Channel,
					protocol.NewError(protocol.ErrUnknownError, "session ended")))
			default:
				d.process(qc.client, qc.cmd)
			}
		case <-d.m.done:
			d.drain(q)
			return
		}
	}
}

// drain fails any commands still queued at shutdown.
func (d *dispatcher) drain(q chan queuedCommand) {
	for {
		select {
		case qc := <-q:
			d.m.sendToClient(qc.client, protocol.Failure(&qc.cmd.ID, qc.cmd.Channel,
				protocol.NewError(protocol.ErrUnknownError, "session ended")))
		default:
			return
		}
	}
}

// process validates, dispatches and responds to one command. Handler panics
// surface as "unknown error" without tearing down the session.
func (d *dispatcher) process(c transport.Client, cmd *protocol.Command) {
	params, perr := protocol.ValidateCommand(cmd.Method, cmd.Params)
	if perr != nil {
		d.m.sendToClient(c, protocol.Failure(&cmd.ID, cmd.Channel, perr))
		return
	}

	handler, ok := d.handlers[cmd.Method]
	if !ok {
		d.m.sendToClient(c, protocol.Failure(&cmd.ID, cmd.Channel,
			protocol.NewError(protocol.ErrUnknownCommand, "unknown command %s", cmd.Method)))
		return
	}

	d.mu.Lock()
	d.inflight[cmd.ID] = inflight{
		bidiID:    cmd.ID,
		channel:   cmd.Channel,
		method:    cmd.Method,
		startedAt: time.Now(),
	}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, cmd.ID)
		d.mu.Unlock()
	}()

	result, perr := d.invoke(handler, cmd, params)
	if perr != nil {
		d.m.sendToClient(c, protocol.Failure(&cmd.ID, cmd.Channel, perr))
		return
	}
	d.m.sendToClient(c, protocol.Success(cmd.ID, cmd.Channel, result))
}

func (d *dispatcher) invoke(handler handlerFunc, cmd *protocol.Command, params protocol.Params) (result interface{}, perr *protocol.Error) {
	defer func() {
		if r := recover(); r != nil {
			d.m.log.WithField("method", cmd.Method).
				Errorf("handler panic: %v\n%s", r, debug.Stack())
			result = nil
			perr = protocol.NewError(protocol.ErrUnknownError, "internal error in %s: %v", cmd.Method, r)
		}
	}()
	return handler(context.Background(), cmd.Channel, params)
}

// Inflight returns a snapshot of the correlation records, oldest first.
func (d *dispatcher) Inflight() []inflight {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]inflight, 0, len(d.inflight))
	for _, rec := range d.inflight {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].startedAt.Before(out[j].startedAt) })
	return out
}
