package mapper

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengweih001/chromium-bidi/internal/cdp"
)

// fakeBrowser is an in-memory CDP endpoint: it answers every command with a
// canned result and lets the test inject events.
type fakeBrowser struct {
	mu       sync.Mutex
	incoming chan []byte
	closed   chan struct{}
	results  map[string]interface{} // method → result object
	calls    []string               // methods in send order
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
		results:  make(map[string]interface{}),
	}
}

func (f *fakeBrowser) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.incoming:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeBrowser) WriteMessage(data []byte) error {
	var msg struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	f.mu.Lock()
	f.calls = append(f.calls, msg.Method)
	result, ok := f.results[msg.Method]
	f.mu.Unlock()
	if !ok {
		result = map[string]interface{}{}
	}
	resp, _ := json.Marshal(map[string]interface{}{"id": msg.ID, "result": result})
	select {
	case f.incoming <- resp:
	case <-f.closed:
		return errors.New("closed")
	}
	return nil
}

func (f *fakeBrowser) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

// event injects a CDP event frame.
func (f *fakeBrowser) event(sessionID, method string, params interface{}) {
	frame, _ := json.Marshal(map[string]interface{}{
		"sessionId": sessionID,
		"method":    method,
		"params":    params,
	})
	f.incoming <- frame
}

func (f *fakeBrowser) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.calls {
		if m == method {
			n++
		}
	}
	return n
}

// fakeClient is an in-memory northbound transport.
type fakeClient struct {
	id     uint64
	frames chan string
}

func newFakeClient(id uint64) *fakeClient {
	return &fakeClient{id: id, frames: make(chan string, 64)}
}

func (c *fakeClient) ID() uint64 { return c.id }

func (c *fakeClient) Send(msg string) error {
	c.frames <- msg
	return nil
}

func (c *fakeClient) Close() error { return nil }

// next returns the next frame matching pred, skipping others, or fails the
// test after a timeout.
func (c *fakeClient) next(t *testing.T, pred func(map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case raw := <-c.frames:
			var frame map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(raw), &frame))
			if pred(frame) {
				return frame
			}
		case <-deadline:
			t.Fatal("timed out waiting for frame")
			return nil
		}
	}
}

func isResponse(id float64) func(map[string]interface{}) bool {
	return func(f map[string]interface{}) bool {
		v, ok := f["id"].(float64)
		return ok && v == id
	}
}

func isEvent(method string) func(map[string]interface{}) bool {
	return func(f map[string]interface{}) bool {
		return f["type"] == "event" && f["method"] == method
	}
}

func newTestMapper(t *testing.T) (*Mapper, *fakeBrowser, *fakeClient) {
	t.Helper()
	browser := newFakeBrowser()
	log := logrus.New()
	log.SetOutput(io.Discard)
	client := cdp.NewClient(browser, log)
	m := New(client, Config{IdleTimeout: 5 * time.Second}, log)
	t.Cleanup(m.Close)

	fc := newFakeClient(1)
	m.OnClientConnect(fc)
	return m, browser, fc
}

// attachPage simulates a page target attach and waits until the context
// materializes.
func attachPage(t *testing.T, m *Mapper, browser *fakeBrowser, sessionID, targetID string) {
	t.Helper()
	browser.event("", "Target.attachedToTarget", map[string]interface{}{
		"sessionId": sessionID,
		"targetInfo": map[string]interface{}{
			"targetId": targetID,
			"type":     "page",
			"url":      "about:blank",
		},
		"waitingForDebugger": true,
	})
	require.Eventually(t, func() bool { return m.contexts.Has(targetID) },
		5*time.Second, 5*time.Millisecond)
}

func attachFrame(t *testing.T, m *Mapper, browser *fakeBrowser, sessionID, frameID, parentID string) {
	t.Helper()
	browser.event(sessionID, "Page.frameAttached", map[string]interface{}{
		"frameId":       frameID,
		"parentFrameId": parentID,
	})
	require.Eventually(t, func() bool { return m.contexts.Has(frameID) },
		5*time.Second, 5*time.Millisecond)
}

func send(m *Mapper, c *fakeClient, id uint64, method string, params interface{}) {
	frame, _ := json.Marshal(map[string]interface{}{
		"id":     id,
		"method": method,
		"params": params,
	})
	m.OnClientMessage(c, string(frame))
}

func TestSubscribeThenNavigate(t *testing.T) {
	m, browser, fc := newTestMapper(t)
	browser.results["Page.navigate"] = map[string]interface{}{"frameId": "CTX1", "loaderId": "L1"}
	attachPage(t, m, browser, "SESS1", "CTX1")

	send(m, fc, 1, "session.subscribe", map[string]interface{}{
		"events": []string{"browsingContext"},
	})
	resp := fc.next(t, isResponse(1))
	assert.Equal(t, "success", resp["type"])

	send(m, fc, 2, "browsingContext.navigate", map[string]interface{}{
		"context": "CTX1",
		"url":     "https://example.test/",
		"wait":    "complete",
	})

	started := fc.next(t, isEvent("browsingContext.navigationStarted"))
	params := started["params"].(map[string]interface{})
	assert.Equal(t, "CTX1", params["context"])
	navigation := params["navigation"].(string)
	assert.NotEmpty(t, navigation)

	// The load event arrives from the browser once navigation settles.
	browser.event("SESS1", "Page.loadEventFired", map[string]interface{}{"timestamp": 1.0})

	load := fc.next(t, isEvent("browsingContext.load"))
	loadParams := load["params"].(map[string]interface{})
	assert.Equal(t, "CTX1", loadParams["context"])
	assert.Equal(t, navigation, loadParams["navigation"])

	// The command resolves only after the load event.
	resp = fc.next(t, isResponse(2))
	require.Equal(t, "success", resp["type"])
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, navigation, result["navigation"])
	assert.Equal(t, "https://example.test/", result["url"])
}

func TestReloadSupersedesPendingNavigation(t *testing.T) {
	m, browser, fc := newTestMapper(t)
	browser.results["Page.navigate"] = map[string]interface{}{"frameId": "CTX1", "loaderId": "L1"}
	attachPage(t, m, browser, "SESS1", "CTX1")

	send(m, fc, 1, "session.subscribe", map[string]interface{}{
		"events": []string{"browsingContext"},
	})
	fc.next(t, isResponse(1))

	// The navigate blocks its channel worker waiting for load.
	send(m, fc, 2, "browsingContext.navigate", map[string]interface{}{
		"context": "CTX1",
		"url":     "https://example.test/",
		"wait":    "complete",
	})
	started := fc.next(t, isEvent("browsingContext.navigationStarted"))
	pending := started["params"].(map[string]interface{})["navigation"].(string)

	// A reload on another channel supersedes the pending navigation.
	frame, _ := json.Marshal(map[string]interface{}{
		"id":      3,
		"method":  "browsingContext.reload",
		"params":  map[string]interface{}{"context": "CTX1", "wait": "none"},
		"channel": "ch-B",
	})
	m.OnClientMessage(fc, string(frame))

	aborted := fc.next(t, isEvent("browsingContext.navigationAborted"))
	assert.Equal(t, pending, aborted["params"].(map[string]interface{})["navigation"])

	// The two channels answer independently, so the responses may arrive in
	// either order.
	responses := map[float64]map[string]interface{}{}
	for len(responses) < 2 {
		f := fc.next(t, func(f map[string]interface{}) bool {
			return isResponse(2)(f) || isResponse(3)(f)
		})
		responses[f["id"].(float64)] = f
	}

	resp := responses[3]
	assert.Equal(t, "success", resp["type"])

	// The superseded navigate wakes with an error instead of hanging.
	resp = responses[2]
	require.Equal(t, "error", resp["type"])
	assert.Equal(t, "unknown error", resp["error"])
	assert.Contains(t, resp["message"], "canceled by a newer navigation")
}

func TestNavigateUnknownContext(t *testing.T) {
	m, _, fc := newTestMapper(t)

	send(m, fc, 1, "browsingContext.navigate", map[string]interface{}{
		"context": "NOPE",
		"url":     "https://example.test/",
	})
	resp := fc.next(t, isResponse(1))
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, "no such frame", resp["error"])
}

func TestUnknownCommandAndSchemaFailure(t *testing.T) {
	m, _, fc := newTestMapper(t)

	send(m, fc, 1, "bogus.method", map[string]interface{}{})
	resp := fc.next(t, isResponse(1))
	assert.Equal(t, "unknown command", resp["error"])

	send(m, fc, 2, "browsingContext.navigate", map[string]interface{}{"url": 42})
	resp = fc.next(t, isResponse(2))
	assert.Equal(t, "invalid argument", resp["error"])
	assert.Contains(t, resp["message"], "params.")
}

func TestUnsubscribeAtomicityOverDispatch(t *testing.T) {
	m, _, fc := newTestMapper(t)

	send(m, fc, 1, "session.subscribe", map[string]interface{}{
		"events": []string{"browsingContext.load"},
	})
	fc.next(t, isResponse(1))

	// One subscribed and one unsubscribed event: all-or-nothing failure.
	send(m, fc, 2, "session.unsubscribe", map[string]interface{}{
		"events": []string{"browsingContext.load", "browsingContext.contextCreated"},
	})
	resp := fc.next(t, isResponse(2))
	assert.Equal(t, "invalid argument", resp["error"])

	// The surviving subscription still works.
	send(m, fc, 3, "session.unsubscribe", map[string]interface{}{
		"events": []string{"browsingContext.load"},
	})
	resp = fc.next(t, isResponse(3))
	assert.Equal(t, "success", resp["type"])
}

func TestCascadingDestroyOrder(t *testing.T) {
	m, browser, fc := newTestMapper(t)
	attachPage(t, m, browser, "SESS1", "top")
	attachFrame(t, m, browser, "SESS1", "F1", "top")
	attachFrame(t, m, browser, "SESS1", "F2", "top")
	attachFrame(t, m, browser, "SESS1", "F1a", "F1")

	send(m, fc, 1, "session.subscribe", map[string]interface{}{
		"events": []string{"browsingContext.contextDestroyed"},
	})
	fc.next(t, isResponse(1))

	browser.event("", "Target.detachedFromTarget", map[string]interface{}{
		"sessionId": "SESS1",
		"targetId":  "top",
	})

	var order []string
	for len(order) < 4 {
		frame := fc.next(t, isEvent("browsingContext.contextDestroyed"))
		params := frame["params"].(map[string]interface{})
		order = append(order, params["context"].(string))
	}
	assert.Equal(t, []string{"F1a", "F1", "F2", "top"}, order)
}

func TestInterceptContinueAndDoubleResolution(t *testing.T) {
	m, browser, fc := newTestMapper(t)
	attachPage(t, m, browser, "SESS1", "CTX1")

	send(m, fc, 1, "session.subscribe", map[string]interface{}{
		"events": []string{"network"},
	})
	fc.next(t, isResponse(1))

	send(m, fc, 2, "network.addIntercept", map[string]interface{}{
		"phases": []string{"beforeRequestSent"},
		"urlPatterns": []map[string]interface{}{
			{"type": "string", "pattern": "https://a/"},
		},
	})
	resp := fc.next(t, isResponse(2))
	require.Equal(t, "success", resp["type"])
	interceptID := resp["result"].(map[string]interface{})["intercept"].(string)
	require.Eventually(t, func() bool { return browser.callCount("Fetch.enable") > 0 },
		5*time.Second, 5*time.Millisecond)

	// The paused fetch surfaces as a blocked beforeRequestSent event.
	browser.event("SESS1", "Fetch.requestPaused", map[string]interface{}{
		"requestId": "F-1",
		"networkId": "R-1",
		"frameId":   "CTX1",
		"request": map[string]interface{}{
			"url":     "https://a/",
			"method":  "GET",
			"headers": map[string]interface{}{"Accept": "*/*"},
		},
	})

	blocked := fc.next(t, isEvent("network.beforeRequestSent"))
	params := blocked["params"].(map[string]interface{})
	assert.Equal(t, true, params["isBlocked"])
	intercepts := params["intercepts"].([]interface{})
	require.Len(t, intercepts, 1)
	assert.Equal(t, interceptID, intercepts[0])
	requestID := params["request"].(map[string]interface{})["request"].(string)
	assert.Equal(t, "R-1", requestID)

	send(m, fc, 3, "network.continueRequest", map[string]interface{}{"request": "R-1"})
	resp = fc.next(t, isResponse(3))
	require.Equal(t, "success", resp["type"])
	assert.Equal(t, 1, browser.callCount("Fetch.continueRequest"))

	// Double resolution is rejected.
	send(m, fc, 4, "network.continueRequest", map[string]interface{}{"request": "R-1"})
	resp = fc.next(t, isResponse(4))
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, "invalid argument", resp["error"])
}

func TestUninterceptedPauseAutoResumes(t *testing.T) {
	m, browser, fc := newTestMapper(t)
	attachPage(t, m, browser, "SESS1", "CTX1")

	send(m, fc, 1, "network.addIntercept", map[string]interface{}{
		"phases": []string{"beforeRequestSent"},
		"urlPatterns": []map[string]interface{}{
			{"type": "string", "pattern": "https://intercepted.test/"},
		},
	})
	fc.next(t, isResponse(1))

	// A pause for a non-matching URL is transparently continued.
	browser.event("SESS1", "Fetch.requestPaused", map[string]interface{}{
		"requestId": "F-2",
		"networkId": "R-2",
		"frameId":   "CTX1",
		"request": map[string]interface{}{
			"url":    "https://other.test/",
			"method": "GET",
		},
	})
	require.Eventually(t, func() bool { return browser.callCount("Fetch.continueRequest") == 1 },
		5*time.Second, 5*time.Millisecond)
}

func TestChannelRouting(t *testing.T) {
	m, browser, fc := newTestMapper(t)
	attachPage(t, m, browser, "SESS1", "CTX1")

	// Subscribe on a named channel; the event frame carries the tag.
	frame, _ := json.Marshal(map[string]interface{}{
		"id":      1,
		"method":  "session.subscribe",
		"params":  map[string]interface{}{"events": []string{"browsingContext.contextCreated"}},
		"channel": "ch-A",
	})
	m.OnClientMessage(fc, string(frame))
	resp := fc.next(t, isResponse(1))
	assert.Equal(t, "ch-A", resp["channel"])

	attachFrame(t, m, browser, "SESS1", "F1", "CTX1")
	ev := fc.next(t, isEvent("browsingContext.contextCreated"))
	assert.Equal(t, "ch-A", ev["channel"])
}

func TestConflictingChannelAliasesRejected(t *testing.T) {
	m, _, fc := newTestMapper(t)

	m.OnClientMessage(fc, `{"id":9,"method":"session.status","channel":"a","goog:channel":"b"}`)
	resp := fc.next(t, isResponse(9))
	assert.Equal(t, "invalid argument", resp["error"])
}

func TestGetTreeShape(t *testing.T) {
	m, browser, fc := newTestMapper(t)
	attachPage(t, m, browser, "SESS1", "top")
	attachFrame(t, m, browser, "SESS1", "F1", "top")

	send(m, fc, 1, "browsingContext.getTree", map[string]interface{}{})
	resp := fc.next(t, isResponse(1))
	require.Equal(t, "success", resp["type"])
	contexts := resp["result"].(map[string]interface{})["contexts"].([]interface{})
	require.Len(t, contexts, 1)
	top := contexts[0].(map[string]interface{})
	assert.Equal(t, "top", top["context"])
	children := top["children"].([]interface{})
	require.Len(t, children, 1)
	assert.Equal(t, "F1", children[0].(map[string]interface{})["context"])
}

func TestLogEntryAddedFromConsole(t *testing.T) {
	m, browser, fc := newTestMapper(t)
	attachPage(t, m, browser, "SESS1", "CTX1")

	send(m, fc, 1, "session.subscribe", map[string]interface{}{"events": []string{"log"}})
	fc.next(t, isResponse(1))

	browser.event("SESS1", "Runtime.executionContextCreated", map[string]interface{}{
		"context": map[string]interface{}{
			"id":       1,
			"origin":   "https://example.test",
			"name":     "",
			"uniqueId": "realm-1",
			"auxData": map[string]interface{}{
				"frameId":   "CTX1",
				"isDefault": true,
			},
		},
	})
	browser.event("SESS1", "Runtime.consoleAPICalled", map[string]interface{}{
		"type":               "log",
		"executionContextId": 1,
		"args": []map[string]interface{}{
			{"type": "string", "value": "%d %s"},
			{"type": "number", "value": 42},
			{"type": "string", "value": "x"},
		},
	})

	entry := fc.next(t, isEvent("log.entryAdded"))
	params := entry["params"].(map[string]interface{})
	assert.Equal(t, "42 x", params["text"])
	assert.Equal(t, "info", params["level"])
	source := params["source"].(map[string]interface{})
	assert.Equal(t, "realm-1", source["realm"])
	assert.Equal(t, "CTX1", source["context"])
}

func TestPerChannelResponseOrdering(t *testing.T) {
	m, _, fc := newTestMapper(t)

	// Several commands on the default channel answer strictly in order.
	for i := uint64(1); i <= 5; i++ {
		send(m, fc, i, "session.status", nil)
	}
	for i := float64(1); i <= 5; i++ {
		frame := fc.next(t, func(f map[string]interface{}) bool { return f["type"] == "success" })
		assert.Equal(t, i, frame["id"])
	}
}

func TestRealmEvents(t *testing.T) {
	m, browser, fc := newTestMapper(t)
	attachPage(t, m, browser, "SESS1", "CTX1")

	send(m, fc, 1, "session.subscribe", map[string]interface{}{"events": []string{"script"}})
	fc.next(t, isResponse(1))

	browser.event("SESS1", "Runtime.executionContextCreated", map[string]interface{}{
		"context": map[string]interface{}{
			"id":       7,
			"origin":   "https://example.test",
			"uniqueId": "realm-7",
			"auxData":  map[string]interface{}{"frameId": "CTX1", "isDefault": true},
		},
	})
	created := fc.next(t, isEvent("script.realmCreated"))
	params := created["params"].(map[string]interface{})
	assert.Equal(t, "realm-7", params["realm"])
	assert.Equal(t, "CTX1", params["context"])
	assert.Equal(t, "window", params["type"])

	browser.event("SESS1", "Runtime.executionContextDestroyed", map[string]interface{}{
		"executionContextId":       7,
		"executionContextUniqueId": "realm-7",
	})
	destroyed := fc.next(t, isEvent("script.realmDestroyed"))
	assert.Equal(t, "realm-7", destroyed["params"].(map[string]interface{})["realm"])
}

func TestInflightCorrelation(t *testing.T) {
	m, _, _ := newTestMapper(t)
	// No commands in flight after quiescence.
	assert.Empty(t, m.dispatcher.Inflight())
}

func TestFrameURLPatternValidation(t *testing.T) {
	m, _, fc := newTestMapper(t)

	send(m, fc, 1, "network.addIntercept", map[string]interface{}{
		"phases":      []string{"beforeRequestSent"},
		"urlPatterns": []map[string]interface{}{{"type": "string", "pattern": "not a url"}},
	})
	resp := fc.next(t, isResponse(1))
	assert.Equal(t, "invalid argument", resp["error"])
	assert.True(t, strings.Contains(resp["message"].(string), "urlPatterns"))
}
