package store

import (
	"encoding/base64"
	"math"
	"sort"
	"sync"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"

	"github.com/chengweih001/chromium-bidi/internal/protocol"
)

// RequestPhase is a stage of the network request state machine. Phases only
// ever progress forward.
type RequestPhase string

const (
	PhaseBeforeRequestSent RequestPhase = "beforeRequestSent"
	PhaseResponseStarted   RequestPhase = "responseStarted"
	PhaseAuthRequired      RequestPhase = "authRequired"
	PhaseResponseCompleted RequestPhase = "responseCompleted"
	PhaseFetchError        RequestPhase = "fetchError"
)

// phaseRank orders the phases for the monotonic-progression check.
// authRequired shares responseStarted's slot: it may repeat while the
// browser retries credentials.
var phaseRank = map[RequestPhase]int{
	PhaseBeforeRequestSent: 0,
	PhaseResponseStarted:   1,
	PhaseAuthRequired:      1,
	PhaseResponseCompleted: 2,
	PhaseFetchError:        2,
}

// Header is one request or response header in its BiDi representation.
// Order is significant and duplicate names are allowed.
type Header struct {
	Name  string      `json:"name"`
	Value HeaderValue `json:"value"`
}

// HeaderValue is either a UTF-8 string or base64-encoded bytes.
type HeaderValue struct {
	Type  string `json:"type"` // "string" or "base64"
	Value string `json:"value"`
}

// StringHeader builds a string-typed header.
func StringHeader(name, value string) Header {
	return Header{Name: name, Value: HeaderValue{Type: "string", Value: value}}
}

// HeadersFromCDP converts a CDP headers object into BiDi headers. CDP
// delivers headers as a map, so entries are sorted by name for a stable
// order. Values always come back string-typed.
func HeadersFromCDP(h network.Headers) []Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Header, 0, len(names))
	for _, name := range names {
		value, _ := h[name].(string)
		out = append(out, StringHeader(name, value))
	}
	return out
}

// HeadersFromEntries converts Fetch header entries, preserving order.
func HeadersFromEntries(entries []*fetch.HeaderEntry) []Header {
	out := make([]Header, 0, len(entries))
	for _, e := range entries {
		out = append(out, StringHeader(e.Name, e.Value))
	}
	return out
}

// HeadersToEntries converts BiDi headers to Fetch header entries. String
// values pass through; base64 values are decoded.
func HeadersToEntries(headers []Header) ([]*fetch.HeaderEntry, *protocol.Error) {
	out := make([]*fetch.HeaderEntry, 0, len(headers))
	for _, h := range headers {
		switch h.Value.Type {
		case "string":
			out = append(out, &fetch.HeaderEntry{Name: h.Name, Value: h.Value.Value})
		case "base64":
			decoded, err := base64.StdEncoding.DecodeString(h.Value.Value)
			if err != nil {
				return nil, protocol.InvalidArgument("header %q: invalid base64 value", h.Name)
			}
			out = append(out, &fetch.HeaderEntry{Name: h.Name, Value: string(decoded)})
		default:
			return nil, protocol.InvalidArgument("header %q: unknown value type %q", h.Name, h.Value.Type)
		}
	}
	return out, nil
}

// ComputeHeadersSize returns the byte size of the headers as serialized on
// the wire: name, ": ", value and CRLF per header. An empty list is 0.
func ComputeHeadersSize(headers []Header) int {
	size := 0
	for _, h := range headers {
		size += len(h.Name) + len(": ") + len(h.Value.Value) + len("\r\n")
	}
	return size
}

// Timing coerces a raw CDP timing value into a non-negative finite
// millisecond count: negative, NaN and infinite inputs become 0, everything
// else is floored.
func Timing(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return math.Floor(v)
}

// TimingPtr is Timing for optional values; nil becomes 0.
func TimingPtr(v *float64) float64 {
	if v == nil {
		return 0
	}
	return Timing(*v)
}

// FetchTimings is the per-request event timing snapshot, in milliseconds
// since the Unix epoch.
type FetchTimings struct {
	RequestTime  float64
	ResponseTime float64
}

// Request is the mapper-side record of one network request.
type Request struct {
	ID      string // CDP Network requestId
	Context string
	URL     string
	Method  string

	RequestHeaders  []Header
	ResponseHeaders []Header
	Status          int64
	StatusText      string
	MimeType        string
	BodySize        int64
	RedirectCount   int64
	Timings         FetchTimings
	IsNavigation    bool
	NavigationID    string

	phase RequestPhase

	// Interception state: FetchID is the Fetch.requestPaused id while the
	// request is suspended; BlockedPhase is the phase it is blocked in.
	FetchID      fetch.RequestID
	BlockedPhase RequestPhase
	Intercepts   []string
}

// Phase returns the request's current phase.
func (r *Request) Phase() RequestPhase { return r.phase }

// Advance moves the request to the given phase, enforcing monotonic
// progression.
func (r *Request) Advance(p RequestPhase) *protocol.Error {
	if phaseRank[p] < phaseRank[r.phase] {
		return protocol.InvalidArgument("request %s: phase %s cannot follow %s", r.ID, p, r.phase)
	}
	r.phase = p
	return nil
}

// Block marks the request suspended at a phase awaiting client resolution.
func (r *Request) Block(phase RequestPhase, fetchID fetch.RequestID, intercepts []string) {
	r.BlockedPhase = phase
	r.FetchID = fetchID
	r.Intercepts = intercepts
}

// Blocked reports whether the request is currently suspended.
func (r *Request) Blocked() bool { return r.BlockedPhase != "" }

// Resolve releases a blocked request. Resolving a request that is not
// blocked (including a second resolution) is an error.
func (r *Request) Resolve() *protocol.Error {
	if !r.Blocked() {
		return protocol.InvalidArgument("request %s is not blocked", r.ID)
	}
	r.BlockedPhase = ""
	r.FetchID = ""
	r.Intercepts = nil
	return nil
}

// NetworkStore tracks live network requests by CDP request id.
type NetworkStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

// NewNetworkStore creates an empty network store.
func NewNetworkStore() *NetworkStore {
	return &NetworkStore{requests: make(map[string]*Request)}
}

// Add inserts a request record at the beforeRequestSent phase. Re-adding an
// existing id (a redirect hop reuses the CDP request id) resets the record
// and bumps its redirect count.
func (s *NetworkStore) Add(r *Request) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.requests[r.ID]; ok {
		r.RedirectCount = prev.RedirectCount + 1
	}
	r.phase = PhaseBeforeRequestSent
	s.requests[r.ID] = r
	return r
}

// Get returns the request with the given id.
func (s *NetworkStore) Get(id string) (*Request, *protocol.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, protocol.NoSuchRequest(id)
	}
	return r, nil
}

// GetBlocked returns the request with the given id if it is suspended at an
// intercept phase.
func (s *NetworkStore) GetBlocked(id string) (*Request, *protocol.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, protocol.NoSuchRequest(id)
	}
	if !r.Blocked() {
		return nil, protocol.InvalidArgument("request %s is not blocked", id)
	}
	return r, nil
}

// Remove deletes a request record, returning it if present.
func (s *NetworkStore) Remove(id string) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, false
	}
	delete(s.requests, id)
	return r, true
}

// RemoveByContext drops every request owned by a browsing context and
// returns them, used to garbage-collect requests when their context is
// destroyed.
func (s *NetworkStore) RemoveByContext(context string) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for id, r := range s.requests {
		if r.Context == context {
			delete(s.requests, id)
			out = append(out, r)
		}
	}
	return out
}
