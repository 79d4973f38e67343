package mapper

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"

	"github.com/chengweih001/chromium-bidi/internal/cdp"
	"github.com/chengweih001/chromium-bidi/internal/protocol"
	"github.com/chengweih001/chromium-bidi/internal/store"
)

// onNetworkEvent translates Network.* and Fetch.* events.
func (m *Mapper) onNetworkEvent(ev cdp.Event) {
	switch ev.Method {
	case cdproto.EventNetworkRequestWillBeSent:
		var p network.EventRequestWillBeSent
		if json.Unmarshal(ev.Params, &p) == nil {
			m.onRequestWillBeSent(&p)
		}
	case cdproto.EventNetworkResponseReceived:
		var p network.EventResponseReceived
		if json.Unmarshal(ev.Params, &p) == nil {
			m.onResponseReceived(&p)
		}
	case cdproto.EventNetworkLoadingFinished:
		var p network.EventLoadingFinished
		if json.Unmarshal(ev.Params, &p) == nil {
			m.onLoadingFinished(&p)
		}
	case cdproto.EventNetworkLoadingFailed:
		var p network.EventLoadingFailed
		if json.Unmarshal(ev.Params, &p) == nil {
			m.onLoadingFailed(&p)
		}
	case cdproto.EventFetchRequestPaused:
		var p fetch.EventRequestPaused
		if json.Unmarshal(ev.Params, &p) == nil {
			m.onRequestPaused(ev.SessionID, &p)
		}
	case cdproto.EventFetchAuthRequired:
		var p fetch.EventAuthRequired
		if json.Unmarshal(ev.Params, &p) == nil {
			m.onAuthRequired(ev.SessionID, &p)
		}
	}
}

func (m *Mapper) onRequestWillBeSent(p *network.EventRequestWillBeSent) {
	if p.Request == nil {
		return
	}
	contextID := string(p.FrameID)
	req := &store.Request{
		ID:             string(p.RequestID),
		Context:        contextID,
		URL:            p.Request.URL,
		Method:         p.Request.Method,
		RequestHeaders: store.HeadersFromCDP(p.Request.Headers),
	}
	if p.WallTime != nil {
		req.Timings.RequestTime = store.Timing(float64(p.WallTime.Time().UnixMilli()))
	}
	if p.Type == network.ResourceTypeDocument && string(p.LoaderID) == string(p.RequestID) {
		req.IsNavigation = true
		if c, perr := m.contexts.Get(contextID); perr == nil && c.Current != nil {
			req.NavigationID = c.Current.ID
		}
	}
	req = m.network.Add(req)

	top := m.contexts.FindTopLevel(contextID)
	if len(m.intercepts.Match(store.PhaseBeforeRequestSent, req.URL, top)) > 0 {
		// The paused event carries the blocked beforeRequestSent emission.
		return
	}
	m.emitRequestPhase(protocol.EventBeforeRequestSent, req, map[string]interface{}{
		"initiator": map[string]interface{}{"type": initiatorType(p.Initiator)},
		"isBlocked": false,
	})
}

func (m *Mapper) onResponseReceived(p *network.EventResponseReceived) {
	req, perr := m.network.Get(string(p.RequestID))
	if perr != nil || p.Response == nil {
		return
	}
	req.ResponseHeaders = store.HeadersFromCDP(p.Response.Headers)
	req.Status = p.Response.Status
	req.StatusText = p.Response.StatusText
	req.MimeType = p.Response.MimeType
	if p.Response.ResponseTime != nil {
		req.Timings.ResponseTime = store.Timing(float64(p.Response.ResponseTime.Time().UnixMilli()))
	}
	if req.Advance(store.PhaseResponseStarted) != nil {
		return
	}

	top := m.contexts.FindTopLevel(req.Context)
	if len(m.intercepts.Match(store.PhaseResponseStarted, req.URL, top)) > 0 {
		return
	}
	m.emitRequestPhase(protocol.EventResponseStarted, req, map[string]interface{}{
		"isBlocked": false,
		"response":  responseData(req),
	})
}

func (m *Mapper) onLoadingFinished(p *network.EventLoadingFinished) {
	req, perr := m.network.Get(string(p.RequestID))
	if perr != nil {
		return
	}
	req.BodySize = int64(p.EncodedDataLength)
	if req.Advance(store.PhaseResponseCompleted) != nil {
		return
	}
	m.emitRequestPhase(protocol.EventResponseCompleted, req, map[string]interface{}{
		"response": responseData(req),
	})
	m.network.Remove(req.ID)
}

func (m *Mapper) onLoadingFailed(p *network.EventLoadingFailed) {
	req, perr := m.network.Get(string(p.RequestID))
	if perr != nil {
		return
	}
	if req.IsNavigation {
		if nav := m.contexts.FailNavigation(req.Context); nav != nil {
			m.emitNavigationEvent(protocol.EventNavigationFailed, req.Context, nav)
			m.signalNavigation(req.Context, nav.ID, "",
				protocol.NewError(protocol.ErrUnknownError, "navigation failed: %s", p.ErrorText))
		}
	}
	m.emitFetchError(req, p.ErrorText)
	m.network.Remove(req.ID)
}

// ---------------------------------------------------------------------------
// Interception
// ---------------------------------------------------------------------------

// onRequestPaused handles a Fetch pause: the request phase is derived from
// whether response data is present, intercepts are matched, and the request
// either surfaces as a blocked event or is transparently resumed.
func (m *Mapper) onRequestPaused(sessionID string, p *fetch.EventRequestPaused) {
	networkID := string(p.NetworkID)
	if networkID == "" {
		networkID = string(p.RequestID)
	}
	m.fetchMu.Lock()
	m.fetchToNetwork[string(p.RequestID)] = networkID
	m.fetchMu.Unlock()

	req, perr := m.network.Get(networkID)
	if perr != nil {
		// Paused before requestWillBeSent arrived; synthesize the record.
		req = &store.Request{
			ID:      networkID,
			Context: string(p.FrameID),
		}
		if p.Request != nil {
			req.URL = p.Request.URL
			req.Method = p.Request.Method
			req.RequestHeaders = store.HeadersFromCDP(p.Request.Headers)
		}
		req = m.network.Add(req)
	}

	responseStage := p.ResponseStatusCode != 0 || len(p.ResponseHeaders) > 0 || p.ResponseErrorReason != ""
	phase := store.PhaseBeforeRequestSent
	if responseStage {
		phase = store.PhaseResponseStarted
		req.Status = p.ResponseStatusCode
		req.StatusText = p.ResponseStatusText
		req.ResponseHeaders = store.HeadersFromEntries(p.ResponseHeaders)
	}

	top := m.contexts.FindTopLevel(req.Context)
	intercepts := m.intercepts.Match(phase, req.URL, top)
	if len(intercepts) == 0 {
		go m.resumePaused(sessionID, p.RequestID, responseStage)
		return
	}

	req.Advance(phase)
	req.Block(phase, p.RequestID, intercepts)

	extra := map[string]interface{}{
		"isBlocked":  true,
		"intercepts": intercepts,
	}
	event := protocol.EventBeforeRequestSent
	if responseStage {
		event = protocol.EventResponseStarted
		extra["response"] = responseData(req)
	} else {
		extra["initiator"] = map[string]interface{}{"type": "other"}
	}
	m.emitRequestPhase(event, req, extra)
}

// resumePaused transparently continues a paused fetch nobody intercepts.
func (m *Mapper) resumePaused(sessionID string, id fetch.RequestID, responseStage bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sess := m.cdp.Session(sessionID)
	var err error
	if responseStage {
		err = sess.Send(ctx, fetch.CommandContinueResponse, fetch.ContinueResponse(id), nil)
	} else {
		err = sess.Send(ctx, fetch.CommandContinueRequest, fetch.ContinueRequest(id), nil)
	}
	if err != nil {
		m.log.WithError(err).WithField("request", id).Debug("failed to resume paused fetch")
	}
}

func (m *Mapper) onAuthRequired(sessionID string, p *fetch.EventAuthRequired) {
	m.fetchMu.Lock()
	networkID, ok := m.fetchToNetwork[string(p.RequestID)]
	m.fetchMu.Unlock()
	if !ok {
		networkID = string(p.RequestID)
	}

	req, perr := m.network.Get(networkID)
	if perr != nil {
		req = &store.Request{ID: networkID, Context: string(p.FrameID)}
		if p.Request != nil {
			req.URL = p.Request.URL
			req.Method = p.Request.Method
			req.RequestHeaders = store.HeadersFromCDP(p.Request.Headers)
		}
		req = m.network.Add(req)
	}

	top := m.contexts.FindTopLevel(req.Context)
	intercepts := m.intercepts.Match(store.PhaseAuthRequired, req.URL, top)
	if len(intercepts) == 0 {
		go m.defaultAuth(sessionID, p.RequestID)
		return
	}

	req.Advance(store.PhaseAuthRequired)
	req.Block(store.PhaseAuthRequired, p.RequestID, intercepts)

	m.emitRequestPhase(protocol.EventAuthRequired, req, map[string]interface{}{
		"isBlocked":  true,
		"intercepts": intercepts,
		"response":   responseData(req),
	})
}

func (m *Mapper) defaultAuth(sessionID string, id fetch.RequestID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	action := fetch.ContinueWithAuth(id, &fetch.AuthChallengeResponse{
		Response: fetch.AuthChallengeResponseResponseDefault,
	})
	err := m.cdp.Session(sessionID).Send(ctx, fetch.CommandContinueWithAuth, action, nil)
	if err != nil {
		m.log.WithError(err).Debug("failed to apply default auth behavior")
	}
}

// emitRequestPhase emits one network event with the shared request envelope
// plus phase-specific fields.
func (m *Mapper) emitRequestPhase(event string, req *store.Request, extra map[string]interface{}) {
	params := map[string]interface{}{
		"context":       req.Context,
		"navigation":    navigationOrNil(req),
		"redirectCount": req.RedirectCount,
		"request":       requestData(req),
		"timestamp":     nowMillis(),
	}
	for k, v := range extra {
		params[k] = v
	}
	m.emit(event, req.Context, params)
}

func initiatorType(in *network.Initiator) string {
	if in == nil {
		return "other"
	}
	return string(in.Type)
}

// requestData builds the BiDi RequestData view of a request.
func requestData(req *store.Request) map[string]interface{} {
	return map[string]interface{}{
		"request":     req.ID,
		"url":         req.URL,
		"method":      req.Method,
		"headers":     req.RequestHeaders,
		"cookies":     []interface{}{},
		"headersSize": store.ComputeHeadersSize(req.RequestHeaders),
		"bodySize":    nil,
		"timings": map[string]interface{}{
			"timeOrigin":   0,
			"requestTime":  req.Timings.RequestTime,
			"responseTime": req.Timings.ResponseTime,
		},
	}
}

// responseData builds the BiDi ResponseData view of a request's response.
func responseData(req *store.Request) map[string]interface{} {
	return map[string]interface{}{
		"url":         req.URL,
		"protocol":    "",
		"status":      req.Status,
		"statusText":  req.StatusText,
		"fromCache":   false,
		"headers":     req.ResponseHeaders,
		"mimeType":    req.MimeType,
		"bytesReceived": req.BodySize,
		"headersSize": store.ComputeHeadersSize(req.ResponseHeaders),
		"bodySize":    req.BodySize,
		"content":     map[string]interface{}{"size": req.BodySize},
	}
}
