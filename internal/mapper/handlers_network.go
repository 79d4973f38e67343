package mapper

import (
	"context"
	"encoding/base64"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"

	"github.com/chengweih001/chromium-bidi/internal/cdp"
	"github.com/chengweih001/chromium-bidi/internal/protocol"
	"github.com/chengweih001/chromium-bidi/internal/store"
	"github.com/chengweih001/chromium-bidi/internal/urlpattern"
)

func (m *Mapper) networkAddIntercept(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	rawPhases, _ := p.StringList("phases")
	phases := make([]store.RequestPhase, 0, len(rawPhases))
	for _, ph := range rawPhases {
		phases = append(phases, store.RequestPhase(ph))
	}

	var patterns []*urlpattern.Pattern
	if raw, ok := p.List("urlPatterns"); ok {
		parsed, perr := parseURLPatterns(raw)
		if perr != nil {
			return nil, perr
		}
		patterns = parsed
	}

	contexts, _ := p.StringList("contexts")
	for _, id := range contexts {
		c, perr := m.contexts.Get(id)
		if perr != nil {
			return nil, perr
		}
		if c.Parent != "" {
			return nil, protocol.InvalidArgument("context %s is not top-level", id)
		}
	}

	intercept := m.intercepts.Add(phases, patterns, contexts)

	for _, sid := range m.topLevelSessions() {
		if err := m.enableFetch(ctx, m.cdp.Session(sid)); err != nil {
			m.intercepts.Remove(intercept.ID)
			return nil, protocol.UnknownError(err)
		}
	}
	return map[string]interface{}{"intercept": intercept.ID}, nil
}

// enableFetch turns request pausing on for a session, sized to the union of
// registered intercept phases.
func (m *Mapper) enableFetch(ctx context.Context, sess *cdp.Session) error {
	var patterns []*fetch.RequestPattern
	handleAuth := false
	for _, phase := range m.intercepts.Phases() {
		switch phase {
		case store.PhaseBeforeRequestSent:
			patterns = append(patterns, &fetch.RequestPattern{
				URLPattern:   "*",
				RequestStage: fetch.RequestStageRequest,
			})
		case store.PhaseResponseStarted:
			patterns = append(patterns, &fetch.RequestPattern{
				URLPattern:   "*",
				RequestStage: fetch.RequestStageResponse,
			})
		case store.PhaseAuthRequired:
			handleAuth = true
		}
	}
	if handleAuth && len(patterns) == 0 {
		patterns = append(patterns, &fetch.RequestPattern{
			URLPattern:   "*",
			RequestStage: fetch.RequestStageRequest,
		})
	}
	action := fetch.Enable().WithPatterns(patterns).WithHandleAuthRequests(handleAuth)
	return sess.Send(ctx, fetch.CommandEnable, action, nil)
}

func (m *Mapper) networkRemoveIntercept(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("intercept")
	if perr := m.intercepts.Remove(id); perr != nil {
		return nil, perr
	}
	if m.intercepts.Empty() {
		for _, sid := range m.topLevelSessions() {
			if err := m.cdp.Session(sid).Send(ctx, fetch.CommandDisable, nil, nil); err != nil {
				m.log.WithError(err).Debug("failed to disable fetch")
			}
		}
	}
	return map[string]interface{}{}, nil
}

func (m *Mapper) networkContinueRequest(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("request")
	req, perr := m.network.GetBlocked(id)
	if perr != nil {
		return nil, perr
	}
	if req.BlockedPhase != store.PhaseBeforeRequestSent {
		return nil, protocol.InvalidArgument(
			"request %s is blocked in phase %s, not beforeRequestSent", id, req.BlockedPhase)
	}

	action := fetch.ContinueRequest(req.FetchID)
	if url, ok := p.String("url"); ok {
		action = action.WithURL(url)
	}
	if method, ok := p.String("method"); ok {
		action = action.WithMethod(method)
	}
	if p.Has("headers") {
		entries, perr := headerEntriesFromParams(p)
		if perr != nil {
			return nil, perr
		}
		action = action.WithHeaders(entries)
	}
	if p.Has("body") {
		body, perr := bodyBase64FromParams(p)
		if perr != nil {
			return nil, perr
		}
		action = action.WithPostData(body)
	}

	if perr := m.sendOnRequestSession(ctx, req, fetch.CommandContinueRequest, action); perr != nil {
		return nil, perr
	}
	req.Resolve()
	return map[string]interface{}{}, nil
}

func (m *Mapper) networkContinueResponse(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("request")
	req, perr := m.network.GetBlocked(id)
	if perr != nil {
		return nil, perr
	}
	if req.BlockedPhase != store.PhaseResponseStarted && req.BlockedPhase != store.PhaseAuthRequired {
		return nil, protocol.InvalidArgument(
			"request %s is blocked in phase %s, not a response phase", id, req.BlockedPhase)
	}

	action := fetch.ContinueResponse(req.FetchID)
	if status, ok := p.Int("statusCode"); ok {
		action = action.WithResponseCode(int64(status))
	}
	if reason, ok := p.String("reasonPhrase"); ok {
		action = action.WithResponsePhrase(reason)
	}
	if p.Has("headers") {
		entries, perr := headerEntriesFromParams(p)
		if perr != nil {
			return nil, perr
		}
		action = action.WithResponseHeaders(entries)
	}

	if perr := m.sendOnRequestSession(ctx, req, fetch.CommandContinueResponse, action); perr != nil {
		return nil, perr
	}
	req.Resolve()
	return map[string]interface{}{}, nil
}

func (m *Mapper) networkContinueWithAuth(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("request")
	req, perr := m.network.GetBlocked(id)
	if perr != nil {
		return nil, perr
	}
	if req.BlockedPhase != store.PhaseAuthRequired {
		return nil, protocol.InvalidArgument(
			"request %s is blocked in phase %s, not authRequired", id, req.BlockedPhase)
	}

	response := &fetch.AuthChallengeResponse{}
	action, _ := p.String("action")
	switch action {
	case "provideCredentials":
		creds, _ := p.Object("credentials")
		username, _ := creds.String("username")
		password, _ := creds.String("password")
		response.Response = fetch.AuthChallengeResponseResponseProvideCredentials
		response.Username = username
		response.Password = password
	case "cancel":
		response.Response = fetch.AuthChallengeResponseResponseCancelAuth
	default:
		response.Response = fetch.AuthChallengeResponseResponseDefault
	}

	cmd := fetch.ContinueWithAuth(req.FetchID, response)
	if perr := m.sendOnRequestSession(ctx, req, fetch.CommandContinueWithAuth, cmd); perr != nil {
		return nil, perr
	}
	req.Resolve()
	return map[string]interface{}{}, nil
}

func (m *Mapper) networkProvideResponse(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("request")
	req, perr := m.network.GetBlocked(id)
	if perr != nil {
		return nil, perr
	}

	status := int64(200)
	if v, ok := p.Int("statusCode"); ok {
		status = int64(v)
	}
	action := fetch.FulfillRequest(req.FetchID, status)
	if reason, ok := p.String("reasonPhrase"); ok {
		action = action.WithResponsePhrase(reason)
	}
	if p.Has("headers") {
		entries, perr := headerEntriesFromParams(p)
		if perr != nil {
			return nil, perr
		}
		action = action.WithResponseHeaders(entries)
	}
	if p.Has("body") {
		body, perr := bodyBase64FromParams(p)
		if perr != nil {
			return nil, perr
		}
		action = action.WithBody(body)
	}

	if perr := m.sendOnRequestSession(ctx, req, fetch.CommandFulfillRequest, action); perr != nil {
		return nil, perr
	}
	req.Resolve()
	return map[string]interface{}{}, nil
}

func (m *Mapper) networkFailRequest(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("request")
	req, perr := m.network.GetBlocked(id)
	if perr != nil {
		return nil, perr
	}

	action := fetch.FailRequest(req.FetchID, network.ErrorReasonFailed)
	if perr := m.sendOnRequestSession(ctx, req, fetch.CommandFailRequest, action); perr != nil {
		return nil, perr
	}
	req.Resolve()
	return map[string]interface{}{}, nil
}

func (m *Mapper) networkSetCacheBehavior(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	behavior, _ := p.String("cacheBehavior")
	disabled := behavior == "bypass"

	sessions := m.topLevelSessions()
	if contexts, ok := p.StringList("contexts"); ok && len(contexts) > 0 {
		sessions = sessions[:0]
		for _, id := range contexts {
			c, perr := m.contexts.Get(id)
			if perr != nil {
				return nil, perr
			}
			sessions = append(sessions, c.CDPSession)
		}
	}
	for _, sid := range sessions {
		action := network.SetCacheDisabled(disabled)
		if err := m.cdp.Session(sid).Send(ctx, network.CommandSetCacheDisabled, action, nil); err != nil {
			return nil, protocol.UnknownError(err)
		}
	}
	return map[string]interface{}{}, nil
}

// sendOnRequestSession issues a Fetch command on the CDP session owning the
// blocked request's context.
func (m *Mapper) sendOnRequestSession(ctx context.Context, req *store.Request, method string, params interface{}) *protocol.Error {
	c, perr := m.contexts.Get(req.Context)
	if perr != nil {
		return protocol.NoSuchRequest(req.ID)
	}
	if err := m.sessionFor(c).Send(ctx, method, params, nil); err != nil {
		return protocol.UnknownError(err)
	}
	return nil
}

// parseURLPatterns parses the BiDi urlPatterns parameter.
func parseURLPatterns(raw []interface{}) ([]*urlpattern.Pattern, *protocol.Error) {
	out := make([]*urlpattern.Pattern, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, protocol.InvalidArgument("params.urlPatterns[%d]: must be an object", i)
		}
		pp := protocol.Params(obj)
		typ, _ := pp.String("type")
		switch typ {
		case "string":
			s, ok := pp.String("pattern")
			if !ok {
				return nil, protocol.InvalidArgument("params.urlPatterns[%d].pattern: required field is missing", i)
			}
			pat, err := urlpattern.ParseString(s)
			if err != nil {
				return nil, protocol.InvalidArgument("params.urlPatterns[%d]: %s", i, err.Error())
			}
			out = append(out, pat)
		case "pattern":
			pat, err := urlpattern.ParseFields(
				optionalField(pp, "protocol"),
				optionalField(pp, "hostname"),
				optionalField(pp, "port"),
				optionalField(pp, "pathname"),
				optionalField(pp, "search"),
			)
			if err != nil {
				return nil, protocol.InvalidArgument("params.urlPatterns[%d]: %s", i, err.Error())
			}
			out = append(out, pat)
		default:
			return nil, protocol.InvalidArgument("params.urlPatterns[%d].type: must be string or pattern", i)
		}
	}
	return out, nil
}

func optionalField(p protocol.Params, key string) *string {
	if v, ok := p.String(key); ok {
		return &v
	}
	return nil
}

// headerEntriesFromParams converts the validated headers parameter into
// Fetch header entries.
func headerEntriesFromParams(p protocol.Params) ([]*fetch.HeaderEntry, *protocol.Error) {
	raw, _ := p.List("headers")
	headers := make([]store.Header, 0, len(raw))
	for _, item := range raw {
		obj := protocol.Params(item.(map[string]interface{}))
		name, _ := obj.String("name")
		val, _ := obj.Object("value")
		typ, _ := val.String("type")
		value, _ := val.String("value")
		headers = append(headers, store.Header{Name: name, Value: store.HeaderValue{Type: typ, Value: value}})
	}
	return store.HeadersToEntries(headers)
}

// bodyBase64FromParams converts the body parameter into the base64 payload
// CDP expects.
func bodyBase64FromParams(p protocol.Params) (string, *protocol.Error) {
	body, ok := p.Object("body")
	if !ok {
		return "", protocol.InvalidArgument("params.body: must be an object")
	}
	typ, _ := body.String("type")
	value, _ := body.String("value")
	switch typ {
	case "string":
		return base64.StdEncoding.EncodeToString([]byte(value)), nil
	case "base64":
		if _, err := base64.StdEncoding.DecodeString(value); err != nil {
			return "", protocol.InvalidArgument("params.body.value: invalid base64")
		}
		return value, nil
	default:
		return "", protocol.InvalidArgument("params.body.type: must be string or base64")
	}
}
