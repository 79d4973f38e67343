package mapper

import (
	"context"
	"encoding/json"
	"time"

	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"

	"github.com/chengweih001/chromium-bidi/internal/protocol"
	"github.com/chengweih001/chromium-bidi/internal/store"
)

// resolveTarget maps a script target ({realm} or {context, sandbox?}) to a
// realm.
func (m *Mapper) resolveTarget(ctx context.Context, target protocol.Params) (*store.Realm, *protocol.Error) {
	if realmID, ok := target.String("realm"); ok {
		return m.realms.Get(realmID)
	}
	contextID, ok := target.String("context")
	if !ok {
		return nil, protocol.InvalidArgument("params.target: realm or context is required")
	}
	c, perr := m.contexts.Get(contextID)
	if perr != nil {
		return nil, perr
	}
	sandbox, hasSandbox := target.String("sandbox")
	if !hasSandbox || sandbox == "" {
		if realm, ok := m.realms.DefaultRealm(contextID); ok {
			return realm, nil
		}
		return nil, protocol.InvalidArgument("no default realm in context %s", contextID)
	}
	if realm, ok := m.realms.SandboxRealm(contextID, sandbox); ok {
		return realm, nil
	}
	return m.createSandboxRealm(ctx, c, sandbox)
}

// createSandboxRealm creates an isolated world on demand; the realm record
// arrives via the executionContextCreated event.
func (m *Mapper) createSandboxRealm(ctx context.Context, c *store.Context, sandbox string) (*store.Realm, *protocol.Error) {
	action := cdppage.CreateIsolatedWorld(frameID(c.ID)).WithWorldName(sandbox)
	if err := m.sessionFor(c).Send(ctx, cdppage.CommandCreateIsolatedWorld, action, nil); err != nil {
		return nil, protocol.UnknownError(err)
	}
	deadline := time.Now().Add(m.cfg.waitTimeout())
	for {
		if realm, ok := m.realms.SandboxRealm(c.ID, sandbox); ok {
			return realm, nil
		}
		if time.Now().After(deadline) {
			return nil, protocol.NewError(protocol.ErrUnknownError, "timed out creating sandbox %q", sandbox)
		}
		select {
		case <-m.done:
			return nil, protocol.NewError(protocol.ErrUnknownError, "session ended")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// evaluateResult converts a Runtime evaluation outcome into the BiDi
// EvaluateResult union.
func (m *Mapper) evaluateResult(realm *store.Realm, obj *runtime.RemoteObject, details *runtime.ExceptionDetails, ownership string) map[string]interface{} {
	if details != nil {
		return map[string]interface{}{
			"type":  "exception",
			"realm": realm.ID,
			"exceptionDetails": map[string]interface{}{
				"text":       exceptionText(details),
				"lineNumber": details.LineNumber,
				"columnNumber": details.ColumnNumber,
				"exception":  remoteValueFromCDP(details.Exception),
			},
		}
	}
	value := map[string]interface{}(remoteValueFromCDP(obj))
	if ownership == "root" && obj != nil && obj.ObjectID != "" {
		value["handle"] = string(obj.ObjectID)
	}
	return map[string]interface{}{
		"type":   "success",
		"realm":  realm.ID,
		"result": value,
	}
}

func (m *Mapper) scriptEvaluate(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	target, _ := p.Object("target")
	realm, perr := m.resolveTarget(ctx, target)
	if perr != nil {
		return nil, perr
	}
	expression, _ := p.String("expression")
	awaitPromise, _ := p.Bool("awaitPromise")
	ownership, _ := p.String("resultOwnership")

	action := runtime.Evaluate(expression).
		WithContextID(realm.ExecutionContext).
		WithAwaitPromise(awaitPromise).
		WithGeneratePreview(true)
	var res struct {
		Result           *runtime.RemoteObject     `json:"result"`
		ExceptionDetails *runtime.ExceptionDetails `json:"exceptionDetails"`
	}
	if err := m.cdp.Session(realm.CDPSession).Send(ctx, runtime.CommandEvaluate, action, &res); err != nil {
		return nil, protocol.UnknownError(err)
	}
	return m.evaluateResult(realm, res.Result, res.ExceptionDetails, ownership), nil
}

func (m *Mapper) scriptCallFunction(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	target, _ := p.Object("target")
	realm, perr := m.resolveTarget(ctx, target)
	if perr != nil {
		return nil, perr
	}
	declaration, _ := p.String("functionDeclaration")
	awaitPromise, _ := p.Bool("awaitPromise")
	ownership, _ := p.String("resultOwnership")

	var args []*runtime.CallArgument
	if rawArgs, ok := p.List("arguments"); ok {
		for i, raw := range rawArgs {
			arg, perr := callArgumentFromLocalValue(raw)
			if perr != nil {
				return nil, protocol.InvalidArgument("params.arguments[%d]: %s", i, perr.Message)
			}
			args = append(args, arg)
		}
	}
	if rawThis, ok := p.Object("this"); ok {
		// "this" binds as the first implicit argument of the call wrapper.
		arg, perr := callArgumentFromLocalValue(map[string]interface{}(rawThis))
		if perr != nil {
			return nil, protocol.InvalidArgument("params.this: %s", perr.Message)
		}
		args = append([]*runtime.CallArgument{arg}, args...)
		declaration = "function(__this, ...__args) { return (" + declaration + ").apply(__this, __args); }"
	}

	action := runtime.CallFunctionOn(declaration).
		WithExecutionContextID(realm.ExecutionContext).
		WithArguments(args).
		WithAwaitPromise(awaitPromise).
		WithGeneratePreview(true)
	var res struct {
		Result           *runtime.RemoteObject     `json:"result"`
		ExceptionDetails *runtime.ExceptionDetails `json:"exceptionDetails"`
	}
	if err := m.cdp.Session(realm.CDPSession).Send(ctx, runtime.CommandCallFunctionOn, action, &res); err != nil {
		return nil, protocol.UnknownError(err)
	}
	return m.evaluateResult(realm, res.Result, res.ExceptionDetails, ownership), nil
}

// callArgumentFromLocalValue converts a BiDi LocalValue (or RemoteReference)
// into a CDP call argument.
func callArgumentFromLocalValue(raw interface{}) (*runtime.CallArgument, *protocol.Error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, protocol.InvalidArgument("argument must be an object")
	}
	v := protocol.Params(obj)
	if handle, ok := v.String("handle"); ok {
		return &runtime.CallArgument{ObjectID: runtime.RemoteObjectID(handle)}, nil
	}
	typ, _ := v.String("type")
	switch typ {
	case "undefined":
		return &runtime.CallArgument{}, nil
	case "null":
		return &runtime.CallArgument{Value: []byte("null")}, nil
	case "string", "boolean":
		data, err := json.Marshal(obj["value"])
		if err != nil {
			return nil, protocol.InvalidArgument("unserializable value")
		}
		return &runtime.CallArgument{Value: data}, nil
	case "number":
		if s, ok := v.String("value"); ok {
			// Special numbers travel as their unserializable spelling.
			return &runtime.CallArgument{UnserializableValue: runtime.UnserializableValue(s)}, nil
		}
		data, err := json.Marshal(obj["value"])
		if err != nil {
			return nil, protocol.InvalidArgument("unserializable value")
		}
		return &runtime.CallArgument{Value: data}, nil
	case "bigint":
		s, _ := v.String("value")
		return &runtime.CallArgument{UnserializableValue: runtime.UnserializableValue(s + "n")}, nil
	default:
		return nil, protocol.InvalidArgument("unsupported argument type %q", typ)
	}
}

func (m *Mapper) scriptDisown(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	target, _ := p.Object("target")
	realm, perr := m.resolveTarget(ctx, target)
	if perr != nil {
		return nil, perr
	}
	handles, _ := p.StringList("handles")
	sess := m.cdp.Session(realm.CDPSession)
	for _, handle := range handles {
		action := runtime.ReleaseObject(runtime.RemoteObjectID(handle))
		if err := sess.Send(ctx, runtime.CommandReleaseObject, action, nil); err != nil {
			// Unknown handles are ignored: disown is idempotent.
			m.log.WithError(err).WithField("handle", handle).Debug("releaseObject failed")
		}
	}
	return map[string]interface{}{}, nil
}

func (m *Mapper) scriptGetRealms(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	contextID, _ := p.String("context")
	if contextID != "" {
		if _, perr := m.contexts.Get(contextID); perr != nil {
			return nil, perr
		}
	}
	typ, _ := p.String("type")
	realms := []interface{}{}
	for _, r := range m.realms.Filter(contextID, store.RealmType(typ)) {
		info := map[string]interface{}{
			"realm":  r.ID,
			"origin": r.Origin,
			"type":   string(r.Type),
		}
		if r.Context != "" {
			info["context"] = r.Context
		}
		if r.Sandbox != "" {
			info["sandbox"] = r.Sandbox
		}
		realms = append(realms, info)
	}
	return map[string]interface{}{"realms": realms}, nil
}

func (m *Mapper) scriptAddPreloadScript(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	declaration, _ := p.String("functionDeclaration")
	sandbox, _ := p.String("sandbox")
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

	script := m.preloads.Add(declaration, sandbox, contexts)

	// Install on every live target whose top level matches the filter;
	// future targets pick the script up during session setup.
	for _, top := range m.contexts.TopLevels() {
		if !script.AppliesTo(top) {
			continue
		}
		c, perr := m.contexts.Get(top)
		if perr != nil {
			continue
		}
		m.installPreloadScript(ctx, m.sessionFor(c), script)
	}
	return map[string]interface{}{"script": script.ID}, nil
}

func (m *Mapper) scriptRemovePreloadScript(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	id, _ := p.String("script")
	script, perr := m.preloads.Remove(id)
	if perr != nil {
		return nil, perr
	}
	for sessionID, cdpID := range script.CDPIDs() {
		action := cdppage.RemoveScriptToEvaluateOnNewDocument(cdppage.ScriptIdentifier(cdpID))
		if err := m.cdp.Session(sessionID).Send(ctx, cdppage.CommandRemoveScriptToEvaluateOnNewDocument, action, nil); err != nil {
			m.log.WithError(err).Debug("failed to remove preload script")
		}
	}
	return map[string]interface{}{}, nil
}
