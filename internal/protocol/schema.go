package protocol

import (
	"encoding/json"
	"math"
)

// Validator checks the params object of one BiDi method. A nil return means
// the params are acceptable; otherwise the error is an "invalid argument"
// pointing at the failing field.
type Validator func(p Params) *Error

// Params is a decoded command params object.
type Params map[string]interface{}

// DecodeParams decodes raw params into a Params map.
func DecodeParams(raw json.RawMessage) (Params, *Error) {
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, InvalidArgument("params is not an object: %s", err.Error())
	}
	if p == nil {
		p = Params{}
	}
	return p, nil
}

// String returns a string field, with ok reporting presence and type match.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// Number returns a numeric field as float64.
func (p Params) Number(key string) (float64, bool) {
	v, ok := p[key].(float64)
	return v, ok
}

// Int returns a numeric field coerced to int, false if missing, non-numeric
// or not integral.
func (p Params) Int(key string) (int, bool) {
	v, ok := p[key].(float64)
	if !ok || v != math.Trunc(v) {
		return 0, false
	}
	return int(v), true
}

// Bool returns a boolean field.
func (p Params) Bool(key string) (bool, bool) {
	v, ok := p[key].(bool)
	return v, ok
}

// Object returns a nested object field.
func (p Params) Object(key string) (Params, bool) {
	v, ok := p[key].(map[string]interface{})
	if !ok {
		return nil, false
	}
	return Params(v), true
}

// List returns an array field.
func (p Params) List(key string) ([]interface{}, bool) {
	v, ok := p[key].([]interface{})
	return v, ok
}

// StringList returns an array-of-strings field; false if any element is not
// a string.
func (p Params) StringList(key string) ([]string, bool) {
	raw, ok := p[key].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// Has reports whether a field is present, regardless of type.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func missing(field string) *Error {
	return InvalidArgument("params.%s: required field is missing or has wrong type", field)
}

func badEnum(field string, got interface{}, allowed ...string) *Error {
	return InvalidArgument("params.%s: %v is not one of %v", field, got, allowed)
}

func requireString(p Params, field string) *Error {
	if _, ok := p.String(field); !ok {
		return missing(field)
	}
	return nil
}

func optionalString(p Params, field string) *Error {
	if !p.Has(field) {
		return nil
	}
	if _, ok := p.String(field); !ok {
		return missing(field)
	}
	return nil
}

func optionalBool(p Params, field string) *Error {
	if !p.Has(field) {
		return nil
	}
	if _, ok := p.Bool(field); !ok {
		return missing(field)
	}
	return nil
}

func optionalEnum(p Params, field string, allowed ...string) *Error {
	if !p.Has(field) {
		return nil
	}
	v, ok := p.String(field)
	if !ok {
		return missing(field)
	}
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return badEnum(field, v, allowed...)
}

func requireStringList(p Params, field string) *Error {
	if _, ok := p.StringList(field); !ok {
		return missing(field)
	}
	return nil
}

func optionalStringList(p Params, field string) *Error {
	if !p.Has(field) {
		return nil
	}
	return requireStringList(p, field)
}

// validateHeaders checks a BiDi header list: [{name, value:{type,value}}].
func validateHeaders(p Params, field string) *Error {
	if !p.Has(field) {
		return nil
	}
	raw, ok := p.List(field)
	if !ok {
		return missing(field)
	}
	for i, h := range raw {
		obj, ok := h.(map[string]interface{})
		if !ok {
			return InvalidArgument("params.%s[%d]: header must be an object", field, i)
		}
		hp := Params(obj)
		if _, ok := hp.String("name"); !ok {
			return InvalidArgument("params.%s[%d].name: required field is missing", field, i)
		}
		val, ok := hp.Object("value")
		if !ok {
			return InvalidArgument("params.%s[%d].value: required field is missing", field, i)
		}
		typ, _ := val.String("type")
		if typ != "string" && typ != "base64" {
			return InvalidArgument("params.%s[%d].value.type: must be string or base64", field, i)
		}
		if _, ok := val.String("value"); !ok {
			return InvalidArgument("params.%s[%d].value.value: required field is missing", field, i)
		}
	}
	return nil
}

// validators maps every implemented method to its params validator. Unknown
// methods are reported as "unknown command" by ValidateCommand.
var validators = map[string]Validator{
	"session.status": func(p Params) *Error { return nil },
	"session.new":    func(p Params) *Error { return nil },
	"session.end":    func(p Params) *Error { return nil },
	"session.subscribe": func(p Params) *Error {
		if err := requireStringList(p, "events"); err != nil {
			return err
		}
		return optionalStringList(p, "contexts")
	},
	"session.unsubscribe": func(p Params) *Error {
		if err := requireStringList(p, "events"); err != nil {
			return err
		}
		return optionalStringList(p, "contexts")
	},

	"browsingContext.getTree": func(p Params) *Error {
		if err := optionalString(p, "root"); err != nil {
			return err
		}
		return nil
	},
	"browsingContext.create": func(p Params) *Error {
		if err := optionalEnum(p, "type", "tab", "window"); err != nil {
			return err
		}
		if err := optionalString(p, "referenceContext"); err != nil {
			return err
		}
		return optionalString(p, "userContext")
	},
	"browsingContext.close": func(p Params) *Error {
		return requireString(p, "context")
	},
	"browsingContext.navigate": func(p Params) *Error {
		if err := requireString(p, "context"); err != nil {
			return err
		}
		if err := requireString(p, "url"); err != nil {
			return err
		}
		return optionalEnum(p, "wait", "none", "interactive", "complete")
	},
	"browsingContext.reload": func(p Params) *Error {
		if err := requireString(p, "context"); err != nil {
			return err
		}
		if err := optionalBool(p, "ignoreCache"); err != nil {
			return err
		}
		return optionalEnum(p, "wait", "none", "interactive", "complete")
	},
	"browsingContext.traverseHistory": func(p Params) *Error {
		if err := requireString(p, "context"); err != nil {
			return err
		}
		if _, ok := p.Int("delta"); !ok {
			return missing("delta")
		}
		return nil
	},
	"browsingContext.activate": func(p Params) *Error {
		return requireString(p, "context")
	},
	"browsingContext.handleUserPrompt": func(p Params) *Error {
		if err := requireString(p, "context"); err != nil {
			return err
		}
		if err := optionalBool(p, "accept"); err != nil {
			return err
		}
		return optionalString(p, "userText")
	},
	"browsingContext.captureScreenshot": func(p Params) *Error {
		return requireString(p, "context")
	},
	"browsingContext.setViewport": func(p Params) *Error {
		return requireString(p, "context")
	},
	"browsingContext.print": func(p Params) *Error {
		return requireString(p, "context")
	},

	"network.addIntercept": func(p Params) *Error {
		phases, ok := p.StringList("phases")
		if !ok || len(phases) == 0 {
			return missing("phases")
		}
		for _, ph := range phases {
			switch ph {
			case "beforeRequestSent", "responseStarted", "authRequired":
			default:
				return badEnum("phases", ph, "beforeRequestSent", "responseStarted", "authRequired")
			}
		}
		if p.Has("urlPatterns") {
			if _, ok := p.List("urlPatterns"); !ok {
				return missing("urlPatterns")
			}
		}
		return optionalStringList(p, "contexts")
	},
	"network.removeIntercept": func(p Params) *Error {
		return requireString(p, "intercept")
	},
	"network.continueRequest": func(p Params) *Error {
		if err := requireString(p, "request"); err != nil {
			return err
		}
		if err := optionalString(p, "url"); err != nil {
			return err
		}
		if err := optionalString(p, "method"); err != nil {
			return err
		}
		return validateHeaders(p, "headers")
	},
	"network.continueResponse": func(p Params) *Error {
		if err := requireString(p, "request"); err != nil {
			return err
		}
		if err := optionalString(p, "reasonPhrase"); err != nil {
			return err
		}
		return validateHeaders(p, "headers")
	},
	"network.continueWithAuth": func(p Params) *Error {
		if err := requireString(p, "request"); err != nil {
			return err
		}
		action, ok := p.String("action")
		if !ok {
			return missing("action")
		}
		switch action {
		case "provideCredentials":
			creds, ok := p.Object("credentials")
			if !ok {
				return missing("credentials")
			}
			if _, ok := creds.String("username"); !ok {
				return InvalidArgument("params.credentials.username: required field is missing")
			}
			if _, ok := creds.String("password"); !ok {
				return InvalidArgument("params.credentials.password: required field is missing")
			}
			return nil
		case "default", "cancel":
			return nil
		}
		return badEnum("action", action, "default", "cancel", "provideCredentials")
	},
	"network.provideResponse": func(p Params) *Error {
		if err := requireString(p, "request"); err != nil {
			return err
		}
		if err := optionalString(p, "reasonPhrase"); err != nil {
			return err
		}
		return validateHeaders(p, "headers")
	},
	"network.failRequest": func(p Params) *Error {
		return requireString(p, "request")
	},
	"network.setCacheBehavior": func(p Params) *Error {
		cb, ok := p.String("cacheBehavior")
		if !ok {
			return missing("cacheBehavior")
		}
		if cb != "default" && cb != "bypass" {
			return badEnum("cacheBehavior", cb, "default", "bypass")
		}
		return optionalStringList(p, "contexts")
	},

	"script.evaluate": func(p Params) *Error {
		if err := requireString(p, "expression"); err != nil {
			return err
		}
		if _, ok := p.Object("target"); !ok {
			return missing("target")
		}
		if _, ok := p.Bool("awaitPromise"); !ok {
			return missing("awaitPromise")
		}
		return nil
	},
	"script.callFunction": func(p Params) *Error {
		if err := requireString(p, "functionDeclaration"); err != nil {
			return err
		}
		if _, ok := p.Object("target"); !ok {
			return missing("target")
		}
		if _, ok := p.Bool("awaitPromise"); !ok {
			return missing("awaitPromise")
		}
		return nil
	},
	"script.disown": func(p Params) *Error {
		if err := requireStringList(p, "handles"); err != nil {
			return err
		}
		if _, ok := p.Object("target"); !ok {
			return missing("target")
		}
		return nil
	},
	"script.getRealms": func(p Params) *Error {
		if err := optionalString(p, "context"); err != nil {
			return err
		}
		return optionalString(p, "type")
	},
	"script.addPreloadScript": func(p Params) *Error {
		if err := requireString(p, "functionDeclaration"); err != nil {
			return err
		}
		if err := optionalString(p, "sandbox"); err != nil {
			return err
		}
		return optionalStringList(p, "contexts")
	},
	"script.removePreloadScript": func(p Params) *Error {
		return requireString(p, "script")
	},

	"input.performActions": func(p Params) *Error {
		if err := requireString(p, "context"); err != nil {
			return err
		}
		if _, ok := p.List("actions"); !ok {
			return missing("actions")
		}
		return nil
	},
	"input.releaseActions": func(p Params) *Error {
		return requireString(p, "context")
	},
	"input.setFiles": func(p Params) *Error {
		if err := requireString(p, "context"); err != nil {
			return err
		}
		if _, ok := p.Object("element"); !ok {
			return missing("element")
		}
		return requireStringList(p, "files")
	},

	"browser.close":             func(p Params) *Error { return nil },
	"browser.createUserContext": func(p Params) *Error { return nil },
	"browser.removeUserContext": func(p Params) *Error {
		return requireString(p, "userContext")
	},
	"browser.getUserContexts": func(p Params) *Error { return nil },
	"browser.getClientWindows": func(p Params) *Error { return nil },

	"storage.getCookies": func(p Params) *Error {
		if p.Has("partition") {
			if _, sok := p.String("partition"); sok {
				return nil
			}
			if _, ook := p.Object("partition"); !ook {
				return missing("partition")
			}
		}
		return nil
	},
	"storage.setCookie": func(p Params) *Error {
		cookie, ok := p.Object("cookie")
		if !ok {
			return missing("cookie")
		}
		if _, ok := cookie.String("name"); !ok {
			return InvalidArgument("params.cookie.name: required field is missing")
		}
		val, ok := cookie.Object("value")
		if !ok {
			return InvalidArgument("params.cookie.value: required field is missing")
		}
		typ, _ := val.String("type")
		if typ != "string" && typ != "base64" {
			return InvalidArgument("params.cookie.value.type: must be string or base64")
		}
		if _, ok := cookie.String("domain"); !ok {
			return InvalidArgument("params.cookie.domain: required field is missing")
		}
		return nil
	},
	"storage.deleteCookies": func(p Params) *Error { return nil },

	"permissions.setPermission": func(p Params) *Error {
		desc, ok := p.Object("descriptor")
		if !ok {
			return missing("descriptor")
		}
		if _, ok := desc.String("name"); !ok {
			return InvalidArgument("params.descriptor.name: required field is missing")
		}
		state, ok := p.String("state")
		if !ok {
			return missing("state")
		}
		switch state {
		case "granted", "denied", "prompt":
		default:
			return badEnum("state", state, "granted", "denied", "prompt")
		}
		return requireString(p, "origin")
	},
}

// KnownMethod reports whether method maps to an implemented handler.
func KnownMethod(method string) bool {
	_, ok := validators[method]
	return ok
}

// ValidateCommand validates the params of a command frame against the schema
// for its method. Unknown methods yield "unknown command"; schema failures
// yield "invalid argument" naming the offending field. On success the decoded
// params are returned for the handler to consume.
func ValidateCommand(method string, raw json.RawMessage) (Params, *Error) {
	v, ok := validators[method]
	if !ok {
		return nil, NewError(ErrUnknownCommand, "unknown command %s", method)
	}
	p, err := DecodeParams(raw)
	if err != nil {
		return nil, err
	}
	if err := v(p); err != nil {
		return nil, err
	}
	return p, nil
}

// methodModule returns the module prefix of a method, e.g. "network" for
// "network.addIntercept".
func methodModule(method string) string {
	for i := 0; i < len(method); i++ {
		if method[i] == '.' {
			return method[:i]
		}
	}
	return method
}

// Module returns the owning module of a method string.
func Module(method string) string { return methodModule(method) }
