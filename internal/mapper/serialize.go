package mapper

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/runtime"

	"github.com/chengweih001/chromium-bidi/internal/logformat"
)

// contextInfo builds the BiDi BrowsingContextInfo for a context. With
// includeChildren the children field holds recursive infos, otherwise null
// (the shape events use).
func (m *Mapper) contextInfo(id string, includeChildren bool) map[string]interface{} {
	c, perr := m.contexts.Get(id)
	if perr != nil {
		return map[string]interface{}{"context": id, "url": "", "children": nil}
	}
	info := map[string]interface{}{
		"context":       id,
		"url":           c.URL,
		"userContext":   c.UserContext,
		"children":      nil,
		"originalOpener": nil,
	}
	if c.Parent != "" {
		info["parent"] = c.Parent
	}
	if includeChildren {
		children := []interface{}{}
		for _, child := range m.contexts.Children(id) {
			children = append(children, m.contextInfo(child, true))
		}
		info["children"] = children
	}
	return info
}

// remoteValueFromCDP converts a CDP RemoteObject into the serialized BiDi
// remote value shape consumed by the log formatter and script results.
func remoteValueFromCDP(obj *runtime.RemoteObject) logformat.Value {
	if obj == nil {
		return logformat.Value{"type": "undefined"}
	}
	switch obj.Type {
	case runtime.TypeString:
		var s string
		if len(obj.Value) > 0 {
			json.Unmarshal(obj.Value, &s)
		}
		return logformat.Value{"type": "string", "value": s}
	case runtime.TypeNumber:
		if obj.UnserializableValue != "" {
			return logformat.Value{"type": "number", "value": string(obj.UnserializableValue)}
		}
		var f float64
		if len(obj.Value) > 0 {
			json.Unmarshal(obj.Value, &f)
		}
		return logformat.Value{"type": "number", "value": f}
	case runtime.TypeBoolean:
		var b bool
		if len(obj.Value) > 0 {
			json.Unmarshal(obj.Value, &b)
		}
		return logformat.Value{"type": "boolean", "value": b}
	case runtime.TypeUndefined:
		return logformat.Value{"type": "undefined"}
	case runtime.TypeBigint:
		return logformat.Value{"type": "bigint", "value": strings.TrimSuffix(string(obj.UnserializableValue), "n")}
	case runtime.TypeSymbol:
		return logformat.Value{"type": "symbol"}
	case runtime.TypeFunction:
		return logformat.Value{"type": "function"}
	case runtime.TypeObject:
		return objectValueFromCDP(obj)
	default:
		return logformat.Value{"type": "undefined"}
	}
}

func objectValueFromCDP(obj *runtime.RemoteObject) logformat.Value {
	switch obj.Subtype {
	case runtime.SubtypeNull:
		return logformat.Value{"type": "null"}
	case runtime.SubtypeArray:
		return logformat.Value{"type": "array", "value": previewItems(obj)}
	case runtime.SubtypeMap:
		return logformat.Value{"type": "map", "value": previewEntries(obj)}
	case runtime.SubtypeSet:
		return logformat.Value{"type": "set", "value": previewItems(obj)}
	case runtime.SubtypeRegexp:
		pattern, flags := parseRegexpDescription(obj.Description)
		return logformat.Value{"type": "regexp", "value": map[string]interface{}{
			"pattern": pattern, "flags": flags,
		}}
	case runtime.SubtypeDate:
		return logformat.Value{"type": "date", "value": obj.Description}
	case runtime.SubtypeError:
		return logformat.Value{"type": "error", "value": obj.Description}
	default:
		return logformat.Value{"type": "object", "value": previewEntries(obj)}
	}
}

// previewItems reconstructs list-shaped children from the object preview;
// CDP previews are shallow, which is all the formatter needs.
func previewItems(obj *runtime.RemoteObject) []interface{} {
	if obj.Preview == nil {
		return sizedPlaceholder(obj.Description)
	}
	out := make([]interface{}, 0, len(obj.Preview.Properties))
	for _, p := range obj.Preview.Properties {
		out = append(out, map[string]interface{}(previewValue(p)))
	}
	return out
}

func previewEntries(obj *runtime.RemoteObject) []interface{} {
	if obj.Preview == nil {
		return sizedPlaceholder(obj.Description)
	}
	out := make([]interface{}, 0, len(obj.Preview.Properties))
	for _, p := range obj.Preview.Properties {
		out = append(out, []interface{}{p.Name, map[string]interface{}(previewValue(p))})
	}
	return out
}

func previewValue(p *runtime.PropertyPreview) logformat.Value {
	switch p.Type {
	case runtime.TypeString:
		return logformat.Value{"type": "string", "value": p.Value}
	case runtime.TypeNumber:
		f, err := strconv.ParseFloat(p.Value, 64)
		if err != nil {
			return logformat.Value{"type": "number", "value": p.Value}
		}
		return logformat.Value{"type": "number", "value": f}
	case runtime.TypeBoolean:
		return logformat.Value{"type": "boolean", "value": p.Value == "true"}
	case runtime.TypeUndefined:
		return logformat.Value{"type": "undefined"}
	case runtime.TypeObject:
		if p.Subtype == runtime.SubtypeNull {
			return logformat.Value{"type": "null"}
		}
		return logformat.Value{"type": "object", "value": []interface{}{}}
	default:
		return logformat.Value{"type": "string", "value": p.Value}
	}
}

// sizedPlaceholder approximates a collection's length from descriptions
// like "Array(3)" when no preview was attached.
func sizedPlaceholder(description string) []interface{} {
	open := strings.IndexByte(description, '(')
	end := strings.IndexByte(description, ')')
	if open < 0 || end <= open {
		return []interface{}{}
	}
	n, err := strconv.Atoi(description[open+1 : end])
	if err != nil || n < 0 || n > 1<<16 {
		return []interface{}{}
	}
	out := make([]interface{}, n)
	for i := range out {
		out[i] = map[string]interface{}{"type": "undefined"}
	}
	return out
}

// parseRegexpDescription splits "/pat/flags" into its parts.
func parseRegexpDescription(desc string) (pattern, flags string) {
	if !strings.HasPrefix(desc, "/") {
		return desc, ""
	}
	last := strings.LastIndexByte(desc, '/')
	if last <= 0 {
		return desc, ""
	}
	return desc[1:last], desc[last+1:]
}

// consoleLevel maps a console API call type to a BiDi log level.
func consoleLevel(callType string) string {
	switch callType {
	case "debug", "trace":
		return "debug"
	case "warning":
		return "warn"
	case "error", "assert":
		return "error"
	default:
		return "info"
	}
}

// consoleLogEntry builds the log.entryAdded payload for a console call.
// Format specifiers in the first argument consume the following values; an
// arity error falls back to the plain joined text.
func consoleLogEntry(p *runtime.EventConsoleAPICalled, realmID, contextID string) map[string]interface{} {
	args := make([]logformat.Value, 0, len(p.Args))
	for _, a := range p.Args {
		args = append(args, remoteValueFromCDP(a))
	}
	text, err := logformat.Format(args)
	if err != nil {
		text = logformat.Join(args)
	}
	return map[string]interface{}{
		"type":      "console",
		"level":     consoleLevel(string(p.Type)),
		"source":    map[string]interface{}{"realm": realmID, "context": contextID},
		"text":      text,
		"timestamp": nowMillis(),
		"method":    string(p.Type),
		"args":      args,
	}
}

// exceptionText renders an uncaught exception into the log entry text.
func exceptionText(details *runtime.ExceptionDetails) string {
	if details.Exception != nil {
		if details.Exception.Description != "" {
			return details.Exception.Description
		}
		v := remoteValueFromCDP(details.Exception)
		if s, ok := v["value"].(string); ok {
			return s
		}
	}
	return details.Text
}
