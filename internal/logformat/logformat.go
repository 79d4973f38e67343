// Package logformat expands console.log format specifiers against the
// serialized remote values that accompany a console message. The first
// string argument drives formatting; each specifier consumes one of the
// following values.
package logformat

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is a serialized remote value as it appears on the wire:
// {"type": "number", "value": 42} and friends.
type Value map[string]interface{}

// Type returns the "type" discriminator of the value.
func (v Value) Type() string {
	t, _ := v["type"].(string)
	return t
}

func (v Value) raw() interface{} { return v["value"] }

func asValue(x interface{}) Value {
	if m, ok := x.(map[string]interface{}); ok {
		return Value(m)
	}
	return Value{}
}

// specifiers recognized in the format string. "%%" escapes a literal percent.
const specifierChars = "difsoOc"

// Format renders a console message argument list into a single string.
//
// If the first argument is a string, its specifiers consume the remaining
// values in order; a shortfall or surplus of values is an error. Otherwise
// every argument is stringified and joined with spaces.
func Format(args []Value) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	first := args[0]
	if first.Type() == "string" {
		format, _ := first.raw().(string)
		return expand(format, args[1:])
	}
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, toDisplayString(a))
	}
	return strings.Join(parts, " "), nil
}

// Join renders every argument with the %s conversion, space-separated. Used
// as the fallback text when Format reports an arity error.
func Join(args []Value) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, toDisplayString(a))
	}
	return strings.Join(parts, " ")
}

func expand(format string, values []Value) (string, error) {
	var b strings.Builder
	next := 0
	tooFew := false
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 >= len(format) {
			b.WriteByte(c)
			continue
		}
		spec := format[i+1]
		if spec == '%' {
			b.WriteByte('%')
			i++
			continue
		}
		if strings.IndexByte(specifierChars, spec) < 0 {
			b.WriteByte(c)
			continue
		}
		if next >= len(values) {
			tooFew = true
			i++
			continue
		}
		v := values[next]
		next++
		switch spec {
		case 'd', 'i':
			b.WriteString(toIntString(v))
		case 'f':
			b.WriteString(toFloatString(v))
		case 's':
			b.WriteString(toDisplayString(v))
		case 'o', 'O', 'c':
			b.WriteString(toJSONString(v))
		}
		i++
	}
	if tooFew {
		return "", fmt.Errorf("less value is provided")
	}
	if next < len(values) {
		// Leftover values are still rendered so the error carries the full
		// message the client would have seen.
		parts := []string{b.String()}
		for _, v := range values[next:] {
			parts = append(parts, toDisplayString(v))
		}
		return "", fmt.Errorf("more value is provided: %q", strings.Join(parts, " "))
	}
	return b.String(), nil
}

// numberOf maps the wire encodings of non-finite numbers and negative
// zero. Finite numbers arrive as JSON numbers.
func numberOf(v Value) (f float64, special string, ok bool) {
	switch raw := v.raw().(type) {
	case float64:
		return raw, "", true
	case string:
		switch raw {
		case "NaN", "Infinity", "-Infinity", "-0":
			return 0, raw, true
		}
	}
	return 0, "", false
}

func toIntString(v Value) string {
	if v.Type() != "number" {
		return "NaN"
	}
	f, special, ok := numberOf(v)
	if !ok {
		return "NaN"
	}
	switch special {
	case "NaN", "Infinity", "-Infinity":
		return "NaN"
	case "-0":
		return "0"
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "NaN"
	}
	return strconv.FormatInt(int64(math.Trunc(f)), 10)
}

func toFloatString(v Value) string {
	if v.Type() != "number" {
		return "NaN"
	}
	f, special, ok := numberOf(v)
	if !ok {
		return "NaN"
	}
	switch special {
	case "NaN":
		return "NaN"
	case "Infinity":
		return "Infinity"
	case "-Infinity":
		return "-Infinity"
	case "-0":
		return "0"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// toDisplayString is the %s conversion, also used when joining plain
// argument lists.
func toDisplayString(v Value) string {
	switch v.Type() {
	case "string":
		s, _ := v.raw().(string)
		return s
	case "number":
		f, special, ok := numberOf(v)
		if !ok {
			return "NaN"
		}
		if special != "" {
			if special == "-0" {
				return "0"
			}
			return special
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	case "boolean":
		b, _ := v.raw().(bool)
		return strconv.FormatBool(b)
	case "bigint":
		s, _ := v.raw().(string)
		return s
	case "null":
		return "null"
	case "undefined":
		return "undefined"
	case "array":
		return fmt.Sprintf("Array(%d)", listLen(v))
	case "map":
		return fmt.Sprintf("Map(%d)", listLen(v))
	case "set":
		return fmt.Sprintf("Set(%d)", listLen(v))
	case "object":
		return fmt.Sprintf("Object(%d)", listLen(v))
	case "date":
		s, _ := v.raw().(string)
		return s
	case "regexp":
		return regexpString(v)
	case "function":
		return "function"
	default:
		return v.Type()
	}
}

// toJSONString is the %o/%O/%c conversion: a JSON-like structural rendering.
func toJSONString(v Value) string {
	switch v.Type() {
	case "string":
		s, _ := v.raw().(string)
		return strconv.Quote(s)
	case "bigint":
		s, _ := v.raw().(string)
		return s + "n"
	case "regexp":
		return regexpString(v)
	case "date":
		s, _ := v.raw().(string)
		return s
	case "array", "set":
		items, _ := v.raw().([]interface{})
		parts := make([]string, 0, len(items))
		for _, it := range items {
			parts = append(parts, toJSONString(asValue(it)))
		}
		return "[" + strings.Join(parts, ",") + "]"
	case "object", "map":
		entries, _ := v.raw().([]interface{})
		parts := make([]string, 0, len(entries))
		for _, e := range entries {
			pair, _ := e.([]interface{})
			if len(pair) != 2 {
				continue
			}
			var key string
			if ks, ok := pair[0].(string); ok {
				key = strconv.Quote(ks)
			} else {
				key = toJSONString(asValue(pair[0]))
			}
			parts = append(parts, key+":"+toJSONString(asValue(pair[1])))
		}
		return "{" + strings.Join(parts, ",") + "}"
	default:
		return toDisplayString(v)
	}
}

func regexpString(v Value) string {
	obj, _ := v.raw().(map[string]interface{})
	pattern, _ := obj["pattern"].(string)
	flags, _ := obj["flags"].(string)
	return "/" + pattern + "/" + flags
}

func listLen(v Value) int {
	items, _ := v.raw().([]interface{})
	return len(items)
}
