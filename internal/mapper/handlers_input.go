package mapper

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"

	"github.com/chengweih001/chromium-bidi/internal/cdp"
	"github.com/chengweih001/chromium-bidi/internal/protocol"
)

// maxPauseDuration caps a single pause action so a malicious script cannot
// park a channel worker indefinitely.
const maxPauseDuration = 10 * time.Second

// keyInfo describes how one WebDriver key value maps to CDP key events.
type keyInfo struct {
	key      string
	code     string
	vkey     int64
	text     string
	modifier input.Modifier
}

// keyTable maps WebDriver codepoints (the "\uE0xx" range) to their CDP
// equivalents. Plain characters fall through to character dispatch.
var keyTable = map[rune]keyInfo{
	'\uE003': {key: "Backspace", code: "Backspace", vkey: 8},
	'\uE004': {key: "Tab", code: "Tab", vkey: 9},
	'\uE006': {key: "Enter", code: "Enter", vkey: 13, text: "\r"},
	'\uE007': {key: "Enter", code: "NumpadEnter", vkey: 13, text: "\r"},
	'\uE008': {key: "Shift", code: "ShiftLeft", vkey: 16, modifier: input.ModifierShift},
	'\uE009': {key: "Control", code: "ControlLeft", vkey: 17, modifier: input.ModifierCtrl},
	'\uE00A': {key: "Alt", code: "AltLeft", vkey: 18, modifier: input.ModifierAlt},
	'\uE00C': {key: "Escape", code: "Escape", vkey: 27},
	'\uE00D': {key: " ", code: "Space", vkey: 32, text: " "},
	'\uE00E': {key: "PageUp", code: "PageUp", vkey: 33},
	'\uE00F': {key: "PageDown", code: "PageDown", vkey: 34},
	'\uE010': {key: "End", code: "End", vkey: 35},
	'\uE011': {key: "Home", code: "Home", vkey: 36},
	'\uE012': {key: "ArrowLeft", code: "ArrowLeft", vkey: 37},
	'\uE013': {key: "ArrowUp", code: "ArrowUp", vkey: 38},
	'\uE014': {key: "ArrowRight", code: "ArrowRight", vkey: 39},
	'\uE015': {key: "ArrowDown", code: "ArrowDown", vkey: 40},
	'\uE016': {key: "Insert", code: "Insert", vkey: 45},
	'\uE017': {key: "Delete", code: "Delete", vkey: 46},
	'\uE03D': {key: "Meta", code: "MetaLeft", vkey: 91, modifier: input.ModifierMeta},
	'\uE031': {key: "F1", code: "F1", vkey: 112},
	'\uE032': {key: "F2", code: "F2", vkey: 113},
	'\uE033': {key: "F3", code: "F3", vkey: 114},
	'\uE034': {key: "F4", code: "F4", vkey: 115},
	'\uE035': {key: "F5", code: "F5", vkey: 116},
	'\uE036': {key: "F6", code: "F6", vkey: 117},
	'\uE037': {key: "F7", code: "F7", vkey: 118},
	'\uE038': {key: "F8", code: "F8", vkey: 119},
	'\uE039': {key: "F9", code: "F9", vkey: 120},
	'\uE03A': {key: "F10", code: "F10", vkey: 121},
	'\uE03B': {key: "F11", code: "F11", vkey: 122},
	'\uE03C': {key: "F12", code: "F12", vkey: 123},
}

func lookupKey(value string) keyInfo {
	runes := []rune(value)
	if len(runes) == 1 {
		if info, ok := keyTable[runes[0]]; ok {
			return info
		}
	}
	return keyInfo{key: value, text: value}
}

// inputState tracks pressed keys and buttons per context so releaseActions
// can undo them.
type inputState struct {
	pressedKeys    []string
	pressedButtons []int
	modifiers      input.Modifier
	mouseX, mouseY float64
}

func (m *Mapper) inputStateFor(contextID string) *inputState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inputStates == nil {
		m.inputStates = make(map[string]*inputState)
	}
	st, ok := m.inputStates[contextID]
	if !ok {
		st = &inputState{}
		m.inputStates[contextID] = st
	}
	return st
}

func (m *Mapper) inputPerformActions(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	contextID, _ := p.String("context")
	c, perr := m.contexts.Get(contextID)
	if perr != nil {
		return nil, perr
	}
	sess := m.sessionFor(c)
	st := m.inputStateFor(contextID)

	sources, _ := p.List("actions")
	for i, rawSource := range sources {
		source, ok := rawSource.(map[string]interface{})
		if !ok {
			return nil, protocol.InvalidArgument("params.actions[%d]: must be an object", i)
		}
		sp := protocol.Params(source)
		sourceType, _ := sp.String("type")
		actions, _ := sp.List("actions")
		for j, rawAction := range actions {
			action, ok := rawAction.(map[string]interface{})
			if !ok {
				return nil, protocol.InvalidArgument("params.actions[%d].actions[%d]: must be an object", i, j)
			}
			if perr := m.dispatchAction(ctx, sess, st, sourceType, protocol.Params(action)); perr != nil {
				return nil, perr
			}
		}
	}
	return map[string]interface{}{}, nil
}

// dispatchAction translates one BiDi action into a CDP Input call.
func (m *Mapper) dispatchAction(ctx context.Context, sess *cdp.Session, st *inputState, sourceType string, a protocol.Params) *protocol.Error {
	actionType, _ := a.String("type")
	switch actionType {
	case "pause":
		duration := time.Duration(0)
		if ms, ok := a.Number("duration"); ok && ms > 0 {
			duration = time.Duration(ms) * time.Millisecond
		}
		if duration > maxPauseDuration {
			duration = maxPauseDuration
		}
		select {
		case <-time.After(duration):
		case <-m.done:
			return protocol.NewError(protocol.ErrUnknownError, "session ended")
		}
		return nil

	case "keyDown":
		value, _ := a.String("value")
		info := lookupKey(value)
		st.modifiers |= info.modifier
		st.pressedKeys = append(st.pressedKeys, value)
		return m.sendKey(ctx, sess, st, input.KeyDown, info)

	case "keyUp":
		value, _ := a.String("value")
		info := lookupKey(value)
		st.modifiers &^= info.modifier
		st.pressedKeys = removeLast(st.pressedKeys, value)
		return m.sendKey(ctx, sess, st, input.KeyUp, info)

	case "pointerMove":
		x, _ := a.Number("x")
		y, _ := a.Number("y")
		st.mouseX, st.mouseY = x, y
		action := input.DispatchMouseEvent(input.MouseMoved, x, y).
			WithModifiers(st.modifiers)
		if err := sess.Send(ctx, input.CommandDispatchMouseEvent, action, nil); err != nil {
			return protocol.UnknownError(err)
		}
		return nil

	case "pointerDown":
		button := 0
		if b, ok := a.Int("button"); ok {
			button = b
		}
		st.pressedButtons = append(st.pressedButtons, button)
		return m.sendMouseButton(ctx, sess, st, input.MousePressed, button)

	case "pointerUp":
		button := 0
		if b, ok := a.Int("button"); ok {
			button = b
		}
		st.pressedButtons = removeLastInt(st.pressedButtons, button)
		return m.sendMouseButton(ctx, sess, st, input.MouseReleased, button)

	case "scroll":
		x, _ := a.Number("x")
		y, _ := a.Number("y")
		deltaX, _ := a.Number("deltaX")
		deltaY, _ := a.Number("deltaY")
		action := input.DispatchMouseEvent(input.MouseWheel, x, y).
			WithDeltaX(deltaX).
			WithDeltaY(deltaY).
			WithModifiers(st.modifiers)
		if err := sess.Send(ctx, input.CommandDispatchMouseEvent, action, nil); err != nil {
			return protocol.UnknownError(err)
		}
		return nil

	default:
		return protocol.InvalidArgument("unknown %s action %q", sourceType, actionType)
	}
}

func (m *Mapper) sendKey(ctx context.Context, sess *cdp.Session, st *inputState, kind input.KeyType, info keyInfo) *protocol.Error {
	action := input.DispatchKeyEvent(kind).
		WithModifiers(st.modifiers).
		WithKey(info.key).
		WithCode(info.code).
		WithWindowsVirtualKeyCode(info.vkey).
		WithNativeVirtualKeyCode(info.vkey)
	if kind == input.KeyDown && info.text != "" {
		action = action.WithText(info.text)
	}
	if err := sess.Send(ctx, input.CommandDispatchKeyEvent, action, nil); err != nil {
		return protocol.UnknownError(err)
	}
	return nil
}

func (m *Mapper) sendMouseButton(ctx context.Context, sess *cdp.Session, st *inputState, kind input.MouseType, button int) *protocol.Error {
	action := input.DispatchMouseEvent(kind, st.mouseX, st.mouseY).
		WithButton(mouseButton(button)).
		WithClickCount(1).
		WithModifiers(st.modifiers)
	if err := sess.Send(ctx, input.CommandDispatchMouseEvent, action, nil); err != nil {
		return protocol.UnknownError(err)
	}
	return nil
}

func mouseButton(button int) input.MouseButton {
	switch button {
	case 1:
		return input.Middle
	case 2:
		return input.Right
	case 3:
		return input.Back
	case 4:
		return input.Forward
	default:
		return input.Left
	}
}

func removeLast(list []string, v string) []string {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i] == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func removeLastInt(list []int, v int) []int {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i] == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// inputReleaseActions undoes any keys and buttons still pressed on the
// context, in reverse press order.
func (m *Mapper) inputReleaseActions(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	contextID, _ := p.String("context")
	c, perr := m.contexts.Get(contextID)
	if perr != nil {
		return nil, perr
	}
	sess := m.sessionFor(c)
	st := m.inputStateFor(contextID)

	for i := len(st.pressedKeys) - 1; i >= 0; i-- {
		info := lookupKey(st.pressedKeys[i])
		st.modifiers &^= info.modifier
		if perr := m.sendKey(ctx, sess, st, input.KeyUp, info); perr != nil {
			return nil, perr
		}
	}
	st.pressedKeys = nil
	for i := len(st.pressedButtons) - 1; i >= 0; i-- {
		if perr := m.sendMouseButton(ctx, sess, st, input.MouseReleased, st.pressedButtons[i]); perr != nil {
			return nil, perr
		}
	}
	st.pressedButtons = nil
	st.modifiers = 0
	return map[string]interface{}{}, nil
}

// inputSetFiles assigns local files to a file input element addressed by
// its remote object handle.
func (m *Mapper) inputSetFiles(ctx context.Context, ch string, p protocol.Params) (interface{}, *protocol.Error) {
	contextID, _ := p.String("context")
	c, perr := m.contexts.Get(contextID)
	if perr != nil {
		return nil, perr
	}
	element, _ := p.Object("element")
	handle, ok := element.String("handle")
	if !ok || handle == "" {
		if shared, sok := element.String("sharedId"); sok && shared != "" {
			handle = shared
		} else {
			return nil, protocol.InvalidArgument("params.element: handle is required")
		}
	}
	files, _ := p.StringList("files")

	action := dom.SetFileInputFiles(files).WithObjectID(runtime.RemoteObjectID(handle))
	if err := m.sessionFor(c).Send(ctx, dom.CommandSetFileInputFiles, action, nil); err != nil {
		return nil, protocol.NewError(protocol.ErrNoSuchNode, "cannot set files: %s", err.Error())
	}
	return map[string]interface{}{}, nil
}
