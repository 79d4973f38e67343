package protocol

import (
	"bytes"
	"encoding/json"
)

// Command is an inbound BiDi command frame.
type Command struct {
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Channel string          `json:"channel,omitempty"`
}

// rawCommand mirrors the wire frame before channel normalization. Chromium
// clients historically send "goog:channel" instead of "channel".
type rawCommand struct {
	ID          *uint64         `json:"id"`
	Method      string          `json:"method"`
	Params      json.RawMessage `json:"params"`
	Channel     *string         `json:"channel"`
	GoogChannel *string         `json:"goog:channel"`
}

// ParseCommand parses a command frame. It enforces the frame shape (id and
// method are required) and normalizes "goog:channel" into Channel. A frame
// carrying both "channel" and "goog:channel" with different values is
// rejected; bytewise-equal duplicates are accepted.
func ParseCommand(data []byte) (*Command, *Error) {
	var raw rawCommand
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, InvalidArgument("cannot parse command: %s", err.Error())
	}
	if raw.ID == nil {
		return nil, InvalidArgument("command is missing id")
	}
	if raw.Method == "" {
		return nil, InvalidArgument("command is missing method")
	}

	cmd := &Command{ID: *raw.ID, Method: raw.Method, Params: raw.Params}
	switch {
	case raw.Channel != nil && raw.GoogChannel != nil:
		if *raw.Channel != *raw.GoogChannel {
			return nil, InvalidArgument("channel and goog:channel differ")
		}
		cmd.Channel = *raw.Channel
	case raw.Channel != nil:
		cmd.Channel = *raw.Channel
	case raw.GoogChannel != nil:
		cmd.Channel = *raw.GoogChannel
	}
	if len(cmd.Params) == 0 || bytes.Equal(cmd.Params, []byte("null")) {
		cmd.Params = json.RawMessage("{}")
	}
	return cmd, nil
}

// SuccessFrame is an outbound success response.
type SuccessFrame struct {
	Type    string      `json:"type"`
	ID      uint64      `json:"id"`
	Result  interface{} `json:"result"`
	Channel string      `json:"channel,omitempty"`
}

// ErrorFrame is an outbound error response.
type ErrorFrame struct {
	Type       string  `json:"type"`
	ID         *uint64 `json:"id"`
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	Stacktrace string  `json:"stacktrace,omitempty"`
	Channel    string  `json:"channel,omitempty"`
}

// EventFrame is an outbound event.
type EventFrame struct {
	Type    string      `json:"type"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	Channel string      `json:"channel,omitempty"`
}

// Success builds a success frame for a command.
func Success(id uint64, channel string, result interface{}) *SuccessFrame {
	if result == nil {
		result = map[string]interface{}{}
	}
	return &SuccessFrame{Type: "success", ID: id, Result: result, Channel: channel}
}

// Failure builds an error frame for a command. A nil id pointer produces a
// frame with "id": null, used when the offending frame had no parseable id.
func Failure(id *uint64, channel string, err *Error) *ErrorFrame {
	return &ErrorFrame{
		Type:       "error",
		ID:         id,
		Error:      string(err.Code),
		Message:    err.Message,
		Stacktrace: err.Stacktrace,
		Channel:    channel,
	}
}

// Event builds an event frame.
func Event(method string, params interface{}, channel string) *EventFrame {
	return &EventFrame{Type: "event", Method: method, Params: params, Channel: channel}
}
