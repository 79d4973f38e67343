package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validate(t *testing.T, method, params string) *Error {
	t.Helper()
	_, perr := ValidateCommand(method, json.RawMessage(params))
	return perr
}

func TestValidateCommandUnknownMethod(t *testing.T) {
	t.Parallel()

	perr := validate(t, "bogus.method", `{}`)
	require.NotNil(t, perr)
	assert.Equal(t, ErrUnknownCommand, perr.Code)
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		method string
		params string
		want   ErrorCode // "" means valid
	}{
		{"session.subscribe", `{"events":["browsingContext.load"]}`, ""},
		{"session.subscribe", `{"events":"browsingContext.load"}`, ErrInvalidArgument},
		{"session.subscribe", `{}`, ErrInvalidArgument},
		{"session.unsubscribe", `{"events":["network"],"contexts":["CTX"]}`, ""},
		{"browsingContext.navigate", `{"context":"C","url":"https://example.test/","wait":"complete"}`, ""},
		{"browsingContext.navigate", `{"context":"C","url":"https://example.test/","wait":"later"}`, ErrInvalidArgument},
		{"browsingContext.navigate", `{"url":"https://example.test/"}`, ErrInvalidArgument},
		{"browsingContext.traverseHistory", `{"context":"C","delta":-1}`, ""},
		{"browsingContext.traverseHistory", `{"context":"C","delta":0.5}`, ErrInvalidArgument},
		{"network.addIntercept", `{"phases":["beforeRequestSent"]}`, ""},
		{"network.addIntercept", `{"phases":[]}`, ErrInvalidArgument},
		{"network.addIntercept", `{"phases":["afterResponse"]}`, ErrInvalidArgument},
		{"network.continueRequest", `{"request":"R","headers":[{"name":"A","value":{"type":"string","value":"B"}}]}`, ""},
		{"network.continueRequest", `{"request":"R","headers":[{"name":"A","value":{"type":"blob","value":"B"}}]}`, ErrInvalidArgument},
		{"network.continueWithAuth", `{"request":"R","action":"provideCredentials","credentials":{"username":"u","password":"p"}}`, ""},
		{"network.continueWithAuth", `{"request":"R","action":"provideCredentials"}`, ErrInvalidArgument},
		{"network.continueWithAuth", `{"request":"R","action":"retry"}`, ErrInvalidArgument},
		{"script.evaluate", `{"expression":"1+1","target":{"context":"C"},"awaitPromise":true}`, ""},
		{"script.evaluate", `{"expression":"1+1","target":{"context":"C"}}`, ErrInvalidArgument},
		{"script.addPreloadScript", `{"functionDeclaration":"() => {}"}`, ""},
		{"permissions.setPermission", `{"descriptor":{"name":"geolocation"},"state":"granted","origin":"https://example.test"}`, ""},
		{"permissions.setPermission", `{"descriptor":{"name":"geolocation"},"state":"maybe","origin":"https://example.test"}`, ErrInvalidArgument},
		{"storage.setCookie", `{"cookie":{"name":"a","value":{"type":"string","value":"b"},"domain":"example.test"}}`, ""},
		{"storage.setCookie", `{"cookie":{"name":"a","domain":"example.test"}}`, ErrInvalidArgument},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.method+" "+tt.params, func(t *testing.T) {
			t.Parallel()
			perr := validate(t, tt.method, tt.params)
			if tt.want == "" {
				assert.Nil(t, perr)
				return
			}
			require.NotNil(t, perr)
			assert.Equal(t, tt.want, perr.Code)
		})
	}
}

func TestExpandEvents(t *testing.T) {
	t.Parallel()

	out := ExpandEvents([]string{"network", EventLoad})
	assert.Contains(t, out, EventBeforeRequestSent)
	assert.Contains(t, out, EventFetchError)
	assert.Contains(t, out, EventLoad)
	assert.True(t, KnownEvent("network"))
	assert.True(t, KnownEvent(EventResponseCompleted))
	assert.False(t, KnownEvent("network.bogus"))
}
