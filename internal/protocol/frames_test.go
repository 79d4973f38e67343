package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()

	cmd, perr := ParseCommand([]byte(`{"id":7,"method":"session.status","params":{}}`))
	require.Nil(t, perr)
	assert.Equal(t, uint64(7), cmd.ID)
	assert.Equal(t, "session.status", cmd.Method)
	assert.Empty(t, cmd.Channel)
}

func TestParseCommandMissingFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"missing id", `{"method":"session.status"}`},
		{"missing method", `{"id":1}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, perr := ParseCommand([]byte(tt.data))
			require.NotNil(t, perr)
			assert.Equal(t, ErrInvalidArgument, perr.Code)
		})
	}
}

func TestParseCommandChannels(t *testing.T) {
	t.Parallel()

	cmd, perr := ParseCommand([]byte(`{"id":1,"method":"m.x","channel":"a"}`))
	require.Nil(t, perr)
	assert.Equal(t, "a", cmd.Channel)

	cmd, perr = ParseCommand([]byte(`{"id":1,"method":"m.x","goog:channel":"b"}`))
	require.Nil(t, perr)
	assert.Equal(t, "b", cmd.Channel)

	// Equal duplicates are tolerated.
	cmd, perr = ParseCommand([]byte(`{"id":1,"method":"m.x","channel":"c","goog:channel":"c"}`))
	require.Nil(t, perr)
	assert.Equal(t, "c", cmd.Channel)

	// Conflicting duplicates are rejected.
	_, perr = ParseCommand([]byte(`{"id":1,"method":"m.x","channel":"c","goog:channel":"d"}`))
	require.NotNil(t, perr)
	assert.Equal(t, ErrInvalidArgument, perr.Code)
}

func TestFrameMarshalling(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Success(3, "ch", map[string]interface{}{"url": "https://example.test/"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"success","id":3,"result":{"url":"https://example.test/"},"channel":"ch"}`, string(data))

	id := uint64(4)
	data, err = json.Marshal(Failure(&id, "", NoSuchFrame("CTX")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","id":4,"error":"no such frame","message":"no browsing context with id CTX"}`, string(data))

	data, err = json.Marshal(Failure(nil, "", InvalidArgument("bad frame")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","id":null,"error":"invalid argument","message":"bad frame"}`, string(data))
}
