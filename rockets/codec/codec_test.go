package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id,omitempty"`
}

func TestJSONPassesFramesThrough(t *testing.T) {
	frame, err := JSON.Encode(envelope{JSONRPC: `2.0`, Method: `ping`})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"ping"}`, string(frame))

	out, err := JSON.Decode([]byte(`not even json`))
	require.NoError(t, err)
	assert.Equal(t, `not even json`, string(out))
}

func TestMessagePackRoundTrip(t *testing.T) {
	batch := []any{
		envelope{JSONRPC: `2.0`, Method: `add`, Params: map[string]any{`a`: `x`, `ok`: true}, ID: `r1`},
		envelope{JSONRPC: `2.0`, Method: `note`},
	}
	frame, err := MessagePack.Encode(batch)
	require.NoError(t, err)
	assert.NotEqual(t, byte('['), frame[0])

	js, err := MessagePack.Decode(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"jsonrpc":"2.0","method":"add","params":{"a":"x","ok":true},"id":"r1"},
		{"jsonrpc":"2.0","method":"note"}
	]`, string(js))
}

func TestMessagePackRejectsGarbage(t *testing.T) {
	_, err := MessagePack.Decode([]byte{0xc1})
	assert.Error(t, err)
}

func TestByName(t *testing.T) {
	c, err := ByName(`MsgPack`)
	require.NoError(t, err)
	assert.Equal(t, MessagePack, c)
	c, err = ByName(``)
	require.NoError(t, err)
	assert.Equal(t, JSON, c)
	_, err = ByName(`xml`)
	assert.Error(t, err)
}
