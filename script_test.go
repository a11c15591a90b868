package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdunlop/rockets-go/rockets"
	"github.com/swdunlop/rockets-go/rockets/serve"
	"github.com/swdunlop/rockets-go/rockets/ws"
)

func TestParseScript(t *testing.T) {
	s, err := parseScript([]byte(`
- method: add
  params: [1, 2]
- method: log
  notify: true
  params: {message: hello}
- id: fixed
  method: echo
  params: 3
`))
	require.NoError(t, err)
	items := s.batch()
	require.Len(t, items, 3)

	add := items[0].(rockets.Request)
	assert.Equal(t, `add`, add.Method)
	assert.NotEmpty(t, add.ID)
	assert.Equal(t, []any{1, 2}, add.Params)

	log := items[1].(rockets.Notification)
	assert.Equal(t, map[string]any{`message`: `hello`}, log.Params)

	echo := items[2].(rockets.Request)
	assert.Equal(t, `fixed`, echo.ID)
	assert.Equal(t, []any{3}, echo.Params)
}

func TestParseSingleCall(t *testing.T) {
	s, err := parseScript([]byte(`{"method": "echo", "params": {"a": 1}}`))
	require.NoError(t, err)
	require.Len(t, s.items, 1)
	assert.Equal(t, `echo`, s.items[0].Method)
}

func TestParseScriptErrors(t *testing.T) {
	for _, src := range []string{``, `42`, `- params: [1]`, `[unclosed`} {
		_, err := parseScript([]byte(src))
		assert.Error(t, err, src)
	}
}

func TestDecodeFirst(t *testing.T) {
	for _, src := range []string{`{"seconds": 2}`, `[{"seconds": 2}]`} {
		p := sleepParams{Seconds: 1, Steps: 10}
		require.NoError(t, decodeFirst(json.RawMessage(src), &p), src)
		assert.Equal(t, sleepParams{Seconds: 2, Steps: 10}, p, src)
	}
	p := sleepParams{Seconds: 1}
	require.NoError(t, decodeFirst(nil, &p))
	require.NoError(t, decodeFirst(json.RawMessage(`[]`), &p))
	assert.Equal(t, 1.0, p.Seconds)
}

func TestChanged(t *testing.T) {
	assert.True(t, changed(`calls.yaml`, []string{`other.yaml`, `calls.yaml`}))
	assert.True(t, changed(`./calls.yaml`, []string{`calls.yaml`}))
	assert.False(t, changed(`calls.yaml`, []string{`sub/calls.yaml`}))
}

func demoClient(t *testing.T) (context.Context, *rockets.Client) {
	t.Helper()
	srv := serve.New(demoMethods()...)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, err := ws.Dial(ctx, hs.URL)
	require.NoError(t, err)
	client := rockets.New(context.Background(), conn)
	t.Cleanup(func() { _ = client.Close() })
	return ctx, client
}

func TestRunScript(t *testing.T) {
	ctx, client := demoClient(t)
	s, err := parseScript([]byte(`
- id: a
  method: echo
  params: [hello]
- id: b
  method: fail
  params: {code: -5, message: nope}
- method: log
  notify: true
`))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, s.run(ctx, client, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	byID := map[string]string{}
	for _, line := range lines {
		var entry struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		byID[entry.ID] = line
	}
	assert.JSONEq(t, `{"id":"a","result":["hello"]}`, byID[`a`])
	assert.JSONEq(t, `{"id":"b","error":{"code":-5,"message":"nope"}}`, byID[`b`])
}

func TestRunSingleCall(t *testing.T) {
	ctx, client := demoClient(t)
	s, err := parseScript([]byte(`{method: sleep, params: {seconds: 0.01, steps: 2}}`))
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, s.run(ctx, client, &out))
	assert.Equal(t, "0.01\n", out.String())
}

func TestAwaitCancels(t *testing.T) {
	ctx, client := demoClient(t)
	call := client.Request(ctx, `sleep`, map[string]any{`seconds`: 60, `steps`: 60})
	interrupted, interrupt := context.WithCancel(ctx)
	interrupt()
	err := await(interrupted, call, &bytes.Buffer{})
	assert.ErrorIs(t, err, rockets.NewError(rockets.CodeRequestAborted, ``))
}
