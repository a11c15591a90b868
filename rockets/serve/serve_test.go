package serve

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdunlop/rockets-go/rockets"
	"nhooyr.io/websocket"
)

type rawClient struct {
	t    *testing.T
	ctx  context.Context
	conn *websocket.Conn
}

func dialRaw(t *testing.T, options ...Option) *rawClient {
	t.Helper()
	srv := New(options...)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, `ws`+strings.TrimPrefix(hs.URL, `http`), &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	assert.Equal(t, subprotocol, conn.Subprotocol())
	return &rawClient{t: t, ctx: ctx, conn: conn}
}

func (rc *rawClient) send(frame string) {
	rc.t.Helper()
	require.NoError(rc.t, rc.conn.Write(rc.ctx, websocket.MessageText, []byte(frame)))
}

func (rc *rawClient) read(out any) {
	rc.t.Helper()
	_, msg, err := rc.conn.Read(rc.ctx)
	require.NoError(rc.t, err)
	require.NoError(rc.t, json.Unmarshal(msg, out), string(msg))
}

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func echo() Option {
	return Fn(`echo`, func(_ *Scope, in any) (any, error) { return in, nil })
}

func TestMalformedFrames(t *testing.T) {
	rc := dialRaw(t, echo())

	var rsp wireResponse
	rc.send(`{not json`)
	rc.read(&rsp)
	assert.Equal(t, `null`, string(rsp.ID))
	require.NotNil(t, rsp.Error)
	assert.Equal(t, rockets.CodeParseError, rsp.Error.Code)

	rsp = wireResponse{}
	rc.send(`{"jsonrpc":"2.0"}`)
	rc.read(&rsp)
	require.NotNil(t, rsp.Error)
	assert.Equal(t, rockets.CodeInvalidRequest, rsp.Error.Code)

	rsp = wireResponse{}
	rc.send(`[]`)
	rc.read(&rsp)
	require.NotNil(t, rsp.Error)
	assert.Equal(t, rockets.CodeInvalidRequest, rsp.Error.Code)
}

func TestRequestIDsAreEchoed(t *testing.T) {
	rc := dialRaw(t, echo())

	var rsp wireResponse
	rc.send(`{"jsonrpc":"2.0","id":7,"method":"echo","params":{"a":1}}`)
	rc.read(&rsp)
	assert.Equal(t, `2.0`, rsp.JSONRPC)
	assert.Equal(t, `7`, string(rsp.ID))
	assert.JSONEq(t, `{"a":1}`, string(rsp.Result))

	rsp = wireResponse{}
	rc.send(`{"jsonrpc":"2.0","id":"x","method":"nope"}`)
	rc.read(&rsp)
	assert.Equal(t, `"x"`, string(rsp.ID))
	require.NotNil(t, rsp.Error)
	assert.Equal(t, rockets.CodeMethodNotFound, rsp.Error.Code)
}

func TestInvalidParams(t *testing.T) {
	rc := dialRaw(t, Fn(`count`, func(_ *Scope, in []int) (int, error) { return len(in), nil }))
	var rsp wireResponse
	rc.send(`{"jsonrpc":"2.0","id":"x","method":"count","params":{"a":1}}`)
	rc.read(&rsp)
	require.NotNil(t, rsp.Error)
	assert.Equal(t, rockets.CodeInvalidParams, rsp.Error.Code)
}

func TestBatchResponsesArriveTogether(t *testing.T) {
	seen := make(chan string, 1)
	rc := dialRaw(t, echo(), Proc(`log`, func(_ *Scope, in string) { seen <- in }))

	rc.send(`[
		{"jsonrpc":"2.0","id":"a","method":"echo","params":[1]},
		{"jsonrpc":"2.0","method":"log","params":"hello"},
		{"jsonrpc":"2.0","id":"b","method":"echo","params":[2]}
	]`)
	var rsp []wireResponse
	rc.read(&rsp)
	require.Len(t, rsp, 2)
	assert.Equal(t, `"a"`, string(rsp[0].ID))
	assert.JSONEq(t, `[1]`, string(rsp[0].Result))
	assert.Equal(t, `"b"`, string(rsp[1].ID))

	select {
	case msg := <-seen:
		assert.Equal(t, `hello`, msg)
	case <-rc.ctx.Done():
		t.Fatal(`notification was not handled`)
	}
}

func TestProgressAndCancel(t *testing.T) {
	rc := dialRaw(t, Logging(), Fn(`wait`, func(scope *Scope, _ any) (any, error) {
		_ = scope.Progress(0.5, `halfway`)
		<-scope.Done()
		return nil, scope.Err()
	}))

	rc.send(`{"jsonrpc":"2.0","id":"w","method":"wait"}`)
	var progress struct {
		Method string `json:"method"`
		Params struct {
			ID        string  `json:"id"`
			Amount    float64 `json:"amount"`
			Operation string  `json:"operation"`
		} `json:"params"`
	}
	rc.read(&progress)
	assert.Equal(t, `progress`, progress.Method)
	assert.Equal(t, `w`, progress.Params.ID)
	assert.Equal(t, 0.5, progress.Params.Amount)
	assert.Equal(t, `halfway`, progress.Params.Operation)

	rc.send(`{"jsonrpc":"2.0","method":"cancel","params":{"id":"w"}}`)
	var rsp wireResponse
	rc.read(&rsp)
	assert.Equal(t, `"w"`, string(rsp.ID))
	require.NotNil(t, rsp.Error)
	assert.Equal(t, rockets.CodeRequestAborted, rsp.Error.Code)
}

func TestFromScope(t *testing.T) {
	rc := dialRaw(t, Fn(`method`, func(scope *Scope, _ any) (string, error) {
		return From(scope).Method, nil
	}))
	var rsp wireResponse
	rc.send(`{"jsonrpc":"2.0","id":"m","method":"method"}`)
	rc.read(&rsp)
	assert.Equal(t, `"method"`, string(rsp.Result))
}
