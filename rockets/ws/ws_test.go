package ws_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdunlop/rockets-go/rockets"
	"github.com/swdunlop/rockets-go/rockets/codec"
	"github.com/swdunlop/rockets-go/rockets/serve"
	"github.com/swdunlop/rockets-go/rockets/ws"
)

func TestURL(t *testing.T) {
	for _, tc := range []struct{ in, out string }{
		{`http://localhost:8200`, `ws://localhost:8200`},
		{`https://example.com/rpc`, `wss://example.com/rpc`},
		{`ws://localhost:8200`, `ws://localhost:8200`},
		{`wss://example.com`, `wss://example.com`},
		{`localhost:8200`, `ws://localhost:8200`},
		{`myhost`, `ws://myhost`},
	} {
		assert.Equal(t, tc.out, ws.URL(tc.in), tc.in)
	}
}

type sleepParams struct {
	Steps int `json:"steps"`
}

func testServer(t *testing.T, options ...serve.Option) (*serve.Server, string) {
	t.Helper()
	options = append([]serve.Option{
		serve.Fn(`add`, func(_ *serve.Scope, in []int) (int, error) {
			sum := 0
			for _, n := range in {
				sum += n
			}
			return sum, nil
		}),
		serve.Fn(`fail`, func(_ *serve.Scope, _ []any) (any, error) {
			return nil, rockets.NewError(-1, `nope`)
		}),
		serve.Fn(`wait`, func(scope *serve.Scope, in sleepParams) (string, error) {
			for i := 1; i <= in.Steps; i++ {
				_ = scope.Progress(float64(i)/float64(in.Steps), `waiting`)
			}
			<-scope.Done()
			return ``, scope.Err()
		}),
	}, options...)
	srv := serve.New(options...)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	t.Cleanup(srv.Close)
	return srv, hs.URL
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dial(t *testing.T, url string, options ...ws.Option) *rockets.Client {
	t.Helper()
	ctx := testContext(t)
	conn, err := ws.Dial(ctx, url, options...)
	require.NoError(t, err)
	client := rockets.New(context.Background(), conn)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRequest(t *testing.T) {
	_, url := testServer(t)
	client := dial(t, url)
	ctx := testContext(t)

	var sum int
	require.NoError(t, client.Request(ctx, `add`, []int{1, 2, 3}).Decode(ctx, &sum))
	assert.Equal(t, 6, sum)

	_, err := client.Request(ctx, `fail`, nil).Wait(ctx)
	var rpcErr *rockets.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -1, rpcErr.Code)
	assert.Equal(t, `nope`, rpcErr.Message)
	assert.Equal(t, rockets.KindProtocol, rpcErr.Kind())

	_, err = client.Request(ctx, `missing`, nil).Wait(ctx)
	assert.ErrorIs(t, err, rockets.NewError(rockets.CodeMethodNotFound, ``))
}

func TestBatch(t *testing.T) {
	_, url := testServer(t)
	client := dial(t, url)
	ctx := testContext(t)

	a, b := rockets.NewRequest(`add`, []int{1, 1}), rockets.NewRequest(`add`, []int{2, 2})
	responses, err := client.Batch(ctx, a, rockets.NewNotification(`ignored`, nil), b).Wait(ctx)
	require.NoError(t, err)
	require.Len(t, responses, 2)
	sums := map[string]int{}
	for _, rsp := range responses {
		var n int
		require.NoError(t, rsp.Decode(&n))
		sums[rsp.ID] = n
	}
	assert.Equal(t, map[string]int{a.ID: 2, b.ID: 4}, sums)
}

func TestProgressAndCancel(t *testing.T) {
	_, url := testServer(t)
	client := dial(t, url)
	ctx := testContext(t)

	call := client.Request(ctx, `wait`, sleepParams{Steps: 2})
	reached := make(chan struct{})
	call.On(rockets.EventProgress).Subscribe(func(p rockets.Progress) {
		if p.Amount >= 1 {
			close(reached)
		}
	}, nil)
	select {
	case <-reached:
	case <-ctx.Done():
		t.Fatal(`no progress`)
	}

	require.NoError(t, call.Cancel(ctx))
	_, err := call.Wait(ctx)
	assert.ErrorIs(t, err, rockets.NewError(rockets.CodeRequestAborted, ``))
}

func TestServerCloseRejectsPending(t *testing.T) {
	srv, url := testServer(t)
	client := dial(t, url)
	ctx := testContext(t)

	call := client.Request(ctx, `wait`, sleepParams{})
	srv.Close()
	_, err := call.Wait(ctx)
	assert.ErrorIs(t, err, rockets.ErrSocketClosed)
	<-client.Done()

	_, err = client.Request(ctx, `add`, nil).Wait(ctx)
	assert.ErrorIs(t, err, rockets.ErrSocketClosed)
}

func TestClientClose(t *testing.T) {
	_, url := testServer(t)
	client := dial(t, url)
	ctx := testContext(t)

	call := client.Request(ctx, `wait`, sleepParams{})
	require.NoError(t, client.Close())
	_, err := call.Wait(ctx)
	assert.ErrorIs(t, err, rockets.ErrSocketClosed)
}

func TestMessagePack(t *testing.T) {
	_, url := testServer(t, serve.Codec(codec.MessagePack))
	ctx := testContext(t)
	conn, err := ws.Dial(ctx, url, ws.Binary())
	require.NoError(t, err)
	client := rockets.New(context.Background(), conn, rockets.Codec(codec.MessagePack))
	t.Cleanup(func() { _ = client.Close() })

	var sum int
	require.NoError(t, client.Request(ctx, `add`, []int{20, 22}).Decode(ctx, &sum))
	assert.Equal(t, 42, sum)
}

func TestDialFailure(t *testing.T) {
	_, err := ws.Dial(testContext(t), `127.0.0.1:1`)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}
