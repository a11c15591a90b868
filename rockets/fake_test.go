package rockets

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport.  Frames pushed by a test are read one at a time by
// the client; because the inbound channel is unbuffered, a push returns only after the client
// has finished dispatching the previous frame.
type fakeTransport struct {
	inbound   chan inbound
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
}

type inbound struct {
	frame []byte
	err   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan inbound), closed: make(chan struct{})}
}

func (f *fakeTransport) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case in := <-f.inbound:
		return in.frame, in.err
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case f.inbound <- inbound{frame: []byte(frame)}:
	case <-time.After(time.Second):
		t.Fatalf(`client did not read frame %s`, frame)
	}
}

func (f *fakeTransport) fail(t *testing.T, err error) {
	t.Helper()
	select {
	case f.inbound <- inbound{err: err}:
	case <-time.After(time.Second):
		t.Fatalf(`client did not read error %v`, err)
	}
}

// flush returns once every previously pushed frame has been dispatched.
func (f *fakeTransport) flush(t *testing.T) {
	t.Helper()
	f.push(t, `flush`)
	f.push(t, `flush`)
}

func (f *fakeTransport) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

// sentMessages decodes the nth sent frame as a single envelope or an array of envelopes.
func (f *fakeTransport) sentMessages(t *testing.T, n int) []map[string]any {
	t.Helper()
	frames := f.frames()
	require.Greater(t, len(frames), n, `frame %d was not sent`, n)
	frame := frames[n]
	if frame[0] == '[' {
		var msgs []map[string]any
		require.NoError(t, json.Unmarshal(frame, &msgs))
		return msgs
	}
	var msg map[string]any
	require.NoError(t, json.Unmarshal(frame, &msg))
	return []map[string]any{msg}
}

func startClient(t *testing.T, options ...Option) (*Client, *fakeTransport) {
	t.Helper()
	f := newFakeTransport()
	c := New(context.Background(), f, options...)
	t.Cleanup(func() { _ = c.Close() })
	return c, f
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal(`timed out`)
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}
