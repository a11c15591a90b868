package rockets

import (
	"context"
	"encoding/json"

	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/rockets-go/rockets/internal/protocol"
)

// A Call tracks a single Request until the server responds or the transport ends.
type Call struct {
	future[json.RawMessage]
	client   *Client
	req      Request
	progress *Stream[Progress]
}

func newCall(client *Client, req Request) *Call {
	call := &Call{client: client, req: req, progress: newStream[Progress](true)}
	call.init()
	return call
}

// ID returns the correlation ID of the request.
func (call *Call) ID() string { return call.req.ID }

// Request returns the request that was sent.
func (call *Call) Request() Request { return call.req }

// Decode waits for the result and unmarshals it into out.
func (call *Call) Decode(ctx context.Context, out any) error {
	result, err := call.Wait(ctx)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(result, out)
}

// On returns the stream for an event.  The "progress" stream replays the latest Progress to new
// subscribers, completes when the call resolves and fails with the call's error when it rejects.
// Unknown events yield a stream that has already completed.
func (call *Call) On(event string) *Stream[Progress] {
	if event != EventProgress {
		return emptyStream[Progress]()
	}
	return call.progress
}

// Cancel asks the server to abort the request by sending a "cancel" notification.  It does
// nothing if the call has settled or a cancel was already sent.  The call still settles only
// when the server responds, conventionally with CodeRequestAborted.
func (call *Call) Cancel(ctx context.Context) error {
	if !call.beginCancel() {
		return nil
	}
	hog.From(call.client.ctx).Debug().Str(`id`, call.req.ID).Msg(`canceling request`)
	cancel := NewNotification(protocol.Cancel, protocol.CancelParams{ID: call.req.ID})
	if err := call.client.send(ctx, cancel.envelope()); err != nil {
		return err
	}
	return nil
}

func (call *Call) resolve(result json.RawMessage) {
	if call.settle(result, nil) {
		call.progress.finish(nil)
	}
}

func (call *Call) reject(err error) {
	if call.settle(nil, err) {
		call.progress.finish(err)
	}
}

// onProgress publishes progress for the call and reports when no more is expected.
func (call *Call) onProgress(_ string, p Progress) bool {
	call.progress.publish(p)
	return p.Amount >= 1
}
