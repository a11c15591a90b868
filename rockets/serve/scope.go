package serve

import (
	"context"
	"encoding/json"

	"github.com/swdunlop/rockets-go/rockets/internal/protocol"
)

// From returns the scope of the request from a Go context.  May return nil if there is no RPC
// scope in the Go context.
func From(ctx context.Context) *Scope {
	scope, _ := ctx.Value(ctxKey{}).(*Scope)
	return scope
}

type ctxKey struct{}

// A Scope describes the scope of an RPC request or notification.  Its context is cancelled when
// the client sends a "cancel" notification for the request or the connection ends.
type Scope struct {
	context.Context
	Method string
	ID     json.RawMessage // nil for notifications
	Params json.RawMessage // nil if absent

	session *session
}

func newScope(ctx context.Context, sess *session, msg *protocol.Message) *Scope {
	scope := &Scope{Method: msg.Method, ID: msg.ID, Params: msg.Params, session: sess}
	scope.Context = context.WithValue(ctx, ctxKey{}, scope)
	return scope
}

// Progress sends a "progress" notification for the request.  Amount runs from 0 to 1; clients
// stop listening once it reaches 1.  It does nothing for notifications.
func (scope *Scope) Progress(amount float64, operation string) error {
	if scope.ID == nil {
		return nil
	}
	return scope.Notify(protocol.Progress, protocol.ProgressParams{
		ID:        scope.ID,
		Amount:    amount,
		Operation: operation,
	})
}

// Notify sends a notification to the client.
func (scope *Scope) Notify(method string, params any) error {
	return scope.session.send(protocol.Notification{
		JSONRPC: protocol.Version,
		Method:  method,
		Params:  params,
	})
}

// Decode unmarshals the params of the request into out.  Absent params leave out untouched.
func (scope *Scope) Decode(out any) error {
	if len(scope.Params) == 0 {
		return nil
	}
	return json.Unmarshal(scope.Params, out)
}
