package rockets

import (
	"encoding/json"
	"errors"
	"reflect"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/swdunlop/rockets-go/rockets/internal/protocol"
)

// An Item is something that can be sent in a batch: a Request or a Notification, or a pointer
// to either.
type Item interface {
	envelope() any
}

// itemRequest returns the request carried by item, if it is one.
func itemRequest(item Item) (Request, bool) {
	switch it := item.(type) {
	case Request:
		return it, true
	case *Request:
		if it != nil {
			return *it, true
		}
	}
	return Request{}, false
}

// invalidItem reports whether item is nil or a nil pointer, which cannot be encoded.
func invalidItem(item Item) bool {
	switch it := item.(type) {
	case nil:
		return true
	case *Request:
		return it == nil
	case *Notification:
		return it == nil
	}
	return false
}

// A Request is a call that expects a Response correlated by ID.
type Request struct {
	ID     string
	Method string
	Params any
}

// NewRequest returns a Request with a fresh random ID.  Params that are not an object or an
// array are wrapped in a one-element array.
func NewRequest(method string, params any) Request {
	return Request{ID: UUIDs(), Method: method, Params: normalizeParams(params)}
}

func (r Request) envelope() any {
	return protocol.Request{JSONRPC: protocol.Version, Method: r.Method, Params: r.Params, ID: r.ID}
}

// A Notification is a call without an ID; the server never responds to it.  Notifications
// received from the server carry their params as a json.RawMessage.
type Notification struct {
	Method string
	Params any
}

// NewNotification returns a Notification, normalizing params like NewRequest.
func NewNotification(method string, params any) Notification {
	return Notification{Method: method, Params: normalizeParams(params)}
}

func (n Notification) envelope() any {
	return protocol.Notification{JSONRPC: protocol.Version, Method: n.Method, Params: n.Params}
}

// Is reports whether the notification is for the given method.
func (n Notification) Is(method string) bool { return n.Method == method }

// Decode unmarshals the notification params into out.
func (n Notification) Decode(out any) error {
	return decodeValue(n.Params, out)
}

// A Response is one entry of a batch response.  ID holds the request ID when the server sent a
// string, otherwise the raw JSON of the ID.
type Response struct {
	ID     string
	Result json.RawMessage
	Error  *Error
}

// Err returns the error reported by the server, or nil if the response carries a result.
func (r Response) Err() error {
	if r.Error != nil {
		return r.Error
	}
	return nil
}

// Decode unmarshals the result into out, or returns the error reported by the server.
func (r Response) Decode(out any) error {
	if r.Error != nil {
		return r.Error
	}
	return json.Unmarshal(r.Result, out)
}

func toResponse(msg *protocol.Message) Response {
	id, ok := msg.StringID()
	if !ok {
		id = string(msg.ID)
	}
	rsp := Response{ID: id, Result: msg.Result}
	if msg.Error != nil {
		rsp.Error = protocolError(msg.Error)
	}
	return rsp
}

// Progress reports fractional completion of a call, from 0 to 1.
type Progress struct {
	Amount    float64 `json:"amount"`
	Operation string  `json:"operation,omitempty"`
}

// EventProgress is the only event a Call or Batch supports in On.
const EventProgress = `progress`

// UUIDs generates random request IDs and is the default.
func UUIDs() string { return uuid.NewString() }

// XIDs generates globally unique, sortable request IDs.
func XIDs() string { return xid.New().String() }

func normalizeParams(params any) any {
	switch p := params.(type) {
	case nil:
		return nil
	case json.RawMessage:
		if len(p) == 0 || string(p) == `null` {
			return nil
		}
		if p[0] == '{' || p[0] == '[' {
			return p
		}
		return []json.RawMessage{p}
	}
	v := reflect.ValueOf(params)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
		return params
	}
	return []any{params}
}

func decodeValue(v any, out any) error {
	switch v := v.(type) {
	case nil:
		return errors.New(`no params`)
	case json.RawMessage:
		return json.Unmarshal(v, out)
	}
	js, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(js, out)
}
