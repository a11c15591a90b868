package rockets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/swdunlop/rockets-go/rockets/internal/protocol"
)

// JSON-RPC reserved error codes, see https://www.jsonrpc.org/specification#error_object
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error codes reserved by Rockets servers.
const (
	CodeInvalidJSONResponse = -31001
	CodeRequestAborted      = -31002
	CodeHTTPError           = -31003
)

// Error codes produced by the client itself.
const (
	CodeSocketClosed     = -30100
	CodeSocketPipeBroken = -30101
)

// Kind classifies where an Error came from.
type Kind int

const (
	// KindProtocol errors were reported by the server in a Response.
	KindProtocol Kind = iota
	// KindClosed errors mean the transport closed cleanly while the call was outstanding.
	KindClosed
	// KindFault errors mean the transport failed or a frame could not be decoded.
	KindFault
	// KindLocal errors were detected before anything was sent.
	KindLocal
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return `protocol`
	case KindClosed:
		return `closed`
	case KindFault:
		return `fault`
	case KindLocal:
		return `local`
	}
	return fmt.Sprintf(`kind(%d)`, int(k))
}

// An Error is the outcome of a rejected call.  Errors compare equal under errors.Is when their
// codes match, so errors.Is(err, ErrSocketClosed) works for any clean close.  The sentinels
// below also require a matching Kind: a server response with code -32600 is not
// ErrInvalidRequest, which only the client raises.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`

	kind  Kind
	cause error
}

var (
	ErrSocketClosed     = &Error{Code: CodeSocketClosed, Message: `Socket connection closed`, kind: KindClosed}
	ErrSocketPipeBroken = &Error{Code: CodeSocketPipeBroken, Message: `Socket pipe broken`, kind: KindFault}
	ErrInvalidRequest   = &Error{Code: CodeInvalidRequest, Message: `Invalid request`, kind: KindLocal}
)

// NewError returns a protocol error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf(`%s: %v`, e.Message, e.cause)
	}
	return e.Message
}

// Kind reports where the error came from.
func (e *Error) Kind() Kind { return e.kind }

// Unwrap returns the transport or codec failure behind a fault, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same code.  A target of any kind but KindProtocol, such as
// the sentinels, must also have the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Code != e.Code {
		return false
	}
	return t.kind == KindProtocol || t.kind == e.kind
}

// Decode unmarshals the error data into out.
func (e *Error) Decode(out any) error {
	if len(e.Data) == 0 {
		return errors.New(`error has no data`)
	}
	return json.Unmarshal(e.Data, out)
}

// A CloseError is returned by a Transport's Read when the peer closed the connection with a
// well-formed close signal.  The client treats it as a clean close.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf(`connection closed with status %d: %q`, e.Code, e.Reason)
}

func (e *Error) with(kind Kind, cause error) *Error {
	dup := *e
	dup.kind, dup.cause = kind, cause
	return &dup
}

func socketClosed() *Error { return ErrSocketClosed.with(KindClosed, nil) }

func pipeBroken(cause error) *Error { return ErrSocketPipeBroken.with(KindFault, cause) }

func invalidRequest(cause error) *Error { return ErrInvalidRequest.with(KindLocal, cause) }

// classify maps the error that ended the inbound stream onto the error every pending call sees.
func classify(err error) *Error {
	var closeErr *CloseError
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, context.Canceled), errors.As(err, &closeErr):
		return socketClosed()
	}
	return pipeBroken(err)
}

func protocolError(obj *protocol.Error) *Error {
	return &Error{Code: obj.Code, Message: obj.Message, Data: obj.Data, kind: KindProtocol}
}
