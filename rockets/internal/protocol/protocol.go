// Package protocol defines the JSON-RPC 2.0 wire envelopes used by Rockets and the single
// validating parse that turns an inbound frame into tagged messages.
package protocol

import (
	"bytes"
	"encoding/json"
)

// Version is the protocol version tag carried by every envelope.
const Version = `2.0`

// Reserved application methods.
const (
	Cancel   = `cancel`
	Progress = `progress`
)

// A Request is a message sent from a client to a service that expects a Response.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id"`
}

// A Notification is a message without an ID.  It never produces a Response.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// A Response is sent by a service in reply to a Request; exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// An Error is the error object of a Response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ProgressParams are the params of a "progress" notification.
type ProgressParams struct {
	ID        json.RawMessage `json:"id"`
	Amount    float64         `json:"amount"`
	Operation string          `json:"operation,omitempty"`
}

// CancelParams are the params of a "cancel" notification.
type CancelParams struct {
	ID string `json:"id"`
}

// Kind tags a parsed Message.
type Kind int

const (
	Malformed Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return `request`
	case KindNotification:
		return `notification`
	case KindResponse:
		return `response`
	default:
		return `malformed`
	}
}

// A Message is one validated envelope.  Which fields are meaningful depends on Kind.
type Message struct {
	Kind   Kind
	ID     json.RawMessage // requests and responses
	Method string          // requests and notifications
	Params json.RawMessage // requests and notifications, nil if absent
	Result json.RawMessage // responses, nil if the response carries an error
	Error  *Error          // responses, nil if the response carries a result
}

// StringID returns the ID of the message if it is a JSON string.  Numeric and null IDs never
// match the string IDs generated by clients.
func (msg *Message) StringID() (string, bool) {
	return stringID(msg.ID)
}

// A Frame is the parsed content of one inbound frame: either a single message or an array.
type Frame struct {
	Array    bool
	Messages []Message
}

// Parse validates a frame.  It returns false if the frame is not JSON, is not shaped like a
// JSON-RPC envelope, or is an array holding no valid envelopes.  Invalid entries of an array are
// dropped.
func Parse(data []byte) (Frame, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Frame{}, false
	}
	if data[0] != '[' {
		msg := parseMessage(data)
		if msg.Kind == Malformed {
			return Frame{}, false
		}
		return Frame{Messages: []Message{msg}}, true
	}
	var items []json.RawMessage
	if json.Unmarshal(data, &items) != nil {
		return Frame{}, false
	}
	frame := Frame{Array: true, Messages: make([]Message, 0, len(items))}
	for _, item := range items {
		msg := parseMessage(item)
		if msg.Kind != Malformed {
			frame.Messages = append(frame.Messages, msg)
		}
	}
	return frame, len(frame.Messages) > 0
}

func parseMessage(data []byte) (msg Message) {
	var probe map[string]json.RawMessage
	if json.Unmarshal(data, &probe) != nil || probe == nil {
		return
	}
	var version string
	if json.Unmarshal(probe[`jsonrpc`], &version) != nil || version != Version {
		return
	}
	id, hasID := probe[`id`]
	if raw, ok := probe[`method`]; ok {
		if json.Unmarshal(raw, &msg.Method) != nil || !isString(raw) {
			return Message{}
		}
		msg.Params = probe[`params`]
		if !hasID {
			msg.Kind = KindNotification
			return
		}
		if !isString(id) && !isNumber(id) {
			return Message{}
		}
		msg.ID, msg.Kind = id, KindRequest
		return
	}
	if !hasID || !(isString(id) || isNumber(id) || isNull(id)) {
		return Message{}
	}
	result, hasResult := probe[`result`]
	errObj, hasError := parseError(probe[`error`])
	if hasResult == hasError {
		return Message{}
	}
	msg.Kind, msg.ID = KindResponse, id
	if hasResult {
		msg.Result = result
	} else {
		msg.Error = errObj
	}
	return
}

func parseError(raw json.RawMessage) (*Error, bool) {
	if len(raw) == 0 || isNull(raw) {
		return nil, false
	}
	var wire struct {
		Code    *float64        `json:"code"`
		Message *string         `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if json.Unmarshal(raw, &wire) != nil || wire.Code == nil || wire.Message == nil {
		return nil, false
	}
	return &Error{Code: int(*wire.Code), Message: *wire.Message, Data: wire.Data}, true
}

// ParseProgress decodes the params of a progress notification, returning the string ID it refers to.
func ParseProgress(params json.RawMessage) (string, ProgressParams, bool) {
	var p ProgressParams
	if len(params) == 0 || json.Unmarshal(params, &p) != nil {
		return ``, p, false
	}
	id, ok := stringID(p.ID)
	return id, p, ok
}

func stringID(raw json.RawMessage) (string, bool) {
	if !isString(raw) {
		return ``, false
	}
	var id string
	if json.Unmarshal(raw, &id) != nil {
		return ``, false
	}
	return id, true
}

func isString(raw json.RawMessage) bool { return len(raw) > 0 && raw[0] == '"' }

func isNull(raw json.RawMessage) bool { return string(raw) == `null` }

func isNumber(raw json.RawMessage) bool {
	return len(raw) > 0 && (raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9'))
}
