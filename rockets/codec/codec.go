// Package codec provides the pluggable wire encodings used by a Rockets client.  A Codec turns
// outbound envelopes into frames and inbound frames into JSON text that the client can parse.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tinylib/msgp/msgp"
)

// A Codec serializes outbound envelopes and normalizes inbound frames to JSON.
//
// Decode must only fail when the frame cannot be interpreted at all; a client treats a Decode
// failure as fatal to the whole inbound pipeline.  Frames that decode but are not valid JSON-RPC
// are dropped individually by the client.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(frame []byte) ([]byte, error)
}

// JSON is the default codec; frames are JSON text and Decode passes them through untouched.
var JSON Codec = jsonCodec{}

// MessagePack encodes envelopes as MessagePack, suitable for binary WebSocket messages.
var MessagePack Codec = msgpackCodec{}

// ByName returns the codec registered under a name, either "json" or "msgpack".
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case ``, `json`:
		return JSON, nil
	case `msgpack`, `messagepack`:
		return MessagePack, nil
	}
	return nil, fmt.Errorf(`unknown codec %q`, name)
}

type jsonCodec struct{}

func (jsonCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Decode(frame []byte) ([]byte, error) { return frame, nil }

type msgpackCodec struct{}

// Encode goes through JSON first so that envelopes honor their json tags and custom marshalers.
func (msgpackCodec) Encode(v any) ([]byte, error) {
	js, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree any
	err = json.Unmarshal(js, &tree)
	if err != nil {
		return nil, err
	}
	bin, err := msgp.AppendIntf(nil, tree)
	if err != nil {
		return nil, fmt.Errorf(`%w while encoding MessagePack`, err)
	}
	return bin, nil
}

func (msgpackCodec) Decode(frame []byte) ([]byte, error) {
	var buf bytes.Buffer
	_, err := msgp.UnmarshalAsJSON(&buf, frame)
	if err != nil {
		return nil, fmt.Errorf(`%w while decoding MessagePack`, err)
	}
	return buf.Bytes(), nil
}
