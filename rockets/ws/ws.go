// Package ws provides a WebSocket transport for Rockets clients.
package ws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/rockets-go/rockets"
	"nhooyr.io/websocket"
)

// Subprotocol is the WebSocket subprotocol offered when no other is specified.
const Subprotocol = `rockets`

// URL returns the address with its scheme converted to a WebSocket scheme: http becomes ws,
// https becomes wss and an address without a scheme is assumed to be ws.
func URL(address string) string {
	switch {
	case strings.HasPrefix(address, `ws://`), strings.HasPrefix(address, `wss://`):
		return address
	case strings.HasPrefix(address, `http://`):
		return `ws://` + address[len(`http://`):]
	case strings.HasPrefix(address, `https://`):
		return `wss://` + address[len(`https://`):]
	}
	return `ws://` + address
}

// Dial connects to a Rockets server at address, which is normalized by URL.
func Dial(ctx context.Context, address string, options ...Option) (*Conn, error) {
	var cfg config
	cfg.init(options...)
	address = URL(address)
	c, _, err := websocket.Dial(ctx, address, &websocket.DialOptions{
		HTTPClient:   cfg.client,
		HTTPHeader:   cfg.header,
		Subprotocols: cfg.subprotocols,
	})
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(cfg.readLimit)
	hog.From(ctx).Debug().Str(`url`, address).Str(`subprotocol`, c.Subprotocol()).Msg(`connected`)
	return &Conn{conn: c, typ: cfg.typ}, nil
}

// An Option affects how Dial connects.
type Option func(*config)

type config struct {
	client       *http.Client
	header       http.Header
	subprotocols []string
	readLimit    int64
	typ          websocket.MessageType
}

func (cfg *config) init(options ...Option) {
	cfg.readLimit = -1
	cfg.typ = websocket.MessageText
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.subprotocols == nil {
		cfg.subprotocols = []string{Subprotocol}
	}
}

// HTTPClient specifies the client used for the opening handshake, such as one that dials through
// a tailnet.
func HTTPClient(client *http.Client) Option {
	return func(cfg *config) { cfg.client = client }
}

// Header adds headers to the opening handshake.
func Header(key, value string) Option {
	return func(cfg *config) {
		if cfg.header == nil {
			cfg.header = make(http.Header)
		}
		cfg.header.Add(key, value)
	}
}

// Subprotocols replaces the subprotocols offered to the server; the default is "rockets".
func Subprotocols(protocols ...string) Option {
	return func(cfg *config) { cfg.subprotocols = protocols }
}

// ReadLimit specifies the maximum size of a read message.  Defaults to -1 which imposes no limit.
func ReadLimit(limit int64) Option {
	return func(cfg *config) { cfg.readLimit = limit }
}

// Binary sends frames as binary messages, which suits binary codecs like MessagePack.
func Binary() Option {
	return func(cfg *config) { cfg.typ = websocket.MessageBinary }
}

// A Conn is a rockets.Transport over a WebSocket connection.
type Conn struct {
	conn    *websocket.Conn
	typ     websocket.MessageType
	closing atomic.Bool
}

var _ rockets.Transport = (*Conn)(nil)

// Send writes one frame as a single message.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	return c.conn.Write(ctx, c.typ, frame)
}

// Read returns the next message.  A close frame from the server is reported as a
// *rockets.CloseError and a read interrupted by Close as io.EOF; anything else that ends the
// connection is returned as is.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, msg, err := c.conn.Read(ctx)
	if err == nil {
		return msg, nil
	}
	if c.closing.Load() {
		return nil, io.EOF
	}
	if websocket.CloseStatus(err) < 0 {
		return nil, err
	}
	var ce websocket.CloseError
	_ = errors.As(err, &ce)
	return nil, &rockets.CloseError{Code: int(ce.Code), Reason: ce.Reason}
}

// Close performs the closing handshake with a normal closure status.
func (c *Conn) Close() error {
	c.closing.Store(true)
	err := c.conn.Close(websocket.StatusNormalClosure, ``)
	if websocket.CloseStatus(err) >= 0 {
		return nil
	}
	return err
}
