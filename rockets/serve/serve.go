// Package serve implements a Rockets-compatible JSON-RPC 2.0 server.  A Server accepts WebSocket
// connections, and Server-Sent-Event streams paired with POSTed frames, and dispatches requests,
// notifications and batches to registered functions.  Functions may report progress, and a
// "cancel" notification from the client cancels the context of the request it names.
package serve

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/rockets-go/rockets"
	"github.com/swdunlop/rockets-go/rockets/codec"
	"nhooyr.io/websocket"
)

// subprotocol is the WebSocket subprotocol spoken by Rockets clients.
const subprotocol = `rockets`

// New returns a server with the given functions and middleware.
func New(options ...Option) *Server {
	s := &Server{sessions: make(map[string]*session)}
	s.config.init(options...)
	return s
}

// A Server is an http.Handler that serves Rockets clients.  WebSocket upgrades and GET requests
// for event streams open a session; POST requests deliver frames to an event stream session.
type Server struct {
	config

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var err error
	switch {
	case r.Method == http.MethodPost:
		err = s.servePost(w, r)
	case strings.EqualFold(r.Header.Get(`Upgrade`), `websocket`):
		err = s.serveWebSocket(w, r)
	case r.Method == http.MethodGet:
		err = s.serveEvents(w, r)
	default:
		http.Error(w, `method not allowed`, http.StatusMethodNotAllowed)
	}
	if err != nil {
		hog.For(r).Error().Err(err).Msg(`RPC error`)
	}
}

// Close ends every open session.  WebSocket clients receive a going away close frame and event
// stream clients see the end of their stream.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}

func (s *Server) open(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.id] = sess
	return true
}

func (s *Server) drop(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

func (s *Server) lookup(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// An Option affects the rigging of a Server.
type Option func(*config)

type config struct {
	handler   Handler
	codec     codec.Codec
	binary    bool
	readLimit int64
	methods   map[string]Handler
	procs     map[string]Handler
}

func (cfg *config) init(options ...Option) {
	cfg.readLimit = -1
	cfg.codec = codec.JSON
	cfg.handler = cfg.handleRequest
	cfg.methods = make(map[string]Handler, len(options))
	cfg.procs = make(map[string]Handler, len(options))
	for _, opt := range options {
		opt(cfg)
	}
}

// ReadLimit specifies the maximum size of a read message.  Defaults to -1 which imposes no limit.
func ReadLimit(limit int64) Option {
	return func(cfg *config) { cfg.readLimit = limit }
}

// Codec specifies the codec spoken over WebSockets.  Binary codecs are sent as binary messages.
// Event streams always carry JSON.
func Codec(c codec.Codec) Option {
	return func(cfg *config) {
		cfg.codec = c
		cfg.binary = c != codec.JSON
	}
}

// Use specifies middleware that is applied to all requests and notifications.
func Use(fn func(Handler) Handler) Option {
	return func(cfg *config) {
		cfg.handler = fn(cfg.handler)
	}
}

// Logging adds the method and ID of each request to the logger of its context and logs requests
// at the trace level.
func Logging() Option {
	return Use(func(next Handler) Handler {
		return func(scope *Scope) (any, error) {
			scope.Context = hog.With(scope.Context, func(z zerolog.Context) zerolog.Context {
				z = z.Str(`method`, scope.Method)
				if scope.ID != nil {
					z = z.RawJSON(`id`, scope.ID)
				}
				return z
			})
			evt := hog.From(scope).Trace()
			if evt.Enabled() && scope.Params != nil {
				evt = evt.RawJSON(`params`, bytes.TrimSpace(scope.Params))
			}
			evt.Msg(`handling`)
			return next(scope)
		}
	})
}

// A Handler handles an RPC request or notification.  The result of a notification is discarded.
type Handler func(*Scope) (any, error)

func (cfg *config) handleRequest(scope *Scope) (any, error) {
	table := cfg.methods
	if scope.ID == nil {
		table = cfg.procs
	}
	handler := table[scope.Method]
	if handler == nil {
		return nil, rockets.NewError(rockets.CodeMethodNotFound, fmt.Sprintf(`method %q not found`, scope.Method))
	}
	return handler(scope)
}

// A Fn is a function that handles a request.  Returning a *rockets.Error sends that error to the
// client; returning the error of a cancelled context sends a request aborted error.
func Fn[I, O any](method string, fn func(*Scope, I) (O, error)) Option {
	return func(cfg *config) {
		cfg.methods[method] = func(scope *Scope) (any, error) {
			in := new(I)
			err := scope.Decode(in)
			if err != nil {
				return nil, rockets.NewError(rockets.CodeInvalidParams, fmt.Sprintf(`%v while decoding params`, err))
			}
			return fn(scope, *in)
		}
	}
}

// A Proc is a function that handles a notification.
func Proc[I any](method string, fn func(*Scope, I)) Option {
	return func(cfg *config) {
		cfg.procs[method] = func(scope *Scope) (any, error) {
			in := new(I)
			err := scope.Decode(in)
			if err != nil {
				return nil, err
			}
			fn(scope, *in)
			return nil, nil
		}
	}
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) error {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{subprotocol}})
	if err != nil {
		return err
	}
	defer func() { _ = c.CloseNow() }()
	c.SetReadLimit(s.readLimit)
	typ := websocket.MessageText
	if s.binary {
		typ = websocket.MessageBinary
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sess := newSession(ctx, &s.config, s.codec, func(ctx context.Context, frame []byte) error {
		return c.Write(ctx, typ, frame)
	})
	sess.onClose = func() { _ = c.Close(websocket.StatusGoingAway, `server shutting down`) }
	if !s.open(sess) {
		return c.Close(websocket.StatusGoingAway, `server shutting down`)
	}
	defer sess.wait()
	defer cancel()
	defer s.drop(sess)

	for {
		_, msg, err := c.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) < 0 && ctx.Err() == nil {
				return err
			}
			return nil
		}
		sess.receive(msg)
	}
}
