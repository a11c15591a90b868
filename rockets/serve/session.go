package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/xid"
	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/rockets-go/rockets"
	"github.com/swdunlop/rockets-go/rockets/codec"
	"github.com/swdunlop/rockets-go/rockets/internal/protocol"
)

// A session is one client connection.  Requests run concurrently, each with a context that a
// "cancel" notification for its ID cancels.
type session struct {
	id      string
	cfg     *config
	codec   codec.Codec
	ctx     context.Context
	write   func(ctx context.Context, frame []byte) error
	onClose func()
	group   sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func newSession(ctx context.Context, cfg *config, c codec.Codec, write func(context.Context, []byte) error) *session {
	return &session{
		id:       xid.New().String(),
		cfg:      cfg,
		codec:    c,
		ctx:      ctx,
		write:    write,
		inflight: make(map[string]context.CancelFunc),
	}
}

func (sess *session) close() {
	if sess.onClose != nil {
		sess.onClose()
	}
}

// wait blocks until every request and notification handler has returned.
func (sess *session) wait() { sess.group.Wait() }

func (sess *session) send(v any) error {
	frame, err := sess.codec.Encode(v)
	if err != nil {
		return fmt.Errorf(`%w while encoding frame`, err)
	}
	return sess.write(sess.ctx, frame)
}

func (sess *session) reply(v any) {
	err := sess.send(v)
	if err != nil && sess.ctx.Err() == nil {
		hog.From(sess.ctx).Warn().Err(err).Msg(`failed to send response`)
	}
}

// receive handles one inbound frame.  Requests are answered asynchronously; the responses to a
// batch are sent together once every request in it has been handled.
func (sess *session) receive(frame []byte) {
	data, err := sess.codec.Decode(frame)
	if err != nil {
		sess.reply(failure(nil, rockets.CodeParseError, `Parse error`))
		return
	}
	parsed, ok := protocol.Parse(data)
	if !ok {
		if json.Valid(data) {
			sess.reply(failure(nil, rockets.CodeInvalidRequest, `Invalid request`))
		} else {
			sess.reply(failure(nil, rockets.CodeParseError, `Parse error`))
		}
		return
	}

	var requests []*protocol.Message
	for i := range parsed.Messages {
		msg := &parsed.Messages[i]
		switch msg.Kind {
		case protocol.KindRequest:
			requests = append(requests, msg)
		case protocol.KindNotification:
			sess.notify(msg)
		default:
			hog.From(sess.ctx).Debug().Stringer(`kind`, msg.Kind).Msg(`ignoring message from client`)
		}
	}
	if len(requests) == 0 {
		return
	}

	// Register every request before returning so a cancel in the next frame finds it.
	calls := make([]func() protocol.Response, len(requests))
	for i, msg := range requests {
		calls[i] = sess.begin(msg)
	}
	sess.group.Add(1)
	go func() {
		defer sess.group.Done()
		if !parsed.Array {
			sess.reply(calls[0]())
			return
		}
		responses := make([]protocol.Response, len(calls))
		var group sync.WaitGroup
		for i, call := range calls {
			group.Add(1)
			go func() {
				defer group.Done()
				responses[i] = call()
			}()
		}
		group.Wait()
		sess.reply(responses)
	}()
}

func (sess *session) notify(msg *protocol.Message) {
	if msg.Method == protocol.Cancel {
		var params protocol.CancelParams
		if json.Unmarshal(msg.Params, &params) != nil {
			return
		}
		sess.mu.Lock()
		cancel := sess.inflight[params.ID]
		sess.mu.Unlock()
		if cancel != nil {
			hog.From(sess.ctx).Debug().Str(`id`, params.ID).Msg(`canceling request`)
			cancel()
		}
		return
	}

	sess.group.Add(1)
	go func() {
		defer sess.group.Done()
		_, err := sess.cfg.handler(newScope(sess.ctx, sess, msg))
		if err != nil {
			hog.From(sess.ctx).Debug().Err(err).Str(`method`, msg.Method).Msg(`notification failed`)
		}
	}()
}

// begin registers a request as in flight and returns a function that runs it.
func (sess *session) begin(msg *protocol.Message) func() protocol.Response {
	ctx, cancel := context.WithCancel(sess.ctx)
	key := inflightKey(msg)
	sess.mu.Lock()
	sess.inflight[key] = cancel
	sess.mu.Unlock()
	return func() protocol.Response {
		defer func() {
			sess.mu.Lock()
			delete(sess.inflight, key)
			sess.mu.Unlock()
			cancel()
		}()
		return sess.call(ctx, msg)
	}
}

func (sess *session) call(ctx context.Context, msg *protocol.Message) protocol.Response {
	result, err := sess.cfg.handler(newScope(ctx, sess, msg))
	if err == nil {
		var js []byte
		js, err = json.Marshal(result)
		if err == nil {
			return protocol.Response{JSONRPC: protocol.Version, ID: msg.ID, Result: js}
		}
		err = fmt.Errorf(`%w while encoding result`, err)
	}

	var rpcErr *rockets.Error
	switch {
	case errors.As(err, &rpcErr):
		return protocol.Response{JSONRPC: protocol.Version, ID: msg.ID, Error: &protocol.Error{
			Code: rpcErr.Code, Message: rpcErr.Message, Data: rpcErr.Data,
		}}
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return failure(msg.ID, rockets.CodeRequestAborted, `Request aborted`)
	default:
		return failure(msg.ID, rockets.CodeInternalError, err.Error())
	}
}

// inflightKey identifies a request the way "cancel" notifications name it.
func inflightKey(msg *protocol.Message) string {
	if id, ok := msg.StringID(); ok {
		return id
	}
	return `#` + string(msg.ID)
}

func failure(id json.RawMessage, code int, message string) protocol.Response {
	if id == nil {
		id = json.RawMessage(`null`)
	}
	return protocol.Response{
		JSONRPC: protocol.Version,
		ID:      id,
		Error:   &protocol.Error{Code: code, Message: message},
	}
}
