// Package rockets implements a JSON-RPC 2.0 client over a message-oriented duplex transport,
// such as a WebSocket, following the conventions of Rockets servers: progress notifications,
// cooperative cancellation and batches.
//
// A Client owns the single reader of the transport's inbound frames.  Every inbound frame is
// parsed once and routed to the call or batch it answers, to the progress stream of the call it
// reports on, or to the notification feed.  When the inbound stream ends every pending call and
// batch is rejected: with ErrSocketClosed after a clean close, or with ErrSocketPipeBroken after a
// transport fault or a codec failure.
//
//	t, err := ws.Dial(ctx, `localhost:8200`)
//	if err != nil {
//		return err
//	}
//	client := rockets.New(ctx, t)
//	defer client.Close()
//	var sum int
//	err = client.Request(ctx, `add`, []int{1, 2}).Decode(ctx, &sum)
package rockets

import (
	"context"
	"slices"
	"sync"

	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/rockets-go/rockets/codec"
	"github.com/swdunlop/rockets-go/rockets/internal/protocol"
)

// A Transport moves frames to and from a server.
//
// Read blocks until the next inbound frame arrives.  It returns io.EOF or a *CloseError when the
// connection closed cleanly and any other error on a fault.  Send is fire-and-forget; Close
// ends the connection so that a blocked Read returns.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// An Option affects the configuration of a Client.
type Option func(*config)

type config struct {
	codec           codec.Codec
	ids             func() string
	excludeReserved bool
}

func (cfg *config) init(options ...Option) {
	cfg.codec = codec.JSON
	cfg.ids = UUIDs
	for _, opt := range options {
		opt(cfg)
	}
}

// Codec specifies the wire codec; the default is codec.JSON.
func Codec(c codec.Codec) Option {
	return func(cfg *config) { cfg.codec = c }
}

// IDs specifies the generator of request IDs; the default is UUIDs.  IDs must be unique for
// the lifetime of the connection.
func IDs(fn func() string) Option {
	return func(cfg *config) { cfg.ids = fn }
}

// ExcludeReserved removes "progress" and "cancel" notifications from the notification feed.
// By default the feed carries every notification.
func ExcludeReserved() Option {
	return func(cfg *config) { cfg.excludeReserved = true }
}

// A Client correlates responses, progress and notifications arriving on a Transport with the
// calls that produced them.
type Client struct {
	config
	ctx       context.Context
	cancel    context.CancelFunc
	transport Transport
	feed      *Stream[Notification]
	done      chan struct{}

	mu       sync.Mutex
	calls    map[string]*Call
	batches  []*Batch
	progress map[string]progressSink
	closed   bool
	err      *Error
}

type progressSink interface {
	onProgress(id string, p Progress) (finished bool)
}

// New starts a client reading from the transport.  The client logs through the logger of ctx
// and stops when ctx is cancelled, which counts as a clean close.
func New(ctx context.Context, transport Transport, options ...Option) *Client {
	c := &Client{
		transport: transport,
		feed:      newStream[Notification](false),
		done:      make(chan struct{}),
		calls:     make(map[string]*Call),
		progress:  make(map[string]progressSink),
	}
	c.config.init(options...)
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run()
	return c
}

// Close closes the transport and waits for pending calls to be rejected with ErrSocketClosed.
func (c *Client) Close() error {
	err := c.transport.Close()
	c.cancel()
	<-c.done
	return err
}

// Done returns a channel that is closed once the inbound stream has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the inbound stream, or nil while it is running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return nil
	}
	return c.err
}

// Notifications returns the feed of notifications sent by the server.  The feed completes when
// the transport closes cleanly and fails when it faults.
func (c *Client) Notifications() *Stream[Notification] { return c.feed }

// Subscribe is shorthand for Notifications().Subscribe.
func (c *Client) Subscribe(next func(Notification), done func(error)) (unsubscribe func()) {
	return c.feed.Subscribe(next, done)
}

// Notify sends a notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if err := c.Err(); err != nil {
		return err
	}
	if err := c.send(ctx, NewNotification(method, params).envelope()); err != nil {
		return err
	}
	return nil
}

// Request sends a request for method with a fresh ID.
func (c *Client) Request(ctx context.Context, method string, params any) *Call {
	return c.Call(ctx, Request{ID: c.ids(), Method: method, Params: normalizeParams(params)})
}

// Call sends a prepared request, assigning a fresh ID if it has none.  The returned Call is
// rejected without sending anything if the client has already stopped.
func (c *Client) Call(ctx context.Context, req Request) *Call {
	if req.ID == `` {
		req.ID = c.ids()
	}
	call := newCall(c, req)
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		call.reject(err)
		return call
	}
	c.calls[req.ID] = call
	c.progress[req.ID] = call
	c.mu.Unlock()

	if err := c.send(ctx, req.envelope()); err != nil {
		c.mu.Lock()
		delete(c.calls, req.ID)
		c.dropProgress(call)
		c.mu.Unlock()
		call.reject(err)
	}
	return call
}

// Batch sends requests and notifications in a single frame.  An empty batch, or one holding a
// nil item, is rejected with ErrInvalidRequest without touching the transport.
func (c *Client) Batch(ctx context.Context, items ...Item) *Batch {
	b := newBatch(c, items)
	if len(items) == 0 || slices.ContainsFunc(items, invalidItem) {
		b.reject(invalidRequest(nil))
		return b
	}
	frame := make([]any, len(items))
	for i, item := range items {
		frame[i] = item.envelope()
	}

	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		b.reject(err)
		return b
	}
	if len(b.ids) > 0 {
		c.batches = append(c.batches, b)
		for _, id := range b.ids {
			c.progress[id] = b
		}
	}
	c.mu.Unlock()

	if err := c.send(ctx, frame); err != nil {
		c.mu.Lock()
		c.batches = slices.DeleteFunc(c.batches, func(it *Batch) bool { return it == b })
		c.dropProgress(b)
		c.mu.Unlock()
		b.reject(err)
		return b
	}
	if len(b.ids) == 0 {
		b.resolve(nil)
	}
	return b
}

func (c *Client) send(ctx context.Context, v any) *Error {
	frame, err := c.codec.Encode(v)
	if err != nil {
		return invalidRequest(err)
	}
	hog.From(c.ctx).Trace().Int(`size`, len(frame)).Msg(`sending frame`)
	err = c.transport.Send(ctx, frame)
	if err != nil {
		hog.From(c.ctx).Warn().Err(err).Msg(`failed to send frame`)
		return pipeBroken(err)
	}
	return nil
}

// dropProgress removes every progress route to sink; c.mu must be held.
func (c *Client) dropProgress(sink progressSink) {
	for id, it := range c.progress {
		if it == sink {
			delete(c.progress, id)
		}
	}
}

func (c *Client) run() {
	defer close(c.done)
	defer c.cancel()
	for {
		frame, err := c.transport.Read(c.ctx)
		if err != nil {
			c.terminate(classify(err))
			return
		}
		data, err := c.codec.Decode(frame)
		if err != nil {
			c.terminate(pipeBroken(err))
			_ = c.transport.Close()
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) terminate(err *Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed, c.err = true, err
	calls, batches := c.calls, c.batches
	c.calls, c.batches = make(map[string]*Call), nil
	clear(c.progress)
	c.mu.Unlock()

	log := hog.From(c.ctx)
	if err.Kind() == KindClosed {
		log.Debug().Int(`calls`, len(calls)).Int(`batches`, len(batches)).Msg(`inbound stream closed`)
	} else {
		log.Error().Err(err).Int(`calls`, len(calls)).Int(`batches`, len(batches)).Msg(`inbound stream failed`)
	}
	for _, call := range calls {
		call.reject(err)
	}
	for _, b := range batches {
		b.reject(err)
	}
	if err.Kind() == KindClosed {
		c.feed.finish(nil)
	} else {
		c.feed.finish(err)
	}
}

func (c *Client) dispatch(data []byte) {
	log := hog.From(c.ctx)
	frame, ok := protocol.Parse(data)
	if !ok {
		log.Debug().Int(`size`, len(data)).Msg(`dropping malformed frame`)
		return
	}
	if frame.Array {
		c.dispatchArray(frame.Messages)
		return
	}
	msg := &frame.Messages[0]
	switch msg.Kind {
	case protocol.KindResponse:
		c.dispatchResponse(msg)
	case protocol.KindNotification:
		c.dispatchNotification(msg)
	default:
		log.Debug().Str(`method`, msg.Method).Msg(`ignoring request from server`)
	}
}

func (c *Client) dispatchResponse(msg *protocol.Message) {
	id, ok := msg.StringID()
	var call *Call
	if ok {
		c.mu.Lock()
		call = c.calls[id]
		delete(c.calls, id)
		if call != nil {
			c.dropProgress(call)
		}
		c.mu.Unlock()
	}
	if call == nil {
		hog.From(c.ctx).Debug().RawJSON(`id`, msg.ID).Msg(`dropping response without a pending call`)
		return
	}
	if msg.Error != nil {
		call.reject(protocolError(msg.Error))
	} else {
		call.resolve(msg.Result)
	}
}

func (c *Client) dispatchArray(msgs []protocol.Message) {
	ids := make(map[string]struct{}, len(msgs))
	for i := range msgs {
		if msgs[i].Kind != protocol.KindResponse {
			continue
		}
		if id, ok := msgs[i].StringID(); ok {
			ids[id] = struct{}{}
		}
	}

	var match *Batch
	c.mu.Lock()
	for i, b := range c.batches {
		if b.matches(ids) {
			match = b
			c.batches = slices.Delete(c.batches, i, i+1)
			c.dropProgress(b)
			break
		}
	}
	c.mu.Unlock()
	if match == nil {
		hog.From(c.ctx).Debug().Int(`entries`, len(msgs)).Msg(`dropping array without a pending batch`)
		return
	}

	responses := make([]Response, 0, len(msgs))
	for i := range msgs {
		if msgs[i].Kind == protocol.KindResponse {
			responses = append(responses, toResponse(&msgs[i]))
		}
	}
	match.resolve(responses)
}

func (c *Client) dispatchNotification(msg *protocol.Message) {
	n := Notification{Method: msg.Method}
	if msg.Params != nil {
		n.Params = msg.Params
	}
	reserved := msg.Method == protocol.Progress || msg.Method == protocol.Cancel
	if msg.Method == protocol.Progress {
		c.dispatchProgress(msg.Params)
	}
	if reserved && c.excludeReserved {
		return
	}
	c.feed.publish(n)
}

func (c *Client) dispatchProgress(params []byte) {
	id, p, ok := protocol.ParseProgress(params)
	if !ok {
		return
	}
	c.mu.Lock()
	sink := c.progress[id]
	c.mu.Unlock()
	if sink == nil {
		return
	}
	if sink.onProgress(id, Progress{Amount: p.Amount, Operation: p.Operation}) {
		c.mu.Lock()
		c.dropProgress(sink)
		c.mu.Unlock()
	}
}
