// Package sse provides a Server-Sent-Events transport for Rockets clients.  Inbound frames arrive
// as unnamed events on a long-lived GET request; outbound frames are POSTed to the endpoint the
// server names in the first event of the stream.  Frames are JSON text.
package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/rockets-go/rockets"
	"github.com/tmaxmax/go-sse"
)

// EndpointEvent is the type of the event that carries the endpoint for outbound frames.
const EndpointEvent = `endpoint`

// Dial opens an event stream at address and waits until the server names the endpoint for
// outbound frames.
func Dial(ctx context.Context, address string, options ...Option) (*Conn, error) {
	var cfg config
	cfg.init(options...)
	base, err := url.Parse(address)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, base.String(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	for key, values := range cfg.header {
		req.Header[key] = values
	}

	client := sse.Client{
		HTTPClient: cfg.client,
		Backoff:    sse.Backoff{MaxRetries: -1},
	}
	c := &Conn{
		cfg:     cfg,
		cancel:  cancel,
		inbound: make(chan []byte),
		ended:   make(chan struct{}),
	}
	ready := make(chan string, 1)
	conn := client.NewConnection(req)
	conn.SubscribeEvent(EndpointEvent, func(ev sse.Event) {
		select {
		case ready <- ev.Data:
		default:
		}
	})
	conn.SubscribeMessages(func(ev sse.Event) {
		select {
		case c.inbound <- []byte(ev.Data):
		case <-streamCtx.Done():
		}
	})
	go func() {
		defer close(c.ended)
		c.err = conn.Connect()
	}()

	select {
	case data := <-ready:
		ref, err := url.Parse(data)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf(`%w in endpoint event`, err)
		}
		c.endpoint = base.ResolveReference(ref).String()
	case <-c.ended:
		cancel()
		if c.err == nil {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, c.err
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
	hog.From(ctx).Debug().Str(`url`, base.String()).Str(`endpoint`, c.endpoint).Msg(`connected`)
	return c, nil
}

// An Option affects how Dial connects.
type Option func(*config)

type config struct {
	client *http.Client
	header http.Header
}

func (cfg *config) init(options ...Option) {
	cfg.client = http.DefaultClient
	cfg.header = make(http.Header)
	for _, opt := range options {
		opt(cfg)
	}
}

// HTTPClient specifies the client used for the event stream and outbound frames, such as one that
// dials through a tailnet.
func HTTPClient(client *http.Client) Option {
	return func(cfg *config) { cfg.client = client }
}

// Header adds a header to every request.
func Header(key, value string) Option {
	return func(cfg *config) { cfg.header.Add(key, value) }
}

// A Conn is a rockets.Transport over an event stream.
type Conn struct {
	cfg      config
	endpoint string
	cancel   context.CancelFunc
	inbound  chan []byte
	ended    chan struct{}
	err      error // set before ended is closed
}

var _ rockets.Transport = (*Conn)(nil)

// Endpoint returns the URL that outbound frames are POSTed to.
func (c *Conn) Endpoint() string { return c.endpoint }

// Send POSTs one frame to the endpoint.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	for key, values := range c.cfg.header {
		req.Header[key] = values
	}
	req.Header.Set(`Content-Type`, `application/json`)
	rsp, err := c.cfg.client.Do(req)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()
	_, _ = io.Copy(io.Discard, rsp.Body)
	if rsp.StatusCode/100 != 2 {
		return fmt.Errorf(`%v while sending frame`, rsp.Status)
	}
	return nil
}

// Read returns the data of the next unnamed event.  It returns io.EOF once the server ends the
// stream or the connection is closed.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.ended:
		return nil, c.streamErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) streamErr() error {
	var connErr *sse.ConnectionError
	switch {
	case c.err == nil, errors.Is(c.err, io.EOF), errors.Is(c.err, context.Canceled):
		return io.EOF
	case errors.As(c.err, &connErr) && connErr.Err == nil:
		return io.EOF
	}
	return c.err
}

// Close ends the event stream and waits for it to stop.
func (c *Conn) Close() error {
	c.cancel()
	<-c.ended
	return nil
}
