// Package tailnet joins a Tailscale network as its own node, so that clients can reach Rockets
// servers on the tailnet and servers can listen on it.
package tailnet

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/swdunlop/html-go/hog"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
)

// New returns a node configured by options.  Nothing connects until the node is used.
func New(options ...Option) (*Node, error) {
	node := &Node{listen: `:443`}
	for _, option := range options {
		err := option(node)
		if err != nil {
			return nil, err
		}
	}
	if node.funnel && node.noTLS {
		return nil, errors.New("funnels are required to use TLS by Tailscale")
	}
	return node, nil
}

// A Node is a Tailscale node embedded in this process.
type Node struct {
	tsnet   tsnet.Server
	funnel  bool
	noTLS   bool
	upHooks []func(*tsnet.Server, *ipnstate.Status) error
	listen  string

	once sync.Once
	err  error
}

// Up connects the node to the tailnet and waits until it is authorized.  Only the first call
// connects; later calls return its result.
func (node *Node) Up(ctx context.Context) error {
	node.once.Do(func() {
		status, err := node.tsnet.Up(ctx)
		if err != nil {
			node.err = err
			return
		}
		for _, fn := range node.upHooks {
			err = fn(&node.tsnet, status)
			if err != nil {
				_ = node.tsnet.Close()
				node.err = err
				return
			}
		}
		hog.From(ctx).Info().Str(`hostname`, node.tsnet.Hostname).Msg(`joined tailnet`)
	})
	return node.err
}

// HTTPClient returns an HTTP client that dials through the tailnet, suitable for ws.HTTPClient
// and sse.HTTPClient.
func (node *Node) HTTPClient(ctx context.Context) (*http.Client, error) {
	err := node.Up(ctx)
	if err != nil {
		return nil, err
	}
	return node.tsnet.HTTPClient(), nil
}

// Dial connects to an address on the tailnet.
func (node *Node) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	err := node.Up(ctx)
	if err != nil {
		return nil, err
	}
	return node.tsnet.Dial(ctx, network, address)
}

// Listen listens on the tailnet, using TLS unless NoTLS was given.  This lets a node serve as a
// serve.Listener.
func (node *Node) Listen(ctx context.Context) (net.Listener, error) {
	err := node.Up(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case node.funnel:
		return node.tsnet.ListenFunnel(`tcp`, node.listen)
	case node.noTLS:
		return node.tsnet.Listen(`tcp`, node.listen)
	default:
		return node.tsnet.ListenTLS(`tcp`, node.listen)
	}
}

// Close disconnects the node from the tailnet.
func (node *Node) Close() error { return node.tsnet.Close() }

// An Option configures a Node.
type Option func(*Node) error

// Dir specifies the state directory of the node.
func Dir(dir string) Option {
	return func(node *Node) error {
		node.tsnet.Dir = dir
		return nil
	}
}

// Hostname specifies the name of your Tailscale host.  Defaults to the system hostname.
func Hostname(hostname string) Option {
	return func(node *Node) error {
		node.tsnet.Hostname = hostname
		return nil
	}
}

// Address specifies the address Listen listens on.  Defaults to ":443", or ":80" with NoTLS.
func Address(address string) Option {
	return func(node *Node) error {
		node.listen = address
		return nil
	}
}

// Funnel tells Tailscale to allow public IPs to connect to your service.
func Funnel() Option {
	return func(node *Node) error {
		node.funnel = true
		return nil
	}
}

// NoTLS tells Tailscale to not use TLS.  This is incompatible with Funnel.
func NoTLS() Option {
	return func(node *Node) error {
		node.noTLS = true
		if node.listen == `:443` {
			node.listen = `:80`
		}
		return nil
	}
}

// Logf sets the logging function for the Tailscale server.  Tailscale is EXTREMELY chatty.
// The default is to log to the standard logger.
func Logf(f func(format string, args ...any)) Option {
	return func(node *Node) error {
		node.tsnet.Logf = f
		return nil
	}
}

// HookUp adds a function that will be called when the Tailscale connection is established and
// authorized.  If the hook returns an error, the Tailscale connection will be closed.
func HookUp(fn func(*tsnet.Server, *ipnstate.Status) error) Option {
	return func(node *Node) error {
		node.upHooks = append(node.upHooks, fn)
		return nil
	}
}
