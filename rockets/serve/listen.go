package serve

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/swdunlop/html-go/hog"
)

// A Listener opens the listener that Run accepts connections from, such as a local socket or a
// tailnet listener.
type Listener interface {
	Listen(ctx context.Context) (net.Listener, error)
}

// TCP returns a Listener for a TCP address.
func TCP(address string, options ...func(*net.ListenConfig)) Listener {
	return Local(`tcp`, address, options...)
}

// Unix returns a Listener for a Unix domain socket.
func Unix(path string, options ...func(*net.ListenConfig)) Listener {
	return Local(`unix`, path, options...)
}

// Local returns a Listener for the provided network and address, with the net.ListenConfig
// adjusted by options.
func Local(network, address string, options ...func(*net.ListenConfig)) Listener {
	lr := &local{network: network, address: address}
	for _, opt := range options {
		opt(&lr.config)
	}
	return lr
}

// KeepAlive adjusts a net.ListenConfig to use the given keepalive for accepted connections.
func KeepAlive(keepalive time.Duration) func(*net.ListenConfig) {
	return func(cfg *net.ListenConfig) { cfg.KeepAlive = keepalive }
}

type local struct {
	network string
	address string
	config  net.ListenConfig
}

func (lr *local) Listen(ctx context.Context) (net.Listener, error) {
	return lr.config.Listen(ctx, lr.network, lr.address)
}

// Run serves the server on the listener until ctx is cancelled, then closes every open session
// and shuts the HTTP server down.
func (s *Server) Run(ctx context.Context, listener Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lr, err := listener.Listen(ctx)
	if err != nil {
		return err
	}
	// no need to defer lr.Close, svr.Shutdown will close it

	svr := http.Server{
		Handler:     s,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		s.Close()
		_ = svr.Shutdown(context.Background())
	}()

	hog.From(ctx).Info().Str(`address`, lr.Addr().String()).Msg(`starting Rockets service`)
	err = svr.Serve(lr)
	hog.From(ctx).Info().Err(err).Msg(`Rockets service stopped`)
	if err == http.ErrServerClosed {
		return nil
	}
	_ = lr.Close() // just in case, since we did not have a shutdown or server close.
	return err
}
