package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/rockets-go/rockets"
	"github.com/swdunlop/rockets-go/rockets/codec"
	"github.com/swdunlop/rockets-go/rockets/sse"
	"github.com/swdunlop/rockets-go/rockets/tailnet"
	"github.com/swdunlop/rockets-go/rockets/ws"
	"github.com/swdunlop/zugzug-go"
)

var (
	rocketsURL       string = `localhost:8200`
	rocketsTransport string = `ws`
	rocketsCodec     string = `json`
	rocketsIDs       string = `uuid`
	excludeReserved  bool

	tailscaleHostname string
	tailscaleDir      string
)

// clientSettings are shared by every task that connects to a server.
var clientSettings = zugzug.Settings{
	{Var: &rocketsURL, Name: `ROCKETS_URL`,
		Use: "Address of the Rockets server (default: localhost:8200)"},
	{Var: &rocketsTransport, Name: `ROCKETS_TRANSPORT`,
		Use: "Transport to the server, either \"ws\" or \"sse\" (default: ws)"},
	{Var: &rocketsCodec, Name: `ROCKETS_CODEC`,
		Use: "Wire codec, either \"json\" or \"msgpack\" (default: json, ws only)"},
	{Var: &rocketsIDs, Name: `ROCKETS_IDS`,
		Use: "Request ID generator, either \"uuid\" or \"xid\" (default: uuid)"},
	{Var: &excludeReserved, Name: `ROCKETS_EXCLUDE_RESERVED`,
		Use: "Hides progress and cancel notifications from listeners"},
	{Var: &tailscaleHostname, Name: `TAILSCALE_HOSTNAME`,
		Use: "Connects through your Tailscale network using this hostname"},
	{Var: &tailscaleDir, Name: `TAILSCALE_DIR`,
		Use: "State directory for Tailscale"},
}

// connect dials the configured server and starts a client; the client is closed when ctx ends.
func connect(ctx context.Context) (*rockets.Client, error) {
	c, err := codec.ByName(rocketsCodec)
	if err != nil {
		return nil, err
	}
	options := []rockets.Option{rockets.Codec(c)}
	switch rocketsIDs {
	case ``, `uuid`:
	case `xid`:
		options = append(options, rockets.IDs(rockets.XIDs))
	default:
		return nil, fmt.Errorf(`unknown ID generator %q`, rocketsIDs)
	}
	if excludeReserved {
		options = append(options, rockets.ExcludeReserved())
	}

	client, err := httpClient(ctx)
	if err != nil {
		return nil, err
	}

	var transport rockets.Transport
	switch rocketsTransport {
	case ``, `ws`:
		wsOptions := []ws.Option{ws.HTTPClient(client)}
		if c != codec.JSON {
			wsOptions = append(wsOptions, ws.Binary())
		}
		transport, err = ws.Dial(ctx, rocketsURL, wsOptions...)
	case `sse`:
		if c != codec.JSON {
			return nil, fmt.Errorf(`the sse transport only carries JSON`)
		}
		transport, err = sse.Dial(ctx, rocketsURL, sse.HTTPClient(client))
	default:
		return nil, fmt.Errorf(`unknown transport %q`, rocketsTransport)
	}
	if err != nil {
		return nil, fmt.Errorf(`%w while connecting to %v`, err, rocketsURL)
	}
	return rockets.New(ctx, transport, options...), nil
}

// httpClient returns a client that dials through Tailscale if TAILSCALE_HOSTNAME is set.
func httpClient(ctx context.Context) (*http.Client, error) {
	if tailscaleHostname == `` {
		return http.DefaultClient, nil
	}
	options := []tailnet.Option{
		tailnet.Hostname(tailscaleHostname),
		tailnet.Logf(func(format string, args ...any) {
			hog.From(ctx).Trace().Msgf(format, args...)
		}),
	}
	if tailscaleDir != `` {
		options = append(options, tailnet.Dir(tailscaleDir))
	}
	node, err := tailnet.New(options...)
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = node.Close()
	}()
	return node.HTTPClient(ctx)
}
