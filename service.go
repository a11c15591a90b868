package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/rockets-go/rockets"
	"github.com/swdunlop/rockets-go/rockets/codec"
	"github.com/swdunlop/rockets-go/rockets/serve"
	"github.com/swdunlop/rockets-go/rockets/tailnet"
	"github.com/swdunlop/zugzug-go"
)

func init() {
	tasks = append(tasks, zugzug.Tasks{
		{Name: "serve", Use: "Runs a demonstration Rockets service with echo, sleep and fail methods",
			Fn: runServe, Settings: zugzug.Settings{
				{Var: &listenAddress, Name: `LISTEN_ADDRESS`,
					Use: "Listening address for the service (default: localhost:8200 if Tailscale not used)"},
				{Var: &rocketsCodec, Name: `ROCKETS_CODEC`,
					Use: "Wire codec spoken over WebSockets, either \"json\" or \"msgpack\" (default: json)"},
				{Var: &tailscaleHostname, Name: `TAILSCALE_HOSTNAME`,
					Use: "Specifies the hostname on your Tailscale network"},
				{Var: &tailscaleFunnel, Name: `TAILSCALE_FUNNEL`,
					Use: "Enables internet access via a Tailscale funnel"},
				{Var: &tailscaleListen, Name: `TAILSCALE_LISTEN`,
					Use: "Listening address for clients from your Tailscale network (default: \":443\" or \":80\")"},
				{Var: &tailscaleDir, Name: `TAILSCALE_DIR`,
					Use: "State directory for Tailscale"},
				{Var: &noTailscaleTLS, Name: `NO_TAILSCALE_TLS`,
					Use: "Disables TLS for Tailscale"},
			}},
	}...)
}

var (
	listenAddress   string
	tailscaleFunnel bool
	tailscaleListen string
	noTailscaleTLS  bool
)

func runServe(ctx context.Context) error {
	c, err := codec.ByName(rocketsCodec)
	if err != nil {
		return err
	}
	listener, err := serviceListener(ctx)
	if err != nil {
		return err
	}
	ctx, stop := interruptible(ctx)
	defer stop()
	return serve.New(append(demoMethods(), serve.Logging(), serve.Codec(c))...).Run(ctx, listener)
}

func serviceListener(ctx context.Context) (serve.Listener, error) {
	if tailscaleHostname == `` {
		if tailscaleFunnel || tailscaleListen != `` {
			return nil, errors.New("TAILSCALE_HOSTNAME is required to use Tailscale")
		}
		if listenAddress == `` {
			listenAddress = `localhost:8200`
		}
		return serve.TCP(listenAddress), nil
	}

	options := []tailnet.Option{
		tailnet.Hostname(tailscaleHostname),
		tailnet.Logf(func(format string, args ...any) {
			hog.From(ctx).Trace().Msgf(format, args...)
		}),
	}
	switch {
	case tailscaleFunnel && tailscaleListen != ``:
		return nil, errors.New("You cannot combine TAILSCALE_FUNNEL with TAILSCALE_LISTEN")
	case tailscaleFunnel:
		options = append(options, tailnet.Funnel())
	case tailscaleListen != ``:
		options = append(options, tailnet.Address(tailscaleListen))
	}
	if noTailscaleTLS {
		options = append(options, tailnet.NoTLS())
	}
	if tailscaleDir != `` {
		options = append(options, tailnet.Dir(tailscaleDir))
	}
	node, err := tailnet.New(options...)
	if err != nil {
		return nil, err
	}
	return node, nil
}

type sleepParams struct {
	Seconds float64 `json:"seconds"`
	Steps   int     `json:"steps"`
}

type failParams struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// demoMethods are the methods of the demonstration service.  Params given as an array are passed
// through the first element, so both {"seconds": 1} and [{"seconds": 1}] work.
func demoMethods() []serve.Option {
	return []serve.Option{
		serve.Fn(`echo`, func(_ *serve.Scope, in any) (any, error) {
			return in, nil
		}),
		serve.Fn(`sleep`, func(scope *serve.Scope, in json.RawMessage) (float64, error) {
			p := sleepParams{Seconds: 1, Steps: 10}
			err := decodeFirst(in, &p)
			if err != nil {
				return 0, rockets.NewError(rockets.CodeInvalidParams, err.Error())
			}
			if p.Steps < 1 {
				p.Steps = 1
			}
			step := time.Duration(p.Seconds * float64(time.Second) / float64(p.Steps))
			timer := time.NewTimer(step)
			defer timer.Stop()
			for i := 1; i <= p.Steps; i++ {
				select {
				case <-scope.Done():
					return 0, scope.Err()
				case <-timer.C:
					timer.Reset(step)
				}
				_ = scope.Progress(float64(i)/float64(p.Steps), fmt.Sprintf(`step %d of %d`, i, p.Steps))
			}
			return p.Seconds, nil
		}),
		serve.Fn(`fail`, func(_ *serve.Scope, in json.RawMessage) (any, error) {
			p := failParams{Code: rockets.CodeInternalError, Message: `failed as requested`}
			err := decodeFirst(in, &p)
			if err != nil {
				return nil, rockets.NewError(rockets.CodeInvalidParams, err.Error())
			}
			rpcErr := rockets.NewError(p.Code, p.Message)
			if p.Data != nil {
				rpcErr.Data, _ = json.Marshal(p.Data)
			}
			return nil, rpcErr
		}),
		serve.Proc(`log`, func(scope *serve.Scope, in any) {
			hog.From(scope).Info().Interface(`params`, in).Msg(`log`)
		}),
	}
}

// decodeFirst decodes params that are either an object or an array holding one.  Absent params
// leave out untouched.
func decodeFirst(params json.RawMessage, out any) error {
	params = bytes.TrimSpace(params)
	if len(params) == 0 || bytes.Equal(params, []byte(`null`)) {
		return nil
	}
	if params[0] != '[' {
		return json.Unmarshal(params, out)
	}
	var seq []json.RawMessage
	err := json.Unmarshal(params, &seq)
	if err != nil || len(seq) == 0 {
		return err
	}
	return json.Unmarshal(seq[0], out)
}
