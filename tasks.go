package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"time"

	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/rockets-go/rockets"
	"github.com/swdunlop/rockets-go/rockets/watcher"
	"github.com/swdunlop/zugzug-go"
	"github.com/swdunlop/zugzug-go/zug/parser"
)

// cancelTimeout bounds how long an interrupted call waits for the server to acknowledge the cancel.
const cancelTimeout = 5 * time.Second

func init() {
	tasks = append(tasks, zugzug.Tasks{
		{Name: "call", Use: "Calls a method and prints its result, canceling it on interrupt",
			Fn: runCall, Settings: clientSettings, Parser: parser.New(
				parser.String(&paramsArg, "params", "p", "Params for the method as YAML or JSON"),
			)},
		{Name: "notify", Use: "Sends a notification",
			Fn: runNotify, Settings: clientSettings, Parser: parser.New(
				parser.String(&paramsArg, "params", "p", "Params for the method as YAML or JSON"),
			)},
		{Name: "batch", Use: "Sends the calls in each script file and prints their results",
			Fn: runBatch, Settings: clientSettings},
		{Name: "listen", Use: "Prints notifications from the server until interrupted",
			Fn: runListen, Settings: clientSettings},
		{Name: "watch", Use: "Sends the calls in each script file again whenever it changes",
			Fn: runWatch, Settings: clientSettings},
	}...)
}

var paramsArg string

func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

func nextID() string {
	if rocketsIDs == `xid` {
		return rockets.XIDs()
	}
	return rockets.UUIDs()
}

func methodArg(ctx context.Context) (string, any, error) {
	args := parser.Args(ctx)
	if len(args) != 1 {
		return ``, nil, errors.New("expected exactly one method")
	}
	if paramsArg == `` {
		return args[0], nil, nil
	}
	params, err := parseParams(paramsArg)
	return args[0], params, err
}

func runCall(ctx context.Context) error {
	method, params, err := methodArg(ctx)
	if err != nil {
		return err
	}
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	interrupted, stop := interruptible(ctx)
	defer stop()
	call := client.Request(ctx, method, params)
	return await(interrupted, call, os.Stdout)
}

func runNotify(ctx context.Context) error {
	method, params, err := methodArg(ctx)
	if err != nil {
		return err
	}
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Notify(ctx, method, params)
}

func loadScripts(ctx context.Context) ([]*script, error) {
	args := parser.Args(ctx)
	if len(args) == 0 {
		return nil, errors.New("no script files specified")
	}
	scripts := make([]*script, len(args))
	for i, path := range args {
		s, err := loadScript(path)
		if err != nil {
			return nil, err
		}
		scripts[i] = s
	}
	return scripts, nil
}

func runBatch(ctx context.Context) error {
	scripts, err := loadScripts(ctx)
	if err != nil {
		return err
	}
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := interruptible(ctx)
	defer stop()
	for _, s := range scripts {
		err = s.run(ctx, client, os.Stdout)
		if err != nil {
			return err
		}
	}
	return nil
}

func runListen(ctx context.Context) error {
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := interruptible(ctx)
	defer stop()
	ended := make(chan error, 1)
	client.Subscribe(func(n rockets.Notification) {
		err := writeJSON(os.Stdout, struct {
			Method string `json:"method"`
			Params any    `json:"params,omitempty"`
		}{n.Method, n.Params})
		if err != nil {
			hog.From(ctx).Warn().Err(err).Msg(`failed to print notification`)
		}
	}, func(err error) { ended <- err })

	select {
	case err = <-ended:
		return err
	case <-ctx.Done():
		return nil
	}
}

func runWatch(ctx context.Context) error {
	scripts, err := loadScripts(ctx)
	if err != nil {
		return err
	}
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := interruptible(ctx)
	defer stop()

	var dirs, names []string
	for _, s := range scripts {
		dir := filepath.Dir(s.path)
		if !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
		names = append(names, filepath.Base(s.path))
		err = s.run(ctx, client, os.Stdout)
		if err != nil {
			hog.From(ctx).Warn().Err(err).Str(`script`, s.path).Msg(`script failed`)
		}
	}
	wr, err := watcher.Start(ctx, watcher.Directory(dirs...), watcher.Include(names...))
	if err != nil {
		return err
	}
	defer wr.Shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return client.Err()
		case paths := <-wr.Alert():
			for _, s := range scripts {
				if !changed(s.path, paths) {
					continue
				}
				reloaded, err := loadScript(s.path)
				if err != nil {
					hog.From(ctx).Warn().Err(err).Msg(`could not reload script`)
					continue
				}
				*s = *reloaded
				err = s.run(ctx, client, os.Stdout)
				if err != nil {
					hog.From(ctx).Warn().Err(err).Str(`script`, s.path).Msg(`script failed`)
				}
			}
		}
	}
}

func changed(path string, paths []string) bool {
	abs, _ := filepath.Abs(path)
	for _, it := range paths {
		if it == path {
			return true
		}
		if other, err := filepath.Abs(it); err == nil && other == abs {
			return true
		}
	}
	return false
}
