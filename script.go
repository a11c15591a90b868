package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/rockets-go/rockets"
	"gopkg.in/yaml.v3"
)

// A script is a YAML (or JSON) file holding one call or a list of calls.  A list is sent as a
// batch.
//
//	- method: add
//	  params: [1, 2]
//	- method: log
//	  notify: true
//	  params: {message: hello}
type script struct {
	path  string
	items []scriptItem
}

type scriptItem struct {
	ID     string `yaml:"id"`
	Method string `yaml:"method"`
	Params any    `yaml:"params"`
	Notify bool   `yaml:"notify"`
}

func loadScript(path string) (*script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := parseScript(data)
	if err != nil {
		return nil, fmt.Errorf(`%w in %v`, err, path)
	}
	s.path = path
	return s, nil
}

func parseScript(data []byte) (*script, error) {
	var doc yaml.Node
	err := yaml.Unmarshal(data, &doc)
	if err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf(`empty script`)
	}
	s := new(script)
	switch root := doc.Content[0]; root.Kind {
	case yaml.SequenceNode:
		err = root.Decode(&s.items)
	case yaml.MappingNode:
		s.items = make([]scriptItem, 1)
		err = root.Decode(&s.items[0])
	default:
		err = fmt.Errorf(`expected a call or a list of calls at line %d`, root.Line)
	}
	if err != nil {
		return nil, err
	}
	for i, it := range s.items {
		if it.Method == `` {
			return nil, fmt.Errorf(`call %d has no method`, i+1)
		}
	}
	return s, nil
}

// parseParams interprets a command line argument as YAML, which includes JSON.
func parseParams(arg string) (any, error) {
	var params any
	err := yaml.Unmarshal([]byte(arg), &params)
	if err != nil {
		return nil, fmt.Errorf(`%w while parsing params`, err)
	}
	return params, nil
}

func (s *script) batch() []rockets.Item {
	items := make([]rockets.Item, len(s.items))
	for i, it := range s.items {
		if it.Notify {
			items[i] = rockets.NewNotification(it.Method, it.Params)
			continue
		}
		req := rockets.NewRequest(it.Method, it.Params)
		req.ID = it.ID
		if req.ID == `` {
			req.ID = nextID()
		}
		items[i] = req
	}
	return items
}

// run sends the script, writing results to w.  A single call is sent alone; anything else is
// sent as one batch.
func (s *script) run(ctx context.Context, client *rockets.Client, w io.Writer) error {
	items := s.batch()
	if len(items) == 1 {
		switch it := items[0].(type) {
		case rockets.Notification:
			return client.Notify(ctx, it.Method, it.Params)
		case rockets.Request:
			return await(ctx, client.Call(ctx, it), w)
		}
	}

	batch := client.Batch(ctx, items...)
	batch.On(rockets.EventProgress).Subscribe(logProgress(ctx), nil)
	responses, err := batch.Wait(ctx)
	if err != nil {
		return err
	}
	for _, rsp := range responses {
		out := struct {
			ID     string          `json:"id"`
			Result json.RawMessage `json:"result,omitempty"`
			Error  *rockets.Error  `json:"error,omitempty"`
		}{rsp.ID, rsp.Result, rsp.Error}
		err = writeJSON(w, out)
		if err != nil {
			return err
		}
	}
	hog.From(ctx).Debug().Str(`script`, s.path).Int(`responses`, len(responses)).Msg(`batch complete`)
	return nil
}

// await waits for a call and writes its result, asking the server to cancel the call if ctx
// ends first.
func await(ctx context.Context, call *rockets.Call, w io.Writer) error {
	call.On(rockets.EventProgress).Subscribe(logProgress(ctx), nil)
	select {
	case <-call.Done():
	case <-ctx.Done():
		hog.From(ctx).Info().Str(`id`, call.ID()).Msg(`canceling`)
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
		defer cancel()
		err := call.Cancel(cancelCtx)
		if err != nil {
			return err
		}
		ctx = cancelCtx
	}
	result, err := call.Wait(ctx)
	if err != nil {
		return err
	}
	return writeJSON(w, result)
}

func logProgress(ctx context.Context) func(rockets.Progress) {
	return func(p rockets.Progress) {
		hog.From(ctx).Info().Float64(`amount`, p.Amount).Str(`operation`, p.Operation).Msg(`progress`)
	}
}

func writeJSON(w io.Writer, v any) error {
	js, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", js)
	return err
}
