// Package watcher reports changes to files below a set of directories.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/swdunlop/html-go/hog"
)

// Start a watcher with the provided options.  Watch errors are logged to the logger of ctx.
func Start(ctx context.Context, options ...Option) (*Watcher, error) {
	wr := &Watcher{ctx: ctx}
	for _, option := range options {
		err := option(wr)
		if err != nil {
			return nil, err
		}
	}
	err := wr.start()
	if err != nil {
		return nil, err
	}
	return wr, nil
}

// An Option is a function that can manipulate a watcher during construction
type Option func(*Watcher) error

// Include specifies one or more file patterns to include in the watch.  Patterns match either
// the base name or the whole path of a file.  If no patterns are specified, all files not
// starting with a dot are included.
func Include(patterns ...string) Option {
	return func(wr *Watcher) (err error) {
		wr.includes, err = appendPatterns(wr.includes, patterns...)
		return
	}
}

// Exclude specifies one or more file patterns to exclude from the watch.
// If no patterns are specified, only files starting with a dot are excluded.
// If a file matches both an include and an exclude pattern, it is excluded.
func Exclude(patterns ...string) Option {
	return func(wr *Watcher) (err error) {
		wr.excludes, err = appendPatterns(wr.excludes, patterns...)
		return
	}
}

func appendPatterns(seq []glob.Glob, patterns ...string) ([]glob.Glob, error) {
	for _, pattern := range patterns {
		rx, err := glob.Compile(pattern, filepath.Separator)
		if err != nil {
			return nil, fmt.Errorf(`%w in %q`, err, pattern)
		}
		seq = append(seq, rx)
	}
	return seq, nil
}

// Directory specifies one or more directories to watch recursively.
// If no directories are specified, the current working directory is watched.
func Directory(paths ...string) Option {
	return func(wr *Watcher) error {
		wr.directories = append(wr.directories, paths...)
		return nil
	}
}

// A Watcher collects the paths of changed files until they are received from Alert.
type Watcher struct {
	ctx         context.Context
	includes    []glob.Glob
	excludes    []glob.Glob
	directories []string

	fsnotify   *fsnotify.Watcher
	alertCh    chan []string // receives the paths changed since the last alert
	shutdownCh chan struct{} // sent when the watcher should shut down
	doneCh     chan struct{} // closed when the watcher is done
}

func (wr *Watcher) start() (err error) {
	wr.fsnotify, err = fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if len(wr.directories) == 0 {
		wr.directories = []string{`.`}
	}
	if len(wr.excludes) == 0 {
		wr.excludes = []glob.Glob{glob.MustCompile(`.*`, filepath.Separator)}
	}
	for _, dir := range wr.directories {
		err := filepath.WalkDir(dir, func(path string, info fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return wr.fsnotify.Add(path)
			}
			return nil
		})
		if err != nil {
			wr.fsnotify.Close()
			return err
		}
	}
	wr.alertCh = make(chan []string)
	wr.shutdownCh = make(chan struct{})
	wr.doneCh = make(chan struct{})
	go wr.process()
	return nil
}

// Alert returns a channel that receives the paths changed since the previous receive, in the
// order they first changed.
func (wr *Watcher) Alert() <-chan []string {
	return wr.alertCh
}

// Shutdown stops the watcher and waits for it to finish.
func (wr *Watcher) Shutdown() {
	select {
	case wr.shutdownCh <- struct{}{}:
		<-wr.doneCh
	case <-wr.doneCh:
	}
}

func (wr *Watcher) process() {
	defer close(wr.doneCh)
	defer wr.fsnotify.Close()
	var pending []string
	for {
		var alertCh chan<- []string
		if len(pending) > 0 {
			alertCh = wr.alertCh
		}
		select {
		case <-wr.shutdownCh:
			return
		case alertCh <- pending:
			pending = nil
		case err, ok := <-wr.fsnotify.Errors:
			if !ok {
				return
			}
			hog.From(wr.ctx).Warn().Err(err).Msg(`watch error`)
		case event, ok := <-wr.fsnotify.Events:
			if !ok {
				return
			}
			name, changed := wr.processNotification(event)
			if changed && !slices.Contains(pending, name) {
				pending = append(pending, name)
			}
		}
	}
}

func (wr *Watcher) processNotification(event fsnotify.Event) (string, bool) {
	if event.Has(fsnotify.Create) {
		info, err := os.Stat(event.Name)
		if err != nil {
			return ``, false
		}
		if info.IsDir() {
			_ = wr.fsnotify.Add(event.Name)
			return ``, false // creating a new directory should not issue an alert, but we should watch it
		}
		return event.Name, wr.shouldInclude(event.Name)
	}

	switch {
	case event.Has(fsnotify.Write), event.Has(fsnotify.Rename):
		return event.Name, wr.shouldInclude(event.Name)
	case event.Has(fsnotify.Remove):
		_ = wr.fsnotify.Remove(event.Name)
		return event.Name, wr.shouldInclude(event.Name)
	}
	return ``, false
}

func (wr *Watcher) shouldInclude(name string) bool {
	base := filepath.Base(name)
	match := func(rx glob.Glob) bool { return rx.Match(base) || rx.Match(name) }
	if len(wr.includes) > 0 && !slices.ContainsFunc(wr.includes, match) {
		return false
	}
	return !slices.ContainsFunc(wr.excludes, match)
}
