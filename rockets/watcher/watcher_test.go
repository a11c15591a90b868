package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertCarriesPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, `sub`), 0o755))
	wr, err := Start(context.Background(), Directory(dir), Include(`*.yaml`))
	require.NoError(t, err)
	defer wr.Shutdown()

	script := filepath.Join(dir, `sub`, `calls.yaml`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, `notes.txt`), []byte(`x`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, `.hidden.yaml`), []byte(`x`), 0o644))
	require.NoError(t, os.WriteFile(script, []byte(`method: echo`), 0o644))

	select {
	case paths := <-wr.Alert():
		assert.Equal(t, []string{script}, paths)
	case <-time.After(5 * time.Second):
		t.Fatal(`no alert`)
	}
}

func TestShouldInclude(t *testing.T) {
	wr := &Watcher{}
	var err error
	wr.includes, err = appendPatterns(nil, `*.yaml`, `*.json`)
	require.NoError(t, err)
	wr.excludes, err = appendPatterns(nil, `.*`, `skip/*`)
	require.NoError(t, err)

	assert.True(t, wr.shouldInclude(`calls.yaml`))
	assert.True(t, wr.shouldInclude(`dir/calls.json`))
	assert.False(t, wr.shouldInclude(`calls.txt`))
	assert.False(t, wr.shouldInclude(`dir/.calls.yaml`))
	assert.False(t, wr.shouldInclude(`skip/calls.yaml`))
}

func TestBadPattern(t *testing.T) {
	_, err := Start(context.Background(), Include(`[`))
	assert.Error(t, err)
}

func TestShutdownTwice(t *testing.T) {
	wr, err := Start(context.Background(), Directory(t.TempDir()))
	require.NoError(t, err)
	wr.Shutdown()
	wr.Shutdown()
}
