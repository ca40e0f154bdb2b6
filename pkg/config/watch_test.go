package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	project, _ := isolate(t)
	watchDebounce = 20 * time.Millisecond
	t.Cleanup(func() { watchDebounce = 250 * time.Millisecond })

	path := writeFile(t, filepath.Join(project, ".chitin", "config.yaml"), "log: {level: info}\n")

	type reload struct {
		cfg *Config
		err error
	}
	reloads := make(chan reload, 10)
	stop, err := Watch(context.Background(), path, func(cfg *Config, err error) {
		reloads <- reload{cfg, err}
	})
	require.NoError(t, err)
	defer func() { assert.NoError(t, stop()) }()

	writeFile(t, filepath.Join(project, ".chitin", "unrelated.yaml"), "x: 1\n")
	require.NoError(t, os.WriteFile(path, []byte("log: {level: debug}\nmcpServers: {fs: {command: fs-mcp}}\n"), 0o644))

	waitFor := func(match func(reload) bool) reload {
		t.Helper()
		timeout := time.After(5 * time.Second)
		for {
			select {
			case r := <-reloads:
				if match(r) {
					return r
				}
			case <-timeout:
				t.Fatal("no matching reload")
			}
		}
	}

	r := waitFor(func(r reload) bool { return r.err == nil && r.cfg.Log.Level == "debug" })
	servers, err := r.cfg.Servers()
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "fs", servers[0].Name)

	require.NoError(t, os.WriteFile(path, []byte("log: {level: verbose}\n"), 0o644))
	r = waitFor(func(r reload) bool { return r.err != nil })
	assert.Nil(t, r.cfg)
	assert.ErrorContains(t, r.err, "Log.Level")
}

func TestWatchMissingDirectory(t *testing.T) {
	isolate(t)
	_, err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "config.yaml"), func(*Config, error) {})
	assert.Error(t, err)
}

func TestWatchStopsWithContext(t *testing.T) {
	project, _ := isolate(t)
	path := writeFile(t, filepath.Join(project, "config.json"), "{}")

	ctx, cancel := context.WithCancel(context.Background())
	stop, err := Watch(ctx, path, func(*Config, error) {})
	require.NoError(t, err)
	cancel()
	assert.NoError(t, stop())
}
