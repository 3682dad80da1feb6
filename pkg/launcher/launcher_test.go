//go:build !windows

package launcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingLogger) Infof(format string, v ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, format)
}

func (r *recordingLogger) Warnf(format string, v ...interface{}) {
	r.Infof(format, v...)
}

// writeScript creates an executable shell script standing in for Firefox.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-firefox")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestBrowserArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"-profile", "/tmp/ff-tmp-1", "-no-remote", "-new-instance"},
		BrowserArgs("/tmp/ff-tmp-1", ""))
	assert.Equal(t,
		[]string{"-profile", "/tmp/ff-tmp-1", "-no-remote", "-new-instance", "/tmp/ff-tmp-1/ublock.temp.xpi"},
		BrowserArgs("/tmp/ff-tmp-1", "/tmp/ff-tmp-1/ublock.temp.xpi"))
}

func TestRunAttached_TeardownOnceForAnyExitCode(t *testing.T) {
	for _, code := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("exit %d", code), func(t *testing.T) {
			argsFile := filepath.Join(t.TempDir(), "args")
			browser := writeScript(t, `for a in "$@"; do echo "$a" >> "`+argsFile+`"; done
exit `+strconv.Itoa(code))

			teardowns := 0
			l := New()
			exitCode, err := l.RunAttached(context.Background(), Session{
				ProfileDir:    "/tmp/ff-tmp-profile",
				BrowserPath:   browser,
				ExtensionPath: "/tmp/ff-tmp-profile/ublock.temp.xpi",
			}, func() { teardowns++ })

			require.NoError(t, err)
			assert.Equal(t, code, exitCode)
			assert.Equal(t, 1, teardowns)
			assert.Equal(t, StateClosed, l.State())
			assert.Equal(t,
				[]string{"-profile", "/tmp/ff-tmp-profile", "-no-remote", "-new-instance", "/tmp/ff-tmp-profile/ublock.temp.xpi"},
				readLines(t, argsFile))
		})
	}
}

func TestRunAttached_SpawnFailure(t *testing.T) {
	teardowns := 0
	l := New()

	_, err := l.RunAttached(context.Background(), Session{
		ProfileDir:  t.TempDir(),
		BrowserPath: filepath.Join(t.TempDir(), "no-such-firefox"),
	}, func() { teardowns++ })

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawn)
	assert.Equal(t, 1, teardowns, "teardown must run when the browser never started")
	assert.Equal(t, StateClosed, l.State())
}

func TestRunAttached_TeardownAfterExit(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "exited")
	browser := writeScript(t, `sleep 0.2; touch "`+marker+`"`)

	var sawMarker bool
	_, err := New().RunAttached(context.Background(), Session{ProfileDir: "/p", BrowserPath: browser}, func() {
		_, statErr := os.Stat(marker)
		sawMarker = statErr == nil
	})
	require.NoError(t, err)
	assert.True(t, sawMarker, "teardown ran before the browser exited")
}

func TestRunAttached_CancelInterruptsBrowser(t *testing.T) {
	browser := writeScript(t, `trap 'exit 0' INT
while :; do sleep 0.05; done`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	logger := &recordingLogger{}
	teardowns := 0
	start := time.Now()
	_, err := New(WithWaitDelay(2*time.Second), WithLogger(logger)).
		RunAttached(ctx, Session{ProfileDir: "/p", BrowserPath: browser}, func() { teardowns++ })

	require.NoError(t, err)
	assert.Equal(t, 1, teardowns)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Contains(t, logger.lines, "session interrupted: %v")
}

func TestRunAttached_CapturesOutput(t *testing.T) {
	browser := writeScript(t, `echo out; echo err >&2`)
	var stdout, stderr strings.Builder

	_, err := New(WithOutput(&stdout, &stderr)).
		RunAttached(context.Background(), Session{ProfileDir: "/p", BrowserPath: browser}, nil)
	require.NoError(t, err)
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())
}

func TestDetach_ReturnsWithoutWaiting(t *testing.T) {
	out := filepath.Join(t.TempDir(), "handoff-args")
	child := writeScript(t, `for a in "$@"; do echo "$a" >> "`+out+`.partial"; done
mv "`+out+`.partial" "`+out+`"
sleep 2`)

	l := New(WithExecutable(func() (string, error) { return child, nil }))
	h := Handoff{ProfileDir: "/tmp/ff-tmp-x", BrowserPath: "/usr/bin/firefox", ExtensionPath: "/tmp/ff-tmp-x/ublock.temp.xpi"}

	start := time.Now()
	pid, err := l.Detach(h)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "Detach must not wait for the child")
	assert.Positive(t, pid)
	assert.Equal(t, StateReleased, l.State())

	require.Eventually(t, func() bool {
		_, statErr := os.Stat(out)
		return statErr == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, h.Args(), readLines(t, out))
}

func TestDetach_SpawnFailure(t *testing.T) {
	l := New(WithExecutable(func() (string, error) {
		return filepath.Join(t.TempDir(), "missing"), nil
	}))

	_, err := l.Detach(Handoff{ProfileDir: "/p", BrowserPath: "/b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawn)
	assert.Equal(t, StateIdle, l.State())
}

func TestDetach_ExecutableLookupFailure(t *testing.T) {
	l := New(WithExecutable(func() (string, error) {
		return "", os.ErrNotExist
	}))

	_, err := l.Detach(Handoff{ProfileDir: "/p", BrowserPath: "/b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestModeAndStateStrings(t *testing.T) {
	assert.Equal(t, "attached", ModeAttached.String())
	assert.Equal(t, "detached", ModeDetached.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "released", StateReleased.String())
	assert.Equal(t, "State(42)", State(42).String())
}
