// Package launcher starts the browser against an ephemeral profile, either
// attached (wait for it to exit, then tear down) or detached (hand the session
// to an independent background process and let go of it).
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrSpawn marks a browser or handoff process that could not be started.
var ErrSpawn = errors.New("launcher: failed to start process")

// DefaultWaitDelay is how long an interrupted browser gets to exit before it
// is killed.
const DefaultWaitDelay = 10 * time.Second

// Mode selects how a session is run.
type Mode int

const (
	// ModeAttached waits for the browser and cleans up afterwards.
	ModeAttached Mode = iota
	// ModeDetached hands the session to a background process.
	ModeDetached
)

func (m Mode) String() string {
	switch m {
	case ModeAttached:
		return "attached"
	case ModeDetached:
		return "detached"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// State is the launcher's position in the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateSpawning
	StateRunning
	StateClosed
	StateLaunched
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	case StateLaunched:
		return "launched"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is what the browser is started against.
type Session struct {
	ProfileDir    string
	BrowserPath   string
	ExtensionPath string
}

// Logger is the subset of logging.Logger the launcher uses.
type Logger interface {
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
}

// BrowserArgs returns the Firefox arguments for a session: an explicit
// profile, no remote reuse of a running instance, a new instance, and the
// extension package as a trailing argument when there is one.
func BrowserArgs(profileDir, extensionPath string) []string {
	args := []string{"-profile", profileDir, "-no-remote", "-new-instance"}
	if extensionPath != "" {
		args = append(args, extensionPath)
	}
	return args
}

// Launcher spawns browser and handoff processes.
type Launcher struct {
	stdout     io.Writer
	stderr     io.Writer
	waitDelay  time.Duration
	executable func() (string, error)
	environ    func() []string
	logger     Logger

	mu    sync.Mutex
	state State
}

// Option customizes a Launcher.
type Option func(*Launcher)

// WithOutput sends the browser's stdout and stderr to w. By default they go to
// the null device.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(l *Launcher) {
		l.stdout = stdout
		l.stderr = stderr
	}
}

// WithWaitDelay sets the grace period between interrupting and killing the
// browser on cancellation.
func WithWaitDelay(d time.Duration) Option {
	return func(l *Launcher) {
		l.waitDelay = d
	}
}

// WithExecutable overrides how the handoff process's executable is found.
func WithExecutable(fn func() (string, error)) Option {
	return func(l *Launcher) {
		l.executable = fn
	}
}

// WithEnviron overrides the environment passed to spawned processes.
func WithEnviron(fn func() []string) Option {
	return func(l *Launcher) {
		l.environ = fn
	}
}

// WithLogger records lifecycle transitions.
func WithLogger(logger Logger) Option {
	return func(l *Launcher) {
		l.logger = logger
	}
}

// New creates a Launcher.
func New(opts ...Option) *Launcher {
	l := &Launcher{
		waitDelay:  DefaultWaitDelay,
		executable: os.Executable,
		environ:    os.Environ,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current lifecycle state.
func (l *Launcher) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Launcher) transition(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.infof("launcher state=%s", s)
}

// RunAttached starts the browser and blocks until it exits. Any exit code is a
// normal end of the session; only a failure to start is an error. teardown, if
// non-nil, runs exactly once after the browser is gone, including when it
// never started.
//
// Cancelling ctx interrupts the browser and waits up to the wait delay before
// killing it, so teardown still runs on SIGINT/SIGTERM.
func (l *Launcher) RunAttached(ctx context.Context, s Session, teardown func()) (exitCode int, err error) {
	if teardown != nil {
		defer teardown()
	}
	defer l.transition(StateClosed)

	l.transition(StateSpawning)

	cmd := exec.CommandContext(ctx, s.BrowserPath, BrowserArgs(s.ProfileDir, s.ExtensionPath)...)
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr
	cmd.Env = l.environ()
	cmd.WaitDelay = l.waitDelay
	cmd.Cancel = func() error {
		return interrupt(cmd.Process)
	}
	setProcessGroup(cmd)

	l.infof("Starting Firefox")
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("%w: %s: %v", ErrSpawn, s.BrowserPath, err)
	}
	l.transition(StateRunning)

	waitErr := cmd.Wait()
	exitCode = -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		l.infof("Firefox exited code=%d", exitCode)
	default:
		l.warnf("Firefox wait: %v", waitErr)
	}
	if ctx.Err() != nil {
		l.warnf("session interrupted: %v", ctx.Err())
	}

	l.infof("Firefox has closed")
	return exitCode, nil
}

// Detach starts the handoff process in its own session, with no terminal and
// no inherited stdio, and releases it: the caller keeps no handle, does not
// wait, and never learns its exit status. The child owns the profile
// directory from here on.
func (l *Launcher) Detach(h Handoff) (pid int, err error) {
	l.transition(StateSpawning)

	exe, err := l.executable()
	if err != nil {
		l.transition(StateIdle)
		return 0, fmt.Errorf("%w: locate executable: %v", ErrSpawn, err)
	}

	cmd := exec.Command(exe, h.Args()...)
	cmd.Env = l.environ()
	setDetached(cmd)

	if err := cmd.Start(); err != nil {
		l.transition(StateIdle)
		return 0, fmt.Errorf("%w: %s: %v", ErrSpawn, exe, err)
	}
	pid = cmd.Process.Pid
	l.transition(StateLaunched)
	l.infof("handed off session pid=%d profile=%q", pid, h.ProfileDir)

	if err := cmd.Process.Release(); err != nil {
		l.warnf("release pid=%d: %v", pid, err)
	}
	l.transition(StateReleased)
	return pid, nil
}

func (l *Launcher) infof(format string, v ...interface{}) {
	if l.logger != nil {
		l.logger.Infof(format, v...)
	}
}

func (l *Launcher) warnf(format string, v ...interface{}) {
	if l.logger != nil {
		l.logger.Warnf(format, v...)
	}
}
