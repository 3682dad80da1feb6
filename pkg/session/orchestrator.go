// Package session composes the profile workspace, extension fetcher and
// browser launcher into one scratchfox run.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/scratchfox/scratchfox/pkg/config"
	"github.com/scratchfox/scratchfox/pkg/extension"
	"github.com/scratchfox/scratchfox/pkg/launcher"
)

// Workspace allocates and removes ephemeral profile directories.
type Workspace interface {
	Create() (string, error)
	Seed(dir string) error
	Claim(dir string, pid int) error
	Destroy(dir string) error
}

// Fetcher downloads the extension package into a directory.
type Fetcher interface {
	FetchLatest(ctx context.Context, destinationDir string) (*extension.Artifact, error)
}

// Launcher runs the browser attached or hands the session off.
type Launcher interface {
	RunAttached(ctx context.Context, s launcher.Session, teardown func()) (int, error)
	Detach(h launcher.Handoff) (int, error)
}

// Logger is the subset of logging.Logger the orchestrator uses.
type Logger interface {
	Infof(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

// Session is one browser run.
type Session struct {
	ID            string
	ProfileDir    string
	ExtensionPath string
	BrowserPath   string
	Mode          launcher.Mode
}

// Options are the per-run toggles.
type Options struct {
	BrowserPath   string
	SkipExtension bool
	Detached      bool

	// ConfigPath is forwarded to the handoff process.
	ConfigPath string

	// SessionID correlates log lines. A random one is generated when empty.
	SessionID string
}

// Result describes how a run ended.
type Result struct {
	Session Session

	// ExitCode is the browser's exit code. Only meaningful when attached.
	ExitCode int

	// DetachedPID is the pid of the handoff process. Zero when attached.
	DetachedPID int

	// TeardownErr is the error from removing the profile, if any. It never
	// replaces the run's own error.
	TeardownErr error
}

// Orchestrator sequences a run: workspace, extension, launch, teardown.
type Orchestrator struct {
	Workspace Workspace
	Fetcher   Fetcher
	Launcher  Launcher
	Logger    Logger

	// Getpid defaults to os.Getpid.
	Getpid func() int
}

// Run prepares a profile and launches the browser in the mode selected by
// opts.
//
// Attached runs block until the browser exits and then remove the profile
// exactly once, whatever the exit code. Detached runs return as soon as the
// handoff process has started; the profile then belongs to that process and
// is never removed here. A failure after the profile was created and before
// a successful handoff removes the profile.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (res Result, err error) {
	if strings.TrimSpace(opts.BrowserPath) == "" {
		return res, fmt.Errorf("%w: browser path is required (set %s)", config.ErrConfiguration, config.EnvBrowserPath)
	}

	res.Session = Session{
		ID:          opts.SessionID,
		BrowserPath: opts.BrowserPath,
		Mode:        launcher.ModeAttached,
	}
	if res.Session.ID == "" {
		res.Session.ID = uuid.NewString()
	}
	if opts.Detached {
		res.Session.Mode = launcher.ModeDetached
	}
	o.Logger.Infof("session=%s mode=%s firefoxPath=%q", res.Session.ID, res.Session.Mode, opts.BrowserPath)

	dir, err := o.Workspace.Create()
	if err != nil {
		return res, err
	}
	res.Session.ProfileDir = dir
	o.Logger.Infof("tmpProfileDir=%q", dir)

	teardown := o.teardownOnce(dir, &res)
	launched := false
	defer func() {
		if !launched {
			teardown()
		}
	}()

	if err := o.Workspace.Seed(dir); err != nil {
		return res, err
	}

	if opts.SkipExtension {
		o.Logger.Infof("adblock disabled, skipping extension download")
	} else {
		artifact, err := o.Fetcher.FetchLatest(ctx, dir)
		if err != nil {
			o.Logger.Errorf("extension download failed: %v", err)
			return res, err
		}
		res.Session.ExtensionPath = artifact.Path
		o.Logger.Infof("xpiOutDir=%q", artifact.Path)
	}

	if opts.Detached {
		pid, err := o.Launcher.Detach(launcher.Handoff{
			ProfileDir:    dir,
			BrowserPath:   opts.BrowserPath,
			ExtensionPath: res.Session.ExtensionPath,
			ConfigPath:    opts.ConfigPath,
		})
		if err != nil {
			return res, err
		}
		launched = true
		res.DetachedPID = pid
		o.Logger.Infof("handed off session pid=%d", pid)
		return res, nil
	}

	launched = true
	res.ExitCode, err = o.Launcher.RunAttached(ctx, launcher.Session{
		ProfileDir:    dir,
		BrowserPath:   opts.BrowserPath,
		ExtensionPath: res.Session.ExtensionPath,
	}, teardown)
	if err != nil {
		return res, err
	}
	o.Logger.Infof("session closed exitCode=%d", res.ExitCode)
	return res, nil
}

// RunHandoff is the entry point of the detached process. It takes ownership
// of the profile its parent prepared, runs the browser attached and removes
// the profile when the browser exits.
func (o *Orchestrator) RunHandoff(ctx context.Context, h launcher.Handoff) (res Result, err error) {
	res.Session = Session{
		ID:            uuid.NewString(),
		ProfileDir:    h.ProfileDir,
		ExtensionPath: h.ExtensionPath,
		BrowserPath:   h.BrowserPath,
		Mode:          launcher.ModeDetached,
	}
	o.Logger.Infof("session=%s handoff tmpProfileDir=%q firefoxPath=%q", res.Session.ID, h.ProfileDir, h.BrowserPath)

	teardown := o.teardownOnce(h.ProfileDir, &res)

	if err := o.Workspace.Claim(h.ProfileDir, o.getpid()); err != nil {
		teardown()
		return res, err
	}

	res.ExitCode, err = o.Launcher.RunAttached(ctx, launcher.Session{
		ProfileDir:    h.ProfileDir,
		BrowserPath:   h.BrowserPath,
		ExtensionPath: h.ExtensionPath,
	}, teardown)
	if err != nil {
		return res, err
	}
	o.Logger.Infof("session closed exitCode=%d", res.ExitCode)
	return res, nil
}

func (o *Orchestrator) teardownOnce(dir string, res *Result) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			o.Logger.Infof("Deleting firefox profile")
			if err := o.Workspace.Destroy(dir); err != nil {
				res.TeardownErr = err
				o.Logger.Errorf("teardown: %v", err)
			}
		})
	}
}

func (o *Orchestrator) getpid() int {
	if o.Getpid != nil {
		return o.Getpid()
	}
	return os.Getpid()
}

// ExitCode maps a run error to the process exit status: 0 for success, 1 for
// configuration errors and 2 for everything else.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, config.ErrConfiguration):
		return 1
	default:
		return 2
	}
}
