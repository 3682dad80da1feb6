package launcher

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

// HandoffFlag is the first argument of every handoff invocation.
const HandoffFlag = "--handoff"

// ErrInvalidHandoff marks handoff arguments that cannot be run.
var ErrInvalidHandoff = errors.New("launcher: invalid handoff arguments")

// Handoff is everything a detached process needs to run a session that its
// parent already prepared. It travels as command-line arguments; the two
// processes share no other state.
type Handoff struct {
	ProfileDir    string
	BrowserPath   string
	ExtensionPath string
	ConfigPath    string
}

// Args serializes h for the handoff process.
func (h Handoff) Args() []string {
	args := []string{
		HandoffFlag,
		"--profile-dir", h.ProfileDir,
		"--browser-path", h.BrowserPath,
	}
	if h.ExtensionPath != "" {
		args = append(args, "--extension", h.ExtensionPath)
	}
	if h.ConfigPath != "" {
		args = append(args, "--config", h.ConfigPath)
	}
	return args
}

// IsHandoff reports whether args (without the program name) start a handoff
// run rather than a normal one.
func IsHandoff(args []string) bool {
	return len(args) > 0 && args[0] == HandoffFlag
}

// ParseHandoff reads arguments produced by Handoff.Args.
func ParseHandoff(args []string) (Handoff, error) {
	var h Handoff
	var marker bool

	fs := pflag.NewFlagSet("handoff", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVar(&marker, "handoff", false, "run a session prepared by a detached parent")
	fs.StringVar(&h.ProfileDir, "profile-dir", "", "profile directory to run and delete")
	fs.StringVar(&h.BrowserPath, "browser-path", "", "browser executable")
	fs.StringVar(&h.ExtensionPath, "extension", "", "extension package to install")
	fs.StringVar(&h.ConfigPath, "config", "", "configuration file")

	if err := fs.Parse(args); err != nil {
		return Handoff{}, fmt.Errorf("%w: %v", ErrInvalidHandoff, err)
	}
	if !marker {
		return Handoff{}, fmt.Errorf("%w: missing %s", ErrInvalidHandoff, HandoffFlag)
	}
	if fs.NArg() > 0 {
		return Handoff{}, fmt.Errorf("%w: unexpected arguments %q", ErrInvalidHandoff, fs.Args())
	}
	if h.ProfileDir == "" {
		return Handoff{}, fmt.Errorf("%w: --profile-dir is required", ErrInvalidHandoff)
	}
	if h.BrowserPath == "" {
		return Handoff{}, fmt.Errorf("%w: --browser-path is required", ErrInvalidHandoff)
	}
	return h, nil
}
