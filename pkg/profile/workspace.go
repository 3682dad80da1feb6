// Package profile owns the lifecycle of ephemeral browser profile directories:
// creation under the system temp root, seeding with a fixed preference overlay,
// and removal.
//
// A Workspace is the only component that deletes a profile directory. Each
// directory carries an owner marker naming the process responsible for it, so
// directories leaked by a killed process can later be recognized and pruned.
package profile

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

const (
	// DefaultPrefix names every ephemeral profile directory.
	DefaultPrefix = "ff-tmp-"

	// SeedFileName is the overlay's name inside the profile.
	SeedFileName = "user.js"

	// OwnerFileName records the pid of the process that owns the directory.
	OwnerFileName = ".scratchfox-owner"

	// DefaultPruneGrace is how old a directory must be before Prune considers
	// it. It covers a detached handoff, where the parent exits before the
	// child has claimed the directory.
	DefaultPruneGrace = time.Minute
)

// ErrIO marks a failed filesystem operation on a profile directory.
var ErrIO = errors.New("profile: filesystem operation failed")

//go:embed user.js
var defaultSeed []byte

// Logger is the subset of logging.Logger the workspace uses.
type Logger interface {
	Infof(format string, v ...interface{})
}

// Workspace creates, seeds and destroys ephemeral profile directories.
type Workspace struct {
	tempRoot string
	prefix   string
	seedPath string
	logger   Logger
	grace    time.Duration
	now      func() time.Time
}

// Option customizes a Workspace.
type Option func(*Workspace)

// WithTempRoot places profiles under root instead of os.TempDir().
func WithTempRoot(root string) Option {
	return func(w *Workspace) {
		w.tempRoot = root
	}
}

// WithPrefix sets the directory name prefix.
func WithPrefix(prefix string) Option {
	return func(w *Workspace) {
		if prefix != "" {
			w.prefix = prefix
		}
	}
}

// WithSeed replaces the built-in user.js overlay with the file at path.
func WithSeed(path string) Option {
	return func(w *Workspace) {
		w.seedPath = path
	}
}

// WithPruneGrace sets the minimum age of a directory Prune may remove.
func WithPruneGrace(d time.Duration) Option {
	return func(w *Workspace) {
		w.grace = d
	}
}

// WithLogger records workspace operations.
func WithLogger(l Logger) Option {
	return func(w *Workspace) {
		w.logger = l
	}
}

// NewWorkspace creates a workspace rooted at the system temp directory.
func NewWorkspace(opts ...Option) *Workspace {
	w := &Workspace{
		tempRoot: os.TempDir(),
		prefix:   DefaultPrefix,
		grace:    DefaultPruneGrace,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Root returns the temp root with symlinks resolved.
func (w *Workspace) Root() (string, error) {
	root, err := filepath.EvalSymlinks(w.tempRoot)
	if err != nil {
		return "", fmt.Errorf("%w: resolve temp root %s: %v", ErrIO, w.tempRoot, err)
	}
	return filepath.Abs(root)
}

// Create allocates a uniquely named directory under the resolved temp root and
// marks the calling process as its owner.
func (w *Workspace) Create() (string, error) {
	root, err := w.Root()
	if err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp(root, w.prefix)
	if err != nil {
		return "", fmt.Errorf("%w: create profile directory: %v", ErrIO, err)
	}

	if err := w.Claim(dir, os.Getpid()); err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	w.infof("created profile dir=%q", dir)
	return dir, nil
}

// Seed copies the preference overlay into dir. Seeding again rewrites the same
// bytes.
func (w *Workspace) Seed(dir string) error {
	seed := defaultSeed
	if w.seedPath != "" {
		data, err := os.ReadFile(w.seedPath)
		if err != nil {
			return fmt.Errorf("%w: read seed %s: %v", ErrIO, w.seedPath, err)
		}
		seed = data
	}

	target := filepath.Join(dir, SeedFileName)
	if err := os.WriteFile(target, seed, 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrIO, target, err)
	}
	return nil
}

// Claim records pid as the process responsible for deleting dir.
func (w *Workspace) Claim(dir string, pid int) error {
	target := filepath.Join(dir, OwnerFileName)
	if err := os.WriteFile(target, []byte(strconv.Itoa(pid)+"\n"), 0600); err != nil {
		return fmt.Errorf("%w: write owner marker: %v", ErrIO, err)
	}
	return nil
}

// Owner returns the pid recorded in dir's owner marker.
func (w *Workspace) Owner(dir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, OwnerFileName))
	if err != nil {
		return 0, fmt.Errorf("%w: read owner marker: %v", ErrIO, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: malformed owner marker in %s", ErrIO, dir)
	}
	return pid, nil
}

// Destroy recursively removes dir. It refuses to touch anything that is not a
// profile directory of this workspace.
func (w *Workspace) Destroy(dir string) error {
	if err := w.checkManaged(dir); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrIO, dir, err)
	}
	w.infof("deleted profile dir=%q", dir)
	return nil
}

// Prune removes profile directories left behind by processes that no longer
// exist, returning the removed paths. Directories whose owner is alive, that
// belong to the calling process, or that were modified within the grace
// period are kept.
func (w *Workspace) Prune() ([]string, error) {
	root, err := w.Root()
	if err != nil {
		return nil, err
	}

	matcher, err := glob.Compile(glob.QuoteMeta(w.prefix) + "*")
	if err != nil {
		return nil, fmt.Errorf("invalid profile prefix %q: %w", w.prefix, err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrIO, root, err)
	}

	var removed []string
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || !matcher.Match(entry.Name()) {
			continue
		}
		dir := filepath.Join(root, entry.Name())

		info, infoErr := entry.Info()
		if infoErr != nil || w.now().Sub(info.ModTime()) < w.grace {
			continue
		}

		if pid, ownerErr := w.Owner(dir); ownerErr == nil {
			if pid == os.Getpid() || processAlive(pid) {
				continue
			}
		}

		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("%w: remove %s: %v", ErrIO, dir, err))
			continue
		}
		w.infof("pruned stale profile dir=%q", dir)
		removed = append(removed, dir)
	}

	return removed, errors.Join(errs...)
}

func (w *Workspace) checkManaged(dir string) error {
	root, err := w.Root()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrIO, dir, err)
	}
	if filepath.Dir(abs) != root || !strings.HasPrefix(filepath.Base(abs), w.prefix) {
		return fmt.Errorf("%w: %s is not a profile directory under %s", ErrIO, dir, root)
	}
	return nil
}

func (w *Workspace) infof(format string, v ...interface{}) {
	if w.logger != nil {
		w.logger.Infof(format, v...)
	}
}
