package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
)

// FilePrefix is the fixed prefix of every per-run log file name.
const FilePrefix = "ff-tmp-"

// Logger records session events for scratchfox.
// Every event is appended to a per-run file in the logs directory. Unless the
// logger belongs to a detached process, the same line is echoed to the console.
//
// All log methods write unconditionally. There is no level filtering.
type Logger struct {
	sessionID string
	detached  bool
	file      *os.File
	console   io.Writer
	mu        sync.Mutex
	logPath   string
	closeOnce sync.Once
	closed    bool
	now       func() time.Time
}

// Option customizes a Logger.
type Option func(*Logger)

// WithConsole replaces the console sink (stderr by default).
func WithConsole(w io.Writer) Option {
	return func(l *Logger) {
		l.console = w
	}
}

// WithSessionID sets the session ID instead of generating one.
func WithSessionID(id string) Option {
	return func(l *Logger) {
		l.sessionID = id
	}
}

// WithClock overrides the time source used for timestamps and the file name.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		l.now = now
	}
}

// DefaultDirectory returns ~/.scratchfox/logs.
func DefaultDirectory() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".scratchfox", "logs"), nil
}

// FileName returns the log file name for a run started at t.
// Colons are replaced because they are not valid in every filesystem.
func FileName(t time.Time) string {
	stamp := t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	return FilePrefix + strings.ReplaceAll(stamp, ":", "_") + ".log"
}

// NewLogger creates the logs directory if needed and opens a new log file in it.
// A detached logger never writes to the console: a backgrounded process that
// writes to a closed terminal gets EPIPE and dies.
func NewLogger(dir string, detached bool, opts ...Option) (*Logger, error) {
	l := &Logger{
		detached: detached,
		console:  os.Stderr,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sessionID == "" {
		l.sessionID = uuid.New().String()
	}

	if dir == "" {
		defaultDir, err := DefaultDirectory()
		if err != nil {
			return nil, err
		}
		dir = defaultDir
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(dir, FileName(l.now()))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l.file = file
	l.logPath = logPath

	l.Debugf("detached=%t", detached)
	return l, nil
}

var (
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	levelStyles    = map[string]lipgloss.Style{
		"DEBUG": lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")),
		"INFO":  lipgloss.NewStyle().Foreground(lipgloss.Color("#A8E6CF")),
		"WARN":  lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD580")),
		"ERROR": lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB3BA")).Bold(true),
	}
)

func (l *Logger) write(level, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	timestamp := l.now().Format("2006-01-02T15:04:05.000Z07:00")
	message := fmt.Sprintf(format, v...)

	// File first: the durable record must not depend on the console.
	fmt.Fprintf(l.file, "[%s] [%s] %s\n", timestamp, level, message)

	if l.detached || l.console == nil {
		return
	}
	fmt.Fprintf(l.console, "%s %s %s\n",
		timestampStyle.Render("["+timestamp+"]"),
		levelStyles[level].Render("["+level+"]"),
		message)
}

// Printf logs a formatted message at INFO level.
func (l *Logger) Printf(format string, v ...interface{}) {
	l.write("INFO", format, v...)
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.write("DEBUG", format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.write("INFO", format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.write("WARN", format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.write("ERROR", format, v...)
}

// Detached reports whether console output is suppressed.
func (l *Logger) Detached() bool {
	return l.detached
}

// SessionID returns the session ID stamped on this run.
func (l *Logger) SessionID() string {
	return l.sessionID
}

// Path returns the path to the log file
func (l *Logger) Path() string {
	return l.logPath
}

// Close syncs and closes the log file. Safe to call multiple times;
// writes after Close are dropped.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.closed = true
		if syncErr := l.file.Sync(); syncErr != nil {
			err = syncErr
		}
		if closeErr := l.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

// Done is Close without the error, for deferred use at the end of a run.
func (l *Logger) Done() {
	_ = l.Close()
}
