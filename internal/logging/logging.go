// Package logging builds the process logger: a console handler on stderr and
// an optional rotating JSON file under the data directory.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the rotating log file inside the log directory.
const FileName = "bridge.log"

type Options struct {
	Level      string
	File       bool
	Dir        string // log directory, required when File is set
	MaxSizeMB  int
	MaxBackups int
	Console    io.Writer // defaults to os.Stderr
}

// ParseLevel maps a config level name to a slog level. Unknown names are INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns the logger and a closer for the file sink. The closer is a
// no-op when file logging is disabled.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handlers []slog.Handler
	if isTerminal(console) {
		handlers = append(handlers, slog.NewTextHandler(console, hopts))
	} else {
		handlers = append(handlers, slog.NewJSONHandler(console, hopts))
	}

	var closer io.Closer = nopCloser{}
	if opts.File {
		if opts.Dir == "" {
			return nil, nil, errors.New("log directory is required for file logging")
		}
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		sink := &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, FileName),
			MaxSize:    max(opts.MaxSizeMB, 1),
			MaxBackups: opts.MaxBackups,
		}
		handlers = append(handlers, slog.NewJSONHandler(sink, hopts))
		closer = sink
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
