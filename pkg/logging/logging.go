// Package logging builds the slog loggers used by the commands and
// long-running components.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Options describes logger construction parameters.
type Options struct {
	// Level is debug, info, warn or error; empty means info
	Level string

	// Format is console or json; empty picks console on a terminal and
	// json otherwise
	Format string

	// Output defaults to stderr
	Output io.Writer
}

// New constructs a slog logger from opts.
func New(opts Options) (*slog.Logger, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "json"
		if IsTerminal(out) {
			format = "console"
		}
	}

	switch format {
	case "console", "text":
		return slog.New(slog.NewTextHandler(out, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(out, handlerOpts)), nil
	}
	return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
}

// ParseLevel maps a level name onto slog levels. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// OrDefault returns logger, or slog.Default when it is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Progress prints one dot per step and a running count every Every steps.
// It stays silent when its writer is not a terminal unless Force is set.
type Progress struct {
	Every int
	Force bool

	mu    sync.Mutex
	out   io.Writer
	count int
}

// NewProgress writes progress marks to out.
func NewProgress(out io.Writer) *Progress {
	return &Progress{Every: 100, out: out}
}

// Tick records one completed step.
func (p *Progress) Tick() {
	if p == nil || p.out == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.count++
	if !p.Force && !IsTerminal(p.out) {
		return
	}
	fmt.Fprint(p.out, ".")
	if p.Every > 0 && p.count%p.Every == 0 {
		fmt.Fprintln(p.out, p.count)
	}
}

// Done ends the current line and resets the count.
func (p *Progress) Done() {
	if p == nil || p.out == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count > 0 && (p.Force || IsTerminal(p.out)) {
		fmt.Fprintln(p.out)
	}
	p.count = 0
}

// Count returns the number of ticks since the last Done.
func (p *Progress) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}
