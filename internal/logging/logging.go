// Package logging builds the logger shared by kiln commands. It uses
// log/slog for output and hands components a logr.Logger bridged onto the
// same handler.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Options configures the logger behavior.
type Options struct {
	// Format is FormatText or FormatJSON. Defaults to text.
	Format string

	// Verbose lowers the level to debug, which shows logr V(1) and above.
	Verbose bool

	// Output defaults to stderr so command output on stdout stays clean.
	Output io.Writer
}

// Setup installs the slog default logger and returns the logr view of it.
func Setup(opts Options) (logr.Logger, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch opts.Format {
	case "", FormatText:
		handler = slog.NewTextHandler(out, hopts)
	case FormatJSON:
		handler = slog.NewJSONHandler(out, hopts)
	default:
		return logr.Discard(), fmt.Errorf("unknown log format %q (want %s or %s)", opts.Format, FormatText, FormatJSON)
	}

	slog.SetDefault(slog.New(handler))
	return logr.FromSlogHandler(handler), nil
}
