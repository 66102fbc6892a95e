package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog.Logger tagged with the given component name.
// The name only attributes log output; it carries no behavior.
func New(component string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("component", component)
}
