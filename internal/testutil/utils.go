package testutil

import (
	"io"
	"log/slog"
)

func Ptr[T any](v T) *T {
	return &v
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
