// Package logging holds small helpers around pslog shared by every subsystem.
package logging

import (
	"context"
	"io"
	"sync"

	"pkt.systems/pslog"
)

var (
	noOnce   sync.Once
	noLogger pslog.Logger
)

// NoopLogger returns a disabled pslog.Logger that discards all entries.
func NoopLogger() pslog.Logger {
	noOnce.Do(func() {
		noLogger = pslog.NewWithOptions(context.Background(), io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noLogger
}

// Ensure returns l when non-nil, otherwise it returns a disabled logger.
func Ensure(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// Subsystem returns l tagged with the supplied subsystem name.
func Subsystem(l pslog.Logger, sys string) pslog.Logger {
	return Ensure(l).With("sys", sys)
}
