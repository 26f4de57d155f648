// Package svcfields centralizes the structured logging field conventions
// shared across the module.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every log entry with the emitting subsystem.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem joins the non-empty parts into a dot-delimited subsystem path.
func Subsystem(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, ".")
}

// WithSubsystem returns a logger whose entries carry the subsystem field.
// A nil logger degrades to the noop logger and an empty subsystem leaves
// the logger untouched.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
