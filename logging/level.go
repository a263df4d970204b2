// Package logging provides structured logging configuration for the
// kprobe engine: slog with a trace level below debug and per-component
// level filtering keyed on the "component" attribute.
package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// Level is a log level. Values match the slog constants for debug
// through error, with trace sitting below them.
type Level int

const (
	LevelTrace Level = -8
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

// ParseLevel parses trace, debug, info, warn or error, case
// insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error", "err":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %q", s)
	}
}

// ToSlog converts Level to slog.Level.
func (l Level) ToSlog() slog.Level { return slog.Level(l) }

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Spec is a parsed log specification: a default level plus per-component
// overrides, e.g. "warn,manager=debug,dispatch=trace".
type Spec struct {
	Default    Level
	Components map[string]Level
}

// ParseSpec parses a log specification. The empty string means info for
// everything. Entries are comma separated; a bare level sets the
// default, and component=level overrides one component.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{Default: LevelInfo, Components: make(map[string]Level)}
	if strings.TrimSpace(s) == "" {
		return spec, nil
	}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, levelStr, found := strings.Cut(entry, "=")
		if !found {
			level, err := ParseLevel(entry)
			if err != nil {
				return Spec{}, err
			}
			spec.Default = level
			continue
		}
		level, err := ParseLevel(levelStr)
		if err != nil {
			return Spec{}, fmt.Errorf("component %q: %w", name, err)
		}
		spec.Components[strings.TrimSpace(name)] = level
	}
	return spec, nil
}

// LevelFor returns the effective level for a component.
func (s *Spec) LevelFor(component string) Level {
	if level, ok := s.Components[component]; ok {
		return level
	}
	return s.Default
}
