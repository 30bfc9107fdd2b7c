// Package logging configures the process-wide standard logger and adds
// a level gate for debug chatter (framing noise, per-tick diagnostics)
// that would otherwise drown the journal on a misbehaving serial link.
//
// Info-and-above logging stays plain log.Printf throughout the
// codebase; only Debugf is gated here. The level comes from the
// -log_level flag or, taking precedence, the OPENSLEEP_LOG environment
// variable.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var minLevel = LevelInfo

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
}

// Setup applies the log level (OPENSLEEP_LOG overrides the argument)
// and, if logFile is non-empty, duplicates output there in addition to
// stderr. Call once, before any goroutine starts logging.
func Setup(level, logFile string) error {
	if env := os.Getenv("OPENSLEEP_LOG"); env != "" {
		level = env
	}
	if level != "" {
		l, err := ParseLevel(level)
		if err != nil {
			return err
		}
		minLevel = l
	}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("logging: open %s: %w", logFile, err)
		}
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}
	return nil
}

// Debugf logs only when the configured level is debug.
func Debugf(format string, args ...interface{}) {
	if minLevel > LevelDebug {
		return
	}
	log.Printf(format, args...)
}
