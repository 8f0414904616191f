// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package build

import (
	"os"
	"sync"

	"github.com/btcsuite/btclog"
)

// LogType is an indicating the type of logging specified by the build flag.
type LogType byte

const (
	// LogTypeNone indicates no logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut all logging is written directly to stdout.
	LogTypeStdOut

	// LogTypeDefault logs through the backend handed to NewSubLogger.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

// stdoutBackend is shared by the stdout sub-loggers of a test binary so
// their lines don't interleave.
var (
	stdoutOnce    sync.Once
	stdoutBackend *btclog.Backend
)

// stdoutLogger returns a logger for subsystem writing to stdout at the
// level selected by the loglevel build tags.
func stdoutLogger(subsystem string) btclog.Logger {
	stdoutOnce.Do(func() {
		stdoutBackend = btclog.NewBackend(os.Stdout)
	})

	logger := stdoutBackend.Logger(subsystem)
	level, ok := btclog.LevelFromString(LogLevel)
	if !ok {
		level = btclog.LevelInfo
	}
	logger.SetLevel(level)

	return logger
}

// NewSubLogger returns the logger a package starts with. Production builds
// and dev builds with the default logging type use genSubLogger, a nil one
// leaving logging disabled until the daemon calls the package's UseLogger.
// Dev builds tagged stdlog log to stdout, which unit tests rely on.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if Deployment == Development {
		switch LoggingType {
		case LogTypeNone:
			return btclog.Disabled

		case LogTypeStdOut:
			return stdoutLogger(subsystem)
		}
	}

	if genSubLogger == nil {
		return btclog.Disabled
	}

	return genSubLogger(subsystem)
}
