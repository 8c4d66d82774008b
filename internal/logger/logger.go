// Package logger provides the relay's process-wide structured logger, built
// on logrus. Level precedence mirrors the teacher's detection order:
// command-line flag > environment variable > default (info).
package logger

import (
	"errors"
	"flag"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// envLogLevel is the environment variable consulted when no flag is set.
const envLogLevel = "RELAY_LOG_LEVEL"

var (
	global   *logrus.Logger
	initOnce sync.Once

	// flagLevel mirrors -log.level; read even if flag.Parse() hasn't run yet.
	flagLevel = flag.String("log.level", "", "log level (debug, info, warn, error)")
)

// Init initializes the global logger. Safe to call multiple times; the
// first call wins except for SetLevel/UseWriter, which mutate state
// intentionally at any point.
func Init() {
	initOnce.Do(func() {
		global = logrus.New()
		global.SetFormatter(&logrus.JSONFormatter{})
		global.SetOutput(os.Stdout)
		global.SetLevel(detectLevel())
	})
}

// detectLevel resolves the initial log level (precedence high→low):
//  1. command-line flag -log.level
//  2. environment variable RELAY_LOG_LEVEL
//  3. default (info)
func detectLevel() logrus.Level {
	if *flagLevel == "" {
		for _, arg := range os.Args[1:] {
			if strings.HasPrefix(arg, "-log.level=") {
				parts := strings.SplitN(arg, "=", 2)
				if len(parts) == 2 {
					*flagLevel = parts[1]
				}
			}
		}
	}
	if lvl, ok := parseLevel(strings.TrimSpace(*flagLevel)); ok {
		return lvl
	}
	if env := os.Getenv(envLogLevel); env != "" {
		if lvl, ok := parseLevel(env); ok {
			return lvl
		}
	}
	return logrus.InfoLevel
}

func parseLevel(s string) (logrus.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logrus.DebugLevel, true
	case "info", "":
		return logrus.InfoLevel, true
	case "warn", "warning":
		return logrus.WarnLevel, true
	case "error", "err":
		return logrus.ErrorLevel, true
	}
	return 0, false
}

// SetLevel changes the runtime log level.
func SetLevel(level string) error {
	Init()
	lvl, ok := parseLevel(level)
	if !ok {
		return errors.New("invalid log level: " + level)
	}
	global.SetLevel(lvl)
	return nil
}

// Level returns the current runtime level as a string.
func Level() string {
	Init()
	return global.GetLevel().String()
}

// UseWriter swaps the output writer (intended for tests). Retains the
// current level.
func UseWriter(w io.Writer) {
	Init()
	global.SetOutput(w)
}

// Logger returns the global logger entry (ensures Init was called).
func Logger() *logrus.Entry {
	Init()
	return logrus.NewEntry(global)
}

// Convenience top-level logging functions.
func Debug(msg string, fields ...any) { withFields(fields...).Debug(msg) }
func Info(msg string, fields ...any)  { withFields(fields...).Info(msg) }
func Warn(msg string, fields ...any)  { withFields(fields...).Warn(msg) }
func Error(msg string, fields ...any) { withFields(fields...).Error(msg) }

// withFields converts a flat key,value,... slog-style argument list into a
// logrus.Fields set, preserving the call-site ergonomics of the teacher's
// slog-based helpers.
func withFields(kv ...any) *logrus.Entry {
	e := Logger()
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.WithField(key, kv[i+1])
	}
	return e
}

// WithProducer attaches producer + instance identity fields.
func WithProducer(l *logrus.Entry, producerID, instanceID string) *logrus.Entry {
	return l.WithFields(logrus.Fields{"producer_id": producerID, "instance_id": instanceID})
}

// WithViewer attaches viewer identity fields.
func WithViewer(l *logrus.Entry, viewerID, instanceID string) *logrus.Entry {
	return l.WithFields(logrus.Fields{"viewer_id": viewerID, "instance_id": instanceID})
}

// WithConn attaches raw connection identity fields, used before a session
// has classified itself as producer or viewer.
func WithConn(l *logrus.Entry, connID, remoteAddr string) *logrus.Entry {
	return l.WithFields(logrus.Fields{"conn_id": connID, "remote_addr": remoteAddr})
}

// WithCommand attaches command routing fields.
func WithCommand(l *logrus.Entry, commandID, producerID, kind string) *logrus.Entry {
	return l.WithFields(logrus.Fields{"command_id": commandID, "producer_id": producerID, "kind": kind})
}
