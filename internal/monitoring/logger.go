// Package monitoring holds the process-wide diagnostic logger.
//
// Packages log through Logf so that tests can mute or capture output with
// SetLogger. The default backend is a logrus logger with the nested
// formatter; Configure adds an optional rotating file sink.
package monitoring

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync/atomic"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is an alias so callers need not import logrus for structured dumps.
type Fields = logrus.Fields

var base = newBaseLogger(os.Stderr)

// Logf is the package-level diagnostic logger. It defaults to the logrus
// backend at info level but may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = defaultLogf

var debugEnabled atomic.Bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDebug toggles Debugf and WithFields output.
func SetDebug(on bool) { debugEnabled.Store(on) }

// DebugEnabled reports whether debug output is on.
func DebugEnabled() bool { return debugEnabled.Load() }

// Debugf logs through Logf only while debug output is enabled.
func Debugf(format string, v ...interface{}) {
	if !debugEnabled.Load() {
		return
	}
	Logf("[debug] "+format, v...)
}

// Debug emits a structured debug record on the logrus backend. It honours
// SetDebug rather than the logrus level so that the toggle can be flipped
// at runtime from the driver.
func Debug(fields Fields, msg string) {
	if !debugEnabled.Load() {
		return
	}
	base.WithFields(fields).Info(msg)
}

// Options configures the logrus backend.
type Options struct {
	// File enables a rotating log file in addition to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	NoColors   bool
	Level      string
}

// Configure rebuilds the logrus backend and points Logf at it. The returned
// closer flushes the rotating file, if any.
func Configure(opts Options) (io.Closer, error) {
	writers := []io.Writer{os.Stderr}
	var rotator *lumberjack.Logger
	if opts.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   opts.File,
			LocalTime:  true,
			Compress:   true,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 7),
		}
		writers = append(writers, rotator)
	}

	l := newBaseLogger(io.MultiWriter(writers...))
	if opts.NoColors {
		if f, ok := l.Formatter.(*formatter.Formatter); ok {
			f.NoColors = true
		}
	}
	if opts.Level != "" {
		lvl, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		l.SetLevel(lvl)
	}
	base = l
	Logf = defaultLogf

	if rotator == nil {
		return nopCloser{}, nil
	}
	return rotator, nil
}

// Logger exposes the logrus backend for components that want leveled output.
func Logger() *logrus.Logger { return base }

func defaultLogf(format string, v ...interface{}) {
	base.Info(strings.TrimRight(fmt.Sprintf(format, v...), "\n"))
}

func newBaseLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&formatter.Formatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
		HideKeys:        false,
		CallerFirst:     true,
		CustomCallerFormatter: func(f *runtime.Frame) string {
			s := strings.Split(f.Function, ".")
			return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, s[len(s)-1])
		},
	})
	return l
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
