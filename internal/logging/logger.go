// Package logging provides structured logging for capturesync.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Logger provides structured JSON logging on top of logrus.
type Logger struct {
	entry *logrus.Logger
}

// Options configures the global logger.
type Options struct {
	Level LogLevel
	// File enables rotating file output; empty means stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Text switches to the human readable formatter.
	Text bool
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
	mu     sync.RWMutex
)

// ParseLevel converts a case-insensitive level name into a LogLevel.
// Unknown names fall back to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// New creates a Logger writing JSON lines to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(minLevel.logrus())
	l.SetFormatter(&logrus.JSONFormatter{})
	return &Logger{entry: l}
}

// NewWithOptions creates a Logger from Options. A non-empty File is
// rotated by lumberjack.
func NewWithOptions(opts Options) *Logger {
	var out io.Writer = os.Stdout
	if opts.File != "" {
		out = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
	}
	l := New(out, opts.Level)
	if opts.Text {
		l.entry.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

// Init initializes the global logger. Only the first call has an effect.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		mu.Lock()
		global = New(out, minLevel)
		mu.Unlock()
	})
}

// SetGlobal replaces the global logger unconditionally.
func SetGlobal(l *Logger) {
	mu.Lock()
	global = l
	mu.Unlock()
}

// Get returns the global logger instance.
func Get() *Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l == nil {
		Init(os.Stdout, LevelInfo)
		mu.RLock()
		l = global
		mu.RUnlock()
	}
	return l
}

// Logrus exposes the underlying logrus logger for libraries that accept one.
func (l *Logger) Logrus() *logrus.Logger {
	return l.entry
}

func (l *Logger) with(err error, context []map[string]interface{}) *logrus.Entry {
	e := logrus.NewEntry(l.entry)
	if fields := mergeContext(context...); len(fields) > 0 {
		e = e.WithFields(logrus.Fields(fields))
	}
	if err != nil {
		e = e.WithError(err)
	}
	return e
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.with(nil, context).Debug(message)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.with(nil, context).Info(message)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.with(nil, context).Warn(message)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.with(err, context).Error(message)
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	l.with(err, context).WithField("code", code).Error(message)
}

// mergeContext merges multiple context maps; later keys win.
func mergeContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

type contextKey struct{}

// WithLogger stores l in ctx.
func WithLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the logger stored in ctx, or the global logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(contextKey{}).(*Logger); ok && l != nil {
		return l
	}
	return Get()
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
