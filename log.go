package rkflash

import (
	"log/slog"
	"os"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

const (
	ComponentIdentify Component = "identify"
	ComponentChannel  Component = "channel"
	ComponentLoader   Component = "loader"
	ComponentStorage  Component = "storage"
	ComponentSPI      Component = "spi"
	ComponentImage    Component = "image"
	ComponentRecovery Component = "recovery"
)

var (
	defaultLogger *slog.Logger
	logLevel      = new(slog.LevelVar)
	logMutex      sync.RWMutex
)

func init() {
	logLevel.Set(slog.LevelWarn)
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// SetLogLevel sets the minimum level of the default logger.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLogger replaces the default logger. Operations given WithLogger use
// that logger instead.
func SetLogger(logger *slog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	defaultLogger = logger
}

func currentLogger() *slog.Logger {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return defaultLogger
}

// logger is a component-tagged view of the configured slog.Logger.
type logger struct {
	l *slog.Logger
}

func newLogger(l *slog.Logger, component Component) logger {
	if l == nil {
		l = currentLogger()
	}
	return logger{l: l.With("component", string(component))}
}

func (l logger) debug(msg string, args ...any) { l.l.Debug(msg, args...) }
func (l logger) info(msg string, args ...any)  { l.l.Info(msg, args...) }
func (l logger) warn(msg string, args ...any)  { l.l.Warn(msg, args...) }
func (l logger) error(msg string, args ...any) { l.l.Error(msg, args...) }
