// Package logging wraps zerolog with file rotation and a process-global
// logger shared by all gateway components.
package logging

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	Level      string
	File       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Console    bool
}

// Logger wraps zerolog with configuration.
type Logger struct {
	logger zerolog.Logger
	config *Config
	file   io.WriteCloser
}

var globalLogger *Logger

// Initialize sets up the global logger.
func Initialize(cfg *Config) error {
	globalLogger = &Logger{
		config: cfg,
	}
	return globalLogger.configure()
}

// GetLogger returns the global logger instance, creating a console-only
// default if Initialize was never called.
func GetLogger() *Logger {
	if globalLogger == nil {
		globalLogger = &Logger{
			config: &Config{
				Level:   "info",
				Console: true,
			},
		}
		globalLogger.configure()
	}
	return globalLogger
}

func (l *Logger) configure() error {
	level, err := zerolog.ParseLevel(strings.ToLower(l.config.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var writers []io.Writer

	if l.config.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	if l.config.File != "" {
		if l.file != nil {
			l.file.Close()
		}
		rotator := &lumberjack.Logger{
			Filename:   l.config.File,
			MaxSize:    l.config.MaxSize,
			MaxBackups: l.config.MaxBackups,
			MaxAge:     l.config.MaxAge,
			Compress:   true,
		}
		l.file = rotator
		writers = append(writers, rotator)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	l.logger = zerolog.New(writer).With().Timestamp().Logger()
	log.Logger = l.logger

	return nil
}

// Close closes any open log file handle.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	l.logger.Debug().Msgf(format, v...)
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.logger.Info().Msgf(format, v...)
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.logger.Warn().Msgf(format, v...)
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.logger.Error().Msgf(format, v...)
}

func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.logger.Fatal().Msgf(format, v...)
}

// Component returns a logger tagged with a component name. Workers and
// long-lived subsystems hold one of these instead of the global logger.
func (l *Logger) Component(name string) *zerolog.Logger {
	logger := l.logger.With().Str("component", name).Logger()
	return &logger
}

// WithField returns a logger with a single extra field.
func (l *Logger) WithField(key string, value interface{}) *zerolog.Logger {
	logger := l.logger.With().Interface(key, value).Logger()
	return &logger
}

// WithError returns a logger with an error field.
func (l *Logger) WithError(err error) *zerolog.Logger {
	logger := l.logger.With().Err(err).Logger()
	return &logger
}

// Package-level convenience functions.

func Debugf(format string, v ...interface{}) {
	GetLogger().Debugf(format, v...)
}

func Infof(format string, v ...interface{}) {
	GetLogger().Infof(format, v...)
}

func Warnf(format string, v ...interface{}) {
	GetLogger().Warnf(format, v...)
}

func Errorf(format string, v ...interface{}) {
	GetLogger().Errorf(format, v...)
}

func Fatalf(format string, v ...interface{}) {
	GetLogger().Fatalf(format, v...)
}

func Component(name string) *zerolog.Logger {
	return GetLogger().Component(name)
}

func WithField(key string, value interface{}) *zerolog.Logger {
	return GetLogger().WithField(key, value)
}

func WithError(err error) *zerolog.Logger {
	return GetLogger().WithError(err)
}

// debugWriter forwards raw line output into a zerolog logger at debug
// level. It backs the stdlib loggers handed to libraries that only accept
// *log.Logger.
type debugWriter struct {
	logger *zerolog.Logger
}

func (w debugWriter) Write(p []byte) (int, error) {
	w.logger.Debug().Msg(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// TraceLogger returns a stdlib logger whose output lands in the global
// log at debug level, tagged with the given component. Used for AT
// command tracing.
func TraceLogger(component string) *stdlog.Logger {
	return stdlog.New(debugWriter{logger: Component(component)}, "", 0)
}

// Println implements a log.Println compatible interface.
func Println(v ...interface{}) {
	GetLogger().Infof("%s", fmt.Sprint(v...))
}
