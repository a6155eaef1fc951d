// Package logger provides structured, build-scoped logging for buildflow
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger interface for abstracted logging
type Logger interface {
	Info(message string, fields ...Field)
	Error(message string, fields ...Field)
	Warn(message string, fields ...Field)
	Debug(message string, fields ...Field)
	Success(message string, fields ...Field)
	WithBuild(buildID string) Logger
}

// LevelSetter is implemented by loggers whose level can change at runtime
type LevelSetter interface {
	SetLevel(level string)
}

// Field represents a structured logging field
type Field struct {
	Key   string
	Value interface{}
}

// WithField creates a new field
func WithField(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// WithError creates an error field
func WithError(err error) Field {
	return Field{Key: "error", Value: err}
}

// Options configures CreateLogger
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// BuildLogger implements Logger, tagging every line with the build it belongs to
type BuildLogger struct {
	logger  *logrus.Logger
	buildID string
	mu      sync.RWMutex
}

// CustomFormatter formats logs with colors
type CustomFormatter struct {
	TimestampFormat string
	DisableColors   bool
}

// Format implements logrus.Formatter
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format(f.TimestampFormat)

	var levelColor *color.Color
	var levelText string

	switch entry.Level {
	case logrus.ErrorLevel:
		levelColor = color.New(color.FgRed, color.Bold)
		levelText = "ERROR"
	case logrus.WarnLevel:
		levelColor = color.New(color.FgYellow, color.Bold)
		levelText = "WARN"
	case logrus.InfoLevel:
		levelColor = color.New(color.FgCyan)
		levelText = "INFO"
	case logrus.DebugLevel:
		levelColor = color.New(color.FgWhite, color.Faint)
		levelText = "DEBUG"
	default:
		levelColor = color.New(color.FgGreen)
		levelText = "TRACE"
	}

	data := make(logrus.Fields, len(entry.Data))
	for k, v := range entry.Data {
		data[k] = v
	}

	buildPrefix := ""
	if build, ok := data["build"]; ok {
		if f.DisableColors {
			buildPrefix = fmt.Sprintf("[%v] ", build)
		} else {
			buildPrefix = fmt.Sprintf("[%s] ", color.New(color.FgBlue).Sprint(build))
		}
		delete(data, "build")
	}

	if _, ok := data["success"]; ok {
		delete(data, "success")
		levelText = "OK"
		levelColor = color.New(color.FgGreen)
	}

	var b strings.Builder
	if f.DisableColors {
		fmt.Fprintf(&b, "[%s] %s: %s%s", timestamp, levelText, buildPrefix, entry.Message)
	} else {
		fmt.Fprintf(&b, "[%s] %s: %s%s", timestamp, levelColor.Sprint(levelText), buildPrefix, entry.Message)
	}

	if len(data) > 0 {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
		}
		fields := " {" + strings.Join(parts, ", ") + "}"
		if f.DisableColors {
			b.WriteString(fields)
		} else {
			b.WriteString(color.New(color.FgWhite, color.Faint).Sprint(fields))
		}
	}

	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// CreateLogger creates a new logger writing to stdout and, optionally, a rotated file
func CreateLogger(opts Options) Logger {
	log := logrus.New()
	log.SetLevel(parseLevel(opts.Level))

	log.SetFormatter(&CustomFormatter{
		TimestampFormat: "15:04:05",
		DisableColors:   !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()),
	})

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}

	return &BuildLogger{
		logger: log,
	}
}

// CreateLoggerWithOutput creates a logger with custom output (for testing)
func CreateLoggerWithOutput(logLevel string, output io.Writer) Logger {
	log := logrus.New()
	log.SetLevel(parseLevel(logLevel))

	log.SetFormatter(&CustomFormatter{
		TimestampFormat: "15:04:05",
		DisableColors:   true,
	})
	log.SetOutput(output)

	return &BuildLogger{
		logger: log,
	}
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() Logger {
	return CreateLoggerWithOutput("error", io.Discard)
}

func parseLevel(logLevel string) logrus.Level {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// WithBuild creates a new logger scoped to a build
func (l *BuildLogger) WithBuild(buildID string) Logger {
	return &BuildLogger{
		logger:  l.logger,
		buildID: buildID,
	}
}

// SetLevel changes the level of the underlying logger, shared by all scoped copies
func (l *BuildLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.SetLevel(parseLevel(level))
}

// convertFields converts Field slice to logrus.Fields
func (l *BuildLogger) convertFields(fields []Field) logrus.Fields {
	result := make(logrus.Fields, len(fields)+1)
	if l.buildID != "" {
		result["build"] = l.buildID
	}
	for _, f := range fields {
		result[f.Key] = f.Value
	}
	return result
}

// Info logs an info message
func (l *BuildLogger) Info(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.WithFields(l.convertFields(fields)).Info(message)
}

// Error logs an error message
func (l *BuildLogger) Error(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.WithFields(l.convertFields(fields)).Error(message)
}

// Warn logs a warning message
func (l *BuildLogger) Warn(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.WithFields(l.convertFields(fields)).Warn(message)
}

// Debug logs a debug message
func (l *BuildLogger) Debug(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.WithFields(l.convertFields(fields)).Debug(message)
}

// Success logs a success message (info level with special formatting)
func (l *BuildLogger) Success(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f := l.convertFields(fields)
	f["success"] = true
	l.logger.WithFields(f).Info(message)
}

// ConsoleLogger provides plain console output for CLI commands
type ConsoleLogger struct {
	out io.Writer
	err io.Writer
}

// NewConsoleLogger creates a console logger for CLI output
func NewConsoleLogger(out, errOut io.Writer) *ConsoleLogger {
	return &ConsoleLogger{out: out, err: errOut}
}

// Info prints info message
func (c *ConsoleLogger) Info(message string) {
	fmt.Fprintf(c.out, "%s %s\n", color.CyanString("[buildflow]"), message)
}

// Error prints error message
func (c *ConsoleLogger) Error(message string) {
	fmt.Fprintf(c.err, "%s %s\n", color.RedString("[buildflow]"), message)
}

// Warn prints warning message
func (c *ConsoleLogger) Warn(message string) {
	fmt.Fprintf(c.out, "%s %s\n", color.YellowString("[buildflow]"), message)
}

// Success prints success message
func (c *ConsoleLogger) Success(message string) {
	fmt.Fprintf(c.out, "%s %s\n", color.GreenString("[buildflow]"), message)
}
