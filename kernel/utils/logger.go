package utils

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

var levelColors = map[LogLevel]string{
	DEBUG: "\033[36m", // Cyan
	INFO:  "\033[32m", // Green
	WARN:  "\033[33m", // Yellow
	ERROR: "\033[31m", // Red
	FATAL: "\033[35m", // Magenta
}

const colorReset = "\033[0m"

// ParseLevel converts a config string ("debug", "info", ...) into a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	for level, name := range levelNames {
		if strings.EqualFold(name, s) {
			return level, nil
		}
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// Logger provides structured, prettified logging with separation of concerns
type Logger struct {
	mu         *sync.Mutex
	level      LogLevel
	component  string
	output     io.Writer
	colorize   bool
	showCaller bool
	timeFormat string
	fields     []Field
}

// LoggerConfig configures a logger instance
type LoggerConfig struct {
	Level      LogLevel
	Component  string
	Output     io.Writer
	Colorize   bool
	ShowCaller bool
	TimeFormat string
}

// NewLogger creates a new logger with the given configuration
func NewLogger(config LoggerConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.TimeFormat == "" {
		config.TimeFormat = "15:04:05.000"
	}

	return &Logger{
		mu:         &sync.Mutex{},
		level:      config.Level,
		component:  config.Component,
		output:     config.Output,
		colorize:   config.Colorize,
		showCaller: config.ShowCaller,
		timeFormat: config.TimeFormat,
	}
}

// DefaultLogger creates a logger with sensible defaults
func DefaultLogger(component string) *Logger {
	return NewLogger(LoggerConfig{
		Level:      INFO,
		Component:  component,
		Output:     os.Stdout,
		Colorize:   true,
		ShowCaller: false,
		TimeFormat: "15:04:05.000",
	})
}

// With returns a logger that prepends the given fields to every entry.
// The child shares the parent's output lock.
func (l *Logger) With(fields ...Field) *Logger {
	child := *l
	child.fields = make([]Field, 0, len(l.fields)+len(fields))
	child.fields = append(child.fields, l.fields...)
	child.fields = append(child.fields, fields...)
	return &child
}

// Named returns a logger for a sub-component ("gpu" -> "gpu.execlist").
func (l *Logger) Named(component string) *Logger {
	child := *l
	if l.component != "" {
		child.component = l.component + "." + component
	} else {
		child.component = component
	}
	return &child
}

// Level returns the minimum level this logger emits.
func (l *Logger) Level() LogLevel {
	return l.level
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...Field) {
	l.log(DEBUG, msg, fields...)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...Field) {
	l.log(INFO, msg, fields...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...Field) {
	l.log(WARN, msg, fields...)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...Field) {
	l.log(ERROR, msg, fields...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, fields ...Field) {
	l.log(FATAL, msg, fields...)
	os.Exit(1)
}

// log is the core logging function
func (l *Logger) log(level LogLevel, msg string, fields ...Field) {
	// Skip if below minimum level
	if level < l.level {
		return
	}

	// Format: [TIME] [LEVEL] [COMPONENT] message key=value key=value
	var builder strings.Builder

	if l.colorize {
		builder.WriteString(levelColors[level])
	}

	builder.WriteString("[")
	builder.WriteString(time.Now().Format(l.timeFormat))
	builder.WriteString("] ")

	builder.WriteString("[")
	builder.WriteString(fmt.Sprintf("%-5s", levelNames[level]))
	builder.WriteString("] ")

	if l.component != "" {
		builder.WriteString("[")
		builder.WriteString(l.component)
		builder.WriteString("] ")
	}

	builder.WriteString(msg)

	all := fields
	if len(l.fields) > 0 {
		all = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	}
	for _, field := range all {
		builder.WriteString(" ")
		builder.WriteString(field.Key)
		builder.WriteString("=")
		builder.WriteString(field.format())
	}

	if l.showCaller {
		_, file, line, ok := runtime.Caller(2)
		if ok {
			parts := strings.Split(file, "/")
			builder.WriteString(fmt.Sprintf(" (%s:%d)", parts[len(parts)-1], line))
		}
	}

	if l.colorize {
		builder.WriteString(colorReset)
	}

	builder.WriteString("\n")

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.output, builder.String())
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// format formats a field value
func (f Field) format() string {
	switch v := f.Value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case error:
		return fmt.Sprintf("%q", v.Error())
	case time.Duration:
		return v.String()
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Helper functions for creating fields
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint32(key string, value uint32) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

// Hex formats an address or descriptor as 0x-prefixed hex.
func Hex(key string, value uint64) Field {
	return Field{Key: key, Value: fmt.Sprintf("%#x", value)}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Global logger instance
var globalLogger = DefaultLogger("gpu")

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	globalLogger = logger
}

// Global logging functions
func Info(msg string, fields ...Field) {
	globalLogger.Info(msg, fields...)
}

func Warn(msg string, fields ...Field) {
	globalLogger.Warn(msg, fields...)
}

func Fatal(msg string, fields ...Field) {
	globalLogger.Fatal(msg, fields...)
}
