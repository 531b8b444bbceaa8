package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents a log level
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the string representation of the log level
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// zerologLevel maps a Level onto the zerolog level used to emit it
func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case FatalLevel:
		return zerolog.FatalLevel
	default:
		return zerolog.NoLevel
	}
}

// ParseLevel parses a string into a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", s)
	}
}

func init() {
	zerolog.TimestampFieldName = "timestamp"
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	zerolog.LevelFieldMarshalFunc = func(l zerolog.Level) string {
		switch l {
		case zerolog.DebugLevel:
			return DebugLevel.String()
		case zerolog.InfoLevel:
			return InfoLevel.String()
		case zerolog.WarnLevel:
			return WarnLevel.String()
		case zerolog.ErrorLevel:
			return ErrorLevel.String()
		case zerolog.FatalLevel:
			return FatalLevel.String()
		default:
			return strings.ToUpper(l.String())
		}
	}
}

// Fields is a map of log fields
type Fields map[string]interface{}

// Logger represents a logger instance.
// Level filtering and field sanitization happen here; encoding and
// writing are delegated to zerolog.
type Logger struct {
	level            Level
	format           string // json or text
	zl               zerolog.Logger
	componentLevels  map[string]Level
	sanitizePatterns []*regexp.Regexp
	mu               sync.RWMutex
}

// Entry mirrors the JSON shape of a log line
type Entry struct {
	Timestamp     string                 `json:"timestamp"`
	Level         string                 `json:"level"`
	Component     string                 `json:"component,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Message       string                 `json:"message"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
}

var (
	globalLogger *Logger
	loggerMu     sync.RWMutex
)

// New creates a new logger instance
func New(level Level, format string, output io.Writer) *Logger {
	var w io.Writer = zerolog.SyncWriter(output)
	if format == "text" {
		w = zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    true,
			TimeFormat: time.RFC3339,
			FormatLevel: func(i interface{}) string {
				if s, ok := i.(string); ok {
					return s
				}
				return ""
			},
		}
	}

	return &Logger{
		level:           level,
		format:          format,
		zl:              zerolog.New(w).With().Timestamp().Logger(),
		componentLevels: make(map[string]Level),
	}
}

// Init initializes the global logger
func Init(level Level, format string, output io.Writer) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	globalLogger = New(level, format, output)
}

// Get returns the global logger.
// Before Init is called it returns a logger that discards everything,
// so packages can grab a component logger at construction time.
func Get() *Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if globalLogger == nil {
		return discard
	}
	return globalLogger
}

var discard = New(FatalLevel+1, "json", io.Discard)

// SetLevel sets the log level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetComponentLevel sets the log level for a specific component
func (l *Logger) SetComponentLevel(component string, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.componentLevels[component] = level
}

// SetSanitizePatterns sets the regex patterns for field sanitization
func (l *Logger) SetSanitizePatterns(patterns []string) error {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid sanitize pattern %s: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sanitizePatterns = compiled
	return nil
}

// shouldLog checks if a message should be logged based on level and component
func (l *Logger) shouldLog(level Level, component string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if componentLevel, ok := l.componentLevels[component]; ok {
		return level >= componentLevel
	}
	return level >= l.level
}

// sanitizeFields redacts values whose keys match a sanitize pattern
func (l *Logger) sanitizeFields(fields Fields) Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.sanitizePatterns) == 0 {
		return fields
	}

	sanitized := make(Fields, len(fields))
	for k, v := range fields {
		shouldSanitize := false
		for _, pattern := range l.sanitizePatterns {
			if pattern.MatchString(k) {
				shouldSanitize = true
				break
			}
		}

		if !shouldSanitize {
			sanitized[k] = v
			continue
		}
		if str, ok := v.(string); ok && len(str) > 4 {
			sanitized[k] = "***" + str[len(str)-4:]
		} else {
			sanitized[k] = "***"
		}
	}

	return sanitized
}

// log writes a log entry through zerolog
func (l *Logger) log(level Level, component, correlationID, message string, fields Fields) {
	if !l.shouldLog(level, component) {
		return
	}

	ev := l.zl.WithLevel(level.zerologLevel())
	if component != "" {
		ev = ev.Str("component", component)
	}
	if correlationID != "" {
		ev = ev.Str("correlation_id", correlationID)
	}

	if len(fields) > 0 {
		sanitized := map[string]interface{}(l.sanitizeFields(fields))
		if l.format == "text" {
			// console output renders top-level fields as key=value
			ev = ev.Fields(sanitized)
		} else {
			ev = ev.Dict("fields", zerolog.Dict().Fields(sanitized))
		}
	}

	ev.Msg(message)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...Fields) {
	l.log(DebugLevel, "", "", message, mergeFields(fields...))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...Fields) {
	l.log(InfoLevel, "", "", message, mergeFields(fields...))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...Fields) {
	l.log(WarnLevel, "", "", message, mergeFields(fields...))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...Fields) {
	l.log(ErrorLevel, "", "", message, mergeFields(fields...))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...Fields) {
	l.log(FatalLevel, "", "", message, mergeFields(fields...))
	os.Exit(1)
}

// WithComponent creates a component logger
func (l *Logger) WithComponent(component string) *ComponentLogger {
	return &ComponentLogger{
		logger:    l,
		component: component,
	}
}

// ComponentLogger is a logger for a specific component
type ComponentLogger struct {
	logger    *Logger
	component string
}

// Debug logs a debug message for the component
func (cl *ComponentLogger) Debug(message string, fields ...Fields) {
	cl.logger.log(DebugLevel, cl.component, "", message, mergeFields(fields...))
}

// Info logs an info message for the component
func (cl *ComponentLogger) Info(message string, fields ...Fields) {
	cl.logger.log(InfoLevel, cl.component, "", message, mergeFields(fields...))
}

// Warn logs a warning message for the component
func (cl *ComponentLogger) Warn(message string, fields ...Fields) {
	cl.logger.log(WarnLevel, cl.component, "", message, mergeFields(fields...))
}

// Error logs an error message for the component
func (cl *ComponentLogger) Error(message string, fields ...Fields) {
	cl.logger.log(ErrorLevel, cl.component, "", message, mergeFields(fields...))
}

// Fatal logs a fatal message for the component and exits
func (cl *ComponentLogger) Fatal(message string, fields ...Fields) {
	cl.logger.log(FatalLevel, cl.component, "", message, mergeFields(fields...))
	os.Exit(1)
}

// WithCorrelationID creates a logger with correlation ID
func (cl *ComponentLogger) WithCorrelationID(correlationID string) *ContextLogger {
	return &ContextLogger{
		logger:        cl.logger,
		component:     cl.component,
		correlationID: correlationID,
	}
}

// ContextLogger is a logger with context (correlation ID)
type ContextLogger struct {
	logger        *Logger
	component     string
	correlationID string
}

// Debug logs a debug message with context
func (ctx *ContextLogger) Debug(message string, fields ...Fields) {
	ctx.logger.log(DebugLevel, ctx.component, ctx.correlationID, message, mergeFields(fields...))
}

// Info logs an info message with context
func (ctx *ContextLogger) Info(message string, fields ...Fields) {
	ctx.logger.log(InfoLevel, ctx.component, ctx.correlationID, message, mergeFields(fields...))
}

// Warn logs a warning message with context
func (ctx *ContextLogger) Warn(message string, fields ...Fields) {
	ctx.logger.log(WarnLevel, ctx.component, ctx.correlationID, message, mergeFields(fields...))
}

// Error logs an error message with context
func (ctx *ContextLogger) Error(message string, fields ...Fields) {
	ctx.logger.log(ErrorLevel, ctx.component, ctx.correlationID, message, mergeFields(fields...))
}

// mergeFields merges multiple Fields maps
func mergeFields(fields ...Fields) Fields {
	if len(fields) == 0 {
		return Fields{}
	}
	if len(fields) == 1 {
		return fields[0]
	}

	result := make(Fields)
	for _, f := range fields {
		for k, v := range f {
			result[k] = v
		}
	}
	return result
}

// Correlation ID context key
type contextKey string

const correlationIDKey contextKey = "correlation_id"

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}

// FromContext creates a logger from context with correlation ID
func FromContext(ctx context.Context, component string) *ContextLogger {
	return &ContextLogger{
		logger:        Get(),
		component:     component,
		correlationID: GetCorrelationID(ctx),
	}
}

// Global convenience functions
func Info(message string, fields ...Fields) {
	Get().Info(message, fields...)
}

func Warn(message string, fields ...Fields) {
	Get().Warn(message, fields...)
}

func Error(message string, fields ...Fields) {
	Get().Error(message, fields...)
}
