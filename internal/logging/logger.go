package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
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

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name; unknown names default to INFO
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorPurple = "\033[35m"
	ColorGray   = "\033[37m"
)

// Logger provides structured logging capabilities
type Logger struct {
	level      LogLevel
	prefix     string
	colored    bool
	fileLogger *log.Logger
	file       *os.File
}

// Global logger instance
var defaultLogger *Logger

// Config holds logger configuration
type Config struct {
	Level       LogLevel
	Prefix      string
	Colored     bool
	LogToFile   bool
	LogFilePath string
}

// NewLogger creates a new logger instance
func NewLogger(config Config) (*Logger, error) {
	logger := &Logger{
		level:   config.Level,
		prefix:  config.Prefix,
		colored: config.Colored,
	}

	if config.LogToFile {
		if config.LogFilePath == "" {
			config.LogFilePath = "logs/app.log"
		}

		logDir := filepath.Dir(config.LogFilePath)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}

		file, err := os.OpenFile(config.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}

		logger.file = file
		logger.fileLogger = log.New(file, "", 0)
	}

	return logger, nil
}

// InitDefaultLogger initializes the global logger
func InitDefaultLogger(config Config) error {
	var err error
	defaultLogger, err = NewLogger(config)
	return err
}

// Close closes the logger and any open files
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// formatMessage formats a log message with timestamp, level, caller info, and message
func (l *Logger) formatMessage(level LogLevel, msg string, context map[string]interface{}) string {
	_, file, line, ok := runtime.Caller(3)
	var caller string
	if ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	} else {
		caller = "unknown"
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")

	var contextStr string
	if len(context) > 0 {
		var pairs []string
		for k, v := range context {
			pairs = append(pairs, fmt.Sprintf("%s=%v", k, v))
		}
		contextStr = fmt.Sprintf(" [%s]", strings.Join(pairs, " "))
	}

	baseMsg := fmt.Sprintf("[%s] %s %s %s%s",
		timestamp,
		level.String(),
		caller,
		msg,
		contextStr,
	)

	if l.colored {
		var color string
		switch level {
		case DEBUG:
			color = ColorGray
		case INFO:
			color = ColorBlue
		case WARN:
			color = ColorYellow
		case ERROR:
			color = ColorRed
		case FATAL:
			color = ColorPurple
		}

		if color != "" {
			baseMsg = color + baseMsg + ColorReset
		}
	}

	if l.prefix != "" {
		baseMsg = fmt.Sprintf("[%s] %s", l.prefix, baseMsg)
	}

	return baseMsg
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, msg string, context map[string]interface{}) {
	if level < l.level {
		return
	}

	formattedMsg := l.formatMessage(level, msg, context)

	fmt.Println(formattedMsg)

	if l.fileLogger != nil {
		fileMsg := formattedMsg
		if l.colored {
			for _, code := range []string{ColorReset, ColorRed, ColorYellow, ColorBlue, ColorPurple, ColorGray} {
				fileMsg = strings.ReplaceAll(fileMsg, code, "")
			}
		}
		l.fileLogger.Println(fileMsg)
	}

	if level == FATAL {
		os.Exit(1)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, context ...map[string]interface{}) {
	l.log(DEBUG, msg, mergeContext(context...))
}

// Info logs an info message
func (l *Logger) Info(msg string, context ...map[string]interface{}) {
	l.log(INFO, msg, mergeContext(context...))
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, context ...map[string]interface{}) {
	l.log(WARN, msg, mergeContext(context...))
}

// Error logs an error message
func (l *Logger) Error(msg string, context ...map[string]interface{}) {
	l.log(ERROR, msg, mergeContext(context...))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, context ...map[string]interface{}) {
	l.log(FATAL, msg, mergeContext(context...))
}

// Convenience functions for global logger
func Debug(msg string, context ...map[string]interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug(msg, context...)
	}
}

func Info(msg string, context ...map[string]interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info(msg, context...)
	}
}

func Warn(msg string, context ...map[string]interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn(msg, context...)
	}
}

func Error(msg string, context ...map[string]interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error(msg, context...)
	}
}

func Fatal(msg string, context ...map[string]interface{}) {
	if defaultLogger != nil {
		defaultLogger.Fatal(msg, context...)
	}
}

// mergeContext merges multiple context maps into one
func mergeContext(contexts ...map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for _, ctx := range contexts {
		for k, v := range ctx {
			result[k] = v
		}
	}
	return result
}

// LogDebateEvent logs contest lifecycle events
func LogDebateEvent(event string, debateID string, details map[string]interface{}) {
	context := map[string]interface{}{
		"event":     event,
		"debate_id": debateID,
	}
	for k, v := range details {
		context[k] = v
	}
	Info("Debate Event", context)
}

// LogWebSocketEvent logs WebSocket events with standardized format
func LogWebSocketEvent(event string, debateID string, details map[string]interface{}) {
	context := map[string]interface{}{
		"event":     event,
		"debate_id": debateID,
	}
	for k, v := range details {
		context[k] = v
	}
	Info("WebSocket Event", context)
}

// LogRouterEvent logs agent connection router events
func LogRouterEvent(event string, agentID string, details map[string]interface{}) {
	context := map[string]interface{}{
		"event":    event,
		"agent_id": agentID,
	}
	for k, v := range details {
		context[k] = v
	}
	Info("Router Event", context)
}

// LogBusEvent logs event bus operations
func LogBusEvent(event string, channel string, details map[string]interface{}) {
	context := map[string]interface{}{
		"event":   event,
		"channel": channel,
	}
	for k, v := range details {
		context[k] = v
	}
	Debug("Bus Event", context)
}

// LogMatchmakerEvent logs matchmaking events
func LogMatchmakerEvent(event string, details map[string]interface{}) {
	context := map[string]interface{}{
		"event": event,
	}
	for k, v := range details {
		context[k] = v
	}
	Info("Matchmaker Event", context)
}

// LogDatabaseEvent logs database operations
func LogDatabaseEvent(operation string, details map[string]interface{}) {
	context := map[string]interface{}{
		"operation": operation,
	}
	for k, v := range details {
		context[k] = v
	}
	Debug("Database Event", context)
}

// GetDefaultLogger returns the default logger instance
func GetDefaultLogger() *Logger {
	return defaultLogger
}
