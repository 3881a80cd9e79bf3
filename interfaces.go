package redislite

import (
	"fmt"
	"log"
	"time"
)

// Field represents a structured log field
type Field struct {
	Key   string
	Value interface{}
}

// Logger interface for custom logging implementations
type Logger interface {
	// Debug logs a debug message with optional fields
	Debug(msg string, fields ...Field)

	// Info logs an info message with optional fields
	Info(msg string, fields ...Field)

	// Error logs an error message with optional fields
	Error(msg string, fields ...Field)
}

// MetricsCollector interface for metrics collection. metrics.Collector
// implements it on top of Prometheus.
type MetricsCollector interface {
	// RecordHandshakeDuration records the time taken by the replica handshake
	RecordHandshakeDuration(duration time.Duration)

	// RecordCommandProcessed records a processed command with its duration
	RecordCommandProcessed(cmd string, duration time.Duration)

	// RecordNetworkBytes records network bytes transferred
	RecordNetworkBytes(bytes int64)

	// RecordConnection records a client connection event
	RecordConnection(event string)

	// RecordReadTimeout records a read that hit its deadline
	RecordReadTimeout()

	// RecordError records an error event
	RecordError(errorType string)
}

// defaultLogger is a simple logger implementation using the standard log package
type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, fields ...Field) {
	l.logWithFields("DEBUG", msg, fields...)
}

func (l *defaultLogger) Info(msg string, fields ...Field) {
	l.logWithFields("INFO", msg, fields...)
}

func (l *defaultLogger) Error(msg string, fields ...Field) {
	l.logWithFields("ERROR", msg, fields...)
}

func (l *defaultLogger) logWithFields(level, msg string, fields ...Field) {
	logMsg := level + ": " + msg
	for _, field := range fields {
		logMsg += " " + field.Key + "=" + formatValue(field.Value)
	}
	log.Println(logMsg)
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case error:
		return val.Error()
	default:
		return fmt.Sprintf("%v", val)
	}
}
