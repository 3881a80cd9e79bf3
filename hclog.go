package redislite

import (
	"github.com/hashicorp/go-hclog"
)

// hclogLogger forwards Logger calls to an hclog.Logger
type hclogLogger struct {
	logger hclog.Logger
}

// NewHCLogger returns a Logger backed by hclog
//
// Example:
//
//	logger := redislite.NewHCLogger(hclog.New(&hclog.LoggerOptions{
//		Name:  "redis-lite",
//		Level: hclog.Info,
//	}))
//	node, err := redislite.New(redislite.WithLogger(logger))
func NewHCLogger(logger hclog.Logger) Logger {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &hclogLogger{logger: logger}
}

func (l *hclogLogger) Debug(msg string, fields ...Field) {
	l.logger.Debug(msg, flatten(fields)...)
}

func (l *hclogLogger) Info(msg string, fields ...Field) {
	l.logger.Info(msg, flatten(fields)...)
}

func (l *hclogLogger) Error(msg string, fields ...Field) {
	l.logger.Error(msg, flatten(fields)...)
}

func flatten(fields []Field) []interface{} {
	args := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		args = append(args, f.Key, f.Value)
	}
	return args
}
