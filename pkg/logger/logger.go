// ==============================================================================
// LOGGER PACKAGE - pkg/logger/logger.go
// ==============================================================================
package logger

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

type Logger interface {
	Info(message string, fields map[string]interface{})
	Error(message string, fields map[string]interface{})
	Warn(message string, fields map[string]interface{})
	Debug(message string, fields map[string]interface{})
	Fatal(message string, fields map[string]interface{})
}

type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
	levelFatal
)

func parseLevel(s string) level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return levelDebug
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

type jsonLogger struct {
	serviceName string
	minLevel    level
	logger      *log.Logger
}

// New builds a JSON logger for the named service. Verbosity comes from the
// LOG_LEVEL env var (debug|info|warn|error); the remote API client logs every
// request at debug, so the default is info.
func New(serviceName string) Logger {
	return newWithWriter(serviceName, parseLevel(os.Getenv("LOG_LEVEL")), os.Stdout)
}

func newWithWriter(serviceName string, min level, w io.Writer) Logger {
	return &jsonLogger{
		serviceName: serviceName,
		minLevel:    min,
		logger:      log.New(w, "", 0),
	}
}

func (l *jsonLogger) log(lvl level, name, message string, fields map[string]interface{}) {
	if lvl < l.minLevel {
		return
	}

	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"level":     name,
		"service":   l.serviceName,
		"message":   message,
	}

	for k, v := range fields {
		entry[k] = v
	}

	jsonData, _ := json.Marshal(entry)
	l.logger.Println(string(jsonData))
}

func (l *jsonLogger) Info(message string, fields map[string]interface{}) {
	l.log(levelInfo, "info", message, fields)
}

func (l *jsonLogger) Error(message string, fields map[string]interface{}) {
	l.log(levelError, "error", message, fields)
}

func (l *jsonLogger) Warn(message string, fields map[string]interface{}) {
	l.log(levelWarn, "warn", message, fields)
}

func (l *jsonLogger) Debug(message string, fields map[string]interface{}) {
	l.log(levelDebug, "debug", message, fields)
}

func (l *jsonLogger) Fatal(message string, fields map[string]interface{}) {
	l.log(levelFatal, "fatal", message, fields)
	os.Exit(1)
}

func NewNop() Logger {
	return &nopLogger{}
}

type nopLogger struct{}

func (l *nopLogger) Info(message string, fields map[string]interface{})  {}
func (l *nopLogger) Error(message string, fields map[string]interface{}) {}
func (l *nopLogger) Warn(message string, fields map[string]interface{})  {}
func (l *nopLogger) Debug(message string, fields map[string]interface{}) {}
func (l *nopLogger) Fatal(message string, fields map[string]interface{}) {}
