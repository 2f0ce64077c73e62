package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[string]LogLevel{
	"debug": DEBUG,
	"info":  INFO,
	"warn":  WARN,
	"error": ERROR,
	"fatal": FATAL,
}

var (
	mu     sync.RWMutex
	level  = INFO
	logger = newLogger(os.Stderr, false)
)

func newLogger(w io.Writer, json bool) zerolog.Logger {
	if !json {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// Init configures the global logger. Unknown level names fall back to info.
func Init(levelName string, json bool) {
	SetOutput(os.Stderr, json)
	SetLevel(ParseLevel(levelName))
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer, json bool) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(w, json)
}

func SetLevel(l LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

func ParseLevel(name string) LogLevel {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return l
	}
	return INFO
}

func logMessage(l LogLevel, component string, message string, fields map[string]any) {
	mu.RLock()
	defer mu.RUnlock()
	if l < level {
		return
	}

	var event *zerolog.Event
	switch l {
	case DEBUG:
		event = logger.Debug()
	case INFO:
		event = logger.Info()
	case WARN:
		event = logger.Warn()
	case ERROR:
		event = logger.Error()
	default:
		event = logger.WithLevel(zerolog.FatalLevel)
	}

	if component != "" {
		event = event.Str("component", component)
	}
	if len(fields) > 0 {
		event = event.Fields(fields)
	}
	event.Msg(message)

	if l == FATAL {
		os.Exit(1)
	}
}

func Debug(message string) {
	logMessage(DEBUG, "", message, nil)
}

func DebugC(component string, message string) {
	logMessage(DEBUG, component, message, nil)
}

func DebugCF(component string, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string) {
	logMessage(INFO, "", message, nil)
}

func InfoC(component string, message string) {
	logMessage(INFO, component, message, nil)
}

func InfoCF(component string, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string) {
	logMessage(WARN, "", message, nil)
}

func WarnC(component string, message string) {
	logMessage(WARN, component, message, nil)
}

func WarnCF(component string, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func Error(message string) {
	logMessage(ERROR, "", message, nil)
}

func ErrorC(component string, message string) {
	logMessage(ERROR, component, message, nil)
}

func ErrorCF(component string, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}

func FatalCF(component string, message string, fields map[string]any) {
	logMessage(FATAL, component, message, fields)
}
