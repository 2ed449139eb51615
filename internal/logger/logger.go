package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Level is the logging level.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

// String returns the level tag written into each line.
func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger is a basic leveled logger.
type Logger struct {
	level   Level
	logger  *log.Logger
	file    *os.File
	enabled bool
}

var globalLogger *Logger

// Init initializes the global logger. With enabled false every call becomes a
// no-op; otherwise lines go to the log file, the console, or both.
func Init(enabled bool, levelStr, logFile string, console bool) error {
	if !enabled {
		globalLogger = &Logger{enabled: false}
		return nil
	}

	l := &Logger{level: ParseLevel(levelStr), enabled: true}

	var writers []io.Writer
	if logFile != "" {
		dir := filepath.Dir(logFile)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		writers = append(writers, f)
	}
	if console || len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	l.logger = log.New(io.MultiWriter(writers...), "", 0)
	globalLogger = l
	return nil
}

// Close flushes and closes the log file if one is open.
func Close() error {
	if globalLogger == nil || globalLogger.file == nil {
		return nil
	}
	return globalLogger.file.Close()
}

// ParseLevel maps a config string to a Level, defaulting to Info.
func ParseLevel(levelStr string) Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

func (l *Logger) printf(level Level, format string, args ...interface{}) {
	if l == nil || !l.enabled || l.level > level {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05")
	l.logger.Printf("[%s] [%s] %s", ts, level, fmt.Sprintf(format, args...))
}

// Debugf logs a debug message.
func Debugf(format string, args ...interface{}) {
	globalLogger.printf(Debug, format, args...)
}

// Infof logs an info message.
func Infof(format string, args ...interface{}) {
	globalLogger.printf(Info, format, args...)
}

// Warnf logs a warning.
func Warnf(format string, args ...interface{}) {
	globalLogger.printf(Warn, format, args...)
}

// Errorf logs an error message.
func Errorf(format string, args ...interface{}) {
	globalLogger.printf(Error, format, args...)
}
