package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

type level int

const (
	debugLevel level = iota
	infoLevel
	warnLevel
	errorLevel
	exceptionLevel
)

const (
	defaultMaxSizeBytes = 20 * 1024 * 1024
	envLogFilePath      = "LOG_FILE_PATH"
	envLogMaxSizeMB     = "LOG_MAX_SIZE_MB"
	envLogFormat        = "LOG_FORMAT"
	envLogLevel         = "LOG_LEVEL"
	logFormatText       = "text"
	logFormatJSON       = "json"
	colorReset          = "\033[0m"
)

var levelNames = map[level]string{
	debugLevel:     "DEBUG",
	infoLevel:      "INFO",
	warnLevel:      "WARN",
	errorLevel:     "ERROR",
	exceptionLevel: "EXCEPTION",
}

var levelColors = map[level]string{
	debugLevel:     "\033[90m",
	infoLevel:      "\033[32m",
	warnLevel:      "\033[33m",
	errorLevel:     "\033[31m",
	exceptionLevel: "\033[35m",
}

type logger struct {
	mu           sync.Mutex
	out          io.Writer
	color        bool
	minLevel     level
	format       string
	filePath     string
	maxSizeBytes int64
	file         *os.File
}

var global = newLoggerFromEnv()

func newLoggerFromEnv() *logger {
	maxSizeBytes := int64(defaultMaxSizeBytes)
	if raw := strings.TrimSpace(os.Getenv(envLogMaxSizeMB)); raw != "" {
		if sizeMB, err := strconv.Atoi(raw); err == nil && sizeMB > 0 {
			maxSizeBytes = int64(sizeMB) * 1024 * 1024
		}
	}
	format := strings.ToLower(strings.TrimSpace(os.Getenv(envLogFormat)))
	if format != logFormatJSON {
		format = logFormatText
	}
	return &logger{
		out:          os.Stdout,
		color:        true,
		minLevel:     parseLevel(os.Getenv(envLogLevel)),
		format:       format,
		filePath:     strings.TrimSpace(os.Getenv(envLogFilePath)),
		maxSizeBytes: maxSizeBytes,
	}
}

func parseLevel(raw string) level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return debugLevel
	case "warn", "warning":
		return warnLevel
	case "error":
		return errorLevel
	default:
		return infoLevel
	}
}

// SetOutput redirects console output. Colors are disabled for anything but stdout.
func SetOutput(w io.Writer) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.out = w
	global.color = w == os.Stdout
}

// SetLevel changes the minimum level that gets written.
func SetLevel(raw string) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.minLevel = parseLevel(raw)
}

func Debugf(format string, args ...any) {
	global.logf(debugLevel, format, args...)
}

func Infof(format string, args ...any) {
	global.logf(infoLevel, format, args...)
}

func Warnf(format string, args ...any) {
	global.logf(warnLevel, format, args...)
}

func Errorf(format string, args ...any) {
	global.logf(errorLevel, format, args...)
}

func Exceptionf(format string, args ...any) {
	global.logf(exceptionLevel, format, args...)
}

func (l *logger) logf(lv level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lv < l.minLevel {
		return
	}
	ts := time.Now().Format(time.RFC3339Nano)
	line := l.formatLine(ts, lv, callerFuncName(3), fmt.Sprintf(format, args...))

	if l.color {
		fmt.Fprintln(l.out, levelColors[lv]+line+colorReset)
	} else {
		fmt.Fprintln(l.out, line)
	}
	if l.filePath != "" {
		l.writeToFile(line + "\n")
	}
}

func (l *logger) formatLine(ts string, lv level, caller, message string) string {
	if l.format == logFormatJSON {
		payload := map[string]string{
			"timestamp": ts,
			"level":     levelNames[lv],
			"caller":    caller,
			"message":   message,
		}
		if b, err := json.Marshal(payload); err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%s:%s:%s:%s", ts, levelNames[lv], caller, message)
}

// writeToFile expects l.mu to be held.
func (l *logger) writeToFile(line string) {
	if l.file == nil {
		if err := os.MkdirAll(filepath.Dir(l.filePath), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "logger open file error: %v\n", err)
			return
		}
		f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger open file error: %v\n", err)
			return
		}
		l.file = f
	}
	if err := l.rotateIfNeeded(int64(len(line))); err != nil {
		fmt.Fprintf(os.Stderr, "logger rotate error: %v\n", err)
		return
	}
	if _, err := l.file.WriteString(line); err != nil {
		fmt.Fprintf(os.Stderr, "logger write error: %v\n", err)
	}
}

func (l *logger) rotateIfNeeded(incomingSize int64) error {
	stat, err := l.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size()+incomingSize <= l.maxSizeBytes {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	ext := filepath.Ext(l.filePath)
	rotated := fmt.Sprintf("%s_%s%s", strings.TrimSuffix(l.filePath, ext), time.Now().Format("20060102_150405.000"), ext)
	if err := os.Rename(l.filePath, rotated); err != nil {
		return err
	}
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

func callerFuncName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		return name[idx+1:]
	}
	return name
}
