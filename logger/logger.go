// Package logger provides structured logging for the lockfree module.
//
// The logger supports multiple log levels (TRACE, DEBUG, INFO, WARN, ERROR)
// and automatically includes contextual information such as file, function,
// and line numbers. It's designed for high-performance concurrent access
// with atomic operations for level checking, so that hot paths in smr,
// stack and hamt can leave TraceIf calls in place permanently without
// paying for string formatting when tracing is disabled.
//
// Log output format:
//
//	YYYY/MM/DD HH:MM:SS.ssssss [PID:GID] [LEVEL] function.file:line: message
package logger

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LogLevel represents the severity level of log messages.
type LogLevel int32

// Log level constants defining the severity hierarchy.
//
// TRACE: per-operation detail — guard acquisition, CAS attempts, restarts,
// elimination collisions. Intended to be filtered by subsystem
// (EnableTrace("smr"), EnableTrace("hamt"), ...) rather than globally.
//
// DEBUG: scan/retire summaries, contraction events, stack elimination
// outcomes — useful when diagnosing a reclamation or contention issue
// without the per-CAS noise of TRACE.
//
// INFO: domain/stack/hamt construction and shutdown.
//
// WARN: retired-list pressure crossing the high-water mark, elimination
// array saturation.
//
// ERROR: contract violations (GuardExhausted, NotAttached) on paths that
// return an error rather than panicking.
const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
)

var (
	currentLevel atomic.Int32

	levelNames = map[LogLevel]string{
		TRACE: "TRACE",
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
	}

	// traceSubsystems tracks which debugging subsystems are currently
	// enabled. Typical subsystems: "smr", "stack", "elimination", "hamt".
	traceSubsystems = make(map[string]bool)
	traceMutex      sync.RWMutex

	processID = os.Getpid()

	logger *log.Logger
)

func init() {
	logger = log.New(os.Stdout, "", 0)
	currentLevel.Store(int32(INFO))
}

// SetLogLevel sets the minimum log level.
func SetLogLevel(level string) error {
	switch strings.ToUpper(level) {
	case "TRACE":
		currentLevel.Store(int32(TRACE))
	case "DEBUG":
		currentLevel.Store(int32(DEBUG))
	case "INFO":
		currentLevel.Store(int32(INFO))
	case "WARN":
		currentLevel.Store(int32(WARN))
	case "ERROR":
		currentLevel.Store(int32(ERROR))
	default:
		return fmt.Errorf("invalid log level: %s", level)
	}
	return nil
}

// GetLogLevel returns the current log level.
func GetLogLevel() string {
	level := LogLevel(currentLevel.Load())
	return strings.TrimSpace(levelNames[level])
}

// EnableTrace enables trace logging for specific subsystems.
func EnableTrace(subsystems ...string) {
	traceMutex.Lock()
	defer traceMutex.Unlock()
	for _, s := range subsystems {
		traceSubsystems[s] = true
	}
}

// DisableTrace disables trace logging for specific subsystems.
func DisableTrace(subsystems ...string) {
	traceMutex.Lock()
	defer traceMutex.Unlock()
	for _, s := range subsystems {
		delete(traceSubsystems, s)
	}
}

// ClearTrace disables all trace subsystems.
func ClearTrace() {
	traceMutex.Lock()
	defer traceMutex.Unlock()
	traceSubsystems = make(map[string]bool)
}

func isTraceEnabled(subsystem string) bool {
	traceMutex.RLock()
	defer traceMutex.RUnlock()
	return traceSubsystems[subsystem]
}

func formatMessage(level LogLevel, skip int, format string, args ...interface{}) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		file = "unknown"
		line = 0
	}

	if idx := strings.LastIndex(file, "/"); idx != -1 {
		file = file[idx+1:]
	}
	if idx := strings.LastIndex(file, ".go"); idx != -1 {
		file = file[:idx]
	}

	funcName := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		fullName := fn.Name()
		if idx := strings.LastIndex(fullName, "."); idx != -1 {
			funcName = fullName[idx+1:]
		}
	}

	msg := fmt.Sprintf(format, args...)
	goroutineID := getGoroutineID()
	timestamp := time.Now().Format("2006/01/02 15:04:05.000000")
	return fmt.Sprintf("%s [%d:%d] [%s] %s.%s:%d: %s",
		timestamp, processID, goroutineID, levelNames[level], funcName, file, line, msg)
}

// getGoroutineID extracts the current goroutine ID for correlating traces
// emitted by different goroutines racing on the same container.
func getGoroutineID() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	idField := strings.Fields(string(buf[:n]))[1]
	id := 0
	fmt.Sscanf(idField, "%d", &id)
	return id
}

func logMessage(level LogLevel, skip int, format string, args ...interface{}) {
	if level < LogLevel(currentLevel.Load()) {
		return
	}
	logger.Println(formatMessage(level, skip, format, args...))
}

// TraceIf logs a trace message only if the named subsystem is enabled.
func TraceIf(subsystem string, format string, args ...interface{}) {
	if LogLevel(currentLevel.Load()) > TRACE || !isTraceEnabled(subsystem) {
		return
	}
	logMessage(TRACE, 3, "[%s] %s", subsystem, fmt.Sprintf(format, args...))
}

// Trace logs a trace-level message.
func Trace(format string, args ...interface{}) { logMessage(TRACE, 3, format, args...) }

// Debug logs a debug message.
func Debug(format string, args ...interface{}) { logMessage(DEBUG, 3, format, args...) }

// Info logs an info message.
func Info(format string, args ...interface{}) { logMessage(INFO, 3, format, args...) }

// Warn logs a warning message.
func Warn(format string, args ...interface{}) { logMessage(WARN, 3, format, args...) }

// Error logs an error message.
func Error(format string, args ...interface{}) { logMessage(ERROR, 3, format, args...) }

// Fatal logs an error message and exits. Reserved for unrecoverable
// misconfiguration; operation-level
// contract violations return errors instead, see smr.ErrGuardExhausted.
func Fatal(format string, args ...interface{}) {
	logger.Println(formatMessage(ERROR, 2, format, args...))
	os.Exit(1)
}

// Panic logs an error message and panics.
func Panic(format string, args ...interface{}) {
	logger.Println(formatMessage(ERROR, 2, format, args...))
	panic(fmt.Sprintf(format, args...))
}

// Configure sets up logging from environment variables.
func Configure() {
	if level := os.Getenv("LOCKFREE_LOG_LEVEL"); level != "" {
		SetLogLevel(level)
	}
	if trace := os.Getenv("LOCKFREE_TRACE_SUBSYSTEMS"); trace != "" {
		subsystems := strings.Split(trace, ",")
		for i, s := range subsystems {
			subsystems[i] = strings.TrimSpace(s)
		}
		EnableTrace(subsystems...)
	}
}
