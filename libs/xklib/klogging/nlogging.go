package klogging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
)

type Level uint32

// same numbering as logrus, minus PanicLevel, plus VerboseLevel in place of Trace
const (
	FatalLevel Level = iota + 1
	ErrorLevel
	WarnLevel
	InfoLevel
	DebugLevel
	VerboseLevel
)

func (level Level) String() string {
	switch level {
	case FatalLevel:
		return "fatal"
	case ErrorLevel:
		return "error"
	case WarnLevel:
		return "warn"
	case InfoLevel:
		return "info"
	case DebugLevel:
		return "debug"
	case VerboseLevel:
		return "verbose"
	default:
		return fmt.Sprintf("%d", int(level))
	}
}

// ParseLogLevel panics with UnknownLogLevel on unrecognized input.
func ParseLogLevel(str string) Level {
	switch strings.ToLower(str) {
	case "fatal":
		return FatalLevel
	case "error", "err":
		return ErrorLevel
	case "warning", "warn":
		return WarnLevel
	case "information", "info":
		return InfoLevel
	case "debug":
		return DebugLevel
	case "verbose", "trace":
		return VerboseLevel
	default:
		panic(kerror.Create("UnknownLogLevel", "parse log level failed").With("str", str))
	}
}

func NeedLog(importance Level, threshold Level) bool {
	return importance <= threshold
}

type Logger interface {
	Log(entry *LogEntry, shouldLog bool)
	Level() Level
}

type loggerHolder struct {
	logger Logger
}

var currentLogger atomic.Value

func GetLogger() Logger {
	if holder, ok := currentLogger.Load().(*loggerHolder); ok {
		return holder.logger
	}
	logger := &BasicLogger{LogLevel: DebugLevel}
	currentLogger.Store(&loggerHolder{logger})
	return logger
}

func SetDefaultLogger(logger Logger) {
	currentLogger.Store(&loggerHolder{logger})
}

type Keypair struct {
	K string
	V interface{}
}

type LogEntry struct {
	Logger    Logger
	Level     Level
	ShouldLog bool
	LogType   string
	Msg       string
	Details   []Keypair
	Ctx       context.Context
	Timestamp time.Time
}

func NewEntry(ctx context.Context, level Level) *LogEntry {
	logger := GetLogger()
	threshold := logger.Level()
	entry := &LogEntry{
		Logger:    logger,
		Level:     level,
		ShouldLog: NeedLog(level, threshold),
		Ctx:       ctx,
		Timestamp: time.Now(),
	}
	if entry.ShouldLog {
		GetCurrentCtxInfo(ctx).VisitForward(func(k, v string) bool {
			entry.Details = append(entry.Details, Keypair{k, v})
			return true
		}, threshold)
	}
	return entry
}

func (entry *LogEntry) With(k string, v interface{}) *LogEntry {
	if entry.ShouldLog {
		entry.Details = append(entry.Details, Keypair{k, v})
	}
	return entry
}

func (entry *LogEntry) WithError(err error) *LogEntry {
	if !entry.ShouldLog || err == nil {
		return entry
	}
	if ke, ok := err.(*kerror.Kerror); ok {
		for _, item := range ke.Details {
			entry.Details = append(entry.Details, Keypair{item.K, item.V})
		}
		entry.Details = append(entry.Details,
			Keypair{"errorType", ke.Type},
			Keypair{"errorMsg", ke.Msg},
			Keypair{"stack", ke.Stack},
			Keypair{"causedBy", ke.CausedByString()})
		return entry
	}
	entry.Details = append(entry.Details, Keypair{"error", err.Error()}, Keypair{"stack", kerror.GetCallStack(1)})
	return entry
}

func (entry *LogEntry) WithPanic(r interface{}) *LogEntry {
	switch v := r.(type) {
	case error:
		entry.WithError(v)
	default:
		entry.With("panic", v).With("stack", kerror.GetCallStack(1))
	}
	return entry
}

// Log emits the entry. A fatal entry terminates the process after logging.
func (entry *LogEntry) Log(logType, msg string) {
	entry.LogType = logType
	entry.Msg = msg
	entry.Logger.Log(entry, entry.ShouldLog)
	if entry.Level == FatalLevel {
		OsExit(1)
	}
}

func (entry *LogEntry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "level=%v, event=%s, msg=%s", entry.Level, entry.LogType, entry.Msg)
	for _, item := range entry.Details {
		fmt.Fprintf(&b, ", %s=%v", item.K, item.V)
	}
	return b.String()
}

func Fatal(ctx context.Context) *LogEntry   { return NewEntry(ctx, FatalLevel) }
func Error(ctx context.Context) *LogEntry   { return NewEntry(ctx, ErrorLevel) }
func Warning(ctx context.Context) *LogEntry { return NewEntry(ctx, WarnLevel) }
func Info(ctx context.Context) *LogEntry    { return NewEntry(ctx, InfoLevel) }
func Debug(ctx context.Context) *LogEntry   { return NewEntry(ctx, DebugLevel) }
func Verbose(ctx context.Context) *LogEntry { return NewEntry(ctx, VerboseLevel) }

/********************************* BasicLogger ************************************/

// BasicLogger prints to stdout, used until main installs a LogrusLogger.
type BasicLogger struct {
	LogLevel Level

	mu   sync.Mutex
	last string
}

func (bl *BasicLogger) Log(entry *LogEntry, shouldLog bool) {
	if !shouldLog {
		return
	}
	line := entry.String()
	fmt.Println(line)
	bl.mu.Lock()
	bl.last = line
	bl.mu.Unlock()
}

func (bl *BasicLogger) Level() Level {
	return bl.LogLevel
}

func (bl *BasicLogger) LastLoggedMessage() string {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.last
}

// NullLogger discards everything. Tests with chatty goroutines use it.
type NullLogger struct{}

func (nl *NullLogger) Log(entry *LogEntry, shouldLog bool) {}

func (nl *NullLogger) Level() Level {
	return VerboseLevel
}

func NewNullLogger() Logger {
	return &NullLogger{}
}
