package klogging

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
)

// TimestampFormat keeps ms resolution and the zone, and sorts lexically.
const TimestampFormat = "2006-01-02T15:04:05.999Z07:00"

type LogFormat uint32

const (
	TextFormat LogFormat = iota + 1
	JsonFormat
	SimpleFormat
)

func (f LogFormat) String() string {
	switch f {
	case TextFormat:
		return "text"
	case JsonFormat:
		return "json"
	case SimpleFormat:
		return "simple"
	default:
		return fmt.Sprintf("%d", int(f))
	}
}

func parseLogFormat(str string) LogFormat {
	switch strings.ToLower(str) {
	case "text":
		return TextFormat
	case "json":
		return JsonFormat
	case "simple":
		return SimpleFormat
	}
	panic(kerror.Create("UnknownLogFormat", "parse log format failed").With("str", str))
}

// LoggerMetrcsReporter receives log volume so that noisy events show up in metrics.
type LoggerMetrcsReporter interface {
	ReportLogSizeBytes(ctx context.Context, size int, logLevel, eventType string)
	ReportLogErrorCount(ctx context.Context, count int, logLevel, eventType string, isLogged bool)
}

// LogrusLogger implements Logger on top of logrus. The level threshold is
// evaluated here; the wrapped logrus instance accepts everything.
type LogrusLogger struct {
	ctx             context.Context
	RusLogger       *logrus.Logger
	logLevel        Level
	logFormat       LogFormat
	metricsReporter LoggerMetrcsReporter
}

func NewLogrusLogger(ctx context.Context) *LogrusLogger {
	if ctx == nil {
		ctx = context.Background()
	}
	rus := logrus.New()
	rus.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		TimestampFormat: TimestampFormat,
		FullTimestamp:   true,
	})
	rus.SetLevel(logrus.TraceLevel)
	return &LogrusLogger{
		ctx:       ctx,
		RusLogger: rus,
		logLevel:  InfoLevel,
		logFormat: TextFormat,
	}
}

func (logger *LogrusLogger) WithMetricsReporter(reporter LoggerMetrcsReporter) *LogrusLogger {
	logger.metricsReporter = reporter
	return logger
}

func (logger *LogrusLogger) WithOutput(out io.Writer) *LogrusLogger {
	logger.RusLogger.SetOutput(out)
	return logger
}

// SetConfig accepts level fatal|error|warning|info|debug|verbose and format
// text|json|simple. Bad values are logged and ignored.
func (logger *LogrusLogger) SetConfig(ctx context.Context, levelStr string, formatStr string) *LogrusLogger {
	defer func() {
		if r := recover(); r != nil {
			Warning(ctx).WithPanic(r).Log("UpdateLogConfigFailed", "log config update failed")
		}
	}()
	newLevel := ParseLogLevel(levelStr)
	if logger.logLevel != newLevel {
		Info(ctx).With("oldLogLevel", logger.logLevel).With("newLogLevel", newLevel).Log("UpdateLogLevel", "log level updated")
		logger.logLevel = newLevel
	}
	newFormat := parseLogFormat(formatStr)
	if logger.logFormat != newFormat {
		switch newFormat {
		case TextFormat:
			logger.RusLogger.SetFormatter(&logrus.TextFormatter{TimestampFormat: TimestampFormat, FullTimestamp: true})
		case JsonFormat:
			logger.RusLogger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: TimestampFormat})
		case SimpleFormat:
			logger.RusLogger.SetFormatter(NewSimpleFormatter())
		}
		Info(ctx).With("oldLogFormat", logger.logFormat).With("newLogFormat", newFormat).Log("UpdateLogFormat", "log format updated")
		logger.logFormat = newFormat
	}
	return logger
}

func estimateLength(obj interface{}) int {
	if str, ok := obj.(fmt.Stringer); ok {
		return len(str.String())
	}
	return len(fmt.Sprintf("%+v", obj))
}

// Log reports metrics even for entries below the threshold.
func (logger *LogrusLogger) Log(entry *LogEntry, shouldLog bool) {
	if logger.metricsReporter != nil {
		if shouldLog {
			size := len(entry.Msg) + len(entry.LogType)
			for _, item := range entry.Details {
				size += len(item.K) + estimateLength(item.V)
			}
			logger.metricsReporter.ReportLogSizeBytes(logger.ctx, size, entry.Level.String(), entry.LogType)
		}
		if NeedLog(entry.Level, DebugLevel) {
			logger.metricsReporter.ReportLogErrorCount(logger.ctx, 1, entry.Level.String(), entry.LogType, shouldLog)
		}
	}
	if !shouldLog {
		return
	}
	fields := make(logrus.Fields, len(entry.Details)+1)
	for _, item := range entry.Details {
		fields[item.K] = item.V
	}
	fields["event"] = entry.LogType
	ent := logger.RusLogger.WithFields(fields)
	ent.Time = entry.Timestamp
	ent.Log(logrus.Level(entry.Level), entry.Msg)
}

func (logger *LogrusLogger) Level() Level {
	return logger.logLevel
}
