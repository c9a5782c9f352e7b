package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields carries structured log fields, mirroring logrus.Fields.
type Fields map[string]interface{}

// Log is the application logger. It embeds logrus and layers component
// tagging, warn/error accounting and CloudWatch metric publishing on top.
type Log struct {
	*logrus.Logger
}

// Entry is a single in-flight entry produced by the chaining helpers.
type Entry struct {
	*logrus.Entry
}

var globalLogger *Log

func init() {
	globalLogger = Logger()
}

// Logger builds a fresh JSON logger. The level comes from LOG_LEVEL when set
// and defaults to info; "report" is accepted as an alias for info so
// report-only deployments can share the same variable.
func Logger() *Log {
	base := logrus.New()
	base.SetReportCaller(true)
	base.SetFormatter(jsonFormatter())
	base.AddHook(&callerHook{})

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	if parsed, err := levelFromString(level); err == nil {
		base.SetLevel(parsed)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}

	return &Log{Logger: base}
}

// GetLogger returns the shared process-wide logger.
func GetLogger() *Log {
	return globalLogger
}

func levelFromString(level string) (logrus.Level, error) {
	level = strings.ToLower(level)
	if level == "report" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(level)
}

func shortCaller(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func jsonFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
		CallerPrettyfier: shortCaller,
	}
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:    true,
		TimestampFormat:  time.RFC3339,
		CallerPrettyfier: shortCaller,
	}
}

// Configure applies the logging section of the configuration. LOG_LEVEL still
// wins over the configured level so a deployment can be made verbose without
// editing config files.
func (l *Log) Configure(level, format, output string, maxAge int) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	parsed, err := levelFromString(level)
	if err != nil {
		return fmt.Errorf("unsupported log level %q", level)
	}
	l.SetLevel(parsed)
	l.SetReportCaller(true)

	switch format {
	case "json":
		l.SetFormatter(jsonFormatter())
	case "text":
		l.SetFormatter(textFormatter())
	default:
		return fmt.Errorf("unsupported log format %q", format)
	}

	writer, err := outputWriter(output, maxAge)
	if err != nil {
		return err
	}
	l.SetOutput(writer)
	return nil
}

// outputWriter maps an output spec onto a writer. Anything that is not stdout
// or stderr is treated as a file path; with a retention age the file rotates
// through lumberjack.
func outputWriter(output string, maxAge int) (io.Writer, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}

	if maxAge > 0 {
		return &lumberjack.Logger{
			Filename: output,
			MaxAge:   maxAge,
			MaxSize:  100,
			Compress: true,
		}, nil
	}

	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", output, err)
	}
	return file, nil
}

// WithComponent tags the entry with the component name used by the warn/error
// accounting and the dashboard log store.
func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

// WithEnv copies the named environment variables into the entry fields.
func (l *Log) WithEnv(names ...string) *Entry {
	return &Entry{Entry: l.Logger.WithFields(envFields(names))}
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

func (e *Entry) WithEnv(names ...string) *Entry {
	return &Entry{Entry: e.Entry.WithFields(envFields(names))}
}

func envFields(names []string) logrus.Fields {
	fields := make(logrus.Fields, len(names))
	for _, name := range names {
		fields[name] = os.Getenv(name)
	}
	return fields
}

func (e *Entry) Debug(args ...interface{}) {
	e.Entry.Debug(args...)
}

func (e *Entry) Info(args ...interface{}) {
	e.Entry.Info(args...)
}

// Warn logs at warn level and counts the warning against the entry component
// for the periodic runtime report.
func (e *Entry) Warn(args ...interface{}) {
	if component, ok := e.Entry.Data["component"].(string); ok {
		recordWarn(component)
	}
	e.Entry.Warn(args...)
}

// Error logs at error level and counts the error against the entry component.
func (e *Entry) Error(args ...interface{}) {
	if component, ok := e.Entry.Data["component"].(string); ok {
		recordError(component)
	}
	e.Entry.Error(args...)
}

// LogMetric emits a structured metric log line and forwards numeric values to
// CloudWatch. Non-numeric values only produce the log line.
func (l *Log) LogMetric(component, metric string, value interface{}, metricType string, fields Fields) {
	l.WithComponent(component).LogMetric(component, metric, value, metricType, fields)
}

func (e *Entry) LogMetric(component, metric string, value interface{}, metricType string, fields Fields) {
	if metricType == "" {
		metricType = "counter"
	}

	tagged := make(Fields, len(fields)+3)
	for k, v := range fields {
		tagged[k] = v
	}
	tagged["metric"] = metric
	tagged["value"] = value
	tagged["metric_type"] = metricType

	e.WithComponent(component).WithFields(tagged).Info("metric")

	numeric, ok := numericValue(value)
	if !ok {
		return
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
	for k, v := range fields {
		if s, ok := v.(string); ok {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	publishMetrics(context.Background(), []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: dims,
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(numeric),
	}})
}

func numericValue(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
