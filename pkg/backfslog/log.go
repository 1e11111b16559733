// Package backfslog provides the leveled, subsystem-tagged logger used
// throughout the daemon, mirroring BackFS's historical
// ERROR/WARN/INFO/DEBUG split with one logger per component.
package backfslog

import (
	"fmt"
	"io"
	"log"
	"log/syslog"
	"strings"
	"sync/atomic"
)

// Level is a logging severity, ordered least to most verbose.
type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a case-insensitive level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "ERROR":
		return LevelError, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "INFO":
		return LevelInfo, nil
	case "DEBUG":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level: %s", s)
	}
}

// level is the process-wide log level, set once at startup via SetLevel.
var level atomic.Int32

func init() {
	level.Store(int32(LevelInfo))
}

// SetLevel sets the process-wide log level.
func SetLevel(l Level) {
	level.Store(int32(l))
}

// CurrentLevel returns the process-wide log level.
func CurrentLevel() Level {
	return Level(level.Load())
}

// output is where log lines are written when not forwarding to syslog.
var output io.Writer = nil

// syslogWriter is set when the daemon is configured to log to syslog
// rather than stderr (i.e. running detached, not in the foreground).
var syslogWriter *syslog.Writer

// Configure sets the destination for log output: stderr (the default,
// leave both nil) or a syslog writer when running as a background
// daemon.
func Configure(w io.Writer, sw *syslog.Writer) {
	output = w
	syslogWriter = sw
}

// Logger tags every line with a subsystem name, so a mixed stream of
// daemon output can be filtered per component.
type Logger struct {
	subsystem string
}

// New returns a Logger tagged with the given subsystem, e.g. "fsll" or
// "cacheengine".
func New(subsystem string) *Logger {
	return &Logger{subsystem: subsystem}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }

func (l *Logger) log(lv Level, format string, args ...interface{}) {
	if lv > CurrentLevel() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("BackFS %s %s: %s", l.subsystem, lv, msg)

	if syslogWriter != nil {
		switch lv {
		case LevelError:
			_ = syslogWriter.Err(line)
		case LevelWarn:
			_ = syslogWriter.Warning(line)
		default:
			_ = syslogWriter.Info(line)
		}
		return
	}

	if output != nil {
		fmt.Fprintln(output, line)
		return
	}
	log.Println(line)
}
