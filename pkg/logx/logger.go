package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// source yields the zerolog logger a Logger writes through. Service swaps
// its logger on Apply, so derived Loggers follow reloads.
type source interface {
	zl() *zerolog.Logger
}

type fixed struct{ l zerolog.Logger }

func (f *fixed) zl() *zerolog.Logger { return &f.l }

// Logger writes structured events. The zero value discards everything.
type Logger struct {
	src    source
	fields []Field
}

// Nop returns a logger that never writes.
func Nop() Logger {
	return Logger{src: &fixed{l: zerolog.Nop()}}
}

// NewConsole builds a human-readable stderr logger, for use before
// configuration is loaded.
func NewConsole(level string) Logger {
	return Logger{src: &fixed{l: build(consoleWriter(os.Stderr), level)}}
}

// NewWriter builds a JSON logger on w.
func NewWriter(w io.Writer, level string) Logger {
	return Logger{src: &fixed{l: build(w, level)}}
}

func build(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) target() *zerolog.Logger {
	if l.src == nil {
		return nil
	}
	return l.src.zl()
}

// Enabled reports whether events at level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.target()
	if zl == nil {
		return false
	}
	return level >= zl.GetLevel() && zl.GetLevel() != zerolog.Disabled
}

// With returns a child logger that attaches fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return Logger{src: l.src, fields: merged}
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

// emit must be called directly from a level method so the caller frame
// lands on user code.
func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.target()
	if zl == nil {
		return
	}
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	apply(e, l.fields)
	apply(e, fields)
	e.Msg(msg)
}

func apply(e *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: consoleTimeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

var levelNames = map[string]zerolog.Level{
	"":        zerolog.InfoLevel,
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

// parseLevel falls back to info for unknown names; config validation
// rejects those before they get here.
func parseLevel(s string) zerolog.Level {
	if lv, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lv
	}
	return zerolog.InfoLevel
}

// ValidLevel reports whether s names a known level. Empty means info.
func ValidLevel(s string) bool {
	_, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]
	return ok
}
