// Package logging provides the agent's structured logger, grounded on
// theMichaelB-obsync's internal/events.Logger — the one structured
// logger present anywhere in the example pack — adapted to this repo's
// naming and wired everywhere the teacher used a bare log.Printf.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is logging severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Logger is a small structured logger: level filtering, attached fields,
// and text or JSON output.
type Logger struct {
	mu     sync.Mutex
	level  Level
	format string
	out    io.Writer
	fields map[string]any
}

// New creates a root logger writing to out.
func New(level Level, format string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stderr
	}
	return &Logger{level: level, format: format, out: out, fields: map[string]any{}}
}

// With returns a derived logger carrying one extra field, without
// mutating the receiver — matches the teacher's pattern of building up
// per-component context (e.g. "[delta] %s: ...") but structured.
func (l *Logger) With(key string, value any) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	nf := make(map[string]any, len(l.fields)+1)
	for k, v := range l.fields {
		nf[k] = v
	}
	nf[key] = value
	return &Logger{level: l.level, format: l.format, out: l.out, fields: nf}
}

func (l *Logger) Debugf(format string, args ...any) { l.log(Debug, fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...any)  { l.log(Info, fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(Warn, fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.log(Error, fmt.Sprintf(format, args...)) }

func (l *Logger) log(level Level, msg string) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().UTC().Format(time.RFC3339)
	if l.format == "json" {
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf(`{"time":%q,"level":%q,"msg":%q`, ts, level.String(), msg))
		for k, v := range l.fields {
			sb.WriteString(fmt.Sprintf(`,%q:%q`, k, fmt.Sprint(v)))
		}
		sb.WriteString("}\n")
		l.out.Write([]byte(sb.String()))
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s [%s] %s", ts, strings.ToUpper(level.String()), msg))
	for k, v := range l.fields {
		sb.WriteString(fmt.Sprintf(" %s=%v", k, v))
	}
	sb.WriteString("\n")
	l.out.Write([]byte(sb.String()))
}
