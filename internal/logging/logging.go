// Package logging provides the default JSON-lines logger for the
// orchestrator and aliases the shared logging types so call sites can say
// logging.Field without importing internal/interfaces.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/interfaces"
)

// Logger and Field are the shared logging contract from internal/interfaces.
type (
	Logger = interfaces.Logger
	Field  = interfaces.Field
)

// StdoutLogger prints structured JSON lines to stdout. It is the production
// logger; log shippers pick the lines up from container stdout.
type StdoutLogger struct {
	component string
	fields    []Field
}

// NewStdoutLogger creates a StdoutLogger. component is optional and appears
// on every entry.
func NewStdoutLogger(component string) *StdoutLogger {
	return &StdoutLogger{component: component}
}

func (s *StdoutLogger) log(level string, msg string, fields ...Field) {
	type entry struct {
		Level     string         `json:"level"`
		Msg       string         `json:"msg"`
		Component string         `json:"component,omitempty"`
		Time      string         `json:"time"`
		Fields    map[string]any `json:"fields,omitempty"`
	}
	m := make(map[string]any, len(s.fields)+len(fields))
	for _, f := range s.fields {
		m[f.Key] = f.Value
	}
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	e := entry{
		Level:     level,
		Msg:       msg,
		Component: s.component,
		Time:      time.Now().UTC().Format(time.RFC3339),
		Fields:    m,
	}
	enc, err := json.Marshal(e)
	if err != nil {
		// Fall back to plain formatting if a field value resists JSON.
		fmt.Fprintf(os.Stdout, "%s %s %v\n", level, msg, m)
		return
	}
	fmt.Fprintln(os.Stdout, string(enc))
}

func (s *StdoutLogger) Debug(msg string, fields ...Field) { s.log("debug", msg, fields...) }
func (s *StdoutLogger) Info(msg string, fields ...Field)  { s.log("info", msg, fields...) }
func (s *StdoutLogger) Warn(msg string, fields ...Field)  { s.log("warn", msg, fields...) }
func (s *StdoutLogger) Error(msg string, fields ...Field) { s.log("error", msg, fields...) }

// With returns a child logger whose entries carry the given fields. A
// "component" field overrides the child's component name.
func (s *StdoutLogger) With(fields ...Field) Logger {
	child := &StdoutLogger{component: s.component, fields: append(append([]Field{}, s.fields...), fields...)}
	for _, f := range fields {
		if f.Key == "component" {
			if str, ok := f.Value.(string); ok {
				child.component = str
			}
		}
	}
	return child
}
