// Package logger is the process-wide leveled logger. Console output is a
// single line per entry; an optional JSON file sink captures the same entries
// for later inspection. All messages and field values pass through the
// redaction layer before they are written anywhere.
package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/troupelab/troupe/pkg/redaction"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var (
	mu           sync.RWMutex
	currentLevel = INFO
	sink         *os.File

	// redactionEnabled controls whether entries are redacted before writing.
	redactionEnabled = true
)

type entry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// SetLevel sets the minimum level that will be written.
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// GetLevel returns the current minimum level.
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetRedactionEnabled toggles redaction of messages and field values.
func SetRedactionEnabled(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	redactionEnabled = enabled
}

// EnableFileLogging opens (or creates) a JSON line sink at filePath.
func EnableFileLogging(filePath string) error {
	mu.Lock()
	defer mu.Unlock()

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if sink != nil {
		sink.Close()
	}
	sink = file
	return nil
}

// DisableFileLogging closes the JSON file sink, if any.
func DisableFileLogging() {
	mu.Lock()
	defer mu.Unlock()
	if sink != nil {
		sink.Close()
		sink = nil
	}
}

func write(level LogLevel, component, message string, fields map[string]any) {
	mu.RLock()
	min := currentLevel
	redact := redactionEnabled
	file := sink
	mu.RUnlock()

	if level < min {
		return
	}
	if redact {
		message = redaction.Redact(message)
		if fields != nil {
			fields = redaction.RedactFields(fields)
		}
	}

	e := entry{
		Level:     levelNames[level],
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Component: component,
		Message:   message,
		Fields:    fields,
	}

	if file != nil {
		if data, err := json.Marshal(e); err == nil {
			file.Write(append(data, '\n'))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s]", e.Timestamp, e.Level)
	if component != "" {
		fmt.Fprintf(&b, " %s:", component)
	}
	b.WriteByte(' ')
	b.WriteString(message)
	if len(fields) > 0 {
		b.WriteString(" {")
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, fields[k])
		}
		b.WriteByte('}')
	}
	log.Println(b.String())
}

func Debug(message string) { write(DEBUG, "", message, nil) }
func Info(message string)  { write(INFO, "", message, nil) }
func Warn(message string)  { write(WARN, "", message, nil) }
func Error(message string) { write(ERROR, "", message, nil) }

func DebugC(component, message string) { write(DEBUG, component, message, nil) }
func InfoC(component, message string)  { write(INFO, component, message, nil) }
func WarnC(component, message string)  { write(WARN, component, message, nil) }
func ErrorC(component, message string) { write(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]any) {
	write(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]any) {
	write(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]any) {
	write(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]any) {
	write(ERROR, component, message, fields)
}
