// Package logger builds the process slog.Logger: human-readable text through
// charmbracelet/log, or one JSON entry per line for log shipping.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"ifrelay/pkg/config"
)

const (
	envLogFormat    = "IFRELAY_LOG_FORMAT"
	envLogLevel     = "IFRELAY_LOG_LEVEL"
	envLogAddSource = "IFRELAY_LOG_ADD_SOURCE"

	formatText = "text"
	formatJSON = "json"
)

// LogEntry is one line of JSON output. Relay correlation attributes are
// lifted out of Fields so entries for one call can be joined on call_id.
type LogEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	Frame     string         `json:"frame,omitempty"`
	Peer      string         `json:"peer,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Procedure string         `json:"procedure,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

// promoted maps attribute keys to the LogEntry field they fill.
var promoted = map[string]func(*LogEntry, string){
	"component": func(e *LogEntry, v string) { e.Component = v },
	"frame":     func(e *LogEntry, v string) { e.Frame = v },
	"peer":      func(e *LogEntry, v string) { e.Peer = v },
	"call_id":   func(e *LogEntry, v string) { e.CallID = v },
	"procedure": func(e *LogEntry, v string) { e.Procedure = v },
}

type options struct {
	format    string
	level     slog.Level
	addSource bool
}

// New returns a logger writing to stderr. IFRELAY_LOG_FORMAT,
// IFRELAY_LOG_LEVEL and IFRELAY_LOG_ADD_SOURCE override the config.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	opts, err := resolveOptions(cfg)
	if err != nil {
		return nil, err
	}

	if opts.format == formatText {
		return slog.New(charmLog.NewWithOptions(writer, charmLog.Options{
			Level:           charmLevel(opts.level),
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
			ReportCaller:    opts.addSource,
			Formatter:       charmLog.TextFormatter,
		})), nil
	}

	return slog.New(&entryHandler{
		level:     opts.level,
		addSource: opts.addSource,
		writer:    writer,
		mu:        &sync.Mutex{},
	}), nil
}

func resolveOptions(cfg config.LoggingConfig) (options, error) {
	opts := options{
		format:    firstNonEmpty(os.Getenv(envLogFormat), cfg.Format, formatText),
		addSource: cfg.AddSource,
	}
	if opts.format != formatText && opts.format != formatJSON {
		return options{}, fmt.Errorf("unsupported log format %q", opts.format)
	}

	level, err := parseLevel(firstNonEmpty(os.Getenv(envLogLevel), cfg.Level, "info"))
	if err != nil {
		return options{}, err
	}
	opts.level = level

	if env := strings.TrimSpace(os.Getenv(envLogAddSource)); env != "" {
		opts.addSource = parseBool(env)
	}

	return opts, nil
}

// firstNonEmpty returns the first value that is not blank, lowercased.
func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return strings.ToLower(trimmed)
		}
	}
	return ""
}

func parseLevel(text string) (slog.Level, error) {
	switch text {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", text)
	}
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// entryHandler writes LogEntry lines.
type entryHandler struct {
	level     slog.Level
	addSource bool
	writer    io.Writer
	attrs     []slog.Attr
	groups    []string
	mu        *sync.Mutex
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *entryHandler) Handle(_ context.Context, record slog.Record) error {
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := LogEntry{
		Level:     strings.ToLower(record.Level.String()),
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Message:   record.Message,
	}

	fields := make(map[string]any)
	for _, attr := range h.attrs {
		apply(&entry, fields, "", attr)
	}
	prefix := h.groupPrefix()
	record.Attrs(func(attr slog.Attr) bool {
		apply(&entry, fields, prefix, attr)
		return true
	})
	if len(fields) > 0 {
		entry.Fields = fields
	}

	if h.addSource {
		entry.Caller = caller(record.PC)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(append(line, '\n'))
	return err
}

// apply records attr under prefix+key. Only ungrouped string attributes are
// promoted.
func apply(entry *LogEntry, fields map[string]any, prefix string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if prefix == "" && attr.Value.Kind() == slog.KindString {
		if set, ok := promoted[attr.Key]; ok {
			set(entry, attr.Value.String())
			return
		}
	}

	fields[prefix+attr.Key] = attrValue(attr.Value)
}

func (h *entryHandler) groupPrefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

func attrValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := value.Group()
		out := make(map[string]any, len(group))
		for _, item := range group {
			out[item.Key] = attrValue(item.Value.Resolve())
		}
		return out
	case slog.KindAny:
		switch v := value.Any().(type) {
		case error:
			return v.Error()
		case fmt.Stringer:
			return v.String()
		default:
			return v
		}
	default:
		return value.Any()
	}
}

func caller(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	if prefix := h.groupPrefix(); prefix != "" {
		grouped := make([]slog.Attr, 0, len(attrs))
		for _, attr := range attrs {
			attr.Key = prefix + attr.Key
			grouped = append(grouped, attr)
		}
		attrs = grouped
	}
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}
