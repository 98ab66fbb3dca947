package clog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
)

// TextHandler is a human-oriented slog handler for local development: one
// line per record, level colorized, attributes sorted by key.
type TextHandler struct {
	cfg    TextHandlerConfig
	attrs  []slog.Attr
	groups []string
	mu     *sync.Mutex
	w      io.Writer
}

type TextHandlerConfig struct {
	Color bool
	Level *slog.Level
}

type TextHandlerOption func(*TextHandlerConfig)

func WithColor(c bool) TextHandlerOption {
	return func(cfg *TextHandlerConfig) {
		cfg.Color = c
	}
}

func WithLevel(level slog.Level) TextHandlerOption {
	return func(cfg *TextHandlerConfig) {
		cfg.Level = &level
	}
}

func NewTextHandler(w io.Writer, opts ...TextHandlerOption) *TextHandler {
	cfg := TextHandlerConfig{
		Color: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &TextHandler{
		cfg: cfg,
		mu:  &sync.Mutex{},
		w:   w,
	}
}

func (h *TextHandler) clone() *TextHandler {
	nh := *h
	nh.attrs = make([]slog.Attr, len(h.attrs))
	copy(nh.attrs, h.attrs)
	nh.groups = make([]string, len(h.groups))
	copy(nh.groups, h.groups)
	return &nh
}

func (h *TextHandler) Enabled(_ context.Context, l slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.cfg.Level != nil {
		minLevel = h.cfg.Level.Level()
	}
	return l >= minLevel
}

func (h *TextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *TextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func levelColor(l slog.Level) *color.Color {
	switch {
	case l >= slog.LevelError:
		return color.New(color.FgRed)
	case l >= slog.LevelWarn:
		return color.New(color.FgYellow)
	case l >= slog.LevelInfo:
		return color.New(color.FgBlue)
	default:
		return color.New(color.FgCyan)
	}
}

func (h *TextHandler) Handle(_ context.Context, record slog.Record) error {
	kv := map[string]string{}
	for _, attr := range h.attrs {
		kv[attr.Key] = attr.Value.String()
	}
	record.Attrs(func(attr slog.Attr) bool {
		kv[attr.Key] = attr.Value.String()
		return true
	})
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h.mu.Lock()
	defer h.mu.Unlock()

	color.NoColor = !h.cfg.Color
	color.Output = h.w

	if _, err := fmt.Fprintf(h.w, "%s ", record.Time.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("can't write time: %w", err)
	}
	if _, err := levelColor(record.Level).Fprintf(h.w, "%-5s", record.Level); err != nil {
		return fmt.Errorf("can't write level: %w", err)
	}
	if _, err := fmt.Fprintf(h.w, " %s", record.Message); err != nil {
		return fmt.Errorf("can't write message: %w", err)
	}
	for _, k := range keys {
		if _, err := fmt.Fprintf(h.w, " %s=%s", k, kv[k]); err != nil {
			return fmt.Errorf("can't write attribute: %w", err)
		}
	}
	if _, err := fmt.Fprintln(h.w); err != nil {
		return fmt.Errorf("can't write newline: %w", err)
	}
	return nil
}
