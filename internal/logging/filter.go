package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// ComponentFilterHandler wraps a handler and applies a minimum level per
// "component" attribute. Records without a component use the default level.
//
// The level table is shared by every handler derived through WithAttrs or
// WithGroup, so SetLevel takes effect on loggers created before the call.
type ComponentFilterHandler struct {
	next         slog.Handler
	levels       *levelTable
	component    string
	defaultLevel slog.Level
}

type levelTable struct {
	mu     sync.RWMutex
	levels map[string]slog.Level
}

// NewComponentFilterHandler returns a handler that forwards to next any record
// at or above the level configured for its component.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next:         next,
		levels:       &levelTable{levels: make(map[string]slog.Level)},
		defaultLevel: defaultLevel,
	}
}

// SetLevel sets the minimum level for a component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.mu.Lock()
	h.levels.levels[component] = level
	h.levels.mu.Unlock()
}

// ClearLevel reverts a component to the default level.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.mu.Lock()
	delete(h.levels.levels, component)
	h.levels.mu.Unlock()
}

// Level returns the effective minimum level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	h.levels.mu.RLock()
	defer h.levels.mu.RUnlock()
	if l, ok := h.levels.levels[component]; ok {
		return l
	}
	return h.defaultLevel
}

// DefaultLevel returns the level used for components with no override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.defaultLevel
}

// ParseLevels applies a spec of the form "worker=debug,mirror=warn".
// Unknown level names are ignored.
func (h *ComponentFilterHandler) ParseLevels(spec string) {
	for part := range strings.SplitSeq(spec, ",") {
		name, lvl, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" {
			continue
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(lvl)); err != nil {
			continue
		}
		h.SetLevel(name, level)
	}
}

// Enabled reports true for the lowest level any component could use; the
// real decision is made in Handle once the component is known.
func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.component != "" {
		return level >= h.Level(h.component)
	}
	h.levels.mu.RLock()
	minLevel := h.defaultLevel
	for _, l := range h.levels.levels {
		minLevel = min(minLevel, l)
	}
	h.levels.mu.RUnlock()
	return level >= minLevel
}

// Handle drops records below the component's level.
func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.Level(component) {
		return nil
	}
	if h.next == nil {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	for _, a := range attrs {
		if a.Key == "component" {
			clone.component = a.Value.String()
		}
	}
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	return &clone
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return &clone
}
