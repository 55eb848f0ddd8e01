// Package modules starts named components after the components they require.
package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"notify_bot/internal/apperr"
)

// Module is a named component with its requirements.
// Start and Stop may be nil.
type Module struct {
	Name     string
	Requires []string
	Start    func(ctx context.Context) error
	Stop     func(ctx context.Context) error
}

// CycleError reports a requirement cycle, first module repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "module dependency cycle: " + strings.Join(e.Path, " -> ")
}

// Order returns the enabled modules and everything they require,
// each module after its requirements.
func Order(mods []Module, enabled []string) ([]Module, error) {
	byName := make(map[string]Module, len(mods))
	for _, m := range mods {
		byName[m.Name] = m
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	var (
		out   []Module
		stack []string
	)

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			path := append(append([]string(nil), stack[start:]...), name)
			return &CycleError{Path: path}
		}

		m, ok := byName[name]
		if !ok {
			if len(stack) > 0 {
				return fmt.Errorf("%w: module %q required by %q", apperr.ErrNotFound, name, stack[len(stack)-1])
			}
			return fmt.Errorf("%w: module %q", apperr.ErrNotFound, name)
		}

		state[name] = visiting
		stack = append(stack, name)
		for _, req := range m.Requires {
			if err := visit(req); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		out = append(out, m)
		return nil
	}

	for _, name := range enabled {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Loader starts registered modules in dependency order and stops them in reverse.
type Loader struct {
	mods    []Module
	started []Module
	log     *slog.Logger
}

// NewLoader creates an empty Loader.
func NewLoader(log *slog.Logger) *Loader {
	return &Loader{log: log.With("component", "modules")}
}

// Register adds a module. Names must be unique.
func (l *Loader) Register(m Module) error {
	for _, existing := range l.mods {
		if existing.Name == m.Name {
			return fmt.Errorf("%w: module %q registered twice", apperr.ErrValidation, m.Name)
		}
	}
	l.mods = append(l.mods, m)
	return nil
}

// Start starts the enabled modules and their requirements. When a module
// fails to start, the modules already started are stopped.
func (l *Loader) Start(ctx context.Context, enabled []string) error {
	order, err := Order(l.mods, enabled)
	if err != nil {
		return err
	}

	for _, m := range order {
		if m.Start != nil {
			if err := m.Start(ctx); err != nil {
				stopErr := l.Stop(ctx)
				return errors.Join(fmt.Errorf("start module %s: %w", m.Name, err), stopErr)
			}
		}
		l.started = append(l.started, m)
		l.log.Info("module started", "module", m.Name)
	}
	return nil
}

// Stop stops started modules in reverse start order.
func (l *Loader) Stop(ctx context.Context) error {
	var errs []error
	for i := len(l.started) - 1; i >= 0; i-- {
		m := l.started[i]
		if m.Stop == nil {
			continue
		}
		if err := m.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop module %s: %w", m.Name, err))
			continue
		}
		l.log.Info("module stopped", "module", m.Name)
	}
	l.started = nil
	return errors.Join(errs...)
}
