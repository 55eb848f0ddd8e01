package router

import (
	"context"
	"fmt"
	"strings"

	"notify_bot/internal/apperr"
	"notify_bot/internal/model"
)

type readier interface {
	Ready() <-chan struct{}
}

// Mux is a Platform that dispatches names of the form "<prefix>:<name>" to the
// platform registered for prefix. Other names go to the default platform.
type Mux struct {
	def      Platform
	prefixed map[string]Platform
}

// NewMux creates a Mux. def may be nil when every name is prefixed.
func NewMux(def Platform) *Mux {
	return &Mux{def: def, prefixed: make(map[string]Platform)}
}

// Handle registers p for names starting with prefix + ":".
func (m *Mux) Handle(prefix string, p Platform) {
	m.prefixed[prefix] = p
}

func (m *Mux) route(name string) (Platform, string) {
	if prefix, local, ok := strings.Cut(name, ":"); ok {
		if p, ok := m.prefixed[prefix]; ok {
			return p, local
		}
	}
	return m.def, name
}

// Resolve resolves name on the platform it routes to.
func (m *Mux) Resolve(ctx context.Context, name string) (Destination, error) {
	p, local := m.route(name)
	if p == nil {
		return Destination{}, fmt.Errorf("%w: no platform for %q", apperr.ErrNotFound, name)
	}
	dst, err := p.Resolve(ctx, local)
	if err != nil {
		return Destination{}, err
	}
	dst.Name = name
	return dst, nil
}

// Send delivers msg through the platform dst.Name routes to.
func (m *Mux) Send(ctx context.Context, dst Destination, msg model.Message) error {
	p, local := m.route(dst.Name)
	if p == nil {
		return fmt.Errorf("%w: no platform for %q", apperr.ErrNotFound, dst.Name)
	}
	dst.Name = local
	return p.Send(ctx, dst, msg)
}

// Ready is closed once every registered platform that reports readiness is ready.
func (m *Mux) Ready() <-chan struct{} {
	var chans []<-chan struct{}
	for _, p := range append([]Platform{m.def}, m.values()...) {
		if r, ok := p.(readier); ok {
			chans = append(chans, r.Ready())
		}
	}
	out := make(chan struct{})
	go func() {
		for _, c := range chans {
			<-c
		}
		close(out)
	}()
	return out
}

func (m *Mux) values() []Platform {
	out := make([]Platform, 0, len(m.prefixed))
	for _, p := range m.prefixed {
		out = append(out, p)
	}
	return out
}

// Ready is closed once the platform can resolve destinations.
// Platforms without a readiness signal are ready immediately.
func (r *Router) Ready() <-chan struct{} {
	if rd, ok := r.platform.(readier); ok {
		return rd.Ready()
	}
	c := make(chan struct{})
	close(c)
	return c
}
