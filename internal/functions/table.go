package functions

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/watzon/fngate/internal/definition"
	"github.com/watzon/fngate/internal/gateway"
)

// Scheduled pairs a function with one of its manifest schedules.
type Scheduled struct {
	Definition *definition.Definition
	Schedule   ScheduleConfig
}

// Table is an immutable route table snapshot.
type Table struct {
	routes    map[string]*gateway.Route
	fallbacks map[string]*gateway.Route
	defs      []*definition.Definition
	schedules []Scheduled
}

type tableBuilder struct {
	t *Table
}

func newTableBuilder() *tableBuilder {
	return &tableBuilder{t: &Table{
		routes:    make(map[string]*gateway.Route),
		fallbacks: make(map[string]*gateway.Route),
	}}
}

func (b *tableBuilder) add(def *definition.Definition, fallback bool, schedules []ScheduleConfig) error {
	key := routeKey(def.Route)
	target := b.t.routes
	if fallback {
		target = b.t.fallbacks
	}
	if existing, ok := target[key]; ok {
		return &definition.Error{
			Path: def.SourcePath,
			Msg:  fmt.Sprintf("route %s is already served by %s", def.Route, describeSource(existing.Definition)),
		}
	}
	target[key] = &gateway.Route{Definition: def, Fallback: fallback}
	b.t.defs = append(b.t.defs, def)
	for _, s := range schedules {
		b.t.schedules = append(b.t.schedules, Scheduled{Definition: def, Schedule: s})
	}
	return nil
}

func (b *tableBuilder) build() *Table {
	sort.Slice(b.t.defs, func(i, j int) bool { return b.t.defs[i].Route < b.t.defs[j].Route })
	return b.t
}

func describeSource(def *definition.Definition) string {
	if def.SourcePath != "" {
		return def.SourcePath
	}
	return "native function " + def.Name
}

func routeKey(p string) string {
	return strings.Trim(path.Clean("/"+p), "/")
}

// Lookup finds the function serving a request path. A path with no function
// of its own is served by the nearest __notfound__ handler above it.
func (t *Table) Lookup(p string) (*gateway.Route, bool) {
	key := routeKey(p)
	if r, ok := t.routes[key]; ok {
		return r, true
	}
	dir := key
	for {
		if dir == "." {
			dir = ""
		}
		if r, ok := t.fallbacks[dir]; ok {
			return r, true
		}
		if dir == "" {
			return nil, false
		}
		dir = path.Dir(dir)
	}
}

// Functions lists every definition ordered by route.
func (t *Table) Functions() []*definition.Definition {
	out := make([]*definition.Definition, len(t.defs))
	copy(out, t.defs)
	return out
}

// Get returns the function registered at exactly route.
func (t *Table) Get(route string) (*definition.Definition, bool) {
	r, ok := t.routes[routeKey(route)]
	if !ok {
		return nil, false
	}
	return r.Definition, true
}

// Schedules lists the manifest schedules of every function.
func (t *Table) Schedules() []Scheduled {
	out := make([]Scheduled, len(t.schedules))
	copy(out, t.schedules)
	return out
}

// Registry holds the current table and swaps it atomically on reload.
// Requests in flight keep the snapshot they looked up.
type Registry struct {
	loader   *Loader
	current  atomic.Pointer[Table]
	mu       sync.Mutex
	onReload []func(*Table)
}

// NewRegistry creates a registry backed by loader. Call Load before serving.
func NewRegistry(loader *Loader) *Registry {
	r := &Registry{loader: loader}
	r.current.Store(newTableBuilder().build())
	return r
}

// Load builds the initial table.
func (r *Registry) Load() error {
	return r.Reload()
}

// Reload rebuilds the table. On error the previous table stays in place.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.loader.Load()
	if err != nil {
		return err
	}
	r.current.Store(t)
	for _, fn := range r.onReload {
		fn(t)
	}
	return nil
}

// OnReload registers fn to run after every successful load.
func (r *Registry) OnReload(fn func(*Table)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = append(r.onReload, fn)
}

// Table returns the current snapshot.
func (r *Registry) Table() *Table {
	return r.current.Load()
}

// Lookup implements gateway.RouteTable against the current snapshot.
func (r *Registry) Lookup(p string) (*gateway.Route, bool) {
	return r.current.Load().Lookup(p)
}

// Loader returns the registry's loader.
func (r *Registry) Loader() *Loader {
	return r.loader
}

var _ gateway.RouteTable = (*Registry)(nil)

func logReloadError(err error) {
	log.Error().Err(err).Msg("Reload failed, keeping previous functions")
}

// Commands maps every runtime used by the current table to the executable
// that runs it. Native functions contribute nothing.
func (r *Registry) Commands() map[string]string {
	out := make(map[string]string)
	var visit func(def *definition.Definition)
	visit = func(def *definition.Definition) {
		if def.Runtime != "" {
			out[def.Runtime] = r.loader.Command(Runtime(def.Runtime))
		}
		for _, m := range def.Methods {
			visit(m)
		}
	}
	for _, def := range r.Table().Functions() {
		visit(def)
	}
	return out
}
