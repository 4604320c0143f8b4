package functions

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/watzon/fngate/internal/definition"
	"github.com/watzon/fngate/internal/invocation"
)

// Special file names. __main__ answers for its directory, __notfound__
// answers for any missing path below its directory.
const (
	MainFile     = "__main__"
	NotFoundFile = "__notfound__"
)

// DefaultIgnore is the ignore list used when none is configured.
var DefaultIgnore = []string{"node_modules", "**/node_modules", "**/__pycache__"}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// Dir is the functions directory.
	Dir string
	// Ignore holds glob patterns matched against slash-separated paths
	// relative to Dir. Matching files and directories are never parsed.
	Ignore []string
	// Runtimes overrides the built-in runtime commands.
	Runtimes map[Runtime]RuntimeConfig
	// Env is added to every function process.
	Env map[string]string
}

// Loader builds route tables from a functions directory.
type Loader struct {
	opts     LoaderOptions
	ignore   []glob.Glob
	runtimes map[Runtime]*SubprocessRuntime
	natives  []*definition.Definition
}

// NewLoader compiles the ignore list and returns a loader.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Ignore == nil {
		opts.Ignore = DefaultIgnore
	}
	runtimes := DefaultRuntimes()
	for k, v := range opts.Runtimes {
		runtimes[k] = v
	}
	opts.Runtimes = runtimes

	l := &Loader{opts: opts, runtimes: make(map[Runtime]*SubprocessRuntime)}
	for _, pattern := range opts.Ignore {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", pattern, err)
		}
		l.ignore = append(l.ignore, g)
	}
	return l, nil
}

// Register adds a natively implemented function at route. doc is a
// documentation block in the same tag syntax as function files. Native
// functions are part of every table the loader builds.
func (l *Loader) Register(route, doc string, h invocation.Handler) error {
	key := strings.Trim(route, "/")
	if key == "" || strings.HasPrefix(key, "_") || strings.Contains(key, "/_") {
		return &definition.Error{Path: route, Msg: "native function routes cannot be private"}
	}
	def, err := definition.FromDoc(key, doc)
	if err != nil {
		return err
	}
	def.Route = "/" + key + "/"
	def.Handler = h
	for _, n := range l.natives {
		if n.Route == def.Route {
			return &definition.Error{Path: route, Msg: "function is already registered"}
		}
	}
	l.natives = append(l.natives, def)
	return nil
}

// Ignored reports whether a path relative to the functions directory is on
// the ignore list.
func (l *Loader) Ignored(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, g := range l.ignore {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// Load parses every function file and returns a new table. All load errors
// are reported together; the table is nil when any occurred.
func (l *Loader) Load() (*Table, error) {
	b := newTableBuilder()
	var errs []error

	for _, def := range l.natives {
		if err := b.add(def, false, nil); err != nil {
			errs = append(errs, err)
		}
	}

	if l.opts.Dir != "" {
		if _, err := os.Stat(l.opts.Dir); errors.Is(err, fs.ErrNotExist) {
			log.Warn().Str("path", l.opts.Dir).Msg("Functions directory does not exist")
		} else {
			errs = append(errs, l.walk(b)...)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	t := b.build()
	log.Info().Int("count", len(t.defs)).Msg("Functions loaded")
	return t, nil
}

func (l *Loader) walk(b *tableBuilder) []error {
	var errs []error
	err := filepath.WalkDir(l.opts.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(l.opts.Dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || l.Ignored(rel) {
				return filepath.SkipDir
			}
			return nil
		}

		ext := filepath.Ext(name)
		base := strings.TrimSuffix(name, ext)
		if strings.HasPrefix(base, ".") || l.Ignored(rel) {
			return nil
		}
		if strings.HasPrefix(base, "_") && base != MainFile && base != NotFoundFile {
			return nil
		}
		rt := detectRuntime(ext)
		if rt == "" {
			return nil
		}

		if err := l.loadFile(b, p, filepath.ToSlash(rel), base, rt); err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("walking functions directory: %w", err))
	}
	return errs
}

func (l *Loader) loadFile(b *tableBuilder, p, rel, base string, rt Runtime) error {
	src, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("reading %s: %w", rel, err)
	}
	def, err := definition.Parse(p, src)
	if err != nil {
		return err
	}

	dir := path.Dir(rel)
	if dir == "." {
		dir = ""
	}
	key := strings.TrimSuffix(rel, path.Ext(rel))
	fallback := false
	switch base {
	case MainFile:
		key = dir
	case NotFoundFile:
		fallback = true
	}

	manifest, err := l.manifestFor(p)
	if err != nil {
		return fmt.Errorf("%s: %w", rel, err)
	}
	env := make(map[string]string, len(l.opts.Env))
	for k, v := range l.opts.Env {
		env[k] = v
	}
	if manifest != nil {
		if manifest.Runtime != "" {
			rt = Runtime(manifest.Runtime)
		}
		for k, v := range manifest.Env {
			env[k] = v
		}
	}

	route := "/"
	if key != "" {
		route = "/" + key + "/"
	}
	if fallback {
		route = "/" + dir
		if dir != "" {
			route += "/"
		}
	}
	name := key
	if name == "" {
		name = base
	}
	runtime := l.runtime(rt)

	apply := func(d *definition.Definition) {
		d.Name = name
		d.Route = route
		d.Runtime = string(rt)
		if manifest != nil {
			d.Timeout = manifest.TimeoutDuration()
			d.Origins = appendUnique(d.Origins, manifest.Origins)
			d.Keys = appendUnique(d.Keys, manifest.Keys)
		}
	}
	apply(def)
	def.Each(func(m *definition.Definition) {
		apply(m)
		if runtime != nil {
			m.Handler = runtime.Handler(m, env)
		}
	})

	var schedules []ScheduleConfig
	if manifest != nil && !fallback {
		schedules = manifest.Schedules
	}
	if err := b.add(def, fallback, schedules); err != nil {
		return fmt.Errorf("%s: %w", rel, err)
	}
	log.Debug().
		Str("name", name).
		Str("route", route).
		Str("runtime", string(rt)).
		Bool("has_manifest", manifest != nil).
		Msg("Discovered function")
	return nil
}

// manifestFor returns the sidecar manifest of a function file, or nil.
func (l *Loader) manifestFor(source string) (*Manifest, error) {
	stem := strings.TrimSuffix(source, filepath.Ext(source))
	for _, ext := range []string{".yaml", ".yml"} {
		if _, err := os.Stat(stem + ext); err == nil {
			return LoadManifest(stem + ext)
		}
	}
	return nil, nil
}

// runtime returns a cached runtime, or nil when its binary is missing.
// Functions without a runtime answer with a FatalError when invoked.
func (l *Loader) runtime(rt Runtime) *SubprocessRuntime {
	if r, ok := l.runtimes[rt]; ok {
		return r
	}
	r, err := NewSubprocessRuntime(rt, l.opts.Runtimes[rt])
	if err != nil {
		log.Warn().Err(err).Str("runtime", string(rt)).Msg("Runtime unavailable")
		r = nil
	}
	l.runtimes[rt] = r
	return r
}

func appendUnique(list, extra []string) []string {
	for _, s := range extra {
		found := false
		for _, have := range list {
			if have == s {
				found = true
				break
			}
		}
		if !found {
			list = append(list, s)
		}
	}
	return list
}

// Command returns the executable configured for rt.
func (l *Loader) Command(rt Runtime) string {
	return l.opts.Runtimes[rt].Command
}
