// Package policy decides which request origins may call a function.
package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/definition"
)

// AllowList matches the Origin header against glob patterns such as
// "https://*.example.com". A function's own @origin patterns replace the
// global list. An empty list, or a request without an Origin header, is
// allowed.
type AllowList struct {
	global []string

	mu       sync.RWMutex
	compiled map[string]glob.Glob
}

// NewAllowList compiles the global patterns.
func NewAllowList(patterns []string) (*AllowList, error) {
	a := &AllowList{global: patterns, compiled: make(map[string]glob.Glob)}
	for _, p := range patterns {
		if _, err := a.matcher(p); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Patterns returns the patterns that apply to def.
func (a *AllowList) Patterns(def *definition.Definition) []string {
	if def != nil && len(def.Origins) > 0 {
		return def.Origins
	}
	return a.global
}

// Match reports whether origin is allowed for def.
func (a *AllowList) Match(origin string, def *definition.Definition) (bool, error) {
	patterns := a.Patterns(def)
	if origin == "" || len(patterns) == 0 {
		return true, nil
	}
	for _, p := range patterns {
		g, err := a.matcher(p)
		if err != nil {
			return false, err
		}
		if g.Match(origin) {
			return true, nil
		}
	}
	return false, nil
}

// Allow implements gateway.OriginPolicy.
func (a *AllowList) Allow(origin string, def *definition.Definition) error {
	ok, err := a.Match(origin, def)
	if err != nil {
		return apierror.Wrap(apierror.KindFatal, err)
	}
	if !ok {
		return denied(origin, def)
	}
	return nil
}

func (a *AllowList) matcher(pattern string) (glob.Glob, error) {
	a.mu.RLock()
	g, ok := a.compiled[pattern]
	a.mu.RUnlock()
	if ok {
		return g, nil
	}

	g, err := glob.Compile(strings.TrimRight(pattern, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid origin pattern %q: %w", pattern, err)
	}
	a.mu.Lock()
	a.compiled[pattern] = g
	a.mu.Unlock()
	return g, nil
}

func denied(origin string, def *definition.Definition) *apierror.Error {
	return apierror.Newf(apierror.KindOrigin, "Origin %q is not allowed to call %q", origin, def.Name).
		WithDetails(map[string]any{"origin": origin})
}
