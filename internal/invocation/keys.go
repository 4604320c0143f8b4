package invocation

import "os"

// KeyLookup resolves named secrets for a function. Implementations must be
// safe for concurrent use and must not change during an invocation.
type KeyLookup interface {
	Lookup(name string) (string, bool)
}

// Keys is a fixed key snapshot.
type Keys map[string]string

// Lookup returns the named key.
func (k Keys) Lookup(name string) (string, bool) {
	v, ok := k[name]
	return v, ok
}

// EnvKeys snapshots the named environment variables, read with prefix
// prepended to each name.
func EnvKeys(prefix string, names []string) Keys {
	out := make(Keys, len(names))
	for _, name := range names {
		if v, ok := os.LookupEnv(prefix + name); ok {
			out[name] = v
		}
	}
	return out
}

type restricted struct {
	base    KeyLookup
	allowed map[string]bool
}

func (r restricted) Lookup(name string) (string, bool) {
	if !r.allowed[name] {
		return "", false
	}
	return r.base.Lookup(name)
}

// Restrict limits a lookup to the names a function declares.
func Restrict(base KeyLookup, names []string) KeyLookup {
	if base == nil {
		return Keys{}
	}
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	return restricted{base: base, allowed: allowed}
}
