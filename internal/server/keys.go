package server

import (
	"sort"
	"sync/atomic"

	"github.com/watzon/fngate/internal/definition"
	"github.com/watzon/fngate/internal/invocation"
)

// keyring serves platform keys to the dispatcher. Configured keys take
// precedence over the environment, which is read again for the names the
// current route table declares each time it is published.
type keyring struct {
	static    invocation.Keys
	envPrefix string
	snapshot  atomic.Pointer[invocation.Keys]
}

func newKeyring(static map[string]string, envPrefix string) *keyring {
	k := &keyring{static: invocation.Keys(static), envPrefix: envPrefix}
	empty := invocation.Keys{}
	k.snapshot.Store(&empty)
	return k
}

func (k *keyring) refresh(defs []*definition.Definition) {
	merged := invocation.EnvKeys(k.envPrefix, declaredKeys(defs))
	for name, v := range k.static {
		merged[name] = v
	}
	k.snapshot.Store(&merged)
}

func (k *keyring) Lookup(name string) (string, bool) {
	if v, ok := k.static.Lookup(name); ok {
		return v, true
	}
	return k.snapshot.Load().Lookup(name)
}

func declaredKeys(defs []*definition.Definition) []string {
	seen := make(map[string]bool)
	var names []string
	for _, def := range defs {
		for _, name := range def.Keys {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}
