// Package resolve provides the checks that run before any parameter work:
// bearer token auth, rate limiting and maintenance mode.
package resolve

import (
	"net/http"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/definition"
	"github.com/watzon/fngate/internal/gateway"
)

// Chain runs resolvers in order and stops at the first rejection.
type Chain []gateway.Resolver

// Resolve implements gateway.Resolver.
func (c Chain) Resolve(r *http.Request, def *definition.Definition) error {
	for _, res := range c {
		if err := res.Resolve(r, def); err != nil {
			return err
		}
	}
	return nil
}

// Maintenance rejects every invocation while enabled.
type Maintenance struct {
	Enabled func() bool
	Message string
}

// Resolve implements gateway.Resolver.
func (m Maintenance) Resolve(_ *http.Request, _ *definition.Definition) error {
	if m.Enabled == nil || !m.Enabled() {
		return nil
	}
	msg := m.Message
	if msg == "" {
		msg = "This service is undergoing maintenance"
	}
	return apierror.New(apierror.KindMaintenance, msg)
}
