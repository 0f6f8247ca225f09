// Package api hosts the HTTP handlers of the relay control surface.
//
// Handler reads the relay group, the statistics endpoint, the guard engine
// and the switch journal, all injected at construction time. Manual switches
// go through the same relay.Group as the guard, so an in-flight action makes
// a concurrent request fail with 409 instead of queueing behind it.
//
// Handlers assume internal/server has already applied the credential gate,
// rate limiting, metrics and request logging.
package api
