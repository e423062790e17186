// Package handlers is the REST and WebSocket surface. Route wiring lives in
// main; each handler here is a plain http.HandlerFunc over the shared
// dependency set.
package handlers

import (
	"github.com/moorgate-dev/moorgate/internal/agent"
	"github.com/moorgate-dev/moorgate/internal/auth"
	"github.com/moorgate-dev/moorgate/internal/bridge"
	"github.com/moorgate-dev/moorgate/internal/core"
	"github.com/moorgate-dev/moorgate/internal/identity"
	"github.com/moorgate-dev/moorgate/internal/sessions"
)

// Deps is what the handlers need from the rest of the process.
type Deps struct {
	Core     *core.Core
	Bridge   *bridge.Bridge
	Tokens   *auth.TokenStore
	Store    *sessions.Store
	Identity identity.Exchanger

	// Push fans an agent reply out to a session's chat clients.
	Push agent.Pusher
}

var deps Deps

// Init wires the handler package. Must run before the router serves.
func Init(d Deps) {
	deps = d
}
