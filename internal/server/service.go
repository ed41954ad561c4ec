package server

import "context"

// HTTPService is the contract the orchestrator drives the content server
// through. The orchestrator exclusively owns the handle; no other component
// starts or stops it.
type HTTPService interface {
	// Start binds (host, port) and begins serving. The OnConnected callback
	// fires once the service is actually listening.
	Start(host string, port int) error
	// Close stops the service. Must be a no-op when not running.
	Close() error
	// Port returns the bound port.
	Port() int
	// HasServedFile reports whether the file at absPath was transmitted to a
	// client during the current serving session.
	HasServedFile(absPath string) bool
	// SetExternalWSURI hands the service the client-resolvable address of
	// the reload channel.
	SetExternalWSURI(wsURI string)
	// OnConnected registers the listening notification.
	OnConnected(fn func(port int))
}

// WSService is the contract for the reload notification channel. It is
// started with the same nominal port as the HTTP service but may negotiate
// a different actual port.
type WSService interface {
	Start(ctx context.Context, host string, nominalPort int) error
	Close() error
	// Port returns the negotiated port.
	Port() int
	// Path returns the URL path the channel is reachable at.
	Path() string
	// RefreshBrowsers broadcasts a reload to all connected clients.
	RefreshBrowsers()
	// SetExternalHostName hands the service the externally resolvable
	// address it advertises to clients.
	SetExternalHostName(host string)
	// OnConnected registers the listening notification.
	OnConnected(fn func())
}

// StatusSink receives user-visible server state. Implementations must not
// block; updates are fired from transition handlers.
type StatusSink interface {
	ServerOn(port int)
	ServerOff()
	Message(msg string)
}
