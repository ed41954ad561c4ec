// Package uri builds local preview addresses and resolves the externally
// reachable form of them.
package uri

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Local returns the loopback HTTP URI for (host, port, path). The path may
// be empty; a non-empty path is rooted with a leading slash.
func Local(host string, port int, path string) string {
	return build("http", host, port, path)
}

// LocalWS returns the loopback WebSocket URI for (host, port, path).
func LocalWS(host string, port int, path string) string {
	return build("ws", host, port, path)
}

func build(scheme, host string, port int, path string) string {
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

// Externalizer translates a loopback-local URI into one reachable by the end
// user's browser, accounting for tunnels and port forwarding. The mapping
// can change over the lifetime of a connection (tunnel renegotiation), so
// callers must externalize fresh on every request and never cache results.
type Externalizer interface {
	Externalize(ctx context.Context, localURI string) (string, error)
}

// Identity is the Externalizer for non-tunneled environments: every local
// address is already reachable as-is.
type Identity struct{}

// Externalize returns the local URI unchanged.
func (Identity) Externalize(_ context.Context, localURI string) (string, error) {
	return localURI, nil
}

// Func adapts a plain function to the Externalizer interface.
type Func func(ctx context.Context, localURI string) (string, error)

// Externalize calls f.
func (f Func) Externalize(ctx context.Context, localURI string) (string, error) {
	return f(ctx, localURI)
}
