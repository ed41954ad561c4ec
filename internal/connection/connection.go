// Package connection tracks the negotiated addresses of one workspace
// grouping and translates them into externally reachable URIs.
package connection

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/previewd/previewd/internal/config"
	"github.com/previewd/previewd/internal/event"
	"github.com/previewd/previewd/internal/logger"
	"github.com/previewd/previewd/internal/uri"
)

// Workspace identifies the folder a grouping serves from. Absent in
// single-file mode.
type Workspace struct {
	Root string // absolute path
	Name string
}

// ConnectionInfo is the payload emitted once per successful connect. URIs
// are already externalized. Immutable once emitted.
type ConnectionInfo struct {
	HTTPURI    string
	WSURI      string
	Workspace  *Workspace
	RootPrefix string
	HTTPPort   int
}

// Connection is the long-lived per-grouping record of negotiated host,
// ports, and root prefix. Fields are mutated only by Connection itself, in
// response to connects, settings changes, and host resets.
type Connection struct {
	mu         sync.Mutex
	workspace  *Workspace // set at construction, never reassigned
	rootPrefix string
	httpPort   int
	wsPort     int
	wsPath     string
	host       string

	bus          *event.Bus
	externalizer uri.Externalizer
	unsubscribe  func()
	log          *logger.Logger
}

// New creates the connection record for a grouping. workspace may be nil
// for single-file mode. The connection re-derives its root prefix whenever
// the settings store reports a change.
func New(workspace *Workspace, store *config.Store, bus *event.Bus, ext uri.Externalizer) *Connection {
	cfg := store.Get()
	c := &Connection{
		workspace:    workspace,
		rootPrefix:   normalizePrefix(cfg.RootPrefix),
		host:         cfg.Host,
		bus:          bus,
		externalizer: ext,
		log:          logger.Global().WithPrefix("connection"),
	}
	if c.host == "" {
		c.host = config.DefaultHost
	}

	c.unsubscribe = store.OnChange(func(updated *config.Config) {
		c.mu.Lock()
		c.rootPrefix = normalizePrefix(updated.RootPrefix)
		c.mu.Unlock()
	})

	return c
}

// normalizePrefix keeps the root prefix a clean, forward-slash path relative
// to the workspace root, never absolute.
func normalizePrefix(prefix string) string {
	p := path.Clean(filepath.ToSlash(strings.TrimSpace(prefix)))
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// Connected stores the negotiated ports and path, externalizes both local
// URIs, and announces the connection. A failed externalization means the
// connection is not announced at all; no partial ConnectionInfo escapes.
func (c *Connection) Connected(ctx context.Context, httpPort, wsPort int, wsPath string) error {
	c.mu.Lock()
	c.httpPort = httpPort
	c.wsPort = wsPort
	c.wsPath = wsPath
	host := c.host
	workspace := c.workspace
	rootPrefix := c.rootPrefix
	c.mu.Unlock()

	httpURI, err := c.externalizer.Externalize(ctx, uri.Local(host, httpPort, ""))
	if err != nil {
		return fmt.Errorf("failed to externalize HTTP URI: %w", err)
	}
	wsURI, err := c.externalizer.Externalize(ctx, uri.LocalWS(host, wsPort, wsPath))
	if err != nil {
		return fmt.Errorf("failed to externalize WS URI: %w", err)
	}

	c.log.Debug("connected: http=%s ws=%s", httpURI, wsURI)
	c.bus.Publish(event.Event{Type: event.ConnectionReady, Data: ConnectionInfo{
		HTTPURI:    httpURI,
		WSURI:      wsURI,
		Workspace:  workspace,
		RootPrefix: rootPrefix,
		HTTPPort:   httpPort,
	}})
	return nil
}

// ResolveExternalHTTPURI externalizes the currently stored HTTP address
// without re-announcing a connection. Resolution is fresh on every call;
// the tunnel mapping may have changed since the last one.
func (c *Connection) ResolveExternalHTTPURI(ctx context.Context) (string, error) {
	c.mu.Lock()
	local := uri.Local(c.host, c.httpPort, "")
	c.mu.Unlock()
	return c.externalizer.Externalize(ctx, local)
}

// ResolveExternalWSURI externalizes the currently stored WebSocket address.
func (c *Connection) ResolveExternalWSURI(ctx context.Context) (string, error) {
	c.mu.Lock()
	local := uri.LocalWS(c.host, c.wsPort, c.wsPath)
	c.mu.Unlock()
	return c.externalizer.Externalize(ctx, local)
}

// ResetHostToDefault resets the host to the well-known default. No-op when
// the host already is the default. Otherwise it warns the user and fires a
// host-reset notification, distinct from a normal reconnect, carrying the
// new host. Returns whether a reset happened.
func (c *Connection) ResetHostToDefault() bool {
	c.mu.Lock()
	if c.host == config.DefaultHost {
		c.mu.Unlock()
		return false
	}
	old := c.host
	c.host = config.DefaultHost
	c.mu.Unlock()

	c.log.Warn("host %s is not reachable, falling back to %s", old, config.DefaultHost)
	c.bus.Publish(event.Event{Type: event.StatusMessage,
		Data: fmt.Sprintf("Configured host %s was unreachable; using %s instead", old, config.DefaultHost)})
	c.bus.Publish(event.Event{Type: event.HostReset, Data: config.DefaultHost})
	return true
}

// Host returns the host the grouping currently binds to.
func (c *Connection) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// HTTPPort returns the last negotiated HTTP port.
func (c *Connection) HTTPPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.httpPort
}

// RootPrefix returns the current workspace-relative root prefix.
func (c *Connection) RootPrefix() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rootPrefix
}

// Workspace returns the workspace this grouping serves, or nil in
// single-file mode.
func (c *Connection) Workspace() *Workspace {
	return c.workspace
}

// resolvedRoot returns the serving root (workspace root joined with the
// root prefix) in forward-slash form, or "" when there is no workspace.
func (c *Connection) resolvedRoot() string {
	if c.workspace == nil || c.workspace.Root == "" {
		return ""
	}
	root := filepath.ToSlash(c.workspace.Root)
	if c.rootPrefix != "" {
		root = strings.TrimSuffix(root, "/") + "/" + c.rootPrefix
	}
	return strings.TrimSuffix(root, "/")
}

// FileRelativeToWorkspace returns the forward-slash path of absPath
// relative to the resolved workspace root, and whether absPath is contained
// in it. Containment is a strict prefix test; with no workspace nothing is
// contained.
func (c *Connection) FileRelativeToWorkspace(absPath string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	root := c.resolvedRoot()
	if root == "" {
		return "", false
	}

	p := path.Clean(filepath.ToSlash(absPath))
	prefix := root + "/"
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return strings.TrimPrefix(p, prefix), true
}

// AppendedURI joins relativePath onto the resolved workspace root, or
// treats it as a raw filesystem path when there is no workspace.
func (c *Connection) AppendedURI(relativePath string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rel := filepath.ToSlash(relativePath)
	root := c.resolvedRoot()
	if root == "" {
		return path.Clean(rel)
	}
	if rel == "" {
		return root
	}
	return path.Clean(root + "/" + rel)
}

// Dispose unsubscribes the settings listener. The grouping that owns the
// bus closes it separately.
func (c *Connection) Dispose() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}
