// Package server orchestrates the paired HTTP and WebSocket preview
// services: port discovery, the both-connected rendezvous, and teardown.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/previewd/previewd/internal/connection"
	"github.com/previewd/previewd/internal/event"
	"github.com/previewd/previewd/internal/logger"
	"github.com/previewd/previewd/internal/ports"
)

// maxBindRetries bounds how often an open cycle re-probes after losing the
// race for a probed port. Probing is optimistic (refusal and timeout both
// count as free), so the bind is where contention actually surfaces.
const maxBindRetries = 5

// bindRetryInterval spaces successive bind attempts.
const bindRetryInterval = 100 * time.Millisecond

// Orchestrator owns one HTTP service handle and one WebSocket service
// handle, starts them on a jointly discovered free port, and performs the
// exactly-once serving transition when both report connected.
type Orchestrator struct {
	mu         sync.Mutex
	conn       *connection.Connection
	httpSvc    HTTPService
	wsSvc      WSService
	status     StatusSink
	bus        *event.Bus
	rdv        rendezvous
	httpPort   int
	isServerOn bool
	opening    bool
	generation uint64
	cancelOpen context.CancelFunc
	log        *logger.Logger
}

// NewOrchestrator wires an orchestrator to its collaborators. conn may be
// nil when there is no addressable target; OpenServer then fails fast.
func NewOrchestrator(conn *connection.Connection, httpSvc HTTPService, wsSvc WSService, status StatusSink, bus *event.Bus) *Orchestrator {
	return &Orchestrator{
		conn:    conn,
		httpSvc: httpSvc,
		wsSvc:   wsSvc,
		status:  status,
		bus:     bus,
		log:     logger.Global().WithPrefix("server"),
	}
}

// IsRunning reports whether the serving transition has happened for the
// current open cycle.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isServerOn
}

// OpenServer starts an open cycle at preferredPort. It returns immediately;
// success is observed through the serving transition, not the return value.
// Calling it while a cycle is already starting or serving is a no-op that
// returns true. Returns false only when there is no addressable target, in
// which case nothing is mutated.
func (o *Orchestrator) OpenServer(preferredPort int) bool {
	o.mu.Lock()
	if o.conn == nil {
		o.mu.Unlock()
		return false
	}
	if o.isServerOn || o.opening {
		o.mu.Unlock()
		return true
	}

	o.opening = true
	o.rdv = rendezvous{}
	o.httpPort = 0
	o.generation++
	gen := o.generation

	ctx, cancel := context.WithCancel(context.Background())
	if o.cancelOpen != nil {
		o.cancelOpen()
	}
	o.cancelOpen = cancel
	o.mu.Unlock()

	go o.open(ctx, gen, preferredPort)
	return true
}

// stale reports whether gen belongs to a cycle that has since been closed
// or superseded. Late callbacks from such cycles must be no-ops.
func (o *Orchestrator) stale(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return gen != o.generation
}

// open runs one open cycle: probe, start both services, wait for the
// rendezvous via the connected callbacks.
func (o *Orchestrator) open(ctx context.Context, gen uint64, preferredPort int) {
	o.httpSvc.OnConnected(func(port int) {
		o.handleServiceConnected(ctx, gen, httpConnected, port)
	})
	o.wsSvc.OnConnected(func() {
		o.handleServiceConnected(ctx, gen, wsConnected, 0)
	})

	start := preferredPort
	hostReset := false

	attempt := func() error {
		if o.stale(gen) {
			return backoff.Permanent(errors.New("open cycle superseded"))
		}

		host := o.conn.Host()
		port, err := ports.Find(ctx, host, start)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("port probe failed: %w", err))
		}
		if o.stale(gen) {
			return backoff.Permanent(errors.New("open cycle superseded"))
		}

		if err := o.httpSvc.Start(host, port); err != nil {
			if isAddrInUse(err) {
				// Lost the probe-to-bind race, move past the contested port.
				start = port + 1
				return err
			}
			if !hostReset && o.conn.ResetHostToDefault() {
				// The configured host cannot bind at all; retry once on the
				// default host.
				hostReset = true
				start = preferredPort
				return err
			}
			return backoff.Permanent(err)
		}

		if err := o.wsSvc.Start(ctx, host, port); err != nil {
			_ = o.httpSvc.Close()
			if isAddrInUse(err) {
				start = port + 1
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(bindRetryInterval), maxBindRetries)
	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		if o.stale(gen) {
			return
		}
		o.mu.Lock()
		o.opening = false
		o.mu.Unlock()
		o.log.Error("failed to start preview services: %v", err)
		o.status.Message("Preview server could not start: " + err.Error())
	}
}

// handleServiceConnected applies one connected notification to the
// rendezvous and, on the edge where both services are up, performs the
// serving transition.
func (o *Orchestrator) handleServiceConnected(ctx context.Context, gen uint64, ev serviceEvent, port int) {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return
	}
	if ev == httpConnected {
		o.httpPort = port
	}

	var fire bool
	o.rdv, fire = o.rdv.step(ev)
	if !fire {
		o.mu.Unlock()
		return
	}
	o.isServerOn = true
	httpPort := o.httpPort
	o.mu.Unlock()

	o.serving(ctx, gen, httpPort)
}

// serving is the exactly-once transition of an open cycle: announce the
// connection, exchange external addresses between the services, and flip
// the user-visible state to on.
func (o *Orchestrator) serving(ctx context.Context, gen uint64, httpPort int) {
	wsPort := o.wsSvc.Port()
	wsPath := o.wsSvc.Path()

	if err := o.conn.Connected(ctx, httpPort, wsPort, wsPath); err != nil {
		// A failed externalization means we are not actually reachable;
		// tear back down rather than serve with a partial address.
		o.log.Error("external address resolution failed: %v", err)
		o.status.Message("Preview server stopped: external address resolution failed")
		o.CloseServer()
		return
	}

	externalHTTP, err := o.conn.ResolveExternalHTTPURI(ctx)
	if err == nil {
		o.wsSvc.SetExternalHostName(externalHTTP)
	} else {
		o.log.Warn("could not resolve external HTTP URI for the reload channel: %v", err)
	}
	externalWS, err := o.conn.ResolveExternalWSURI(ctx)
	if err == nil {
		o.httpSvc.SetExternalWSURI(externalWS)
	} else {
		o.log.Warn("could not resolve external WS URI: %v", err)
	}

	if o.stale(gen) {
		return
	}

	o.log.Info("serving: http=%d ws=%d", httpPort, wsPort)
	o.status.ServerOn(httpPort)
	o.status.Message(fmt.Sprintf("Preview server started on port %d", httpPort))
	o.bus.Publish(event.Event{Type: event.ServerStarted, Data: httpPort})
}

// CloseServer unconditionally stops both services and returns the
// orchestrator to idle. Safe to call at any point, including mid-probe and
// mid-rendezvous, and safe to call repeatedly.
func (o *Orchestrator) CloseServer() {
	o.mu.Lock()
	o.generation++
	if o.cancelOpen != nil {
		o.cancelOpen()
		o.cancelOpen = nil
	}
	wasOn := o.isServerOn
	o.isServerOn = false
	o.opening = false
	o.rdv = rendezvous{}
	o.httpPort = 0
	o.mu.Unlock()

	if err := o.httpSvc.Close(); err != nil {
		o.log.Warn("error closing http service: %v", err)
	}
	if err := o.wsSvc.Close(); err != nil {
		o.log.Warn("error closing websocket service: %v", err)
	}

	o.status.ServerOff()
	if wasOn {
		o.status.Message("Preview server closed")
		o.bus.Publish(event.Event{Type: event.ServerStopped})
	}
}

// Dispose tears the orchestrator down, closing both services.
func (o *Orchestrator) Dispose() {
	o.CloseServer()
}

// isAddrInUse reports whether err is a bind failure caused by the port
// being taken.
func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
