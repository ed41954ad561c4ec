package server

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previewd/previewd/internal/config"
	"github.com/previewd/previewd/internal/connection"
	"github.com/previewd/previewd/internal/event"
	"github.com/previewd/previewd/internal/uri"
)

type fakeHTTP struct {
	mu          sync.Mutex
	startCalls  []int
	closeCalls  int
	startErrs   []error
	wsURI       string
	onConnected func(port int)
}

func (f *fakeHTTP) Start(host string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls = append(f.startCalls, port)
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		return err
	}
	return nil
}

func (f *fakeHTTP) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeHTTP) Port() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.startCalls) == 0 {
		return 0
	}
	return f.startCalls[len(f.startCalls)-1]
}

func (f *fakeHTTP) HasServedFile(string) bool { return false }

func (f *fakeHTTP) SetExternalWSURI(wsURI string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wsURI = wsURI
}

func (f *fakeHTTP) OnConnected(fn func(port int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnected = fn
}

func (f *fakeHTTP) fireConnected() {
	f.mu.Lock()
	fn := f.onConnected
	port := 0
	if len(f.startCalls) > 0 {
		port = f.startCalls[len(f.startCalls)-1]
	}
	f.mu.Unlock()
	if fn != nil {
		fn(port)
	}
}

func (f *fakeHTTP) started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.startCalls) > 0
}

type fakeWS struct {
	mu           sync.Mutex
	startCalls   []int
	closeCalls   int
	refreshCalls int
	externalHost string
	onConnected  func()
}

func (f *fakeWS) Start(_ context.Context, host string, nominalPort int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls = append(f.startCalls, nominalPort)
	return nil
}

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeWS) Port() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.startCalls) == 0 {
		return 0
	}
	return f.startCalls[len(f.startCalls)-1] + 1
}

func (f *fakeWS) Path() string { return "" }

func (f *fakeWS) RefreshBrowsers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
}

func (f *fakeWS) SetExternalHostName(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.externalHost = host
}

func (f *fakeWS) OnConnected(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnected = fn
}

func (f *fakeWS) fireConnected() {
	f.mu.Lock()
	fn := f.onConnected
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeWS) started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.startCalls) > 0
}

type fakeStatus struct {
	mu       sync.Mutex
	onCalls  []int
	offCalls int
	messages []string
}

func (f *fakeStatus) ServerOn(port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCalls = append(f.onCalls, port)
}

func (f *fakeStatus) ServerOff() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offCalls++
}

func (f *fakeStatus) Message(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeStatus) serverOnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.onCalls)
}

type fixture struct {
	orch   *Orchestrator
	conn   *connection.Connection
	bus    *event.Bus
	http   *fakeHTTP
	ws     *fakeWS
	status *fakeStatus
}

func newFixture(t *testing.T, ext uri.Externalizer) *fixture {
	t.Helper()
	if ext == nil {
		ext = uri.Identity{}
	}

	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	store := config.NewStore(filepath.Join(t.TempDir(), "config.json"), config.DefaultConfig())
	conn := connection.New(&connection.Workspace{Root: "/ws"}, store, bus, ext)
	t.Cleanup(conn.Dispose)

	f := &fixture{
		conn:   conn,
		bus:    bus,
		http:   &fakeHTTP{},
		ws:     &fakeWS{},
		status: &fakeStatus{},
	}
	f.orch = NewOrchestrator(conn, f.http, f.ws, f.status, bus)
	t.Cleanup(f.orch.Dispose)
	return f
}

func (f *fixture) openAndWaitForStart(t *testing.T) {
	t.Helper()
	require.True(t, f.orch.OpenServer(0))
	require.Eventually(t, func() bool { return f.http.started() && f.ws.started() },
		5*time.Second, 10*time.Millisecond, "services never started")
}

func TestServingTransitionBothOrders(t *testing.T) {
	orders := []string{"http-first", "ws-first"}

	for _, order := range orders {
		t.Run(order, func(t *testing.T) {
			f := newFixture(t, nil)

			var infos []connection.ConnectionInfo
			f.bus.Subscribe(event.ConnectionReady, func(e event.Event) {
				infos = append(infos, e.Data.(connection.ConnectionInfo))
			})

			f.openAndWaitForStart(t)
			assert.False(t, f.orch.IsRunning(), "one connected event must not start serving")

			if order == "http-first" {
				f.http.fireConnected()
				assert.False(t, f.orch.IsRunning())
				f.ws.fireConnected()
			} else {
				f.ws.fireConnected()
				assert.False(t, f.orch.IsRunning())
				f.http.fireConnected()
			}

			assert.True(t, f.orch.IsRunning())
			require.Len(t, infos, 1)
			assert.Equal(t, f.http.Port(), infos[0].HTTPPort)
			assert.Equal(t, 1, f.status.serverOnCount())

			// The WS service got a fresh external HTTP address to advertise.
			f.ws.mu.Lock()
			assert.NotEmpty(t, f.ws.externalHost)
			f.ws.mu.Unlock()
			// And the HTTP service knows where the reload channel lives.
			f.http.mu.Lock()
			assert.NotEmpty(t, f.http.wsURI)
			f.http.mu.Unlock()
		})
	}
}

func TestDuplicateConnectedEventsFireOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.openAndWaitForStart(t)

	f.http.fireConnected()
	f.ws.fireConnected()
	f.ws.fireConnected()
	f.http.fireConnected()

	assert.True(t, f.orch.IsRunning())
	assert.Equal(t, 1, f.status.serverOnCount(), "serving transition must be exactly-once")
}

func TestOpenServerWithoutTargetFails(t *testing.T) {
	status := &fakeStatus{}
	orch := NewOrchestrator(nil, &fakeHTTP{}, &fakeWS{}, status, event.NewBus())

	assert.False(t, orch.OpenServer(3000))
	assert.False(t, orch.IsRunning())
	assert.Equal(t, 0, status.serverOnCount())
}

func TestOpenServerWhileStartingIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.openAndWaitForStart(t)

	// A second open while the rendezvous is still pending must not tear
	// down or restart the in-flight cycle.
	require.True(t, f.orch.OpenServer(0))

	f.http.fireConnected()
	f.ws.fireConnected()
	assert.True(t, f.orch.IsRunning(), "second open must not supersede the in-flight cycle")

	// And a third open while serving is equally a no-op.
	require.True(t, f.orch.OpenServer(0))

	f.http.mu.Lock()
	startCalls := len(f.http.startCalls)
	f.http.mu.Unlock()
	assert.Equal(t, 1, startCalls, "repeated opens must not restart the services")
	assert.Equal(t, 1, f.status.serverOnCount())
}

func TestCloseServerIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.openAndWaitForStart(t)
	f.http.fireConnected()
	f.ws.fireConnected()
	require.True(t, f.orch.IsRunning())

	stopped := 0
	f.bus.Subscribe(event.ServerStopped, func(event.Event) { stopped++ })

	f.orch.CloseServer()
	assert.False(t, f.orch.IsRunning())
	assert.Equal(t, 1, stopped)

	f.orch.CloseServer()
	assert.False(t, f.orch.IsRunning())
	assert.Equal(t, 1, stopped, "second close must not re-announce")
}

func TestCloseServerWhenNeverOpened(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.CloseServer()
	assert.False(t, f.orch.IsRunning())
}

func TestCloseDuringRendezvousSuppressesLateEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.openAndWaitForStart(t)

	f.http.fireConnected()
	f.orch.CloseServer()

	// The straggling connected event belongs to a closed cycle.
	f.ws.fireConnected()
	assert.False(t, f.orch.IsRunning())
	assert.Equal(t, 0, f.status.serverOnCount())
}

func TestBindRaceRetriesNextPort(t *testing.T) {
	f := newFixture(t, nil)
	f.http.startErrs = []error{syscall.EADDRINUSE}

	require.True(t, f.orch.OpenServer(0))
	require.Eventually(t, func() bool {
		f.http.mu.Lock()
		defer f.http.mu.Unlock()
		return len(f.http.startCalls) >= 2
	}, 5*time.Second, 10*time.Millisecond, "bind race must trigger a retry")

	f.http.mu.Lock()
	first, second := f.http.startCalls[0], f.http.startCalls[1]
	f.http.mu.Unlock()
	assert.Greater(t, second, first, "retry must move past the contested port")
}

func TestExternalizationFailureAbortsServing(t *testing.T) {
	failing := uri.Func(func(context.Context, string) (string, error) {
		return "", errors.New("tunnel down")
	})
	f := newFixture(t, failing)

	ready := 0
	f.bus.Subscribe(event.ConnectionReady, func(event.Event) { ready++ })

	f.openAndWaitForStart(t)
	f.http.fireConnected()
	f.ws.fireConnected()

	assert.False(t, f.orch.IsRunning(), "a partial URI must not count as connected")
	assert.Equal(t, 0, ready)
	assert.Equal(t, 0, f.status.serverOnCount())
}
