// Package status is the user-visible state sink: server on/off indication
// and transient notifications, honoring the notification setting.
package status

import (
	"sync"

	"github.com/previewd/previewd/internal/config"
	"github.com/previewd/previewd/internal/event"
	"github.com/previewd/previewd/internal/logger"
)

// Notifier tracks the serving indicator and forwards status messages to
// the event bus for whatever surface renders them. Messages respect the
// show-notifications setting; the indicator does not, since it reflects
// state rather than announcing it.
type Notifier struct {
	mu      sync.Mutex
	serving bool
	port    int

	store *config.Store
	bus   *event.Bus
	log   *logger.Logger
}

// NewNotifier creates a status sink backed by the settings store.
func NewNotifier(store *config.Store, bus *event.Bus) *Notifier {
	return &Notifier{
		store: store,
		bus:   bus,
		log:   logger.Global().WithPrefix("status"),
	}
}

// ServerOn flips the indicator to serving on the given port.
func (n *Notifier) ServerOn(port int) {
	n.mu.Lock()
	n.serving = true
	n.port = port
	n.mu.Unlock()
	n.log.Info("server on, port %d", port)
}

// ServerOff flips the indicator to idle.
func (n *Notifier) ServerOff() {
	n.mu.Lock()
	n.serving = false
	n.port = 0
	n.mu.Unlock()
	n.log.Info("server off")
}

// Message emits a transient status message, unless the user has dismissed
// server status notifications.
func (n *Notifier) Message(msg string) {
	n.log.Info("%s", msg)
	if !n.store.Get().ShowServerStatusNotifications {
		return
	}
	n.bus.Publish(event.Event{Type: event.StatusMessage, Data: msg})
}

// DismissNotifications is the "don't show again" acknowledgment: it
// persists the notification setting off.
func (n *Notifier) DismissNotifications() error {
	return n.store.Update(func(c *config.Config) {
		c.ShowServerStatusNotifications = false
	})
}

// Serving reports the current indicator state and port.
func (n *Notifier) Serving() (bool, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.serving, n.port
}
