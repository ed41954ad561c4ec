package socketserver

// Commands pushed to connected browsers.
const (
	// CommandReload tells every client to refresh the page.
	CommandReload = "reload"
	// CommandConnected greets a client right after the upgrade and carries
	// the externally resolvable host, so clients behind a tunnel know the
	// address their reload target lives at.
	CommandConnected = "connected"
)

// Message is the wire format of the reload channel.
type Message struct {
	Command string `json:"command"`
	Host    string `json:"host,omitempty"`
}
