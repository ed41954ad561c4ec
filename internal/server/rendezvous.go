package server

// serviceEvent identifies which service reported that it is listening.
type serviceEvent int

const (
	httpConnected serviceEvent = iota
	wsConnected
)

// rendezvous tracks the two independent "connected" notifications of an
// open cycle. The zero value is the state right after openServer resets.
type rendezvous struct {
	httpUp bool
	wsUp   bool
}

// step applies one connected event and reports whether the serving
// transition fires. The transition is edge-triggered: it fires only on the
// move from "not both up" to "both up", so duplicate events cannot fire it
// twice, and the two events may arrive in either order.
func (r rendezvous) step(ev serviceEvent) (rendezvous, bool) {
	before := r.httpUp && r.wsUp
	switch ev {
	case httpConnected:
		r.httpUp = true
	case wsConnected:
		r.wsUp = true
	}
	return r, !before && r.httpUp && r.wsUp
}
