package rabbitmq

import "sync"

// gate tracks whether the broker allows publishing. The broker pauses a
// channel with basic.flow and a whole connection with connection.blocked;
// sends resume only when neither is active.
type gate struct {
	mu      sync.Mutex
	flowOff bool
	blocked bool
	ready   chan struct{}
}

func newGate() *gate {
	ready := make(chan struct{})
	close(ready)
	return &gate{ready: ready}
}

func (g *gate) setFlow(active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flowOff = !active
	g.update()
}

func (g *gate) setBlocked(blocked bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocked = blocked
	g.update()
}

// update must be called with g.mu held.
func (g *gate) update() {
	paused := g.flowOff || g.blocked
	select {
	case <-g.ready:
		if paused {
			g.ready = make(chan struct{})
		}
	default:
		if !paused {
			close(g.ready)
		}
	}
}

func (g *gate) isOpen() bool {
	select {
	case <-g.Ready():
		return true
	default:
		return false
	}
}

// Ready returns a channel closed while publishing is allowed.
func (g *gate) Ready() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}
