// Package presence tracks live connection counts for server stats.
package presence

import (
	"sync/atomic"
	"time"

	"github.com/tetherhq/tether/pkg/protocol"
)

// Counter holds lock-free counts of connected agents and viewers.
type Counter struct {
	agents    atomic.Int64
	viewers   atomic.Int64
	startedAt time.Time
}

// NewCounter creates a counter anchored at the server start time.
func NewCounter() *Counter {
	return &Counter{startedAt: time.Now().UTC()}
}

// AgentConnected records an agent connection and returns the new count.
func (c *Counter) AgentConnected() int64 { return c.agents.Add(1) }

// AgentDisconnected records an agent disconnect and returns the new count.
func (c *Counter) AgentDisconnected() int64 { return c.agents.Add(-1) }

// ViewerConnected records a viewer connection and returns the new count.
func (c *Counter) ViewerConnected() int64 { return c.viewers.Add(1) }

// ViewerDisconnected records a viewer disconnect and returns the new count.
func (c *Counter) ViewerDisconnected() int64 { return c.viewers.Add(-1) }

// Stats returns a snapshot of current counts. The two counters are read
// independently, so the snapshot is not atomic across both; that is fine for
// an informational stats payload.
func (c *Counter) Stats() protocol.ServerStats {
	return protocol.ServerStats{
		AgentCount:  c.agents.Load(),
		ViewerCount: c.viewers.Load(),
		StartedAt:   c.startedAt,
	}
}
