// Package permission holds the operator-controlled trade permission gate.
package permission

import (
	"sync"
	"time"
)

// Status is a snapshot of the gate.
type Status struct {
	Allow  bool       `json:"allow"`
	Reason string     `json:"reason,omitempty"`
	Until  *time.Time `json:"until,omitempty"`
	SetAt  time.Time  `json:"set_at"`
}

// Gate is safe for concurrent use: the operator surface writes it from its
// own goroutine while the engine reads it before every order.
type Gate struct {
	mu     sync.RWMutex
	status Status
}

// New returns a gate that allows trading.
func New() *Gate {
	return &Gate{status: Status{Allow: true}}
}

// Set replaces the gate state. until is informational only; the gate does
// not reopen by itself.
func (g *Gate) Set(allow bool, reason string, until *time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var u *time.Time
	if until != nil {
		t := *until
		u = &t
	}
	g.status = Status{Allow: allow, Reason: reason, Until: u, SetAt: time.Now()}
}

// Clear reopens the gate.
func (g *Gate) Clear() {
	g.Set(true, "", nil)
}

func (g *Gate) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

// Allowed reports whether new orders may be placed, with the blocking reason.
func (g *Gate) Allowed() (bool, string) {
	s := g.Status()
	if s.Allow {
		return true, ""
	}
	if s.Reason == "" {
		return false, "permission_denied"
	}
	return false, s.Reason
}
