package bthost

import (
	"errors"
	"time"

	"github.com/srg/bthost/internal/host"
	"github.com/srg/bthost/internal/loop"
)

// ErrAuthTimeout is the rejection recorded when an authorization decision
// does not arrive in time.
var ErrAuthTimeout = errors.New("authorization timed out")

// DecideFunc makes an authorization decision for (src, dst, uuid). A nil
// return grants.
type DecideFunc func(src, dst, uuid string) error

// AgentAuthorizer implements host.Authorizer by consulting a decision
// function asynchronously on the daemon loop. A nil decide grants
// everything. Decisions outstanding past the timeout are rejected.
type AgentAuthorizer struct {
	loop    *loop.Loop
	decide  DecideFunc
	timeout time.Duration

	nextID  uint
	pending map[uint]host.AuthFunc
}

// NewAgentAuthorizer creates an authorizer bound to the daemon loop.
func NewAgentAuthorizer(l *loop.Loop, decide DecideFunc, timeout time.Duration) *AgentAuthorizer {
	return &AgentAuthorizer{
		loop:    l,
		decide:  decide,
		timeout: timeout,
		pending: make(map[uint]host.AuthFunc),
	}
}

// RequestAuthorization implements host.Authorizer. The decision is
// delivered from the daemon loop, never from inside this call.
func (a *AgentAuthorizer) RequestAuthorization(src, dst, uuid string, fn host.AuthFunc) uint {
	a.nextID++
	id := a.nextID
	a.pending[id] = fn

	a.loop.Post(func() {
		fn, ok := a.pending[id]
		if !ok {
			return
		}
		delete(a.pending, id)

		var err error
		if a.decide != nil {
			err = a.decide(src, dst, uuid)
		}
		fn(err)
	})

	if a.timeout > 0 {
		time.AfterFunc(a.timeout, func() {
			a.loop.Post(func() {
				fn, ok := a.pending[id]
				if !ok {
					return
				}
				delete(a.pending, id)
				fn(ErrAuthTimeout)
			})
		})
	}

	return id
}

// CancelAuthorization implements host.Authorizer.
func (a *AgentAuthorizer) CancelAuthorization(id uint) {
	delete(a.pending, id)
}
