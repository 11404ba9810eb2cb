package ice

import (
	"fmt"
	"time"
)

// CandidatePairState represent the ICE candidate pair state
type CandidatePairState int

const (
	// CandidatePairStateFrozen means a check for this pair hasn't been
	// performed, and it can't yet be performed until some other check
	// succeeds, allowing this pair to unfreeze
	CandidatePairStateFrozen CandidatePairState = iota + 1

	// CandidatePairStateWaiting means a check has not been performed for
	// this pair, and can be performed as soon as it is the highest-priority
	// Waiting pair on the check list
	CandidatePairStateWaiting

	// CandidatePairStateInProgress means a check has been sent for this pair,
	// but the transaction is in progress
	CandidatePairStateInProgress

	// CandidatePairStateFailed means a check for this pair was already done
	// and failed, either never producing any response or producing an
	// unrecoverable failure response
	CandidatePairStateFailed

	// CandidatePairStateSucceeded means a check for this pair was already
	// done and produced a successful result
	CandidatePairStateSucceeded
)

func (c CandidatePairState) String() string {
	switch c {
	case CandidatePairStateFrozen:
		return "frozen"
	case CandidatePairStateWaiting:
		return "waiting"
	case CandidatePairStateInProgress:
		return "in-progress"
	case CandidatePairStateFailed:
		return "failed"
	case CandidatePairStateSucceeded:
		return "succeeded"
	}
	return "Unknown candidate pair state"
}

// CandidatePair is a combination of a local and remote candidate
type CandidatePair struct {
	iceRoleControlling bool
	Remote             Candidate
	Local              Candidate

	bindingRequestCount      uint16
	nextBindingRequestAt     time.Time
	state                    CandidatePairState
	nominated                bool
	nominateOnBindingSuccess bool
}

func (p *CandidatePair) String() string {
	return fmt.Sprintf("prio %d (local, prio %d) %s <-> %s (remote, prio %d)",
		p.priority(), p.Local.Priority(), p.Local, p.Remote, p.Remote.Priority())
}

func newCandidatePair(local, remote Candidate, controlling bool) *CandidatePair {
	return &CandidatePair{
		iceRoleControlling: controlling,
		Remote:             remote,
		Local:              local,
		state:              CandidatePairStateFrozen,
	}
}

// foundation returns the pair foundation, the concatenation of the
// foundations of the two candidates, used by the unfreezing algorithm
func (p *CandidatePair) foundation() string {
	return p.Local.Foundation() + p.Remote.Foundation()
}

// RFC 5245 - 5.7.2.  Computing Pair Priority and Ordering Pairs
// Let G be the priority for the candidate provided by the controlling
// agent.  Let D be the priority for the candidate provided by the
// controlled agent.
// pair priority = 2^32*MIN(G,D) + 2*MAX(G,D) + (G>D?1:0)
func (p *CandidatePair) priority() uint64 {
	var g, d uint32
	if p.iceRoleControlling {
		g = p.Local.Priority()
		d = p.Remote.Priority()
	} else {
		g = p.Remote.Priority()
		d = p.Local.Priority()
	}

	// Just implement these here rather
	// than fooling around with the math package
	min := func(x, y uint32) uint64 {
		if x < y {
			return uint64(x)
		}
		return uint64(y)
	}
	max := func(x, y uint32) uint64 {
		if x > y {
			return uint64(x)
		}
		return uint64(y)
	}
	cmp := func(x, y uint32) uint64 {
		if x > y {
			return uint64(1)
		}
		return uint64(0)
	}

	return (1<<32)*min(g, d) + 2*max(g, d) + cmp(g, d)
}

func (p *CandidatePair) Write(b []byte) (int, error) {
	return p.Local.writeTo(b, p.Remote)
}
