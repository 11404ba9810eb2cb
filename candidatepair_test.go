package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHost(t *testing.T, address string, port int) Candidate {
	c, err := NewCandidateHost(&CandidateHostConfig{
		Network:   "udp",
		Address:   address,
		Port:      port,
		Component: ComponentRTP,
	})
	require.NoError(t, err)
	return c
}

func newTestRelay(t *testing.T, address string, port int) Candidate {
	c, err := NewCandidateRelay(&CandidateRelayConfig{
		Network:   "udp",
		Address:   address,
		Port:      port,
		Component: ComponentRTP,
		RelAddr:   "192.168.1.1",
		RelPort:   43210,
	})
	require.NoError(t, err)
	return c
}

func TestCandidatePairPrioritySymmetric(t *testing.T) {
	host := newTestHost(t, "192.168.1.1", 19216)
	relay := newTestRelay(t, "1.2.3.4", 12340)

	// the pair priority formula is symmetric in the agent roles: the
	// controlling agent seeing (host, relay) and the controlled agent
	// seeing (relay, host) agree on the pair priority
	controlling := newCandidatePair(host, relay, true)
	controlled := newCandidatePair(relay, host, false)

	assert.Equal(t, controlling.priority(), controlled.priority())

	// and the other way around
	controlling = newCandidatePair(relay, host, true)
	controlled = newCandidatePair(host, relay, false)

	assert.Equal(t, controlling.priority(), controlled.priority())
}

func TestCandidatePairPriorityOrdering(t *testing.T) {
	hostLocal := newTestHost(t, "192.168.1.1", 19216)
	hostRemote := newTestHost(t, "10.10.10.2", 19217)
	relayRemote := newTestRelay(t, "1.2.3.4", 2340)

	hostPair := newCandidatePair(hostLocal, hostRemote, true)
	relayPair := newCandidatePair(hostLocal, relayRemote, true)

	// host-host beats host-relay
	assert.True(t, hostPair.priority() > relayPair.priority())
}

func TestCandidatePairInitialState(t *testing.T) {
	p := newCandidatePair(
		newTestHost(t, "192.168.1.1", 19216),
		newTestHost(t, "10.10.10.2", 19217),
		true,
	)

	assert.Equal(t, CandidatePairStateFrozen, p.state)
	assert.False(t, p.nominated)
}

func TestCandidatePairFoundation(t *testing.T) {
	local := newTestHost(t, "192.168.1.1", 19216)
	remote := newTestHost(t, "10.10.10.2", 19217)

	p := newCandidatePair(local, remote, true)
	assert.Equal(t, local.Foundation()+remote.Foundation(), p.foundation())
}
