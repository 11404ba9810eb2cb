package ice

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPacketConn struct{}

func (m *mockPacketConn) ReadFrom(p []byte) (n int, addr net.Addr, err error) { return 0, nil, nil }
func (m *mockPacketConn) WriteTo(p []byte, addr net.Addr) (n int, err error)  { return 0, nil }
func (m *mockPacketConn) Close() error                                        { return nil }
func (m *mockPacketConn) LocalAddr() net.Addr                                 { return nil }
func (m *mockPacketConn) SetDeadline(t time.Time) error                       { return nil }
func (m *mockPacketConn) SetReadDeadline(t time.Time) error                   { return nil }
func (m *mockPacketConn) SetWriteDeadline(t time.Time) error                  { return nil }

func TestHandlePeerReflexive(t *testing.T) {
	a, err := NewAgent(&AgentConfig{})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, a.Close())
	}()

	require.NoError(t, a.run(a.context(), func(ctx context.Context, a *Agent) {
		a.isControlling = true
		a.selector = &controllingSelector{agent: a, log: a.log}
		a.remoteUfrag = "remoteUfrag"
		a.remotePwd = "remotePwd"

		hostConfig := CandidateHostConfig{
			Network:   "udp",
			Address:   "192.168.0.2",
			Port:      777,
			Component: 1,
		}
		local, err := NewCandidateHost(&hostConfig)
		require.NoError(t, err)
		local.conn = &mockPacketConn{}
		local.currAgent = a

		remote := &net.UDPAddr{IP: net.ParseIP("172.17.0.3"), Port: 999}

		msg, err := stun.Build(stun.BindingRequest, stun.TransactionID,
			stun.NewUsername(a.localUfrag+":"+a.remoteUfrag),
			UseCandidate(),
			AttrControlled(1),
			PriorityAttr(local.Priority()),
			stun.NewShortTermIntegrity(a.localPwd),
			stun.Fingerprint,
		)
		require.NoError(t, err)

		a.handleInbound(msg, local, remote)

		set := a.remoteCandidates[local.NetworkType()]
		require.Len(t, set, 1)

		c := set[0]
		assert.Equal(t, CandidateTypePeerReflexive, c.Type())
		assert.Equal(t, "172.17.0.3", c.Address())
		assert.Equal(t, 999, c.Port())
		assert.Equal(t, uint32((1<<24)*110+(1<<8)*65535+(256-1)), c.Priority())
	}))
}

func TestHandleInboundInvalidUsername(t *testing.T) {
	a, err := NewAgent(&AgentConfig{})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, a.Close())
	}()

	require.NoError(t, a.run(a.context(), func(ctx context.Context, a *Agent) {
		a.selector = &controlledSelector{agent: a, log: a.log}
		a.remoteUfrag = "remoteUfrag"
		a.remotePwd = "remotePwd"

		hostConfig := CandidateHostConfig{
			Network:   "udp",
			Address:   "192.168.0.2",
			Port:      777,
			Component: 1,
		}
		local, err := NewCandidateHost(&hostConfig)
		require.NoError(t, err)
		local.conn = &mockPacketConn{}
		local.currAgent = a

		remote := &net.UDPAddr{IP: net.ParseIP("172.17.0.3"), Port: 999}

		msg, err := stun.Build(stun.BindingRequest, stun.TransactionID,
			stun.NewUsername("invalid"),
			AttrControlling(1),
			PriorityAttr(local.Priority()),
			stun.NewShortTermIntegrity(a.localPwd),
			stun.Fingerprint,
		)
		require.NoError(t, err)

		a.handleInbound(msg, local, remote)

		// a request with the wrong USERNAME is dropped silently, no
		// peer-reflexive candidate may be learned from it
		assert.Len(t, a.remoteCandidates[local.NetworkType()], 0)
	}))
}

func TestAgentCloseIdempotent(t *testing.T) {
	a, err := NewAgent(&AgentConfig{})
	require.NoError(t, err)

	require.NoError(t, a.Close())
	assert.Equal(t, ErrClosed, a.Close())

	// the API surface stays safe after close
	_, err = a.GetLocalCandidates()
	assert.Equal(t, ErrClosed, err)
	_, _, err = a.GetLocalUserCredentials()
	assert.Equal(t, ErrClosed, err)
}

func TestNewAgentLocalCredentials(t *testing.T) {
	a, err := NewAgent(&AgentConfig{})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, a.Close())
	}()

	ufrag, pwd, err := a.GetLocalUserCredentials()
	require.NoError(t, err)
	assert.Len(t, ufrag, lenUFrag)
	assert.Len(t, pwd, lenPwd)
}

func TestNewAgentInvalidConfig(t *testing.T) {
	_, err := NewAgent(&AgentConfig{PortMin: 100, PortMax: 50})
	assert.Equal(t, ErrPort, err)

	_, err = NewAgent(&AgentConfig{Lite: true})
	assert.Equal(t, ErrLiteUsingNonHostCandidates, err)

	url, parseErr := ParseURL("stun:stun.l.google.com:19302")
	require.NoError(t, parseErr)
	_, err = NewAgent(&AgentConfig{
		Urls:           []*URL{url},
		CandidateTypes: []CandidateType{CandidateTypeHost},
	})
	assert.Equal(t, ErrUselessUrlsProvided, err)

	_, err = NewAgent(&AgentConfig{LocalUfrag: "xx"})
	assert.Equal(t, ErrLocalUfragInsufficientBits, err)

	_, err = NewAgent(&AgentConfig{LocalPwd: "short"})
	assert.Equal(t, ErrLocalPwdInsufficientBits, err)
}

func TestConnectivityChecksStartedOnce(t *testing.T) {
	a, err := NewAgent(&AgentConfig{})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, a.Close())
	}()

	require.NoError(t, a.startConnectivityChecks(true, "remoteUfrag", "remotePwd"))
	assert.Equal(t, ErrMultipleStart, a.startConnectivityChecks(true, "remoteUfrag", "remotePwd"))
}

func TestSetRemoteCredentials(t *testing.T) {
	a, err := NewAgent(&AgentConfig{})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, a.Close())
	}()

	assert.Equal(t, ErrRemoteUfragEmpty, a.SetRemoteCredentials("", "pwd"))
	assert.Equal(t, ErrRemotePwdEmpty, a.SetRemoteCredentials("ufrag", ""))
	assert.NoError(t, a.SetRemoteCredentials("ufrag", "pwd"))
}

func TestAddRemoteCandidateDedup(t *testing.T) {
	a, err := NewAgent(&AgentConfig{})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, a.Close())
	}()

	remote, err := UnmarshalCandidate("750 1 udp 500 10.10.10.2 53987 typ host")
	require.NoError(t, err)
	require.NoError(t, a.AddRemoteCandidate(remote))

	duplicated, err := UnmarshalCandidate("750 1 udp 500 10.10.10.2 53987 typ host")
	require.NoError(t, err)
	require.NoError(t, a.AddRemoteCandidate(duplicated))

	// AddRemoteCandidate is asynchronous
	assert.Eventually(t, func() bool {
		candidates, getErr := a.GetRemoteCandidates()
		return getErr == nil && len(candidates) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSwitchRoleRekeysPending(t *testing.T) {
	a, err := NewAgent(&AgentConfig{})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, a.Close())
	}()

	require.NoError(t, a.run(a.context(), func(ctx context.Context, a *Agent) {
		a.isControlling = true
		a.selector = &controllingSelector{agent: a, log: a.log}
		a.pendingBindingRequests = append(a.pendingBindingRequests, bindingRequest{
			timestamp:   time.Now(),
			destination: &net.UDPAddr{IP: net.ParseIP("10.10.10.2"), Port: 999},
		})

		a.switchRole(false)

		assert.False(t, a.isControlling)
		// transactions issued under the old role attribute are discarded
		assert.Len(t, a.pendingBindingRequests, 0)
		_, ok := a.selector.(*controlledSelector)
		assert.True(t, ok)
	}))
}
