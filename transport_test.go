package ice

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopbackConfig() *AgentConfig {
	return &AgentConfig{
		NetworkTypes:    []NetworkType{NetworkTypeUDP4},
		CandidateTypes:  []CandidateType{CandidateTypeHost},
		IncludeLoopback: true,
		IPFilter: func(ip net.IP) bool {
			return ip.IsLoopback()
		},
	}
}

func gatherAndExchangeCandidates(t *testing.T, aAgent, bAgent *Agent) {
	var wg sync.WaitGroup
	wg.Add(2)

	require.NoError(t, aAgent.OnCandidate(func(candidate Candidate) {
		if candidate == nil {
			wg.Done()
		}
	}))
	require.NoError(t, aAgent.GatherCandidates())

	require.NoError(t, bAgent.OnCandidate(func(candidate Candidate) {
		if candidate == nil {
			wg.Done()
		}
	}))
	require.NoError(t, bAgent.GatherCandidates())

	wg.Wait()

	candidates, err := aAgent.GetLocalCandidates()
	require.NoError(t, err)
	for _, c := range candidates {
		candidateCopy, copyErr := UnmarshalCandidate(c.Marshal())
		require.NoError(t, copyErr)
		require.NoError(t, bAgent.AddRemoteCandidate(candidateCopy))
	}

	candidates, err = bAgent.GetLocalCandidates()
	require.NoError(t, err)
	for _, c := range candidates {
		candidateCopy, copyErr := UnmarshalCandidate(c.Marshal())
		require.NoError(t, copyErr)
		require.NoError(t, aAgent.AddRemoteCandidate(candidateCopy))
	}
}

// connect wires the two agents together, aAgent as the controlled and
// bAgent as the controlling agent
func connect(t *testing.T, aAgent, bAgent *Agent) (*Conn, *Conn) {
	gatherAndExchangeCandidates(t, aAgent, bAgent)

	accepted := make(chan struct{})
	var aConn *Conn
	var acceptErr error

	go func() {
		defer close(accepted)
		var bUfrag, bPwd string
		bUfrag, bPwd, acceptErr = bAgent.GetLocalUserCredentials()
		if acceptErr != nil {
			return
		}
		aConn, acceptErr = aAgent.Accept(context.Background(), bUfrag, bPwd)
	}()

	aUfrag, aPwd, err := aAgent.GetLocalUserCredentials()
	require.NoError(t, err)
	bConn, err := bAgent.Dial(context.Background(), aUfrag, aPwd)
	require.NoError(t, err)

	<-accepted
	require.NoError(t, acceptErr)
	require.NotNil(t, aConn)

	return aConn, bConn
}

func TestConnectivityLoopbackHosts(t *testing.T) {
	aAgent, err := NewAgent(loopbackConfig())
	require.NoError(t, err)
	bAgent, err := NewAgent(loopbackConfig())
	require.NoError(t, err)

	aConn, bConn := connect(t, aAgent, bAgent)

	// the selected pair is loopback on both sides
	aPair, err := aAgent.GetSelectedCandidatePair()
	require.NoError(t, err)
	require.NotNil(t, aPair)
	assert.Equal(t, "127.0.0.1", aPair.Local.Address())
	assert.Equal(t, "127.0.0.1", aPair.Remote.Address())

	// data flows in both directions
	_, err = aConn.Write([]byte("ping from a"))
	require.NoError(t, err)

	buf := make([]byte, receiveMTU)
	n, err := bConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping from a", string(buf[:n]))

	_, err = bConn.Write([]byte("ping from b"))
	require.NoError(t, err)

	n, err = aConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping from b", string(buf[:n]))

	assert.True(t, aConn.BytesSent() > 0)
	assert.True(t, bConn.BytesReceived() > 0)

	// writing a STUN message over the data path is refused
	stunLike := []byte{0x00, 0x01, 0x00, 0x00, 0x21, 0x12, 0xa4, 0x42, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	_, err = aConn.Write(stunLike)
	assert.Equal(t, ErrIceWriteSTUNMessage, err)

	assert.NoError(t, aConn.Close())
	assert.NoError(t, bConn.Close())

	// close is idempotent, the second call reports the closed agent
	assert.Equal(t, ErrClosed, aConn.Close())
	assert.Equal(t, ErrClosed, bConn.Close())

	// reads and writes fail once closed
	_, err = aConn.Read(buf)
	assert.Equal(t, ErrClosed, err)
	_, err = aConn.Write([]byte("late"))
	assert.Equal(t, ErrClosed, err)
}

func TestAggressiveNominationStates(t *testing.T) {
	checkInterval := 20 * time.Millisecond
	newCfg := func() *AgentConfig {
		cfg := loopbackConfig()
		cfg.CheckInterval = &checkInterval
		return cfg
	}

	aAgent, err := NewAgent(newCfg())
	require.NoError(t, err)
	bAgent, err := NewAgent(newCfg())
	require.NoError(t, err)

	var aStates, bStates []ConnectionState
	var mu sync.Mutex
	aCompleted := make(chan struct{})
	bCompleted := make(chan struct{})

	require.NoError(t, aAgent.OnConnectionStateChange(func(s ConnectionState) {
		mu.Lock()
		aStates = append(aStates, s)
		mu.Unlock()
		if s == ConnectionStateCompleted {
			close(aCompleted)
		}
	}))
	require.NoError(t, bAgent.OnConnectionStateChange(func(s ConnectionState) {
		mu.Lock()
		bStates = append(bStates, s)
		mu.Unlock()
		if s == ConnectionStateCompleted {
			close(bCompleted)
		}
	}))

	aConn, bConn := connect(t, aAgent, bAgent)

	select {
	case <-aCompleted:
	case <-time.After(10 * time.Second):
		t.Fatal("controlled agent never reached completed")
	}
	select {
	case <-bCompleted:
	case <-time.After(10 * time.Second):
		t.Fatal("controlling agent never reached completed")
	}

	// Checking must come before Connected, Connected before Completed
	mu.Lock()
	defer mu.Unlock()
	for _, states := range [][]ConnectionState{aStates, bStates} {
		indexOf := func(want ConnectionState) int {
			for i, s := range states {
				if s == want {
					return i
				}
			}
			return -1
		}
		checking := indexOf(ConnectionStateChecking)
		connected := indexOf(ConnectionStateConnected)
		completed := indexOf(ConnectionStateCompleted)
		assert.True(t, checking >= 0 && connected > checking && completed > connected,
			"unexpected state order: %v", states)
	}

	assert.NoError(t, aConn.Close())
	assert.NoError(t, bConn.Close())
}

func TestRoleConflict(t *testing.T) {
	aAgent, err := NewAgent(loopbackConfig())
	require.NoError(t, err)
	bAgent, err := NewAgent(loopbackConfig())
	require.NoError(t, err)

	gatherAndExchangeCandidates(t, aAgent, bAgent)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// both sides believe they are controlling, the tie-breakers resolve it
	var wg sync.WaitGroup
	wg.Add(2)
	var aConn, bConn *Conn
	var aErr, bErr error
	go func() {
		defer wg.Done()
		bUfrag, bPwd, credErr := bAgent.GetLocalUserCredentials()
		if credErr != nil {
			aErr = credErr
			return
		}
		aConn, aErr = aAgent.Dial(ctx, bUfrag, bPwd)
	}()
	go func() {
		defer wg.Done()
		aUfrag, aPwd, credErr := aAgent.GetLocalUserCredentials()
		if credErr != nil {
			bErr = credErr
			return
		}
		bConn, bErr = bAgent.Dial(ctx, aUfrag, aPwd)
	}()
	wg.Wait()

	require.NoError(t, aErr)
	require.NoError(t, bErr)

	// exactly one agent flipped to the controlled role
	var aControlling, bControlling bool
	require.NoError(t, aAgent.run(aAgent.context(), func(ctx context.Context, agent *Agent) {
		aControlling = agent.isControlling
	}))
	require.NoError(t, bAgent.run(bAgent.context(), func(ctx context.Context, agent *Agent) {
		bControlling = agent.isControlling
	}))
	assert.NotEqual(t, aControlling, bControlling, "exactly one agent must remain controlling")

	assert.NoError(t, aConn.Close())
	assert.NoError(t, bConn.Close())
}

func TestConsentFailure(t *testing.T) {
	disconnectedTimeout := 100 * time.Millisecond
	failedTimeout := 200 * time.Millisecond
	keepaliveInterval := 10 * time.Millisecond
	consentCheckInterval := 20 * time.Millisecond
	checkInterval := 20 * time.Millisecond

	newCfg := func() *AgentConfig {
		cfg := loopbackConfig()
		cfg.DisconnectedTimeout = &disconnectedTimeout
		cfg.FailedTimeout = &failedTimeout
		cfg.KeepaliveInterval = &keepaliveInterval
		cfg.ConsentCheckInterval = &consentCheckInterval
		cfg.CheckInterval = &checkInterval
		return cfg
	}

	aAgent, err := NewAgent(newCfg())
	require.NoError(t, err)
	bAgent, err := NewAgent(newCfg())
	require.NoError(t, err)

	disconnected := make(chan struct{})
	failed := make(chan struct{})
	require.NoError(t, aAgent.OnConnectionStateChange(func(s ConnectionState) {
		switch s {
		case ConnectionStateDisconnected:
			select {
			case <-disconnected:
			default:
				close(disconnected)
			}
		case ConnectionStateFailed:
			select {
			case <-failed:
			default:
				close(failed)
			}
		default:
		}
	}))

	aConn, bConn := connect(t, aAgent, bAgent)
	_ = bConn

	// the remote stops responding
	require.NoError(t, bAgent.Close())

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never went disconnected")
	}
	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never went failed")
	}

	// consumer reads surface the failure
	buf := make([]byte, 10)
	_, err = aConn.Read(buf)
	assert.Equal(t, ErrConnectionFailed, err)

	_, err = aConn.Write([]byte("data"))
	assert.Equal(t, ErrConnectionFailed, err)

	assert.NoError(t, aAgent.Close())
}

func TestConnectionOverDTLS(t *testing.T) {
	aAgent, err := NewAgent(loopbackConfig())
	require.NoError(t, err)
	bAgent, err := NewAgent(loopbackConfig())
	require.NoError(t, err)

	aConn, bConn := connect(t, aAgent, bAgent)

	// opaque datagrams over the selected pair carry a DTLS handshake
	psk := []byte{0xAB, 0xC1, 0x23, 0x45}
	dtlsCfg := &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return psk, nil
		},
		PSKIdentityHint: []byte("ice"),
		CipherSuites:    []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8},
	}

	type dtlsResult struct {
		conn *dtls.Conn
		err  error
	}
	serverCh := make(chan dtlsResult)
	go func() {
		server, serverErr := dtls.Server(bConn, dtlsCfg)
		serverCh <- dtlsResult{server, serverErr}
	}()

	client, err := dtls.Client(aConn, dtlsCfg)
	require.NoError(t, err)
	server := <-serverCh
	require.NoError(t, server.err)

	_, err = client.Write([]byte("encrypted ping"))
	require.NoError(t, err)

	buf := make([]byte, receiveMTU)
	n, err := server.conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "encrypted ping", string(buf[:n]))

	assert.NoError(t, aConn.Close())
	assert.NoError(t, bConn.Close())
}
