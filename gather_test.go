package ice

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatherNoHandler(t *testing.T) {
	a, err := NewAgent(&AgentConfig{})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, a.Close())
	}()

	assert.Equal(t, ErrNoOnCandidateHandler, a.GatherCandidates())
}

func TestGatherHostCandidates(t *testing.T) {
	a, err := NewAgent(&AgentConfig{
		NetworkTypes:    []NetworkType{NetworkTypeUDP4},
		CandidateTypes:  []CandidateType{CandidateTypeHost},
		IncludeLoopback: true,
		IPFilter: func(ip net.IP) bool {
			return ip.IsLoopback()
		},
	})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, a.Close())
	}()

	var mu sync.Mutex
	var gathered []Candidate
	done := make(chan struct{})

	require.NoError(t, a.OnCandidate(func(c Candidate) {
		if c == nil {
			close(done)
			return
		}
		mu.Lock()
		gathered = append(gathered, c)
		mu.Unlock()
	}))
	require.NoError(t, a.GatherCandidates())

	<-done

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, gathered)
	for _, c := range gathered {
		assert.Equal(t, CandidateTypeHost, c.Type())
		assert.Equal(t, "127.0.0.1", c.Address())
	}

	// gathering twice is refused
	assert.Equal(t, ErrMultipleGatherAttempted, a.GatherCandidates())
}

func TestGatherFilteredInterfaces(t *testing.T) {
	a, err := NewAgent(&AgentConfig{
		NetworkTypes:   []NetworkType{NetworkTypeUDP4},
		CandidateTypes: []CandidateType{CandidateTypeHost},
		InterfaceFilter: func(name string) bool {
			return false
		},
	})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, a.Close())
	}()

	var gathered []Candidate
	done := make(chan struct{})

	require.NoError(t, a.OnCandidate(func(c Candidate) {
		if c == nil {
			close(done)
			return
		}
		gathered = append(gathered, c)
	}))
	require.NoError(t, a.GatherCandidates())

	<-done

	// every interface was rejected by the filter, gathering still completes
	assert.Empty(t, gathered)
}
