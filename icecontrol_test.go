package ice

import (
	"testing"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlled_GetFrom(t *testing.T) {
	m := new(stun.Message)
	var c AttrControlled
	require.Error(t, c.GetFrom(m))

	require.NoError(t, m.Build(stun.BindingRequest, AttrControlled(4321)))

	m1 := new(stun.Message)
	_, err := m1.Write(m.Raw)
	require.NoError(t, err)

	var c1 AttrControlled
	require.NoError(t, c1.GetFrom(m1))
	assert.Equal(t, AttrControlled(4321), c1)
}

func TestControlling_GetFrom(t *testing.T) {
	m := new(stun.Message)
	var c AttrControlling
	require.Error(t, c.GetFrom(m))

	require.NoError(t, m.Build(stun.BindingRequest, AttrControlling(4321)))

	m1 := new(stun.Message)
	_, err := m1.Write(m.Raw)
	require.NoError(t, err)

	var c1 AttrControlling
	require.NoError(t, c1.GetFrom(m1))
	assert.Equal(t, AttrControlling(4321), c1)
}

func TestControl_GetFrom(t *testing.T) {
	m := new(stun.Message)
	var c AttrControl
	require.Error(t, c.GetFrom(m))

	require.NoError(t, m.Build(stun.BindingRequest, AttrControl{Role: Controlling, Tiebreaker: 4321}))

	m1 := new(stun.Message)
	_, err := m1.Write(m.Raw)
	require.NoError(t, err)

	var c1 AttrControl
	require.NoError(t, c1.GetFrom(m1))
	assert.Equal(t, Controlling, c1.Role)
	assert.Equal(t, uint64(4321), c1.Tiebreaker)
}

func TestPriority_GetFrom(t *testing.T) {
	m := new(stun.Message)
	var p PriorityAttr
	require.Error(t, p.GetFrom(m))

	require.NoError(t, m.Build(stun.BindingRequest, PriorityAttr(1086030207)))

	m1 := new(stun.Message)
	_, err := m1.Write(m.Raw)
	require.NoError(t, err)

	var p1 PriorityAttr
	require.NoError(t, p1.GetFrom(m1))
	assert.Equal(t, PriorityAttr(1086030207), p1)
}

func TestUseCandidate(t *testing.T) {
	m := new(stun.Message)
	assert.False(t, UseCandidate().IsSet(m))

	require.NoError(t, m.Build(stun.BindingRequest, UseCandidate()))

	m1 := new(stun.Message)
	_, err := m1.Write(m.Raw)
	require.NoError(t, err)

	assert.True(t, UseCandidate().IsSet(m1))
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "controlling", Controlling.String())
	assert.Equal(t, "controlled", Controlled.String())
}
