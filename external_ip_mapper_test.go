package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExternalIPMapper(t *testing.T) {
	t.Run("validateIPString", func(t *testing.T) {
		ip, isIPv4, err := validateIPString("1.2.3.4")
		require.NoError(t, err)
		assert.True(t, isIPv4)
		assert.Equal(t, "1.2.3.4", ip.String())

		ip, isIPv4, err = validateIPString("2601:4567::5678")
		require.NoError(t, err)
		assert.False(t, isIPv4)
		assert.Equal(t, "2601:4567::5678", ip.String())

		_, _, err = validateIPString("bad.6.6.6")
		assert.Error(t, err)
	})

	t.Run("newExternalIPMapper", func(t *testing.T) {
		// ips being nil or empty should succeed, but mapper will be nil
		m, err := newExternalIPMapper(CandidateTypeUnspecified, nil)
		require.NoError(t, err)
		assert.Nil(t, m)

		m, err = newExternalIPMapper(CandidateTypeUnspecified, []string{})
		require.NoError(t, err)
		assert.Nil(t, m)

		// unspecified candidate type defaults to host
		m, err = newExternalIPMapper(CandidateTypeUnspecified, []string{"1.2.3.4"})
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, CandidateTypeHost, m.candidateType)

		m, err = newExternalIPMapper(CandidateTypeServerReflexive, []string{"1.2.3.4"})
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, CandidateTypeServerReflexive, m.candidateType)

		// other candidate types are rejected
		_, err = newExternalIPMapper(CandidateTypeRelay, []string{"1.2.3.4"})
		assert.Equal(t, ErrUnsupportedNAT1To1IPCandidateType, err)

		// bad IP
		_, err = newExternalIPMapper(CandidateTypeUnspecified, []string{"bad.2.3.4"})
		assert.Error(t, err)

		// two sole IPv4 is invalid
		_, err = newExternalIPMapper(CandidateTypeUnspecified, []string{"1.2.3.4", "5.6.7.8"})
		assert.Equal(t, ErrInvalidNAT1To1IPMapping, err)

		// mixing sole and explicit mapping for the same family is invalid
		_, err = newExternalIPMapper(CandidateTypeUnspecified, []string{"1.2.3.4", "5.6.7.8/10.0.0.1"})
		assert.Equal(t, ErrInvalidNAT1To1IPMapping, err)

		// duplicate local address is invalid
		_, err = newExternalIPMapper(CandidateTypeUnspecified, []string{"1.2.3.4/10.0.0.1", "5.6.7.8/10.0.0.1"})
		assert.Equal(t, ErrInvalidNAT1To1IPMapping, err)

		// mismatching families is invalid
		_, err = newExternalIPMapper(CandidateTypeUnspecified, []string{"1.2.3.4/fe80::1"})
		assert.Equal(t, ErrInvalidNAT1To1IPMapping, err)
	})

	t.Run("findExternalIP with sole IP", func(t *testing.T) {
		m, err := newExternalIPMapper(CandidateTypeUnspecified, []string{"1.2.3.4"})
		require.NoError(t, err)
		require.NotNil(t, m)

		extIP, err := m.findExternalIP("10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, "1.2.3.4", extIP.String())

		extIP, err = m.findExternalIP("10.0.0.2")
		require.NoError(t, err)
		assert.Equal(t, "1.2.3.4", extIP.String())

		// no IPv6 mapping was configured
		_, err = m.findExternalIP("fe80::1")
		assert.Error(t, err)
	})

	t.Run("findExternalIP with explicit mapping", func(t *testing.T) {
		m, err := newExternalIPMapper(CandidateTypeUnspecified, []string{
			"1.2.3.4/10.0.0.1",
			"1.2.3.5/10.0.0.2",
		})
		require.NoError(t, err)
		require.NotNil(t, m)

		extIP, err := m.findExternalIP("10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, "1.2.3.4", extIP.String())

		extIP, err = m.findExternalIP("10.0.0.2")
		require.NoError(t, err)
		assert.Equal(t, "1.2.3.5", extIP.String())

		_, err = m.findExternalIP("10.0.0.3")
		assert.Equal(t, ErrExternalMappedIPNotFound, err)
	})
}
