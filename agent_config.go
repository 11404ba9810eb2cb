package ice

import (
	"net"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/vnet"
	"golang.org/x/net/proxy"
)

const (
	// defaultCheckInterval is the interval at which the agent paces
	// connectivity checks (Ta)
	defaultCheckInterval = 50 * time.Millisecond

	// defaultKeepaliveInterval used to keep the selected pair alive,
	// 0 means never
	defaultKeepaliveInterval = 2 * time.Second

	// defaultConsentCheckInterval is how often consent freshness requests
	// are sent on the selected pair (rfc7675)
	defaultConsentCheckInterval = 5 * time.Second

	// defaultDisconnectedTimeout is the default time till an Agent transitions disconnected
	defaultDisconnectedTimeout = 5 * time.Second

	// defaultFailedTimeout is the default time till an Agent transitions
	// to failed after disconnected
	defaultFailedTimeout = 25 * time.Second

	// defaultGatherTimeout is the deadline for the gathering process as a whole
	defaultGatherTimeout = 10 * time.Second

	// max binding request before considering a pair failed
	defaultMaxBindingRequests = 7

	// initial retransmission timeout of a connectivity check,
	// doubled on every retransmit
	defaultBindingRequestRTO = 500 * time.Millisecond

	// maxBindingRequestTimeout is the wait time before binding requests can be deleted
	maxBindingRequestTimeout = 4000 * time.Millisecond

	// the maximum amount of bytes the delivery buffer holds before
	// writes start to fail with packetio.ErrFull
	maxBufferSize = 1000 * 1000 // 1MB
)

// AgentConfig collects the arguments to ice.Agent construction into
// a single structure, for future-proofness of the interface
type AgentConfig struct {
	Urls []*URL

	// PortMin and PortMax are optional. Leave them 0 for the default UDP port allocation strategy.
	PortMin uint16
	PortMax uint16

	// LocalUfrag and LocalPwd values used to perform connectivity
	// checks.  The values MUST be unguessable, with at least 128 bits of
	// random number generator output used to generate the password, and
	// at least 24 bits of output to generate the username fragment.
	LocalUfrag string
	LocalPwd   string

	// DisconnectedTimeout defaults to 5 seconds when this property is nil.
	// If the duration is 0, the ICE Agent will never go to disconnected
	DisconnectedTimeout *time.Duration

	// FailedTimeout defaults to 25 seconds when this property is nil.
	// If the duration is 0, we will never go to failed.
	FailedTimeout *time.Duration

	// KeepaliveInterval determines how often should we send ICE
	// keepalives (should be less then connectiontimeout above)
	// when this is nil, it defaults to 2 seconds.
	// A keepalive interval of 0 means we never send keepalive packets
	KeepaliveInterval *time.Duration

	// ConsentCheckInterval determines how often consent freshness Binding
	// Requests are sent on the selected pair. Defaults to 5 seconds.
	ConsentCheckInterval *time.Duration

	// CheckInterval controls how often our internal task loop runs when
	// in the connecting state. Only useful for testing.
	CheckInterval *time.Duration

	// GatherTimeout is the deadline for the gathering process as a
	// whole; candidates that a source finds after it are discarded.
	// GatheringState becomes complete only once every source has
	// returned, which can be later than the deadline.
	// Defaults to 10 seconds.
	GatherTimeout *time.Duration

	// NetworkTypes is an optional configuration for disabling or enabling
	// support for specific network types.
	NetworkTypes []NetworkType

	// CandidateTypes is an optional configuration for disabling or enabling
	// support for specific candidate types.
	CandidateTypes []CandidateType

	LoggerFactory logging.LoggerFactory

	// MaxBindingRequests is the max amount of binding requests the agent will send
	// over a candidate pair for validation or nomination, if after MaxBindingRequests
	// the candidate is yet to answer a binding request or a nomination we set the pair as failed
	MaxBindingRequests *uint16

	// BindingRequestRTO is the initial retransmission timeout of a
	// connectivity check, doubled on every retransmit. Defaults to 500ms.
	BindingRequestRTO *time.Duration

	// Lite agents do not perform connectivity checks and only provide host candidates.
	Lite bool

	// RegularNomination makes the controlling agent nominate only after at
	// least one pair has succeeded, on the best succeeded pair. When false
	// (the default) every check carries USE-CANDIDATE and the first pair
	// to succeed is nominated (aggressive nomination).
	RegularNomination bool

	// NAT1To1IPCandidateType is used along with NAT1To1IPs to specify which candidate type
	// the 1:1 NAT IP addresses should be mapped to. If unspecified or
	// CandidateTypeHost, NAT1To1IPs are used to replace host candidate IPs.
	// If CandidateTypeServerReflexive, it will insert a srflx candidate (as if it
	// were derived from a STUN server) with its port number being the one for
	// the actual host candidate. Other values will result in an error.
	NAT1To1IPCandidateType CandidateType

	// NAT1To1IPs contains a list of public IP addresses that are to be used as a host
	// candidate or srflx candidate. This is used typically for servers that are behind
	// 1:1 D-NAT (e.g. AWS EC2 instances) and to eliminate the need of server dependent
	// trickle ICE. The special value "auto" makes the agent discover this host's
	// public IP with an external lookup.
	NAT1To1IPs []string

	// Net is the our abstracted network interface for internal development purpose only
	// (see github.com/pion/transport/vnet)
	Net *vnet.Net

	// InterfaceFilter is a function that you can use in order to  whitelist or blacklist
	// the interfaces which are used to gather ICE candidates.
	InterfaceFilter func(string) bool

	// IPFilter is a function that you can use in order to whitelist or blacklist
	// the IPs which are used to gather ICE candidates.
	IPFilter func(net.IP) bool

	// IncludeLoopback will allow loopback candidates to be gathered
	IncludeLoopback bool

	// InsecureSkipVerify controls if self-signed certificates are accepted when connecting
	// to TURN servers via TLS or DTLS
	InsecureSkipVerify bool

	// ProxyDialer is a dialer that should be implemented by the user based on golang.org/x/net/proxy
	// dial interface in order to support corporate proxies
	ProxyDialer proxy.Dialer
}

// initWithDefaults populates an agent and falls back to defaults if fields are unset
func (config *AgentConfig) initWithDefaults(a *Agent) {
	if config.MaxBindingRequests == nil {
		a.maxBindingRequests = defaultMaxBindingRequests
	} else {
		a.maxBindingRequests = *config.MaxBindingRequests
	}

	if config.BindingRequestRTO == nil {
		a.bindingRequestRTO = defaultBindingRequestRTO
	} else {
		a.bindingRequestRTO = *config.BindingRequestRTO
	}

	if config.DisconnectedTimeout == nil {
		a.disconnectedTimeout = defaultDisconnectedTimeout
	} else {
		a.disconnectedTimeout = *config.DisconnectedTimeout
	}

	if config.FailedTimeout == nil {
		a.failedTimeout = defaultFailedTimeout
	} else {
		a.failedTimeout = *config.FailedTimeout
	}

	if config.KeepaliveInterval == nil {
		a.keepaliveInterval = defaultKeepaliveInterval
	} else {
		a.keepaliveInterval = *config.KeepaliveInterval
	}

	if config.ConsentCheckInterval == nil {
		a.consentCheckInterval = defaultConsentCheckInterval
	} else {
		a.consentCheckInterval = *config.ConsentCheckInterval
	}

	if config.CheckInterval == nil {
		a.checkInterval = defaultCheckInterval
	} else {
		a.checkInterval = *config.CheckInterval
	}

	if config.GatherTimeout == nil {
		a.gatherTimeout = defaultGatherTimeout
	} else {
		a.gatherTimeout = *config.GatherTimeout
	}

	if len(config.CandidateTypes) == 0 {
		a.candidateTypes = defaultCandidateTypes()
	} else {
		a.candidateTypes = config.CandidateTypes
	}

	if len(config.NetworkTypes) == 0 {
		a.networkTypes = supportedNetworkTypes()
	} else {
		a.networkTypes = config.NetworkTypes
	}
}

func (config *AgentConfig) initExtIPMapping(a *Agent) error {
	var err error
	a.extIPMapper, err = newExternalIPMapper(config.NAT1To1IPCandidateType, config.NAT1To1IPs)
	if err != nil {
		return err
	}
	if a.extIPMapper == nil {
		return nil // this may happen when config.NAT1To1IPs is an empty array
	}
	if a.extIPMapper.candidateType == CandidateTypeHost {
		if !containsCandidateType(CandidateTypeHost, a.candidateTypes) {
			return ErrIneffectiveNAT1To1IPMappingHost
		}
	} else if a.extIPMapper.candidateType == CandidateTypeServerReflexive {
		if !containsCandidateType(CandidateTypeServerReflexive, a.candidateTypes) {
			return ErrIneffectiveNAT1To1IPMappingSrflx
		}
	}
	return nil
}

func defaultCandidateTypes() []CandidateType {
	return []CandidateType{
		CandidateTypeHost,
		CandidateTypeServerReflexive,
		CandidateTypeRelay,
	}
}
