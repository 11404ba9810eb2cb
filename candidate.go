package ice

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	receiveMTU             = 8192
	defaultLocalPreference = 65535

	// ComponentRTP indicates that the candidate is used for RTP
	ComponentRTP uint16 = 1
	// ComponentRTCP indicates that the candidate is used for RTCP
	ComponentRTCP uint16 = 2
)

// Candidate represents an ICE candidate
type Candidate interface {
	// An arbitrary string used in the freezing algorithm to
	// group similar candidates.  It is the same for two candidates that
	// have the same type, base IP address, protocol (UDP, TCP, etc.),
	// and STUN or TURN server.
	Foundation() string

	// A unique identifier for just this candidate
	// Unlike the foundation this is different for each candidate
	ID() string

	// A component is a piece of a data stream.
	// An example is one for RTP, and one for RTCP
	Component() uint16

	// The last time this candidate received traffic
	LastReceived() time.Time

	// The last time this candidate sent traffic
	LastSent() time.Time

	NetworkType() NetworkType
	Address() string
	Port() int

	Priority() uint32

	// A transport address related to a
	//  candidate, which is useful for diagnostics and other purposes
	RelatedAddress() *CandidateRelatedAddress

	String() string
	Type() CandidateType
	TCPType() TCPType

	Equal(other Candidate) bool

	// Marshal returns the string representation of the ICECandidate
	Marshal() string

	addr() net.Addr
	agent() *Agent
	context() context.Context

	close() error
	copy() (Candidate, error)
	packetConn() net.PacketConn
	seen(outbound bool)
	start(a *Agent, conn net.PacketConn, initializedCh <-chan struct{})
	writeTo(raw []byte, dst Candidate) (int, error)
}

// UnmarshalCandidate creates a Candidate from its string representation
// as exported by Marshal. Unknown trailing "name value" extensions are
// tolerated and ignored.
func UnmarshalCandidate(raw string) (Candidate, error) { //nolint:gocognit
	split := strings.Fields(raw)
	if len(split) < 8 {
		return nil, fmt.Errorf("%w (%s)", ErrAttributeTooShortICECandidate, raw)
	}

	// Foundation
	foundation := split[0]

	// Component
	rawComponent, err := strconv.ParseUint(split[1], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseComponent, err)
	}
	component := uint16(rawComponent)

	// Protocol
	protocol := split[2]

	// Priority
	priorityRaw, err := strconv.ParseUint(split[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParsePriority, err)
	}
	priority := uint32(priorityRaw)

	// Address
	address := split[4]

	// Port
	rawPort, err := strconv.ParseUint(split[5], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParsePort, err)
	}
	port := int(rawPort)
	typ := split[7]

	relatedAddress := ""
	relatedPort := 0
	tcpType := TCPTypeUnspecified

	if len(split) > 8 {
		split = split[8:]

		if split[0] == "raddr" {
			if len(split) < 4 {
				return nil, fmt.Errorf("%w: incorrect length", ErrParseRelatedAddr)
			}

			// RelatedAddress
			relatedAddress = split[1]

			// RelatedPort
			rawRelatedPort, parseErr := strconv.ParseUint(split[3], 10, 16)
			if parseErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrParsePort, parseErr)
			}
			relatedPort = int(rawRelatedPort)
		} else if split[0] == "tcptype" {
			if len(split) < 2 {
				return nil, fmt.Errorf("%w: incorrect length", ErrParseTypType)
			}

			tcpType = NewTCPType(split[1])
		}
	}

	switch typ {
	case "host":
		return NewCandidateHost(&CandidateHostConfig{
			Network:    protocol,
			Address:    address,
			Port:       port,
			Component:  component,
			Priority:   priority,
			Foundation: foundation,
			TCPType:    tcpType,
		})
	case "srflx":
		return NewCandidateServerReflexive(&CandidateServerReflexiveConfig{
			Network:    protocol,
			Address:    address,
			Port:       port,
			Component:  component,
			Priority:   priority,
			Foundation: foundation,
			RelAddr:    relatedAddress,
			RelPort:    relatedPort,
		})
	case "prflx":
		return NewCandidatePeerReflexive(&CandidatePeerReflexiveConfig{
			Network:    protocol,
			Address:    address,
			Port:       port,
			Component:  component,
			Priority:   priority,
			Foundation: foundation,
			RelAddr:    relatedAddress,
			RelPort:    relatedPort,
		})
	case "relay":
		return NewCandidateRelay(&CandidateRelayConfig{
			Network:    protocol,
			Address:    address,
			Port:       port,
			Component:  component,
			Priority:   priority,
			Foundation: foundation,
			RelAddr:    relatedAddress,
			RelPort:    relatedPort,
		})
	default:
	}

	return nil, fmt.Errorf("%w (%s)", ErrUnknownCandidateTyp, typ)
}
