package ice

import "errors"

var (
	// ErrUnknownType indicates an error with Unknown info.
	ErrUnknownType = errors.New("Unknown")

	// ErrSchemeType indicates the scheme type could not be parsed.
	ErrSchemeType = errors.New("unknown scheme type")

	// ErrSTUNQuery indicates query arguments are provided in a STUN URL.
	ErrSTUNQuery = errors.New("queries not supported in stun address")

	// ErrInvalidQuery indicates an malformed query is provided.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrHost indicates malformed hostname is provided.
	ErrHost = errors.New("invalid hostname")

	// ErrPort indicates malformed port is provided.
	ErrPort = errors.New("invalid port number")

	// ErrProtoType indicates an unsupported transport type was provided.
	ErrProtoType = errors.New("invalid transport protocol type")

	// ErrClosed indicates the agent is closed
	ErrClosed = errors.New("the agent is closed")

	// ErrNoCandidatePairs indicates agent does not have a valid candidate pair
	ErrNoCandidatePairs = errors.New("no candidate pairs available")

	// ErrCanceledByCaller indicates agent connection was canceled by the caller
	ErrCanceledByCaller = errors.New("connecting canceled by caller")

	// ErrMultipleStart indicates agent was started twice
	ErrMultipleStart = errors.New("attempted to start agent twice")

	// ErrRemoteUfragEmpty indicates agent was started with an empty remote ufrag
	ErrRemoteUfragEmpty = errors.New("remote ufrag is empty")

	// ErrRemotePwdEmpty indicates agent was started with an empty remote pwd
	ErrRemotePwdEmpty = errors.New("remote pwd is empty")

	// ErrNoOnCandidateHandler indicates agent was started without OnCandidate
	ErrNoOnCandidateHandler = errors.New("no OnCandidate provided")

	// ErrMultipleGatherAttempted indicates GatherCandidates has been called multiple times
	ErrMultipleGatherAttempted = errors.New("attempting to gather candidates during gathering state")

	// ErrUsernameEmpty indicates agent was give TURN URL with an empty Username
	ErrUsernameEmpty = errors.New("username is empty")

	// ErrPasswordEmpty indicates agent was give TURN URL with an empty Password
	ErrPasswordEmpty = errors.New("password is empty")

	// ErrAddressParseFailed indicates we were unable to parse a candidate address
	ErrAddressParseFailed = errors.New("failed to parse address")

	// ErrLiteUsingNonHostCandidates indicates non host candidates were selected for a lite agent
	ErrLiteUsingNonHostCandidates = errors.New("lite agents must only use host candidates")

	// ErrUselessUrlsProvided indicates that one or more URL was provided to the agent but no host candidate required them
	ErrUselessUrlsProvided = errors.New("agent does not need URL with selected candidate types")

	// ErrUnsupportedNAT1To1IPCandidateType indicates that the specified NAT1To1IPCandidateType is unsupported
	ErrUnsupportedNAT1To1IPCandidateType = errors.New("unsupported 1:1 NAT IP candidate type")

	// ErrInvalidNAT1To1IPMapping indicates that the given 1:1 NAT IP mapping is invalid
	ErrInvalidNAT1To1IPMapping = errors.New("invalid 1:1 NAT IP mapping")

	// ErrExternalMappedIPNotFound in NAT 1:1 IP mapping
	ErrExternalMappedIPNotFound = errors.New("external mapped IP not found")

	// ErrLocalUfragInsufficientBits indicates local ufrag insufficient bits are provided.
	// Have to be at least 24 bits long
	ErrLocalUfragInsufficientBits = errors.New("local ufrag is less than 24 bits long")

	// ErrLocalPwdInsufficientBits indicates local pwd insufficient bits are provided.
	// Have to be at least 128 bits long
	ErrLocalPwdInsufficientBits = errors.New("local pwd is less than 128 bits long")

	// ErrIceWriteSTUNMessage indicates that a STUN message was written on an ICE connection
	ErrIceWriteSTUNMessage = errors.New("the ICE conn can't write STUN messages")

	// ErrRunCanceled indicates a run operation was canceled by its individual done
	ErrRunCanceled = errors.New("run was canceled by done")

	// ErrConnectionFailed indicates the selected candidate pair stopped receiving,
	// consent expired and no replacement pair succeeded
	ErrConnectionFailed = errors.New("connection failed")

	// ErrDetermineNetworkType indicates that the NetworkType was not able to be parsed
	ErrDetermineNetworkType = errors.New("unable to determine networkType")

	// ErrMissingAddress indicates that a NAT1To1IPs mapping is missing an address
	ErrMissingAddress = errors.New("no address provided in 1:1 NAT IP mapping")

	// ErrUnknownCandidateTyp indicates that a candidate had a unknown type value
	ErrUnknownCandidateTyp = errors.New("unknown candidate typ")

	// ErrAttributeTooShortICECandidate indicates that a candidate string was too short
	ErrAttributeTooShortICECandidate = errors.New("attribute not long enough to be ICE candidate")

	// ErrParseComponent indicates that a candidate string contained an invalid component
	ErrParseComponent = errors.New("could not parse component")

	// ErrParsePriority indicates that a candidate string contained an invalid priority
	ErrParsePriority = errors.New("could not parse priority")

	// ErrParsePort indicates that a candidate string contained an invalid port
	ErrParsePort = errors.New("could not parse port")

	// ErrParseRelatedAddr indicates that a candidate string contained an invalid related address
	ErrParseRelatedAddr = errors.New("could not parse related addresses")

	// ErrParseTypType indicates that a candidate string contained an invalid typ type
	ErrParseTypType = errors.New("could not parse typtype")

	// ErrMismatchUsername indicates that the USERNAME of an inbound request did not
	// match the agreed upon short-term credentials
	ErrMismatchUsername = errors.New("username mismatch")

	// ErrIneffectiveNAT1To1IPMappingHost indicates that 1:1 NAT IP mapping for host candidate is ineffective
	ErrIneffectiveNAT1To1IPMappingHost = errors.New("1:1 NAT IP mapping for host candidate ineffective")

	// ErrIneffectiveNAT1To1IPMappingSrflx indicates that 1:1 NAT IP mapping for srflx candidate is ineffective
	ErrIneffectiveNAT1To1IPMappingSrflx = errors.New("1:1 NAT IP mapping for srflx candidate ineffective")
)
