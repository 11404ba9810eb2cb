package ice

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun"
	"github.com/pion/transport/packetio"
	"github.com/pion/transport/vnet"
	"golang.org/x/net/proxy"
)

type bindingRequest struct {
	timestamp      time.Time
	transactionID  [stun.TransactionIDSize]byte
	destination    net.Addr
	isUseCandidate bool
}

// Agent represents the ICE agent
type Agent struct {
	chanTask   chan task
	afterRunFn []func(ctx context.Context)
	muAfterRun sync.Mutex

	onConnectionStateChangeHdlr       atomic.Value // func(ConnectionState)
	onSelectedCandidatePairChangeHdlr atomic.Value // func(Candidate, Candidate)
	onCandidateHdlr                   atomic.Value // func(Candidate)

	// Signals the agent to run at least one more contact cycle
	// (instead of waiting for the pacing ticker)
	forceCandidateContact chan bool

	tieBreaker uint64
	lite       bool

	regularNomination bool

	connectionState ConnectionState
	connState       atomic.Value // ConnectionState, mirror for lock-free reads
	gatheringState  GatheringState

	muHaveStarted sync.Mutex
	startedCh     <-chan struct{}
	startedFn     func()
	isControlling bool

	maxBindingRequests uint16
	bindingRequestRTO  time.Duration

	portMin uint16
	portMax uint16

	candidateTypes []CandidateType

	// How long connectivity checks can fail before the ICE Agent
	// goes to disconnected
	disconnectedTimeout time.Duration

	// How long connectivity checks can fail before the ICE Agent
	// goes to failed
	failedTimeout time.Duration

	// How often should we send keepalive packets?
	// 0 means never
	keepaliveInterval time.Duration

	// How often consent freshness requests probe the selected pair
	consentCheckInterval time.Duration

	// How often should we run our internal taskLoop to check for state changes when connecting
	checkInterval time.Duration

	// The deadline for the gathering process as a whole
	gatherTimeout time.Duration

	localUfrag      string
	localPwd        string
	localCandidates map[NetworkType][]Candidate

	remoteUfrag      string
	remotePwd        string
	remoteCandidates map[NetworkType][]Candidate

	checklist []*CandidatePair
	selector  pairCandidateSelector

	// FIFO of pairs awaiting an immediate check, drained before the
	// ordinary pacer advances
	triggeredCheckQueue []*CandidatePair

	selectedPair    atomic.Value // *CandidatePair
	onConnected     chan struct{}
	onConnectedOnce sync.Once

	urls         []*URL
	networkTypes []NetworkType

	buffer *packetio.Buffer

	// LRU of outbound Binding request Transaction IDs
	pendingBindingRequests []bindingRequest

	// 1:1 D-NAT IP address mapping
	extIPMapper *externalIPMapper

	// State for closing
	done         chan struct{}
	taskLoopDone chan struct{}
	err          atomic.Value // error

	gatherCandidateCancel func()
	gatherCandidateDone   chan struct{}

	connectionStateNotifier       *handlerNotifier
	candidateNotifier             *handlerNotifier
	selectedCandidatePairNotifier *handlerNotifier

	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger

	net *vnet.Net

	interfaceFilter func(string) bool
	ipFilter        func(net.IP) bool
	includeLoopback bool

	insecureSkipVerify bool

	proxyDialer proxy.Dialer
}

type task struct {
	fn   func(context.Context, *Agent)
	done chan struct{}
}

// afterRun registers function to be run after the task.
func (a *Agent) afterRun(f func(context.Context)) {
	a.muAfterRun.Lock()
	a.afterRunFn = append(a.afterRunFn, f)
	a.muAfterRun.Unlock()
}

func (a *Agent) getAfterRunFn() []func(context.Context) {
	a.muAfterRun.Lock()
	defer a.muAfterRun.Unlock()
	fns := a.afterRunFn
	a.afterRunFn = nil
	return fns
}

func (a *Agent) ok() error {
	select {
	case <-a.done:
		return a.getErr()
	default:
	}
	return nil
}

func (a *Agent) getErr() error {
	if err, ok := a.err.Load().(error); ok && err != nil {
		return err
	}
	return ErrClosed
}

// Run task in serial. Blocking tasks must be cancelable by context.
func (a *Agent) run(ctx context.Context, t func(context.Context, *Agent)) error {
	if err := a.ok(); err != nil {
		return err
	}
	done := make(chan struct{})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case a.chanTask <- task{t, done}:
		<-done
		return nil
	}
}

// taskLoop handles registered tasks and agent close.
func (a *Agent) taskLoop() {
	after := func() {
		for {
			// Get and run func registered by afterRun().
			fns := a.getAfterRunFn()
			if len(fns) == 0 {
				break
			}
			for _, fn := range fns {
				fn(a.context())
			}
		}
	}
	defer func() {
		a.deleteAllCandidates()
		a.setSelectedPair(nil)
		a.startedFn()

		if err := a.buffer.Close(); err != nil {
			a.log.Warnf("failed to close buffer: %v", err)
		}

		a.updateConnectionState(ConnectionStateClosed)

		after()

		close(a.taskLoopDone)
	}()

	for {
		select {
		case <-a.done:
			return
		case t := <-a.chanTask:
			t.fn(a.context(), a)
			close(t.done)
			after()
		}
	}
}

// NewAgent creates a new Agent
func NewAgent(config *AgentConfig) (*Agent, error) {
	if config.PortMax < config.PortMin {
		return nil, ErrPort
	}

	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	log := loggerFactory.NewLogger("ice")

	startedCtx, startedFn := context.WithCancel(context.Background())

	a := &Agent{
		chanTask:          make(chan task),
		tieBreaker:        globalMathRandomGenerator.Uint64(),
		lite:              config.Lite,
		regularNomination: config.RegularNomination,
		gatheringState:    GatheringStateNew,
		connectionState:   ConnectionStateNew,
		localCandidates:   make(map[NetworkType][]Candidate),
		remoteCandidates:  make(map[NetworkType][]Candidate),
		urls:              config.Urls,
		networkTypes:      config.NetworkTypes,
		onConnected:       make(chan struct{}),
		buffer:            packetio.NewBuffer(),
		done:              make(chan struct{}),
		taskLoopDone:      make(chan struct{}),
		startedCh:         startedCtx.Done(),
		startedFn:         startedFn,
		portMin:           config.PortMin,
		portMax:           config.PortMax,
		loggerFactory:     loggerFactory,
		log:               log,
		net:               config.Net,
		proxyDialer:       config.ProxyDialer,

		gatherCandidateCancel: func() {},

		forceCandidateContact: make(chan bool, 1),

		interfaceFilter: config.InterfaceFilter,

		ipFilter: config.IPFilter,

		insecureSkipVerify: config.InsecureSkipVerify,

		includeLoopback: config.IncludeLoopback,
	}
	a.connState.Store(ConnectionStateNew)
	a.connectionStateNotifier = &handlerNotifier{connectionStateFunc: a.onConnectionStateChange, done: make(chan struct{})}
	a.candidateNotifier = &handlerNotifier{candidateFunc: a.onCandidate, done: make(chan struct{})}
	a.selectedCandidatePairNotifier = &handlerNotifier{candidatePairFunc: a.onSelectedCandidatePairChange, done: make(chan struct{})}

	if a.net == nil {
		a.net = vnet.NewNet(nil)
	} else if a.net.IsVirtual() {
		a.log.Warn("vnet is enabled")
	}

	config.initWithDefaults(a)

	// Make sure the buffer doesn't grow indefinitely.
	// NOTE: We actually won't get anywhere close to this limit.
	// SRTP will constantly read from the endpoint and drop packets if it's full.
	a.buffer.SetLimitSize(maxBufferSize)

	if a.lite && (len(a.candidateTypes) != 1 || a.candidateTypes[0] != CandidateTypeHost) {
		return nil, ErrLiteUsingNonHostCandidates
	}

	if len(config.Urls) > 0 && !containsCandidateType(CandidateTypeServerReflexive, a.candidateTypes) && !containsCandidateType(CandidateTypeRelay, a.candidateTypes) {
		return nil, ErrUselessUrlsProvided
	}

	if err := config.initExtIPMapping(a); err != nil {
		return nil, err
	}

	go a.taskLoop()

	// Restart is also used to initialize the agent for the first time
	if err := a.Restart(config.LocalUfrag, config.LocalPwd); err != nil {
		_ = a.Close()
		return nil, err
	}

	return a, nil
}

func (a *Agent) startConnectivityChecks(isControlling bool, remoteUfrag, remotePwd string) error {
	a.muHaveStarted.Lock()
	defer a.muHaveStarted.Unlock()
	select {
	case <-a.startedCh:
		return ErrMultipleStart
	default:
	}
	if err := a.SetRemoteCredentials(remoteUfrag, remotePwd); err != nil {
		return err
	}

	a.log.Debugf("Started agent: isControlling? %t, remoteUfrag: %q, remotePwd: %q", isControlling, remoteUfrag, remotePwd)

	return a.run(a.context(), func(ctx context.Context, agent *Agent) {
		agent.isControlling = isControlling
		agent.remoteUfrag = remoteUfrag
		agent.remotePwd = remotePwd

		// Pairs formed while the role was still unknown carry the
		// default role, recompute their priority ordering
		for _, p := range agent.checklist {
			p.iceRoleControlling = isControlling
		}

		agent.selector = agent.buildSelector(isControlling)
		agent.selector.Start()
		agent.startedFn()

		agent.updateConnectionState(ConnectionStateChecking)

		agent.requestConnectivityCheck()
		go agent.connectivityChecks()
	})
}

func (a *Agent) buildSelector(isControlling bool) pairCandidateSelector {
	var s pairCandidateSelector
	if isControlling {
		s = &controllingSelector{agent: a, log: a.log}
	} else {
		s = &controlledSelector{agent: a, log: a.log}
	}

	if a.lite {
		s = &liteSelector{pairCandidateSelector: s}
	}
	return s
}

func (a *Agent) connectivityChecks() {
	lastConnectionState := ConnectionState(0)
	checkingDuration := time.Time{}

	contact := func() {
		if err := a.run(a.context(), func(ctx context.Context, a *Agent) {
			defer func() {
				lastConnectionState = a.connectionState
			}()

			switch a.connectionState {
			case ConnectionStateFailed:
				// The connection is currently failed so don't send any checks
				// In the future it may be restarted though
				return
			case ConnectionStateChecking:
				// We have just entered checking for the first time so update our checking timer
				if lastConnectionState != a.connectionState {
					checkingDuration = time.Now()
				}

				// We have been in checking longer then Disconnect+Failed timeout, set the connection to Failed
				if time.Since(checkingDuration) > a.disconnectedTimeout+a.failedTimeout {
					a.updateConnectionState(ConnectionStateFailed)
					return
				}
			default:
			}

			a.selector.ContactCandidates()

			if a.connectionState == ConnectionStateConnected && a.checklistResolved() {
				a.updateConnectionState(ConnectionStateCompleted)
			}
		}); err != nil {
			a.log.Warnf("Failed to start connectivity checks: %v", err)
		}
	}

	t := time.NewTimer(time.Hour)
	t.Stop()

	for {
		interval := defaultKeepaliveInterval

		updateInterval := func(x time.Duration) {
			if x != 0 && (interval == 0 || interval > x) {
				interval = x
			}
		}

		switch lastConnectionState {
		case ConnectionStateNew, ConnectionStateChecking: // While connecting, check candidates more frequently
			updateInterval(a.checkInterval)
		case ConnectionStateConnected, ConnectionStateCompleted, ConnectionStateDisconnected:
			updateInterval(a.keepaliveInterval)
			updateInterval(a.consentCheckInterval)
		default:
		}
		// Ensure we run our task loop as quickly as the minimum of our various configured timeouts
		updateInterval(a.disconnectedTimeout)
		updateInterval(a.failedTimeout)

		t.Reset(interval)

		select {
		case <-a.forceCandidateContact:
			if !t.Stop() {
				<-t.C
			}
			contact()
		case <-t.C:
			contact()
		case <-a.done:
			t.Stop()
			return
		}
	}
}

func (a *Agent) updateConnectionState(newState ConnectionState) {
	if a.connectionState != newState {
		// Connection has gone to failed, release all gathered candidates
		if newState == ConnectionStateFailed {
			a.checklist = make([]*CandidatePair, 0)
			a.triggeredCheckQueue = nil
			a.pendingBindingRequests = make([]bindingRequest, 0)
			a.setSelectedPair(nil)
			a.deleteAllCandidates()

			// Unblock consumer reads with ErrConnectionFailed
			if err := a.buffer.Close(); err != nil {
				a.log.Warnf("failed to close buffer: %v", err)
			}
		}

		a.log.Infof("Setting new connection state: %s", newState)
		a.connectionState = newState
		a.connState.Store(newState)
		a.connectionStateNotifier.EnqueueConnectionState(newState)
	}
}

func (a *Agent) loadConnectionState() ConnectionState {
	if st, ok := a.connState.Load().(ConnectionState); ok {
		return st
	}
	return ConnectionStateNew
}

func (a *Agent) setSelectedPair(p *CandidatePair) {
	if p == nil {
		var nilPair *CandidatePair
		a.selectedPair.Store(nilPair)
		a.log.Tracef("Unset selected candidate pair")
		return
	}

	p.nominated = true
	a.selectedPair.Store(p)
	a.log.Tracef("Set selected candidate pair: %s", p)

	a.updateConnectionState(ConnectionStateConnected)

	// Notify when the selected pair changes
	a.selectedCandidatePairNotifier.EnqueueSelectedCandidatePair(p)

	// Signal connected
	a.onConnectedOnce.Do(func() { close(a.onConnected) })
}

// checklistResolved reports whether every pair on the checklist reached a
// terminal state and no triggered check is outstanding. Together with a
// nominated pair this moves the agent from Connected to Completed.
func (a *Agent) checklistResolved() bool {
	if len(a.triggeredCheckQueue) > 0 {
		return false
	}
	for _, p := range a.checklist {
		switch p.state {
		case CandidatePairStateFrozen, CandidatePairStateWaiting, CandidatePairStateInProgress:
			return false
		default:
		}
	}
	return true
}

// enqueueTriggeredCheck appends the pair to the triggered check queue,
// deduplicating by identity. The queue is drained before the ordinary
// pacer advances (rfc8445 6.1.4.1).
func (a *Agent) enqueueTriggeredCheck(p *CandidatePair) {
	if p.state == CandidatePairStateSucceeded {
		return
	}
	for _, cp := range a.triggeredCheckQueue {
		if cp == p {
			return
		}
	}
	if p.state == CandidatePairStateFailed {
		p.state = CandidatePairStateWaiting
		p.bindingRequestCount = 0
	}
	a.triggeredCheckQueue = append(a.triggeredCheckQueue, p)
	a.requestConnectivityCheck()
}

// pingNextCandidate advances the checklist by at most one transaction:
// the triggered check queue is drained first, then the highest priority
// Waiting pair, then the in-progress pair whose retransmission timer is
// most overdue.
func (a *Agent) pingNextCandidate() {
	now := time.Now()
	var p *CandidatePair

	if len(a.triggeredCheckQueue) > 0 {
		p = a.triggeredCheckQueue[0]
		a.triggeredCheckQueue = a.triggeredCheckQueue[1:]
	}

	if p == nil {
		for _, cp := range a.checklist {
			if cp.state == CandidatePairStateWaiting && (p == nil || cp.priority() > p.priority()) {
				p = cp
			}
		}
	}

	if p == nil {
		for _, cp := range a.checklist {
			if cp.state != CandidatePairStateInProgress || now.Before(cp.nextBindingRequestAt) {
				continue
			}
			if p == nil || cp.nextBindingRequestAt.Before(p.nextBindingRequestAt) {
				p = cp
			}
		}
	}

	if p == nil {
		// The checklist stalled with neither runnable nor in-progress
		// pairs. Unfreeze the best frozen pair so progress can resume.
		for _, cp := range a.checklist {
			if cp.state == CandidatePairStateFrozen && (p == nil || cp.priority() > p.priority()) {
				p = cp
			}
		}
		if p == nil {
			return
		}
		p.state = CandidatePairStateWaiting
	}

	a.checkPair(p)
}

func (a *Agent) checkPair(p *CandidatePair) {
	if p.bindingRequestCount >= a.maxBindingRequests {
		a.log.Tracef("max requests reached for pair %s, marking it as failed", p)
		p.state = CandidatePairStateFailed
		return
	}

	if p.state == CandidatePairStateFrozen || p.state == CandidatePairStateWaiting {
		p.state = CandidatePairStateInProgress
	}

	// rfc8445 appendix-B.1: RTO doubles on every retransmission
	rto := a.bindingRequestRTO * time.Duration(1<<p.bindingRequestCount)
	p.nextBindingRequestAt = time.Now().Add(rto)
	p.bindingRequestCount++

	a.selector.PingCandidate(p.Local, p.Remote)
}

func (a *Agent) setPairSucceeded(p *CandidatePair) {
	if p.state == CandidatePairStateSucceeded {
		return
	}
	p.state = CandidatePairStateSucceeded
	p.bindingRequestCount = 0

	// Unfreeze every pair that shares this pair's foundation
	foundation := p.foundation()
	for _, cp := range a.checklist {
		if cp.state == CandidatePairStateFrozen && cp.foundation() == foundation {
			cp.state = CandidatePairStateWaiting
		}
	}
}

func (a *Agent) getBestAvailableCandidatePair() *CandidatePair {
	var best *CandidatePair
	for _, p := range a.checklist {
		if p.state == CandidatePairStateFailed {
			continue
		}

		if best == nil {
			best = p
		} else if best.priority() < p.priority() {
			best = p
		}
	}
	return best
}

func (a *Agent) getBestValidCandidatePair() *CandidatePair {
	var best *CandidatePair
	for _, p := range a.checklist {
		if p.state != CandidatePairStateSucceeded {
			continue
		}

		if best == nil {
			best = p
		} else if best.priority() < p.priority() {
			best = p
		}
	}
	return best
}

func (a *Agent) addPair(local, remote Candidate) *CandidatePair {
	p := newCandidatePair(local, remote, a.isControlling)

	// One pair per foundation starts Waiting; the others stay Frozen
	// until a pair sharing their foundation succeeds (rfc8445 6.1.2.6)
	unfreeze := true
	for _, cp := range a.checklist {
		if cp.foundation() == p.foundation() &&
			(cp.state == CandidatePairStateWaiting || cp.state == CandidatePairStateInProgress) {
			unfreeze = false
			break
		}
	}
	if unfreeze {
		p.state = CandidatePairStateWaiting
	}

	a.checklist = append(a.checklist, p)
	return p
}

func (a *Agent) findPair(local, remote Candidate) *CandidatePair {
	for _, p := range a.checklist {
		if p.Local.Equal(local) && p.Remote.Equal(remote) {
			return p
		}
	}
	return nil
}

// validateSelectedPair checks if the selected pair is (still) valid
// Note: the caller should hold the agent lock.
func (a *Agent) validateSelectedPair() bool {
	selectedPair := a.getSelectedPair()
	if selectedPair == nil {
		return false
	}

	disconnectedTime := time.Since(selectedPair.Remote.LastReceived())

	// Only allow transitions to failed if a.failedTimeout is non-zero
	totalTimeToFailure := a.failedTimeout
	if totalTimeToFailure != 0 {
		totalTimeToFailure += a.disconnectedTimeout
	}

	switch {
	case totalTimeToFailure != 0 && disconnectedTime > totalTimeToFailure:
		selectedPair.state = CandidatePairStateFailed
		a.setSelectedPair(nil)
		a.updateConnectionState(ConnectionStateFailed)
		return false
	case a.disconnectedTimeout != 0 && disconnectedTime > a.disconnectedTimeout:
		a.updateConnectionState(ConnectionStateDisconnected)
	default:
		if a.connectionState == ConnectionStateDisconnected {
			a.updateConnectionState(ConnectionStateConnected)
		}
	}

	return true
}

// checkKeepalive sends a STUN Binding Indication to the selected pair if no
// packet has been sent on it in the last keepaliveInterval, and an
// authenticated Binding Request when nothing has been received within the
// consent check interval (rfc7675)
// Note: the caller should hold the agent lock.
func (a *Agent) checkKeepalive() {
	selectedPair := a.getSelectedPair()
	if selectedPair == nil {
		return
	}

	if (a.keepaliveInterval != 0) &&
		(time.Since(selectedPair.Local.LastSent()) > a.keepaliveInterval) {
		a.keepaliveCandidate(selectedPair.Local, selectedPair.Remote)
	}

	if (a.consentCheckInterval != 0) &&
		(time.Since(selectedPair.Remote.LastReceived()) > a.consentCheckInterval) {
		a.selector.PingCandidate(selectedPair.Local, selectedPair.Remote)
	}
}

// AddRemoteCandidate adds a new remote candidate
func (a *Agent) AddRemoteCandidate(c Candidate) error {
	if c == nil {
		return nil
	}

	// TCP Candidates with TCP type active will probe server passive ones, so
	// no need to do anything with them.
	if c.TCPType() == TCPTypeActive {
		a.log.Infof("Ignoring remote candidate with tcpType active: %s", c)
		return nil
	}

	go func() {
		if err := a.run(a.context(), func(ctx context.Context, agent *Agent) {
			agent.addRemoteCandidate(c)
		}); err != nil {
			a.log.Warnf("Failed to add remote candidate %s: %v", c.Address(), err)
			return
		}
	}()
	return nil
}

// addRemoteCandidate assumes you are holding the lock (must be execute using a.run)
func (a *Agent) addRemoteCandidate(c Candidate) {
	set := a.remoteCandidates[c.NetworkType()]

	for _, candidate := range set {
		if candidate.Equal(c) {
			return
		}
	}

	set = append(set, c)
	a.remoteCandidates[c.NetworkType()] = set

	if localCandidates, ok := a.localCandidates[c.NetworkType()]; ok {
		for _, localCandidate := range localCandidates {
			a.addPair(localCandidate, c)
		}
	}

	a.requestConnectivityCheck()
}

func (a *Agent) requestConnectivityCheck() {
	select {
	case a.forceCandidateContact <- true:
	default:
	}
}

func (a *Agent) addCandidate(ctx context.Context, c Candidate, candidateConn net.PacketConn) error {
	return a.run(ctx, func(ctx context.Context, agent *Agent) {
		set := a.localCandidates[c.NetworkType()]
		for _, candidate := range set {
			if candidate.Equal(c) {
				a.log.Debugf("Ignore duplicate candidate: %s", c)
				if err := c.close(); err != nil {
					a.log.Warnf("Failed to close duplicate candidate: %v", err)
				}
				if err := candidateConn.Close(); err != nil {
					a.log.Warnf("Failed to close duplicate candidate connection: %v", err)
				}
				return
			}
		}

		c.start(a, candidateConn, a.startedCh)

		set = append(set, c)
		a.localCandidates[c.NetworkType()] = set

		if remoteCandidates, ok := a.remoteCandidates[c.NetworkType()]; ok {
			for _, remoteCandidate := range remoteCandidates {
				a.addPair(c, remoteCandidate)
			}
		}

		a.requestConnectivityCheck()

		a.candidateNotifier.EnqueueCandidate(c)
	})
}

// GetRemoteCandidates returns the remote candidates
func (a *Agent) GetRemoteCandidates() ([]Candidate, error) {
	var res []Candidate

	err := a.run(a.context(), func(ctx context.Context, agent *Agent) {
		var candidates []Candidate
		for _, set := range agent.remoteCandidates {
			candidates = append(candidates, set...)
		}
		res = candidates
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// GetLocalCandidates returns the local candidates
func (a *Agent) GetLocalCandidates() ([]Candidate, error) {
	var res []Candidate

	err := a.run(a.context(), func(ctx context.Context, agent *Agent) {
		var candidates []Candidate
		for _, set := range agent.localCandidates {
			candidates = append(candidates, set...)
		}
		res = candidates
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// GetLocalUserCredentials returns the local user credentials
func (a *Agent) GetLocalUserCredentials() (frag string, pwd string, err error) {
	valSet := make(chan struct{})
	err = a.run(a.context(), func(ctx context.Context, agent *Agent) {
		frag = agent.localUfrag
		pwd = agent.localPwd
		close(valSet)
	})

	if err == nil {
		<-valSet
	}
	return
}

// GetRemoteUserCredentials returns the remote user credentials
func (a *Agent) GetRemoteUserCredentials() (frag string, pwd string, err error) {
	valSet := make(chan struct{})
	err = a.run(a.context(), func(ctx context.Context, agent *Agent) {
		frag = agent.remoteUfrag
		pwd = agent.remotePwd
		close(valSet)
	})

	if err == nil {
		<-valSet
	}
	return
}

// Close cleans up the Agent
func (a *Agent) Close() error {
	if err := a.ok(); err != nil {
		return err
	}

	a.afterRun(func(context.Context) {
		a.gatherCandidateCancel()
		if a.gatherCandidateDone != nil {
			<-a.gatherCandidateDone
		}
	})
	a.err.Store(ErrClosed)

	close(a.done)
	<-a.taskLoopDone

	a.connectionStateNotifier.Close(false)
	a.candidateNotifier.Close(false)
	a.selectedCandidatePairNotifier.Close(false)
	return nil
}

// Remove all candidates. This closes any listening sockets
// and removes both the local and remote candidate lists.
//
// This is used for restarts, failures and on close
func (a *Agent) deleteAllCandidates() {
	for networkType, cs := range a.localCandidates {
		for _, c := range cs {
			if err := c.close(); err != nil {
				a.log.Warnf("Failed to close candidate %s: %v", c, err)
			}
		}
		delete(a.localCandidates, networkType)
	}
	for networkType, cs := range a.remoteCandidates {
		for _, c := range cs {
			if err := c.close(); err != nil {
				a.log.Warnf("Failed to close candidate %s: %v", c, err)
			}
		}
		delete(a.remoteCandidates, networkType)
	}
}

func (a *Agent) findRemoteCandidate(networkType NetworkType, addr net.Addr) Candidate {
	ip, port, _, ok := parseAddr(addr)
	if !ok {
		a.log.Warnf("Failed to parse address: %s", addr)
		return nil
	}

	set := a.remoteCandidates[networkType]
	for _, c := range set {
		if c.Address() == ip.String() && c.Port() == port {
			return c
		}
	}
	return nil
}

func (a *Agent) findLocalCandidate(networkType NetworkType, addr net.Addr) Candidate {
	ip, port, _, ok := parseAddr(addr)
	if !ok {
		a.log.Warnf("Failed to parse address: %s", addr)
		return nil
	}

	set := a.localCandidates[networkType]
	for _, c := range set {
		if c.Address() == ip.String() && c.Port() == port {
			return c
		}
	}
	return nil
}

func (a *Agent) sendBindingRequest(m *stun.Message, local, remote Candidate) {
	a.log.Tracef("ping STUN from %s to %s", local, remote)

	a.invalidatePendingBindingRequests(time.Now())
	a.pendingBindingRequests = append(a.pendingBindingRequests, bindingRequest{
		timestamp:      time.Now(),
		transactionID:  m.TransactionID,
		destination:    remote.addr(),
		isUseCandidate: m.Contains(stun.AttrUseCandidate),
	})

	a.sendSTUN(m, local, remote)
}

func (a *Agent) sendBindingSuccess(m *stun.Message, local, remote Candidate) {
	base := remote

	ip, port, _, ok := parseAddr(base.addr())
	if !ok {
		a.log.Warnf("Failed to parse address: %s", base.addr())
		return
	}

	if out, err := stun.Build(m, stun.BindingSuccess,
		&stun.XORMappedAddress{
			IP:   ip,
			Port: port,
		},
		stun.NewShortTermIntegrity(a.localPwd),
		stun.Fingerprint,
	); err != nil {
		a.log.Warnf("Failed to handle inbound ICE from: %s to: %s error: %s", local, remote, err)
	} else {
		a.sendSTUN(out, local, remote)
	}
}

// sendBindingRoleConflict answers a role-conflicting Binding Request with
// a 487 so that the peer, whose tie-breaker lost, switches role
// (rfc8445 7.3.1.1)
func (a *Agent) sendBindingRoleConflict(m *stun.Message, local, remote Candidate) {
	if out, err := stun.Build(m, stun.BindingError,
		stun.CodeRoleConflict,
		stun.NewShortTermIntegrity(a.localPwd),
		stun.Fingerprint,
	); err != nil {
		a.log.Warnf("Failed to build role conflict response from: %s to: %s error: %s", local, remote, err)
	} else {
		a.sendSTUN(out, local, remote)
	}
}

// keepaliveCandidate sends a STUN Binding Indication to the remote candidate,
// no response is expected
func (a *Agent) keepaliveCandidate(local, remote Candidate) {
	msg, err := stun.Build(stun.NewType(stun.MethodBinding, stun.ClassIndication), stun.TransactionID,
		stun.NewShortTermIntegrity(a.remotePwd),
		stun.Fingerprint,
	)
	if err != nil {
		a.log.Error(err.Error())
		return
	}

	a.sendSTUN(msg, local, remote)
}

func (a *Agent) sendSTUN(msg *stun.Message, local, remote Candidate) {
	_, err := local.writeTo(msg.Raw, remote)
	if err != nil {
		a.log.Tracef("failed to send STUN message: %s", err)
	}
}

// Removes pending binding requests that are over maxBindingRequestTimeout old
//
// Let HTO be the transaction timeout, which SHOULD be 2*RTT if
// RTT is known or 500 ms otherwise.
// https://tools.ietf.org/html/rfc8445#appendix-B.1
func (a *Agent) invalidatePendingBindingRequests(filterTime time.Time) {
	initialSize := len(a.pendingBindingRequests)

	temp := a.pendingBindingRequests[:0]
	for _, bindingRequest := range a.pendingBindingRequests {
		if filterTime.Sub(bindingRequest.timestamp) < maxBindingRequestTimeout {
			temp = append(temp, bindingRequest)
		}
	}

	a.pendingBindingRequests = temp
	if bindRequestsRemoved := initialSize - len(a.pendingBindingRequests); bindRequestsRemoved > 0 {
		a.log.Tracef("Discarded %d binding requests because they expired", bindRequestsRemoved)
	}
}

// Assert that the passed TransactionID is in our pendingBindingRequests and returns the destination
// If the bindingRequest was valid remove it from our pending cache
func (a *Agent) takePendingBindingRequest(id [stun.TransactionIDSize]byte) (bool, *bindingRequest, time.Duration) {
	a.invalidatePendingBindingRequests(time.Now())
	for i := range a.pendingBindingRequests {
		if a.pendingBindingRequests[i].transactionID == id {
			validBindingRequest := a.pendingBindingRequests[i]
			a.pendingBindingRequests = append(a.pendingBindingRequests[:i], a.pendingBindingRequests[i+1:]...)
			return true, &validBindingRequest, time.Since(validBindingRequest.timestamp)
		}
	}
	return false, nil, 0
}

// switchRole flips the agent between the controlling and controlled role
// after a role conflict was resolved against us. Pair priorities are
// recomputed and pending transactions, keyed under the old role attribute,
// are discarded.
func (a *Agent) switchRole(isControlling bool) {
	if a.isControlling == isControlling {
		return
	}
	a.log.Debugf("Switching role to controlling? %t", isControlling)
	a.isControlling = isControlling

	for _, p := range a.checklist {
		p.iceRoleControlling = isControlling
	}
	a.pendingBindingRequests = make([]bindingRequest, 0)

	if a.selector != nil {
		a.selector = a.buildSelector(isControlling)
		a.selector.Start()
	}
	a.requestConnectivityCheck()
}

// resolveInboundRoleConflict applies rfc8445 7.3.1.1 to an authenticated
// inbound Binding Request. It returns false when the request conflicted and
// a 487 was sent; the caller must not process the request any further.
func (a *Agent) resolveInboundRoleConflict(m *stun.Message, local, remote Candidate) bool {
	switch {
	case a.isControlling && m.Contains(stun.AttrICEControlling):
		var theirTieBreaker AttrControlling
		if err := theirTieBreaker.GetFrom(m); err != nil {
			a.log.Warnf("Failed to get ICE-CONTROLLING attribute: %v", err)
			return false
		}

		if a.tieBreaker >= uint64(theirTieBreaker) {
			a.sendBindingRoleConflict(m, local, remote)
			return false
		}
		a.switchRole(false)
	case !a.isControlling && m.Contains(stun.AttrICEControlled):
		var theirTieBreaker AttrControlled
		if err := theirTieBreaker.GetFrom(m); err != nil {
			a.log.Warnf("Failed to get ICE-CONTROLLED attribute: %v", err)
			return false
		}

		if a.tieBreaker >= uint64(theirTieBreaker) {
			a.sendBindingRoleConflict(m, local, remote)
			return false
		}
		a.switchRole(true)
	}
	return true
}

// learnLocalPeerReflexive inspects the XOR-MAPPED-ADDRESS of a success
// response. When the mapped address equals neither the local candidate nor
// any other known local candidate, a NAT sits between the agents and a local
// peer reflexive candidate is learned (rfc8445 7.2.5.3.1). The new candidate
// transmits through the socket of its base; the base's receive pump already
// dispatches for it.
func (a *Agent) learnLocalPeerReflexive(m *stun.Message, local, remote Candidate) {
	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(m); err != nil {
		return
	}

	if local.Address() == mapped.IP.String() && local.Port() == mapped.Port {
		return
	}
	mappedAddr := createAddr(local.NetworkType(), mapped.IP, mapped.Port)
	if a.findLocalCandidate(local.NetworkType(), mappedAddr) != nil {
		return
	}

	prflxCandidate, err := NewCandidatePeerReflexive(&CandidatePeerReflexiveConfig{
		Network:   local.NetworkType().String(),
		Address:   mapped.IP.String(),
		Port:      mapped.Port,
		Component: local.Component(),
		RelAddr:   local.Address(),
		RelPort:   local.Port(),
	})
	if err != nil {
		a.log.Warnf("Failed to create new local prflx candidate (%s)", err)
		return
	}
	prflxCandidate.currAgent = a
	prflxCandidate.conn = local.packetConn()

	a.log.Debugf("Adding a new local peer-reflexive candidate: %s", mappedAddr)
	a.localCandidates[prflxCandidate.NetworkType()] = append(a.localCandidates[prflxCandidate.NetworkType()], prflxCandidate)

	p := a.addPair(prflxCandidate, remote)
	a.setPairSucceeded(p)
}

// handleInbound processes STUN traffic from a remote candidate
func (a *Agent) handleInbound(m *stun.Message, local Candidate, remote net.Addr) { //nolint:gocognit
	var err error
	if m == nil || local == nil {
		return
	}

	if m.Type.Method != stun.MethodBinding ||
		!(m.Type.Class == stun.ClassSuccessResponse ||
			m.Type.Class == stun.ClassErrorResponse ||
			m.Type.Class == stun.ClassRequest ||
			m.Type.Class == stun.ClassIndication) {
		a.log.Tracef("unhandled STUN from %s to %s class(%s) method(%s)", remote, local, m.Type.Class, m.Type.Method)
		return
	}

	if err = stun.Fingerprint.Check(m); err != nil {
		a.log.Warnf("discard message from (%s), %v", remote, err)
		return
	}

	remoteCandidate := a.findRemoteCandidate(local.NetworkType(), remote)

	switch m.Type.Class {
	case stun.ClassSuccessResponse:
		if err = assertInboundMessageIntegrity(m, []byte(a.remotePwd)); err != nil {
			a.log.Warnf("discard message from (%s), %v", remote, err)
			return
		}

		if remoteCandidate == nil {
			a.log.Warnf("discard success message from (%s), no such remote", remote)
			return
		}

		a.selector.HandleSuccessResponse(m, local, remoteCandidate, remote)
	case stun.ClassErrorResponse:
		a.handleInboundBindingError(m, local, remoteCandidate, remote)
	case stun.ClassRequest:
		if err = assertInboundUsername(m, a.localUfrag+":"+a.remoteUfrag); err != nil {
			a.log.Warnf("discard message from (%s), %v", remote, err)
			return
		} else if err = assertInboundMessageIntegrity(m, []byte(a.localPwd)); err != nil {
			a.log.Warnf("discard message from (%s), %v", remote, err)
			return
		}

		if remoteCandidate == nil {
			ip, port, networkType, ok := parseAddr(remote)
			if !ok {
				a.log.Errorf("Failed to create parse remote net.Addr when creating remote prflx candidate")
				return
			}

			prflxCandidateConfig := CandidatePeerReflexiveConfig{
				Network:   networkType.String(),
				Address:   ip.String(),
				Port:      port,
				Component: local.Component(),
				RelAddr:   "",
				RelPort:   0,
			}

			prflxCandidate, err := NewCandidatePeerReflexive(&prflxCandidateConfig)
			if err != nil {
				a.log.Errorf("Failed to create new remote prflx candidate (%s)", err)
				return
			}
			remoteCandidate = prflxCandidate

			a.log.Debugf("Adding a new peer-reflexive candidate: %s ", remote)
			a.addRemoteCandidate(remoteCandidate)
		}

		a.log.Tracef("inbound STUN (Request) from %s to %s, useCandidate: %v", remote, local, m.Contains(stun.AttrUseCandidate))

		if !a.resolveInboundRoleConflict(m, local, remoteCandidate) {
			return
		}

		a.selector.HandleBindingRequest(m, local, remoteCandidate)
	case stun.ClassIndication:
		// Binding Indications refresh activity timers only (keepalive)
		a.log.Tracef("inbound STUN (Indication) from %s to %s", remote, local)
	}

	if remoteCandidate != nil {
		remoteCandidate.seen(false)
	}
}

// handleInboundBindingError processes a Binding Error Response. A 487
// resolves a role conflict in favor of the responder: this agent flips its
// role and re-checks the pair. Any other error fails the pair.
func (a *Agent) handleInboundBindingError(m *stun.Message, local, remoteCandidate Candidate, remote net.Addr) {
	if err := assertInboundMessageIntegrity(m, []byte(a.remotePwd)); err != nil {
		a.log.Warnf("discard message from (%s), %v", remote, err)
		return
	}

	ok, _, _ := a.takePendingBindingRequest(m.TransactionID)
	if !ok {
		a.log.Warnf("discard error message from (%s), unknown TransactionID 0x%x", remote, m.TransactionID)
		return
	}

	var errorCode stun.ErrorCodeAttribute
	if err := errorCode.GetFrom(m); err != nil {
		a.log.Warnf("discard error message from (%s), missing ERROR-CODE", remote)
		return
	}

	if remoteCandidate == nil {
		return
	}
	p := a.findPair(local, remoteCandidate)

	if errorCode.Code == stun.CodeRoleConflict {
		a.log.Debugf("Received role conflict from %s", remote)
		a.switchRole(!a.isControlling)
		if p != nil {
			p.state = CandidatePairStateWaiting
			p.bindingRequestCount = 0
			a.enqueueTriggeredCheck(p)
		}
		return
	}

	a.log.Warnf("error response from (%s): %s", remote, errorCode)
	if p != nil {
		p.state = CandidatePairStateFailed
	}
}

// validateNonSTUNTraffic processes non STUN traffic from a remote candidate,
// and returns true if it is an actual remote candidate
func (a *Agent) validateNonSTUNTraffic(local Candidate, remote net.Addr) bool {
	var isValidCandidate bool
	if err := a.run(local.context(), func(ctx context.Context, agent *Agent) {
		remoteCandidate := a.findRemoteCandidate(local.NetworkType(), remote)
		if remoteCandidate != nil {
			remoteCandidate.seen(false)
			isValidCandidate = true
		}
	}); err != nil {
		a.log.Warnf("Failed to validate remote candidate: %v", err)
	}

	return isValidCandidate
}

// GetSelectedCandidatePair returns the selected pair or nil if there is none
func (a *Agent) GetSelectedCandidatePair() (*CandidatePair, error) {
	selectedPair := a.getSelectedPair()
	if selectedPair == nil {
		return nil, nil //nolint:nilnil
	}

	local, err := selectedPair.Local.copy()
	if err != nil {
		return nil, err
	}

	remote, err := selectedPair.Remote.copy()
	if err != nil {
		return nil, err
	}

	return &CandidatePair{Local: local, Remote: remote}, nil
}

func (a *Agent) getSelectedPair() *CandidatePair {
	if selectedPair, ok := a.selectedPair.Load().(*CandidatePair); ok {
		return selectedPair
	}

	return nil
}

// SetRemoteCredentials sets the credentials of the remote agent
func (a *Agent) SetRemoteCredentials(remoteUfrag, remotePwd string) error {
	switch {
	case remoteUfrag == "":
		return ErrRemoteUfragEmpty
	case remotePwd == "":
		return ErrRemotePwdEmpty
	}

	return a.run(a.context(), func(ctx context.Context, agent *Agent) {
		agent.remoteUfrag = remoteUfrag
		agent.remotePwd = remotePwd
	})
}

// Restart restarts the ICE Agent with the provided ufrag/pwd
// If no ufrag/pwd is provided the Agent will generate one itself
//
// If there is a gatherer routine currently running, Restart will
// cancel it.
// After a Restart, the user must then call GatherCandidates explicitly
// to start generating new ones.
func (a *Agent) Restart(ufrag, pwd string) error {
	if ufrag == "" {
		var err error
		ufrag, err = generateUFrag()
		if err != nil {
			return err
		}
	}
	if pwd == "" {
		var err error
		pwd, err = generatePwd()
		if err != nil {
			return err
		}
	}

	if len([]rune(ufrag))*8 < 24 {
		return ErrLocalUfragInsufficientBits
	}
	if len([]rune(pwd))*8 < 128 {
		return ErrLocalPwdInsufficientBits
	}

	return a.run(a.context(), func(ctx context.Context, agent *Agent) {
		if agent.gatheringState == GatheringStateGathering {
			agent.gatherCandidateCancel()
		}

		// Clear all agent needed to take back to fresh state
		agent.localUfrag = ufrag
		agent.localPwd = pwd
		agent.remoteUfrag = ""
		agent.remotePwd = ""
		a.gatheringState = GatheringStateNew
		a.checklist = make([]*CandidatePair, 0)
		a.triggeredCheckQueue = nil
		a.pendingBindingRequests = make([]bindingRequest, 0)
		a.setSelectedPair(nil)
		a.deleteAllCandidates()
		if a.selector != nil {
			a.selector.Start()
		}

		// Restart is used by NewAgent. Accept/Dial should be used to move to checking
		// for new Agents
		if a.connectionState != ConnectionStateNew {
			a.updateConnectionState(ConnectionStateChecking)
		}
	})
}

func (a *Agent) setGatheringState(newState GatheringState) error {
	done := make(chan struct{})
	if err := a.run(a.context(), func(ctx context.Context, agent *Agent) {
		if a.gatheringState != newState && newState == GatheringStateComplete {
			a.candidateNotifier.EnqueueCandidate(nil)
		}

		a.gatheringState = newState
		close(done)
	}); err != nil {
		return err
	}

	<-done
	return nil
}
