package ice

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pion/stun"
)

// Dial connects to the remote agent, acting as the controlling ice agent.
// The remote ufrag and pwd must be received over the out of band signaling
// channel. Dial blocks until at least one candidate pair has successfully
// connected.
func (a *Agent) Dial(ctx context.Context, remoteUfrag, remotePwd string) (*Conn, error) {
	return a.connect(ctx, true, remoteUfrag, remotePwd)
}

// Accept connects to the remote agent, acting as the controlled ice agent.
// The remote ufrag and pwd must be received over the out of band signaling
// channel. Accept blocks until at least one candidate pair has successfully
// connected.
func (a *Agent) Accept(ctx context.Context, remoteUfrag, remotePwd string) (*Conn, error) {
	return a.connect(ctx, false, remoteUfrag, remotePwd)
}

// Conn represents the ICE connection.
// At the moment the lifetime of the Conn is equal to the Agent.
type Conn struct {
	bytesReceived uint64
	bytesSent     uint64
	agent         *Agent
}

func (a *Agent) connect(ctx context.Context, isControlling bool, remoteUfrag, remotePwd string) (*Conn, error) {
	err := a.ok()
	if err != nil {
		return nil, err
	}
	if err = a.startConnectivityChecks(isControlling, remoteUfrag, remotePwd); err != nil {
		return nil, err
	}

	// block until pair selected
	select {
	case <-a.done:
		return nil, a.getErr()
	case <-ctx.Done():
		return nil, ErrCanceledByCaller
	case <-a.onConnected:
	}

	return &Conn{
		agent: a,
	}, nil
}

// BytesSent returns the number of bytes sent
func (c *Conn) BytesSent() uint64 {
	return atomic.LoadUint64(&c.bytesSent)
}

// BytesReceived returns the number of bytes received
func (c *Conn) BytesReceived() uint64 {
	return atomic.LoadUint64(&c.bytesReceived)
}

func (c *Conn) Read(p []byte) (int, error) {
	err := c.agent.ok()
	if err != nil {
		return 0, err
	}

	n, err := c.agent.buffer.Read(p)
	if err != nil {
		// The delivery buffer is closed on agent close and when the
		// connection transitioned to failed after losing consent.
		if closedErr := c.agent.ok(); closedErr != nil {
			return n, closedErr
		}
		if c.agent.loadConnectionState() == ConnectionStateFailed {
			return n, ErrConnectionFailed
		}
		return n, err
	}
	atomic.AddUint64(&c.bytesReceived, uint64(n))
	return n, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	err := c.agent.ok()
	if err != nil {
		return 0, err
	}

	if c.agent.loadConnectionState() == ConnectionStateFailed {
		return 0, ErrConnectionFailed
	}

	if stun.IsMessage(p) {
		return 0, ErrIceWriteSTUNMessage
	}

	pair := c.agent.getSelectedPair()
	if pair == nil {
		pair, err = c.agent.getBestValidCandidatePairCrossThread()
		if err != nil {
			return 0, err
		}
	}

	atomic.AddUint64(&c.bytesSent, uint64(len(p)))
	return pair.Write(p)
}

func (a *Agent) getBestValidCandidatePairCrossThread() (*CandidatePair, error) {
	var res *CandidatePair
	if err := a.run(a.context(), func(ctx context.Context, agent *Agent) {
		res = agent.getBestValidCandidatePair()
	}); err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ErrNoCandidatePairs
	}
	return res, nil
}

// LocalAddr returns the local address of the current selected pair or nil if there is none
func (c *Conn) LocalAddr() net.Addr {
	pair := c.agent.getSelectedPair()
	if pair == nil {
		return nil
	}

	return pair.Local.addr()
}

// RemoteAddr returns the remote address of the current selected pair or nil if there is none
func (c *Conn) RemoteAddr() net.Addr {
	pair := c.agent.getSelectedPair()
	if pair == nil {
		return nil
	}

	return pair.Remote.addr()
}

// Close implements the Conn Close method. It is used to close
// the connection. Any calls to Read and Write will be unblocked and return an error.
func (c *Conn) Close() error {
	return c.agent.Close()
}

// SetDeadline is a stub
func (c *Conn) SetDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline is a stub
func (c *Conn) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline is a stub
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return nil
}
