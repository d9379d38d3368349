package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/core"
	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/monitoring"
)

// DialFunc opens an outbound stream. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ArbiterOpts configures an Arbiter.
type ArbiterOpts struct {
	Self        NetworkIdentity
	Registry    *PeerRegistry
	Pool        *core.WorkerPool
	Dial        DialFunc
	DialTimeout time.Duration

	// Announce re-issues the local discovery response.
	Announce func() error
	// Serve runs for the lifetime of a registered connection and returns
	// when it should be closed.
	Serve func(pc *peerConn) error
	Emit  func(Event)

	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

type decision int

const (
	decideSelf decision = iota
	decideKnown
	decideDefer
	decideDial
	decideClosed
)

func (d decision) String() string {
	switch d {
	case decideSelf:
		return "self"
	case decideKnown:
		return "known"
	case decideDefer:
		return "defer"
	case decideDial:
		return "dial"
	case decideClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Arbiter turns discovered candidates and accepted sockets into registered
// connections, keeping at most one connection per peer pair.
//
// When two nodes discover each other, only the one whose identity string is
// greater dials. The lesser node answers the candidate with its own discovery
// response so the greater node learns about it and initiates.
type Arbiter struct {
	self        NetworkIdentity
	registry    *PeerRegistry
	pool        *core.WorkerPool
	dialFn      DialFunc
	dialTimeout time.Duration
	announce    func() error
	serve       func(pc *peerConn) error
	emit        func(Event)
	logger      *zap.Logger
	metrics     *monitoring.Metrics

	mu      sync.Mutex
	dialing map[string]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewArbiter creates an arbiter for the local identity in opts.
func NewArbiter(opts ArbiterOpts) *Arbiter {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialFn := opts.Dial
	if dialFn == nil {
		dialFn = (&net.Dialer{}).DialContext
	}
	emit := opts.Emit
	if emit == nil {
		emit = func(Event) {}
	}
	announce := opts.Announce
	if announce == nil {
		announce = func() error { return nil }
	}

	return &Arbiter{
		self:        opts.Self,
		registry:    opts.Registry,
		pool:        opts.Pool,
		dialFn:      dialFn,
		dialTimeout: opts.DialTimeout,
		announce:    announce,
		serve:       opts.Serve,
		emit:        emit,
		logger:      logger,
		metrics:     opts.Metrics,
		dialing:     make(map[string]struct{}),
	}
}

// HandleCandidate resolves a discovered endpoint. It never blocks on I/O
// other than the multicast announce.
func (a *Arbiter) HandleCandidate(address string, port int) {
	d := a.decide(address, port)
	a.logger.Debug("Candidate resolved",
		zap.String("candidate", peerKey(address, port)),
		zap.Stringer("decision", d))

	switch d {
	case decideDefer:
		if err := a.announce(); err != nil {
			a.logger.Debug("Re-announce failed", zap.Error(err))
		}
	case decideDial:
		a.submitDial(address, port)
	}
}

// decide applies the tie-break and reserves the dial slot when the local node
// is the initiator.
func (a *Arbiter) decide(address string, port int) decision {
	key := peerKey(address, port)
	local := a.self.Name()
	if key == local {
		return decideSelf
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return decideClosed
	}
	if _, inFlight := a.dialing[key]; inFlight || a.registry.Has(key) {
		return decideKnown
	}
	if key > local {
		return decideDefer
	}
	a.dialing[key] = struct{}{}
	return decideDial
}

func (a *Arbiter) submitDial(address string, port int) {
	key := peerKey(address, port)
	task := core.NewTask("dial-"+key, func(ctx context.Context) error {
		return a.dial(ctx, address, port)
	})

	if err := a.pool.Submit(task); err != nil {
		a.clearDialing(key)
		a.fail(address, port, fmt.Errorf("failed to schedule dial to %s: %w", key, err))
	}
	stats := a.pool.Stats()
	a.metrics.UpdateDialPool(stats.Active, stats.Pending)
}

// dial runs on a pool worker. The dial slot is released only after the
// connection is registered so a repeated candidate cannot start a second dial.
func (a *Arbiter) dial(ctx context.Context, address string, port int) error {
	key := peerKey(address, port)
	defer a.clearDialing(key)

	if a.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.dialTimeout)
		defer cancel()
	}

	conn, err := a.dialFn(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		err = fmt.Errorf("failed to connect to %s: %w", key, err)
		a.fail(address, port, err)
		return err
	}

	a.attach(newPeerConn(conn, address, port, true))
	return nil
}

// Accept registers an inbound connection. Accepting is itself the resolution
// of the race, so no tie-break applies.
func (a *Arbiter) Accept(conn net.Conn) {
	address, port := remoteEndpoint(conn.RemoteAddr())
	a.attach(newPeerConn(conn, address, port, false))
}

// attach registers pc and starts serving it. A connection that loses the
// registration race, or arrives after Close, is closed silently.
func (a *Arbiter) attach(pc *peerConn) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = pc.Close()
		return false
	}
	if !a.registry.Add(pc) {
		a.mu.Unlock()
		a.logger.Debug("Duplicate connection closed", zap.String("peer", pc.key()))
		_ = pc.Close()
		return false
	}
	a.wg.Add(1)
	a.mu.Unlock()

	a.metrics.RecordConnection(pc.info.Outbound)
	go a.run(pc)
	return true
}

// run owns a registered connection until it closes.
func (a *Arbiter) run(pc *peerConn) {
	defer a.wg.Done()

	info := pc.info
	a.logger.Info("Peer connected",
		zap.String("peer", info.Key()),
		zap.Bool("outbound", info.Outbound))
	a.emit(Event{Type: EventPeerConnected, Address: info.Address, Port: info.Port})

	var err error
	if a.serve != nil {
		err = a.serve(pc)
	} else {
		<-pc.closed
	}

	_ = pc.Close()
	a.registry.Remove(pc)
	a.metrics.RecordDisconnect()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		a.logger.Warn("Peer connection failed", zap.String("peer", info.Key()), zap.Error(err))
	}
	a.logger.Info("Peer disconnected", zap.String("peer", info.Key()))
	a.emit(Event{Type: EventPeerDisconnected, Address: info.Address, Port: info.Port})
}

func (a *Arbiter) fail(address string, port int, err error) {
	if a.isClosed() {
		return
	}
	a.metrics.RecordConnectionFailure()
	a.logger.Warn("Outbound connection failed", zap.Error(err))
	a.emit(Event{Type: EventPeerConnectionFailed, Address: address, Port: port, Err: err})
}

func (a *Arbiter) clearDialing(key string) {
	a.mu.Lock()
	delete(a.dialing, key)
	a.mu.Unlock()
}

func (a *Arbiter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Dialing reports whether an outbound dial to the endpoint is in flight.
func (a *Arbiter) Dialing(address string, port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.dialing[peerKey(address, port)]
	return ok
}

// Close stops accepting new connections and closes the registered ones.
func (a *Arbiter) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.registry.CloseAll()
}

// Wait blocks until every registered connection has been torn down.
func (a *Arbiter) Wait() {
	a.wg.Wait()
}
