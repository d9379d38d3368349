// Package network provides serverless peer-to-peer messaging for nodes on
// the same local network.
//
// Nodes sharing a network name find each other with mDNS SRV queries, keep
// exactly one TCP connection per peer pair and exchange CRLF-delimited JSON
// envelopes tagged with a channel name. NetworkService is the only type
// collaborators need; everything else is exported for testing and tooling.
package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/core"
	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/monitoring"
)

// Defaults for NetworkConfig.
const (
	DefaultNetworkName   = "Moccasin.isp.uni-luebeck.de.www"
	DefaultQueryInterval = 4 * time.Second
	DefaultCandidateTTL  = 2 * time.Minute
	DefaultDialTimeout   = 10 * time.Second
	DefaultDialWorkers   = 4

	readBufferSize = 32 * 1024
)

// NetworkConfig defines configuration for the network service.
type NetworkConfig struct {
	NetworkName      string        `json:"network_name" toml:"network_name"`
	BindAddress      string        `json:"bind_address" toml:"bind_address"`
	AdvertiseAddress string        `json:"advertise_address" toml:"advertise_address"`
	Port             int           `json:"port" toml:"port"`
	QueryInterval    time.Duration `json:"query_interval" toml:"query_interval"`
	CandidateTTL     time.Duration `json:"candidate_ttl" toml:"candidate_ttl"`
	DialTimeout      time.Duration `json:"dial_timeout" toml:"dial_timeout"`
	DialWorkers      int           `json:"dial_workers" toml:"dial_workers"`
	MulticastAddress string        `json:"multicast_address" toml:"multicast_address"`
}

// DefaultNetworkConfig returns a configuration with sensible defaults.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		NetworkName:      DefaultNetworkName,
		Port:             0,
		QueryInterval:    DefaultQueryInterval,
		CandidateTTL:     DefaultCandidateTTL,
		DialTimeout:      DefaultDialTimeout,
		DialWorkers:      DefaultDialWorkers,
		MulticastAddress: DefaultMulticastAddress,
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c NetworkConfig) Validate() error {
	if c.NetworkName == "" {
		return errors.New("network name is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.QueryInterval <= 0 {
		return fmt.Errorf("query interval must be positive, got %s", c.QueryInterval)
	}
	if c.CandidateTTL < 0 {
		return fmt.Errorf("candidate ttl must not be negative, got %s", c.CandidateTTL)
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("dial timeout must not be negative, got %s", c.DialTimeout)
	}
	if c.DialWorkers < 0 {
		return fmt.Errorf("dial workers must not be negative, got %d", c.DialWorkers)
	}
	if c.MulticastAddress == "" {
		return errors.New("multicast address is required")
	}
	return nil
}

// NetworkStatus represents the current status of the network service.
type NetworkStatus struct {
	Name           string         `json:"name"`
	Address        string         `json:"address"`
	Port           int            `json:"port"`
	IsRunning      bool           `json:"is_running"`
	PeerCount      int            `json:"peer_count"`
	CandidateCount int            `json:"candidate_count"`
	Subscriptions  []string       `json:"subscriptions"`
	DialPool       core.PoolStats `json:"dial_pool"`
}

// Option configures a NetworkService.
type Option func(*NetworkService)

// WithLogger sets the logger. Components log under named children.
func WithLogger(logger *zap.Logger) Option {
	return func(ns *NetworkService) {
		if logger != nil {
			ns.logger = logger
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(ns *NetworkService) {
		ns.metrics = m
	}
}

// WithDialer replaces the function used for outbound connections.
func WithDialer(dial DialFunc) Option {
	return func(ns *NetworkService) {
		if dial != nil {
			ns.dial = dial
		}
	}
}

// WithMulticastTransport replaces how the discovery transport is opened.
func WithMulticastTransport(open func(address string) (MulticastTransport, error)) Option {
	return func(ns *NetworkService) {
		if open != nil {
			ns.openTransport = open
		}
	}
}

// NetworkService is the facade collaborators use to send and receive
// messages and to observe peer lifecycle events.
//
// Event subscribers must keep draining their channel: events are delivered
// synchronously from the goroutine that produced them. Channel handlers run
// on the sending peer's read goroutine. Start and Stop must not be called
// from a goroutine that is handling an event or running a channel handler;
// Stop waits for every read goroutine and would deadlock.
type NetworkService struct {
	config        NetworkConfig
	logger        *zap.Logger
	metrics       *monitoring.Metrics
	dial          DialFunc
	openTransport func(address string) (MulticastTransport, error)

	registry *PeerRegistry
	router   *Router
	feed     event.FeedOf[Event]

	// lifecycle serializes Start and Stop; mu guards the fields below.
	lifecycle sync.Mutex
	mu        sync.RWMutex
	running   bool
	identity  NetworkIdentity
	listener  net.Listener
	discovery *Discovery
	arbiter   *Arbiter
	pool      *core.WorkerPool
	wg        sync.WaitGroup
}

// NewNetworkService creates a new network service with the given configuration.
func NewNetworkService(config NetworkConfig, opts ...Option) *NetworkService {
	ns := &NetworkService{
		config:        config,
		logger:        zap.NewNop(),
		dial:          (&net.Dialer{}).DialContext,
		openTransport: ListenMulticast,
		registry:      NewPeerRegistry(),
	}
	for _, opt := range opts {
		opt(ns)
	}
	ns.router = NewRouter(ns.deliverGeneric)
	return ns
}

// Start binds the listener, joins discovery and emits online.
func (ns *NetworkService) Start() error {
	ns.lifecycle.Lock()
	defer ns.lifecycle.Unlock()

	if ns.IsRunning() {
		return ErrAlreadyRunning
	}
	if err := ns.config.Validate(); err != nil {
		return fmt.Errorf("invalid network config: %w", err)
	}

	ln, err := net.Listen("tcp4", net.JoinHostPort(ns.config.BindAddress, strconv.Itoa(ns.config.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	identity := NetworkIdentity{
		Address: ns.advertiseAddress(),
		Port:    ln.Addr().(*net.TCPAddr).Port,
	}

	transport, err := ns.openTransport(ns.config.MulticastAddress)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to open discovery transport: %w", err)
	}

	disc, err := NewDiscovery(DiscoveryOpts{
		NetworkName:   ns.config.NetworkName,
		Transport:     transport,
		QueryInterval: ns.config.QueryInterval,
		CandidateTTL:  ns.config.CandidateTTL,
		Logger:        ns.logger.Named("discovery"),
		Metrics:       ns.metrics,
	})
	if err != nil {
		_ = transport.Close()
		_ = ln.Close()
		return err
	}

	pool := core.NewWorkerPool("dial", ns.config.DialWorkers, 0)
	arb := NewArbiter(ArbiterOpts{
		Self:        identity,
		Registry:    ns.registry,
		Pool:        pool,
		Dial:        ns.dial,
		DialTimeout: ns.config.DialTimeout,
		Announce:    disc.Announce,
		Serve:       ns.serve,
		Emit:        ns.emit,
		Logger:      ns.logger.Named("arbiter"),
		Metrics:     ns.metrics,
	})

	ns.mu.Lock()
	ns.identity = identity
	ns.listener = ln
	ns.discovery = disc
	ns.arbiter = arb
	ns.pool = pool
	ns.running = true
	ns.mu.Unlock()

	ns.logger.Info("Network online",
		zap.String("network", ns.config.NetworkName),
		zap.String("identity", identity.Name()))
	ns.emit(Event{Type: EventOnline, Address: identity.Address, Port: identity.Port})

	ns.wg.Add(1)
	go ns.acceptLoop(ln, arb)

	if err := disc.Start(identity, arb.HandleCandidate); err != nil {
		ns.shutdown()
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	return nil
}

// advertiseAddress picks the address announced in discovery responses.
func (ns *NetworkService) advertiseAddress() string {
	if ns.config.AdvertiseAddress != "" {
		return ns.config.AdvertiseAddress
	}
	if ip := net.ParseIP(ns.config.BindAddress); ip != nil && !ip.IsUnspecified() {
		return ip.String()
	}
	return localAddress()
}

// Stop closes the listener and every connection, stops discovery and emits
// offline once all connections have reported peer-disconnected.
func (ns *NetworkService) Stop() {
	ns.lifecycle.Lock()
	defer ns.lifecycle.Unlock()

	ns.shutdown()
}

func (ns *NetworkService) shutdown() {
	ns.mu.Lock()
	if !ns.running {
		ns.mu.Unlock()
		return
	}
	ns.running = false
	ln, disc, arb, pool, identity := ns.listener, ns.discovery, ns.arbiter, ns.pool, ns.identity
	ns.mu.Unlock()

	// Stop in reverse order
	_ = ln.Close()
	disc.Stop()
	arb.Close()
	pool.Shutdown()
	ns.wg.Wait()
	arb.Wait()

	ns.metrics.SetPeers(0)
	ns.metrics.UpdateDialPool(0, 0)
	ns.logger.Info("Network offline", zap.String("identity", identity.Name()))
	ns.emit(Event{Type: EventOffline, Address: identity.Address, Port: identity.Port})
}

// acceptLoop hands every inbound socket to the arbiter until the listener
// is closed.
func (ns *NetworkService) acceptLoop(ln net.Listener, arb *Arbiter) {
	defer ns.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			ns.logger.Warn("Accept failed", zap.Error(err))
			continue
		}
		arb.Accept(conn)
	}
}

// serve reads from a registered connection, decoding frames across reads,
// until the connection closes.
func (ns *NetworkService) serve(pc *peerConn) error {
	dec := NewFrameDecoder(MaxFrameSize)
	buf := make([]byte, readBufferSize)

	for {
		n, err := pc.conn.Read(buf)
		if n > 0 {
			_, werr := dec.Write(buf[:n])
			ns.drain(dec, pc.info)
			if werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// drain dispatches every complete frame buffered in dec.
func (ns *NetworkService) drain(dec *FrameDecoder, from PeerInfo) {
	for {
		env, ok, err := dec.Next()
		if !ok {
			return
		}
		if err != nil {
			ns.metrics.RecordDecodeError()
			ns.logger.Warn("Malformed frame",
				zap.String("peer", from.Key()),
				zap.Error(err))
			ns.emit(Event{
				Type:    EventFrameDecodeFailed,
				Address: from.Address,
				Port:    from.Port,
				Err:     err,
			})
			continue
		}

		ns.metrics.RecordFrameReceived(ns.metricChannel(env.Channel))
		if !ns.router.Dispatch(env, from) {
			ns.metrics.RecordFrameDropped()
			ns.logger.Debug("No handler for channel",
				zap.String("channel", env.Channel),
				zap.String("peer", from.Key()))
		}
	}
}

// deliverGeneric is the router's fallback while no channel is subscribed.
func (ns *NetworkService) deliverGeneric(env Envelope, from PeerInfo) {
	ns.emit(Event{
		Type:    EventPeerMessageReceived,
		Address: from.Address,
		Port:    from.Port,
		Channel: env.Channel,
		Payload: env.Data,
	})
}

// metricChannel bounds the channel label of frame metrics. Peers pick channel
// names freely, so only the default and subscribed channels get a series.
func (ns *NetworkService) metricChannel(channel string) string {
	if channel == DefaultSendChannel || channel == DefaultBroadcastChannel || ns.router.Has(channel) {
		return channel
	}
	return monitoring.ChannelOther
}

func (ns *NetworkService) emit(ev Event) {
	ns.feed.Send(ev)
}

// SendMessage sends payload to one peer on the default channel.
func (ns *NetworkService) SendMessage(address string, port int, payload json.RawMessage) error {
	return ns.SendMessageToChannel(address, port, payload, DefaultSendChannel)
}

// SendMessageToChannel sends payload to one peer on channel. Sending to a
// peer that is not connected is a no-op.
func (ns *NetworkService) SendMessageToChannel(address string, port int, payload json.RawMessage, channel string) error {
	if !ns.IsRunning() {
		return ErrNodeNotRunning
	}

	frame, err := EncodeFrame(channel, payload)
	if err != nil {
		return err
	}

	pc, ok := ns.registry.Get(peerKey(address, port))
	if !ok {
		ns.logger.Debug("Send to unknown peer ignored", zap.String("peer", peerKey(address, port)))
		return nil
	}
	if err := pc.send(frame); err != nil {
		return fmt.Errorf("failed to send to %s: %w", pc.key(), err)
	}
	ns.metrics.RecordFrameSent(ns.metricChannel(channel))
	return nil
}

// BroadcastMessage sends payload to every connected peer on the broadcast
// channel.
func (ns *NetworkService) BroadcastMessage(payload json.RawMessage) error {
	return ns.Publish(DefaultBroadcastChannel, payload)
}

// Publish sends payload to every connected peer on channel. A failed write to
// one peer does not stop delivery to the others; all failures are returned
// joined.
func (ns *NetworkService) Publish(channel string, payload json.RawMessage) error {
	if !ns.IsRunning() {
		return ErrNodeNotRunning
	}

	frame, err := EncodeFrame(channel, payload)
	if err != nil {
		return err
	}

	var errs []error
	for _, pc := range ns.registry.conns() {
		if err := pc.send(frame); err != nil {
			errs = append(errs, fmt.Errorf("failed to send to %s: %w", pc.key(), err))
			continue
		}
		ns.metrics.RecordFrameSent(ns.metricChannel(channel))
	}
	return errors.Join(errs...)
}

// Subscribe registers handler for channel. While at least one channel is
// subscribed, peer-message-received events stop and messages are delivered
// only to channel handlers. The first handler for a channel wins.
func (ns *NetworkService) Subscribe(channel string, handler ChannelHandler) bool {
	ok := ns.router.Subscribe(channel, handler)
	if !ok {
		ns.logger.Debug("Channel already subscribed", zap.String("channel", channel))
	}
	return ok
}

// Unsubscribe removes the handler for channel.
func (ns *NetworkService) Unsubscribe(channel string) bool {
	return ns.router.Unsubscribe(channel)
}

// SubscribeEvents delivers every facade event to ch until the returned
// subscription is unsubscribed.
func (ns *NetworkService) SubscribeEvents(ch chan<- Event) event.Subscription {
	return ns.feed.Subscribe(ch)
}

// Identity returns the local identity. It is zero until Start succeeds.
func (ns *NetworkService) Identity() NetworkIdentity {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.identity
}

// Peers returns a copy of the connected peers sorted by key.
func (ns *NetworkService) Peers() []PeerInfo {
	return ns.registry.Snapshot()
}

// Candidates returns the endpoints recently announced on the network.
func (ns *NetworkService) Candidates() []Candidate {
	ns.mu.RLock()
	disc := ns.discovery
	ns.mu.RUnlock()

	if disc == nil {
		return nil
	}
	return disc.Candidates()
}

// GetStatus returns the current status of the network service.
func (ns *NetworkService) GetStatus() NetworkStatus {
	ns.mu.RLock()
	identity, running, pool := ns.identity, ns.running, ns.pool
	ns.mu.RUnlock()

	status := NetworkStatus{
		Name:           ns.config.NetworkName,
		Address:        identity.Address,
		Port:           identity.Port,
		IsRunning:      running,
		PeerCount:      ns.registry.Len(),
		CandidateCount: len(ns.Candidates()),
		Subscriptions:  ns.router.Subscriptions(),
	}
	if pool != nil {
		status.DialPool = pool.Stats()
	}
	return status
}

// IsRunning returns whether the service is currently running.
func (ns *NetworkService) IsRunning() bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.running
}
