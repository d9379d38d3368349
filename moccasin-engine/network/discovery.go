package network

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/dns/dnsmessage"

	"github.com/VanDung-dev/Moccasin-Engine/moccasin-engine/monitoring"
)

const (
	srvPriority = 10
	srvWeight   = 0
	srvTTL      = 120

	maxPacketSize = 9000
)

// Candidate is an endpoint announced by an SRV response for the network.
type Candidate struct {
	Address  string    `json:"address"`
	Port     int       `json:"port"`
	LastSeen time.Time `json:"last_seen"`
}

// Key returns the candidate's "address:port".
func (c Candidate) Key() string {
	return peerKey(c.Address, c.Port)
}

// DiscoveryOpts configures a Discovery service.
type DiscoveryOpts struct {
	NetworkName   string
	Transport     MulticastTransport
	QueryInterval time.Duration
	CandidateTTL  time.Duration
	Logger        *zap.Logger
	Metrics       *monitoring.Metrics
}

// Discovery locates peers sharing a network name through mDNS SRV queries
// and answers queries for that name with the local identity.
type Discovery struct {
	name      dnsmessage.Name
	transport MulticastTransport
	logger    *zap.Logger
	metrics   *monitoring.Metrics

	queryInterval time.Duration
	candidateTTL  time.Duration

	self        NetworkIdentity
	onCandidate func(address string, port int)

	candidates map[string]*Candidate
	mu         sync.RWMutex

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewDiscovery creates a discovery service. The network name must be a valid
// DNS name.
func NewDiscovery(opts DiscoveryOpts) (*Discovery, error) {
	if opts.Transport == nil {
		return nil, errors.New("discovery requires a multicast transport")
	}
	name, err := dnsmessage.NewName(strings.TrimSuffix(opts.NetworkName, ".") + ".")
	if err != nil {
		return nil, fmt.Errorf("invalid network name %q: %w", opts.NetworkName, err)
	}
	if opts.QueryInterval <= 0 {
		opts.QueryInterval = DefaultQueryInterval
	}
	if opts.CandidateTTL <= 0 {
		opts.CandidateTTL = DefaultCandidateTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Discovery{
		name:          name,
		transport:     opts.Transport,
		logger:        logger,
		metrics:       opts.Metrics,
		queryInterval: opts.QueryInterval,
		candidateTTL:  opts.CandidateTTL,
		candidates:    make(map[string]*Candidate),
		stopChan:      make(chan struct{}),
	}, nil
}

// Start begins answering queries as self, sends one query immediately and
// then one every query interval. Each matching response is passed to
// onCandidate.
func (d *Discovery) Start(self NetworkIdentity, onCandidate func(address string, port int)) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("discovery already running")
	}
	d.self = self
	d.onCandidate = onCandidate
	d.running = true
	d.mu.Unlock()

	d.wg.Add(3)
	go d.readLoop()
	go d.queryLoop()
	go d.pruneStaleCandidates()

	d.logger.Debug("Discovery started",
		zap.String("network", d.NetworkName()),
		zap.String("self", self.Name()))
	return nil
}

// Stop closes the transport and stops the query timer.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopChan)
	if err := d.transport.Close(); err != nil {
		d.logger.Debug("Closing multicast transport failed", zap.Error(err))
	}
	d.wg.Wait()
}

// NetworkName returns the network name without the trailing dot.
func (d *Discovery) NetworkName() string {
	return strings.TrimSuffix(d.name.String(), ".")
}

// Query multicasts an SRV question for the network name.
func (d *Discovery) Query() error {
	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return err
	}
	if err := b.Question(dnsmessage.Question{
		Name:  d.name,
		Type:  dnsmessage.TypeSRV,
		Class: dnsmessage.ClassINET,
	}); err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	msg, err := b.Finish()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	d.metrics.RecordQuery()
	return d.transport.WriteMulticast(msg)
}

// Announce multicasts an SRV response naming the local identity.
func (d *Discovery) Announce() error {
	d.mu.RLock()
	self := d.self
	d.mu.RUnlock()

	target, err := dnsmessage.NewName(self.Address + ".")
	if err != nil {
		return fmt.Errorf("invalid target %q: %w", self.Address, err)
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{
		Response:      true,
		Authoritative: true,
	})
	b.EnableCompression()
	if err := b.StartAnswers(); err != nil {
		return err
	}
	if err := b.SRVResource(dnsmessage.ResourceHeader{
		Name:  d.name,
		Class: dnsmessage.ClassINET,
		TTL:   srvTTL,
	}, dnsmessage.SRVResource{
		Priority: srvPriority,
		Weight:   srvWeight,
		Port:     uint16(self.Port), // #nosec G115 - listener ports fit in uint16
		Target:   target,
	}); err != nil {
		return fmt.Errorf("failed to build response: %w", err)
	}
	msg, err := b.Finish()
	if err != nil {
		return fmt.Errorf("failed to build response: %w", err)
	}

	d.metrics.RecordResponse()
	return d.transport.WriteMulticast(msg)
}

// Candidates returns the endpoints seen within the candidate TTL, sorted by key.
func (d *Discovery) Candidates() []Candidate {
	d.mu.RLock()
	list := make([]Candidate, 0, len(d.candidates))
	for _, c := range d.candidates {
		list = append(list, *c)
	}
	d.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Key() < list[j].Key()
	})
	return list
}

// handlePacket answers queries for the network name and reports candidates
// from responses. Anything else is dropped.
func (d *Discovery) handlePacket(pkt []byte) {
	var p dnsmessage.Parser
	h, err := p.Start(pkt)
	if err != nil {
		d.metrics.RecordMalformedPacket()
		return
	}

	if !h.Response {
		questions, err := p.AllQuestions()
		if err != nil {
			d.metrics.RecordMalformedPacket()
			return
		}
		for _, q := range questions {
			if q.Type == dnsmessage.TypeSRV && d.matches(q.Name) {
				if err := d.Announce(); err != nil {
					d.logger.Debug("Announce failed", zap.Error(err))
				}
				// The network name is unique; one answer is enough.
				return
			}
		}
		return
	}

	if err := p.SkipAllQuestions(); err != nil {
		d.metrics.RecordMalformedPacket()
		return
	}
	for {
		ah, err := p.AnswerHeader()
		if err == dnsmessage.ErrSectionDone {
			return
		}
		if err != nil {
			d.metrics.RecordMalformedPacket()
			return
		}
		if ah.Type != dnsmessage.TypeSRV || !d.matches(ah.Name) {
			if err := p.SkipAnswer(); err != nil {
				return
			}
			continue
		}
		srv, err := p.SRVResource()
		if err != nil {
			d.metrics.RecordMalformedPacket()
			return
		}
		d.observe(strings.TrimSuffix(srv.Target.String(), "."), int(srv.Port))
	}
}

func (d *Discovery) matches(n dnsmessage.Name) bool {
	return n.String() == d.name.String()
}

// observe records a candidate and hands it to the arbiter callback.
func (d *Discovery) observe(address string, port int) {
	if address == "" {
		return
	}

	d.mu.Lock()
	// Our own response comes back through multicast loopback. It stays out of
	// the table but the arbiter still sees it.
	if key := peerKey(address, port); key != d.self.Name() {
		if c, exists := d.candidates[key]; exists {
			c.LastSeen = time.Now()
		} else {
			d.candidates[key] = &Candidate{
				Address:  address,
				Port:     port,
				LastSeen: time.Now(),
			}
		}
	}
	onCandidate := d.onCandidate
	d.mu.Unlock()

	d.metrics.RecordCandidate()
	if onCandidate != nil {
		onCandidate(address, port)
	}
}

// readLoop receives datagrams until the transport is closed.
func (d *Discovery) readLoop() {
	defer d.wg.Done()

	buf := make([]byte, maxPacketSize)
	for {
		n, _, err := d.transport.ReadPacket(buf)
		if err != nil {
			select {
			case <-d.stopChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Debug("Multicast read failed", zap.Error(err))
			continue
		}
		d.handlePacket(buf[:n])
	}
}

// queryLoop queries once immediately and then on every tick.
func (d *Discovery) queryLoop() {
	defer d.wg.Done()

	if err := d.Query(); err != nil {
		d.logger.Warn("Discovery query failed", zap.Error(err))
	}

	ticker := time.NewTicker(d.queryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			if err := d.Query(); err != nil {
				d.logger.Debug("Discovery query failed", zap.Error(err))
			}
		}
	}
}

// pruneStaleCandidates periodically removes candidates not seen recently.
func (d *Discovery) pruneStaleCandidates() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.candidateTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			d.prune()
		}
	}
}

// prune removes candidates that haven't been seen within the TTL.
func (d *Discovery) prune() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-d.candidateTTL)
	for key, c := range d.candidates {
		if c.LastSeen.Before(cutoff) {
			delete(d.candidates, key)
		}
	}
}
