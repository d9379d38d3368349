package network

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memBus is an in-memory multicast group. Every member, including the
// sender, receives each datagram, like a multicast socket with loopback on.
type memBus struct {
	mu      sync.Mutex
	members map[*memTransport]struct{}
}

func newMemBus() *memBus {
	return &memBus{members: make(map[*memTransport]struct{})}
}

// Open joins the bus. It matches the signature of ListenMulticast.
func (b *memBus) Open(string) (MulticastTransport, error) {
	return b.join(), nil
}

func (b *memBus) join() *memTransport {
	t := &memTransport{
		bus:   b,
		inbox: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	b.members[t] = struct{}{}
	b.mu.Unlock()
	return t
}

func (b *memBus) deliver(pkt []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for m := range b.members {
		cp := append([]byte(nil), pkt...)
		select {
		case m.inbox <- cp:
		default:
			// full inbox drops the datagram, as UDP would
		}
	}
}

type memTransport struct {
	bus   *memBus
	inbox chan []byte
	done  chan struct{}
	once  sync.Once
}

func (t *memTransport) WriteMulticast(b []byte) error {
	select {
	case <-t.done:
		return net.ErrClosed
	default:
	}
	t.bus.deliver(b)
	return nil
}

func (t *memTransport) ReadPacket(b []byte) (int, net.Addr, error) {
	select {
	case pkt := <-t.inbox:
		return copy(b, pkt), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5353}, nil
	case <-t.done:
		return 0, nil, net.ErrClosed
	}
}

func (t *memTransport) Close() error {
	t.once.Do(func() {
		t.bus.mu.Lock()
		delete(t.bus.members, t)
		t.bus.mu.Unlock()
		close(t.done)
	})
	return nil
}

// next returns the next datagram seen by t or fails the test.
func (t *memTransport) next(tb testing.TB, timeout time.Duration) []byte {
	tb.Helper()
	select {
	case pkt := <-t.inbox:
		return pkt
	case <-time.After(timeout):
		tb.Fatalf("no datagram within %s", timeout)
		return nil
	}
}

// subscribeEvents attaches a buffered event channel to ns for the test.
func subscribeEvents(t *testing.T, ns *NetworkService) <-chan Event {
	t.Helper()
	ch := make(chan Event, 256)
	sub := ns.SubscribeEvents(ch)
	t.Cleanup(sub.Unsubscribe)
	return ch
}

// waitForEvent returns the first event of type typ, skipping others.
func waitForEvent(t *testing.T, ch <-chan Event, typ EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %s", typ, timeout)
			return Event{}
		}
	}
}

// noEvent fails if an event of type typ arrives within wait.
func noEvent(t *testing.T, ch <-chan Event, typ EventType, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case ev := <-ch:
			require.NotEqual(t, typ, ev.Type, "unexpected event %+v", ev)
		case <-deadline:
			return
		}
	}
}

// testConfig returns a loopback configuration with a fast discovery cycle.
func testConfig() NetworkConfig {
	cfg := DefaultNetworkConfig()
	cfg.NetworkName = "room1"
	cfg.BindAddress = "127.0.0.1"
	cfg.QueryInterval = 50 * time.Millisecond
	cfg.DialTimeout = time.Second
	return cfg
}

// startNode starts a service on bus and stops it when the test ends.
func startNode(t *testing.T, bus *memBus, opts ...Option) *NetworkService {
	t.Helper()
	opts = append([]Option{WithMulticastTransport(bus.Open)}, opts...)
	ns := NewNetworkService(testConfig(), opts...)
	require.NoError(t, ns.Start())
	t.Cleanup(ns.Stop)
	return ns
}
