package network

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Common errors for network operations
var (
	ErrNodeNotRunning = errors.New("node is not running")
	ErrAlreadyRunning = errors.New("node already running")
	ErrInvalidPayload = errors.New("payload is not valid JSON")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
)

// NetworkIdentity is the reachable endpoint of the local node. Its Name is
// the key compared during connection arbitration.
type NetworkIdentity struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// Name returns the identity as "address:port".
func (id NetworkIdentity) Name() string {
	return peerKey(id.Address, id.Port)
}

// PeerInfo contains information about a connected peer.
type PeerInfo struct {
	Address     string    `json:"address"`
	Port        int       `json:"port"`
	Outbound    bool      `json:"outbound"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Key returns the registry key of the peer.
func (p PeerInfo) Key() string {
	return peerKey(p.Address, p.Port)
}

// peerKey joins address and port without bracketing, so IPv4 keys compare
// the same way on every node.
func peerKey(address string, port int) string {
	return address + ":" + strconv.Itoa(port)
}

// peerConn is a live connection owned by the PeerRegistry.
type peerConn struct {
	info PeerInfo
	conn net.Conn

	// wmu keeps frames from concurrent senders from interleaving.
	wmu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeerConn(conn net.Conn, address string, port int, outbound bool) *peerConn {
	return &peerConn{
		info: PeerInfo{
			Address:     address,
			Port:        port,
			Outbound:    outbound,
			ConnectedAt: time.Now(),
		},
		conn:   conn,
		closed: make(chan struct{}),
	}
}

func (pc *peerConn) key() string {
	return pc.info.Key()
}

// send writes one encoded frame.
func (pc *peerConn) send(frame []byte) error {
	pc.wmu.Lock()
	defer pc.wmu.Unlock()

	_, err := pc.conn.Write(frame)
	return err
}

// Close closes the underlying connection once.
func (pc *peerConn) Close() error {
	var err error
	pc.closeOnce.Do(func() {
		close(pc.closed)
		err = pc.conn.Close()
	})
	return err
}

// remoteEndpoint extracts the peer address and port from a socket address.
// IPv4-mapped IPv6 addresses are reported in dotted IPv4 form and a missing
// address falls back to 127.0.0.1:0.
func remoteEndpoint(addr net.Addr) (string, int) {
	if addr == nil {
		return "127.0.0.1", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		if tcp.IP == nil {
			return "127.0.0.1", tcp.Port
		}
		if v4 := tcp.IP.To4(); v4 != nil {
			return v4.String(), tcp.Port
		}
		return tcp.IP.String(), tcp.Port
	}

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil || host == "" {
		return "127.0.0.1", 0
	}
	host = strings.TrimPrefix(host, "::ffff:")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 0
	}
	return host, port
}

// localAddress returns the first non-loopback IPv4 address of an interface
// that is up, or 127.0.0.1 when there is none.
func localAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipnet.IP.To4(); v4 != nil && !v4.IsLoopback() {
				return v4.String()
			}
		}
	}
	return "127.0.0.1"
}
