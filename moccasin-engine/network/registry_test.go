package network

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T, address string, port int, outbound bool) (*peerConn, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return newPeerConn(local, address, port, outbound), remote
}

func TestPeerRegistryAddRemove(t *testing.T) {
	reg := NewPeerRegistry()
	pc, _ := pipeConn(t, "10.0.0.1", 4001, true)

	require.True(t, reg.Add(pc))
	assert.True(t, reg.Has("10.0.0.1:4001"))
	assert.Equal(t, 1, reg.Len())

	dup, _ := pipeConn(t, "10.0.0.1", 4001, false)
	assert.False(t, reg.Add(dup), "second connection for the same key must be rejected")

	// Removing a connection that is not the registered one is a no-op.
	assert.False(t, reg.Remove(dup))
	assert.True(t, reg.Has("10.0.0.1:4001"))

	assert.True(t, reg.Remove(pc))
	assert.False(t, reg.Has("10.0.0.1:4001"))
	assert.Zero(t, reg.Len())
}

func TestPeerRegistrySnapshotIsSortedCopy(t *testing.T) {
	reg := NewPeerRegistry()
	for _, port := range []int{4003, 4001, 4002} {
		pc, _ := pipeConn(t, "10.0.0.1", port, false)
		require.True(t, reg.Add(pc))
	}

	snap := reg.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "10.0.0.1:4001", snap[0].Key())
	assert.Equal(t, "10.0.0.1:4003", snap[2].Key())

	snap[0].Address = "mutated"
	assert.True(t, reg.Has("10.0.0.1:4001"))
}

func TestPeerRegistryCloseAll(t *testing.T) {
	reg := NewPeerRegistry()
	pc, _ := pipeConn(t, "10.0.0.1", 4001, true)
	require.True(t, reg.Add(pc))

	reg.CloseAll()

	select {
	case <-pc.closed:
	default:
		t.Fatal("connection not closed")
	}
}

func TestRemoteEndpoint(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		host string
		port int
	}{
		{"ipv4", &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 4001}, "10.0.0.2", 4001},
		{"ipv4-mapped", &net.TCPAddr{IP: net.ParseIP("::ffff:10.0.0.3"), Port: 4002}, "10.0.0.3", 4002},
		{"ipv6", &net.TCPAddr{IP: net.ParseIP("fe80::1"), Port: 4003}, "fe80::1", 4003},
		{"nil", nil, "127.0.0.1", 0},
		{"unparseable", pipeAddr{}, "127.0.0.1", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port := remoteEndpoint(tt.addr)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
