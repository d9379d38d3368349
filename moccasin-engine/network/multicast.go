package network

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// DefaultMulticastAddress is the IPv4 mDNS group.
const DefaultMulticastAddress = "224.0.0.251:5353"

// MulticastTransport sends datagrams to a multicast group and receives the
// datagrams other group members send, including the node's own.
type MulticastTransport interface {
	WriteMulticast(b []byte) error
	ReadPacket(b []byte) (int, net.Addr, error)
	Close() error
}

// udpMulticast is the UDP implementation of MulticastTransport.
type udpMulticast struct {
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	group *net.UDPAddr
}

// ListenMulticast joins the group at address on every multicast-capable
// interface that is up.
func ListenMulticast(address string) (MulticastTransport, error) {
	group, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve multicast group %s: %w", address, err)
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("failed to join multicast group %s: %w", address, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	if ifaces, err := net.Interfaces(); err == nil {
		for i := range ifaces {
			ifi := ifaces[i]
			if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
				continue
			}
			// Already joined on the default interface; the duplicate join fails.
			_ = pconn.JoinGroup(&ifi, &net.UDPAddr{IP: group.IP})
		}
	}
	// Two nodes on one host must hear each other.
	_ = pconn.SetMulticastLoopback(true)
	_ = pconn.SetMulticastTTL(255)

	return &udpMulticast{
		conn:  conn,
		pconn: pconn,
		group: group,
	}, nil
}

func (u *udpMulticast) WriteMulticast(b []byte) error {
	_, err := u.conn.WriteToUDP(b, u.group)
	return err
}

func (u *udpMulticast) ReadPacket(b []byte) (int, net.Addr, error) {
	return u.conn.ReadFromUDP(b)
}

func (u *udpMulticast) Close() error {
	return u.conn.Close()
}
