package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"golang.org/x/net/ipv4"

	"github.com/jannickheisch/tinyISP/internal/logger"
)

// DefaultGroup is the multicast group shared by tinySSB nodes on a link.
const DefaultGroup = "239.5.5.8:1558"

// UDPConfig holds the configuration of a UDPFace.
type UDPConfig struct {
	Group     string // Group is the multicast address, DefaultGroup if empty
	Interface string // Interface names the network interface, system default if empty
}

// UDPFace sends and receives datagrams on a link-local multicast group.
// Loopback is enabled so that several nodes on one host see each other.
type UDPFace struct {
	group  *net.UDPAddr
	conn   *net.UDPConn
	closed atomic.Bool
}

// NewUDPFace joins the multicast group.
func NewUDPFace(cfg UDPConfig) (*UDPFace, error) {
	addr := cfg.Group
	if addr == "" {
		addr = DefaultGroup
	}

	group, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve group: %w", err)
	}

	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", addr)
	}

	var ifi *net.Interface

	if cfg.Interface != "" {
		ifi, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", cfg.Interface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp4", ifi, group)
	if err != nil {
		return nil, fmt.Errorf("listen multicast: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)

	if err := pc.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("multicast loopback: %w", err)
	}

	if err := pc.SetMulticastTTL(1); err != nil {
		conn.Close()
		return nil, fmt.Errorf("multicast ttl: %w", err)
	}

	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("multicast interface: %w", err)
		}
	}

	logger.Info("joined multicast group", "group", group.String(), "interface", cfg.Interface)

	return &UDPFace{group: group, conn: conn}, nil
}

// Name returns "udp".
func (f *UDPFace) Name() string {
	return "udp"
}

// Group returns the joined multicast address.
func (f *UDPFace) Group() *net.UDPAddr {
	return f.group
}

// Send writes pkt to the multicast group.
func (f *UDPFace) Send(pkt []byte) error {
	if f.closed.Load() {
		return ErrFaceClosed
	}

	if _, err := f.conn.WriteToUDP(pkt, f.group); err != nil {
		return fmt.Errorf("udp send: %w", err)
	}

	return nil
}

// Run reads datagrams until ctx is done or the socket is closed.
func (f *UDPFace) Run(ctx context.Context, rx func(pkt []byte)) error {
	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer stop()

	buf := make([]byte, maxDatagram)

	for {
		n, _, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if f.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}

			return fmt.Errorf("udp read: %w", err)
		}

		rx(append([]byte(nil), buf[:n]...))
	}
}

// Close leaves the group and closes the socket.
func (f *UDPFace) Close() error {
	if f.closed.Swap(true) {
		return nil
	}

	return f.conn.Close()
}
