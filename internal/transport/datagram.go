package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/postalsys/metro-ping/internal/logging"
)

// DatagramConn is an unprivileged ICMP socket ("udp4" network). It works
// without CAP_NET_RAW on Linux when the net.ipv4.ping_group_range sysctl
// allows it. The kernel strips the IPv4 header on this socket type, so the
// TTL is recovered from the control message instead. The kernel also
// rewrites the echo identifier of outgoing requests to the socket's bound
// port; LocalIdent exposes it so requests can be built to match.
type DatagramConn struct {
	conn    *icmp.PacketConn
	pc      *ipv4.PacketConn
	dst     net.UDPAddr
	ident   uint16
	packets chan Packet
	logger  *slog.Logger
	closed  atomic.Bool
	done    chan struct{}
}

// DialDatagram opens an unprivileged ICMP socket and starts the read loop.
func DialDatagram(dst netip.Addr, logger *slog.Logger) (*DatagramConn, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("create ICMP socket: %w", err)
	}

	pc := conn.IPv4PacketConn()
	if err := pc.SetControlMessage(ipv4.FlagTTL, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable TTL control message: %w", err)
	}

	var ident uint16
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		ident = uint16(ua.Port)
	}

	c := &DatagramConn{
		conn:    conn,
		pc:      pc,
		dst:     net.UDPAddr{IP: dst.AsSlice()},
		ident:   ident,
		packets: make(chan Packet, 16),
		logger:  logger.With(slog.String(logging.KeyComponent, "transport")),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send transmits one ICMP datagram to the destination.
func (c *DatagramConn) Send(b []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if _, err := c.conn.WriteTo(b, &c.dst); err != nil {
		return fmt.Errorf("send ICMP: %w", err)
	}
	return nil
}

// Packets returns the inbound datagram channel.
func (c *DatagramConn) Packets() <-chan Packet {
	return c.packets
}

// LocalIdent returns the kernel-assigned echo identifier for this socket.
// Replies come back carrying it regardless of the identifier in the request.
func (c *DatagramConn) LocalIdent() (uint16, bool) {
	return c.ident, true
}

// Close shuts the socket down. The read loop drains and closes the packet
// channel.
func (c *DatagramConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *DatagramConn) readLoop() {
	defer close(c.done)
	defer close(c.packets)

	buf := make([]byte, readBufferSize)
	for {
		n, cm, src, err := c.pc.ReadFrom(buf)
		if c.closed.Load() || errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			c.logger.Warn("ICMP socket read failed", logging.KeyError, err)
			continue
		}

		pkt := Packet{
			Data: append([]byte(nil), buf[:n]...),
			TTL:  -1,
			At:   time.Now(),
		}
		if cm != nil {
			pkt.TTL = cm.TTL
		}
		if ua, ok := src.(*net.UDPAddr); ok {
			if addr, ok := netip.AddrFromSlice(ua.IP); ok {
				pkt.Src = addr.Unmap()
			}
		}
		select {
		case c.packets <- pkt:
		default:
			c.logger.Debug("inbound datagram dropped, channel full")
		}
	}
}
