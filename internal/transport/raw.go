package transport

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/postalsys/metro-ping/internal/logging"
)

// RawConn is a privileged AF_INET/SOCK_RAW/IPPROTO_ICMP socket. Inbound
// reads deliver the complete IPv4 datagram, header included, so the caller
// decodes the IP header itself. Outbound sends carry bare ICMP; the kernel
// builds the IP header.
type RawConn struct {
	fd      int
	dst     unix.SockaddrInet4
	packets chan Packet
	logger  *slog.Logger
	closed  atomic.Bool
	done    chan struct{}
}

// DialRaw opens a raw ICMP socket bound to all interfaces and starts the
// read loop.
func DialRaw(dst netip.Addr, logger *slog.Logger) (*RawConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_ICMP)
	if err != nil {
		return nil, fmt.Errorf("create raw ICMP socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, 1<<20); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set receive buffer: %w", err)
	}
	// A read timeout lets the read loop notice Close without a pending
	// datagram.
	tv := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set receive timeout: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind raw ICMP socket: %w", err)
	}

	c := &RawConn{
		fd:      fd,
		dst:     unix.SockaddrInet4{Addr: dst.As4()},
		packets: make(chan Packet, 16),
		logger:  logger.With(slog.String(logging.KeyComponent, "transport")),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send transmits one ICMP datagram to the destination.
func (c *RawConn) Send(b []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := unix.Sendto(c.fd, b, 0, &c.dst); err != nil {
		return fmt.Errorf("send ICMP: %w", err)
	}
	return nil
}

// Packets returns the inbound datagram channel.
func (c *RawConn) Packets() <-chan Packet {
	return c.packets
}

// LocalIdent reports false: raw sockets transmit the identifier the caller
// put in the header.
func (c *RawConn) LocalIdent() (uint16, bool) {
	return 0, false
}

// Close shuts the socket down. The read loop drains and closes the packet
// channel.
func (c *RawConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := unix.Close(c.fd)
	<-c.done
	return err
}

func (c *RawConn) readLoop() {
	defer close(c.done)
	defer close(c.packets)

	buf := make([]byte, readBufferSize)
	for {
		n, from, err := unix.Recvfrom(c.fd, buf, 0)
		if c.closed.Load() {
			return
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				continue
			}
			c.logger.Warn("raw socket read failed", logging.KeyError, err)
			continue
		}

		pkt := Packet{
			Data: append([]byte(nil), buf[:n]...),
			TTL:  -1, // decoded from the IPv4 header downstream
			At:   time.Now(),
		}
		if sa, ok := from.(*unix.SockaddrInet4); ok {
			pkt.Src = netip.AddrFrom4(sa.Addr)
		}
		select {
		case c.packets <- pkt:
		default:
			// Consumer is behind or gone; dropping keeps shutdown from
			// blocking on a full channel.
			c.logger.Debug("inbound datagram dropped, channel full")
		}
	}
}
