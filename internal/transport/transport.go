// Package transport provides the ICMP socket collaborators for the echo
// session: a privileged raw IPv4 socket and an unprivileged datagram
// socket. Both deliver inbound datagrams on a channel together with their
// arrival time; the session never touches the socket directly.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"
)

// Packet is one inbound datagram. Raw sockets deliver the complete IPv4
// datagram in Data; datagram sockets deliver bare ICMP and carry the TTL
// from the socket control message instead.
type Packet struct {
	Data []byte
	Src  netip.Addr
	TTL  int // -1 when the socket provides no TTL
	At   time.Time
}

// Conn is an open ICMP socket bound to one destination.
type Conn interface {
	// Send transmits one ICMP datagram to the destination. The kernel
	// attaches the IP header.
	Send(b []byte) error

	// Packets returns the inbound datagram channel. It is closed when
	// the socket is closed; read errors are logged and reading resumes.
	Packets() <-chan Packet

	// LocalIdent returns the echo identifier the kernel assigned to the
	// socket, when it assigns one. Datagram ICMP sockets rewrite the
	// identifier of every outgoing request to this value; raw sockets
	// transmit the caller's identifier untouched and report false.
	LocalIdent() (uint16, bool)

	Close() error
}

// ErrClosed reports an operation on a closed connection. Expected during
// shutdown and never logged as a failure.
var ErrClosed = errors.New("transport: connection closed")

// readBufferSize covers the largest possible IPv4 datagram.
const readBufferSize = 65536

// Dial opens an ICMP socket to dst. Privileged selects the raw socket,
// which sees inbound IPv4 headers but needs CAP_NET_RAW; otherwise an
// unprivileged datagram socket is used.
func Dial(dst netip.Addr, privileged bool, logger *slog.Logger) (Conn, error) {
	if !dst.Is4() {
		return nil, fmt.Errorf("transport: destination %v is not IPv4", dst)
	}
	if privileged {
		return DialRaw(dst, logger)
	}
	return DialDatagram(dst, logger)
}
