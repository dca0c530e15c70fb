// Package wire implements the ICMP and IPv4 header codecs and the
// RFC 1071 Internet checksum used on the echo path.
//
// The ICMP header wire format (RFC 792):
//
//	0               8               16                             31
//	+---------------+---------------+------------------------------+
//	|     type      |     code      |          checksum            |
//	+---------------+---------------+------------------------------+
//	|          identifier           |       sequence number        |
//	+-------------------------------+------------------------------+
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// ICMPType identifies an ICMPv4 message type.
type ICMPType uint8

// ICMPv4 message types, per RFC 792.
const (
	ICMPEchoReply      ICMPType = 0
	ICMPDstUnreachable ICMPType = 3
	ICMPSrcQuench      ICMPType = 4
	ICMPRedirect       ICMPType = 5
	ICMPEchoRequest    ICMPType = 8
	ICMPTimeExceeded   ICMPType = 11
	ICMPParamProblem   ICMPType = 12
	ICMPTimestamp      ICMPType = 13
	ICMPTimestampReply ICMPType = 14
	ICMPInfoRequest    ICMPType = 15
	ICMPInfoReply      ICMPType = 16
)

const (
	// ICMPHeaderSize is the fixed size of an ICMP echo header.
	ICMPHeaderSize = 8

	// IPv4MinHeaderSize and IPv4MaxHeaderSize bound the IPv4 header
	// length field: 20 bytes of fixed header plus 0-40 bytes of options.
	IPv4MinHeaderSize = 20
	IPv4MaxHeaderSize = 60

	// ICMPProtocolNumber is the IANA protocol number for ICMPv4.
	ICMPProtocolNumber = 1
)

var (
	// ErrMalformedHeader reports a header whose fields are structurally
	// invalid (wrong IP version, header length out of range).
	ErrMalformedHeader = errors.New("wire: malformed header")

	// ErrTruncatedInput reports a buffer shorter than the header it
	// claims to contain.
	ErrTruncatedInput = errors.New("wire: truncated input")
)

// ICMPHeader is a decoded 8-byte ICMP echo header.
type ICMPHeader struct {
	Type     ICMPType
	Code     uint8
	Checksum uint16
	Ident    uint16
	Seq      uint16
}

// ParseICMP decodes the first 8 bytes of b as an ICMP header.
func ParseICMP(b []byte) (ICMPHeader, error) {
	if len(b) < ICMPHeaderSize {
		return ICMPHeader{}, fmt.Errorf("%w: ICMP header needs %d bytes, have %d",
			ErrTruncatedInput, ICMPHeaderSize, len(b))
	}
	return ICMPHeader{
		Type:     ICMPType(b[0]),
		Code:     b[1],
		Checksum: binary.BigEndian.Uint16(b[2:4]),
		Ident:    binary.BigEndian.Uint16(b[4:6]),
		Seq:      binary.BigEndian.Uint16(b[6:8]),
	}, nil
}

// Marshal encodes the header in network byte order.
func (h ICMPHeader) Marshal() []byte {
	b := make([]byte, ICMPHeaderSize)
	b[0] = uint8(h.Type)
	b[1] = h.Code
	binary.BigEndian.PutUint16(b[2:4], h.Checksum)
	binary.BigEndian.PutUint16(b[4:6], h.Ident)
	binary.BigEndian.PutUint16(b[6:8], h.Seq)
	return b
}

// Checksum computes the RFC 1071 Internet checksum over the header fields
// and payload. The checksum field itself never enters the sum: it is not
// known yet when an outgoing packet is built, and summing it as zero is
// arithmetically identical to leaving it out.
func Checksum(h ICMPHeader, payload []byte) uint16 {
	sum := uint32(h.Type)<<8 + uint32(h.Code) + uint32(h.Ident) + uint32(h.Seq)

	for i := 0; i+1 < len(payload); i += 2 {
		sum += uint32(payload[i])<<8 | uint32(payload[i+1])
	}
	if len(payload)%2 == 1 {
		// Odd trailing byte is padded with a zero low byte.
		sum += uint32(payload[len(payload)-1]) << 8
	}

	for sum>>16 != 0 {
		sum = sum>>16 + sum&0xffff
	}
	return ^uint16(sum)
}

// MarshalEcho builds a complete ICMP echo datagram: the header with its
// checksum filled in, followed by the payload.
func MarshalEcho(h ICMPHeader, payload []byte) []byte {
	h.Checksum = Checksum(h, payload)
	return append(h.Marshal(), payload...)
}

// IPv4Header is a decoded IPv4 header. Only decoding is supported: outgoing
// echo requests rely on the kernel to attach the IP header.
type IPv4Header struct {
	Version    uint8
	HeaderLen  int // in bytes, options included
	TOS        uint8
	TotalLen   uint16
	Ident      uint16
	FragOffset uint16
	TTL        uint8
	Protocol   uint8
	Checksum   uint16
	Src        netip.Addr
	Dst        netip.Addr
}

// ParseIPv4 decodes an IPv4 header from the start of b, consuming any
// options the header length declares. The caller must supply at least the
// declared header length.
func ParseIPv4(b []byte) (IPv4Header, error) {
	if len(b) < IPv4MinHeaderSize {
		return IPv4Header{}, fmt.Errorf("%w: IPv4 header needs %d bytes, have %d",
			ErrTruncatedInput, IPv4MinHeaderSize, len(b))
	}

	version := b[0] >> 4
	if version != 4 {
		return IPv4Header{}, fmt.Errorf("%w: IP version %d", ErrMalformedHeader, version)
	}
	headerLen := int(b[0]&0x0f) * 4
	if headerLen < IPv4MinHeaderSize || headerLen > IPv4MaxHeaderSize {
		return IPv4Header{}, fmt.Errorf("%w: IPv4 header length %d out of range [%d,%d]",
			ErrMalformedHeader, headerLen, IPv4MinHeaderSize, IPv4MaxHeaderSize)
	}
	if len(b) < headerLen {
		return IPv4Header{}, fmt.Errorf("%w: IPv4 header declares %d bytes, have %d",
			ErrTruncatedInput, headerLen, len(b))
	}

	return IPv4Header{
		Version:    version,
		HeaderLen:  headerLen,
		TOS:        b[1],
		TotalLen:   binary.BigEndian.Uint16(b[2:4]),
		Ident:      binary.BigEndian.Uint16(b[4:6]),
		FragOffset: binary.BigEndian.Uint16(b[6:8]) & 0x1fff,
		TTL:        b[8],
		Protocol:   b[9],
		Checksum:   binary.BigEndian.Uint16(b[10:12]),
		Src:        netip.AddrFrom4([4]byte(b[12:16])),
		Dst:        netip.AddrFrom4([4]byte(b[16:20])),
	}, nil
}

// Datagram is a decoded inbound ICMP datagram.
type Datagram struct {
	// IP is the decoded IPv4 header, or nil when the socket already
	// stripped it (unprivileged datagram sockets deliver bare ICMP).
	IP *IPv4Header

	ICMP    ICMPHeader
	Payload []byte

	// TTL is taken from the IPv4 header when present, otherwise from the
	// transport's control message. Negative when unknown.
	TTL int
}

// ParseDatagram splits an inbound datagram into its IPv4 header, ICMP
// header and payload. Raw sockets deliver the full IPv4 datagram; datagram
// sockets deliver bare ICMP, recognized by a first nibble that is not an IP
// version of 4.
func ParseDatagram(b []byte, fallbackTTL int) (Datagram, error) {
	if len(b) == 0 {
		return Datagram{}, fmt.Errorf("%w: empty datagram", ErrTruncatedInput)
	}

	d := Datagram{TTL: fallbackTTL}
	rest := b
	if b[0]>>4 == 4 {
		ip, err := ParseIPv4(b)
		if err != nil {
			return Datagram{}, err
		}
		d.IP = &ip
		d.TTL = int(ip.TTL)
		rest = b[ip.HeaderLen:]
	}

	icmp, err := ParseICMP(rest)
	if err != nil {
		return Datagram{}, err
	}
	d.ICMP = icmp
	d.Payload = rest[ICMPHeaderSize:]
	return d, nil
}
