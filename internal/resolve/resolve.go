// Package resolve turns a destination host into an IPv4 address before the
// echo session starts. Resolution failure is fatal: there is nothing to
// ping.
package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// ResolutionError reports a host that could not be resolved to an IPv4
// address.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("resolve %s: no IPv4 address", e.Host)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// IPv4 resolves host to a single IPv4 address. Literal addresses are
// accepted without a lookup.
func IPv4(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if !addr.Is4() {
			return netip.Addr{}, &ResolutionError{Host: host}
		}
		return addr, nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, &ResolutionError{Host: host, Err: err}
	}
	for _, addr := range addrs {
		addr = addr.Unmap()
		if addr.Is4() {
			return addr, nil
		}
	}
	return netip.Addr{}, &ResolutionError{Host: host}
}
