package swarmcore

import (
	"fmt"
	"net"
	"net/netip"
)

// PeerAddr is a peer's logical identity: an IPv4/IPv6 address and port.
// Equality is canonical (netip.Addr folds v4-in-v6 forms), matching
// invariant 2: no two live peers share an equivalent IP.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

func (a PeerAddr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// Equal reports whether a and b name the same peer endpoint.
func (a PeerAddr) Equal(b PeerAddr) bool {
	if a.Port != b.Port {
		return false
	}
	aa, aok := netip.AddrFromSlice(a.IP)
	bb, bok := netip.AddrFromSlice(b.IP)
	if !aok || !bok {
		return a.IP.Equal(b.IP)
	}
	return aa.Unmap() == bb.Unmap()
}

// key returns a comparable, canonical map key for this address.
func (a PeerAddr) key() string {
	aa, ok := netip.AddrFromSlice(a.IP)
	if !ok {
		return a.String()
	}
	return fmt.Sprintf("%s:%d", aa.Unmap().String(), a.Port)
}
