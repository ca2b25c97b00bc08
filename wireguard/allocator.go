package wireguard

import (
	"fmt"
	"net/netip"

	"github.com/yllada/wg-manager/common"
)

// AllocateAddress returns the numerically smallest free host address in
// the subnet. The network address, the broadcast address, and the
// interface's own address (the first host) are never handed out.
//
// Allocation is deterministic: the same subnet and taken set always yield
// the same address, so a retried operation lands on the address the first
// attempt targeted.
func AllocateAddress(subnet netip.Prefix, taken map[netip.Addr]bool) (netip.Addr, error) {
	if !subnet.IsValid() {
		return netip.Addr{}, fmt.Errorf("%w: invalid subnet", common.ErrValidation)
	}

	network := subnet.Masked().Addr()
	reserved := network.Next() // interface's own address

	for addr := reserved.Next(); subnet.Contains(addr); addr = addr.Next() {
		if addr.Is4() && isBroadcast(addr, subnet) {
			break
		}
		if !taken[addr] {
			return addr, nil
		}
	}

	return netip.Addr{}, fmt.Errorf("%w: no free address in %s", common.ErrPoolExhausted, subnet)
}

// isBroadcast reports whether addr is the subnet's broadcast address,
// the highest address in an IPv4 prefix.
func isBroadcast(addr netip.Addr, subnet netip.Prefix) bool {
	return !subnet.Contains(addr.Next())
}
