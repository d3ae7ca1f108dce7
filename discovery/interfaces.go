package discovery

import (
	"net"
	"slices"

	psnet "github.com/shirou/gopsutil/v3/net"
)

type interfaceLister func() (psnet.InterfaceStatList, error)

// BroadcastTargets returns the limited broadcast address plus the directed
// broadcast address of every up, broadcast-capable, non-loopback IPv4
// interface, all on port.
func BroadcastTargets(port int) []*net.UDPAddr {
	return broadcastTargets(psnet.Interfaces, port)
}

func broadcastTargets(list interfaceLister, port int) []*net.UDPAddr {
	targets := []*net.UDPAddr{{IP: net.IPv4bcast, Port: port}}
	seen := map[string]struct{}{net.IPv4bcast.String(): {}}

	ifaces, err := list()
	if err != nil {
		return targets
	}

	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") ||
			!slices.Contains(iface.Flags, "broadcast") ||
			slices.Contains(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip, ok := directedBroadcast(addr.Addr)
			if !ok {
				continue
			}
			key := ip.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			targets = append(targets, &net.UDPAddr{IP: ip, Port: port})
		}
	}
	return targets
}

// directedBroadcast computes the subnet broadcast address of an IPv4 CIDR.
func directedBroadcast(cidr string) (net.IP, bool) {
	ip, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, false
	}
	ip4 := ip.To4()
	if ip4 == nil || ip4.IsLoopback() {
		return nil, false
	}
	mask := network.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if ones, bits := mask.Size(); bits != 32 || ones >= 31 {
		return nil, false
	}

	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = network.IP.To4()[i] | ^mask[i]
	}
	return out, true
}
