package netalloc

import (
	"errors"
	"net"
)

var ErrRangeExhausted = errors.New("address range exhausted")

// Allocator hands out free addresses from a VDC's private range, skipping
// the network and broadcast addresses and anything already occupied.
type Allocator struct {
	cidr     net.IPNet
	occupied map[string]struct{}
}

func New(cidr net.IPNet) *Allocator {
	return &Allocator{
		cidr:     cidr,
		occupied: make(map[string]struct{}),
	}
}

func (a *Allocator) Occupy(ips ...net.IP) {
	for _, ip := range ips {
		if ip == nil {
			continue
		}
		a.occupied[ip.String()] = struct{}{}
	}
}

func (a *Allocator) Next() (net.IP, error) {
	for _, ip := range hostIPs(a.cidr) {
		if _, ok := a.occupied[ip.String()]; ok {
			continue
		}
		a.occupied[ip.String()] = struct{}{}

		return ip, nil
	}

	return nil, ErrRangeExhausted
}

// FreeIPs returns count unoccupied addresses from the range without
// mutating any allocator state.
func FreeIPs(count int, cidr net.IPNet, occupied []net.IP) ([]net.IP, error) {
	var ips []net.IP

loop:
	for _, ip := range hostIPs(cidr) {
		for _, occupiedIP := range occupied {
			if occupiedIP.Equal(ip) {
				continue loop
			}
		}

		ips = append(ips, ip)

		if len(ips) == count {
			return ips, nil
		}
	}

	return nil, ErrRangeExhausted
}

func hostIPs(cidr net.IPNet) []net.IP {
	var ips []net.IP

	for ip := cidr.IP.Mask(cidr.Mask); cidr.Contains(ip); incIP(ip) {
		ips = append(ips, dupIP(ip))
	}

	if len(ips) < 3 {
		return nil
	}

	return ips[1 : len(ips)-1]
}

func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}

func dupIP(ip net.IP) net.IP {
	dup := make(net.IP, len(ip))
	copy(dup, ip)

	return dup
}
