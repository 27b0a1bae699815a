// Package sysinfo describes the machine the agent runs on: the identity it
// registers with the server and the health it reports in heartbeats.
package sysinfo

import (
	"net/netip"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/teranos/botagent/errors"
)

// MinAvailablePercent is the free-memory share below which the agent reports unhealthy
const MinAvailablePercent = 5.0

// Identity is what the server knows the machine by
type Identity struct {
	MachineName string
	MACAddress  string
	IPAddress   string
}

// Identify reads the host name and the address of the first usable interface
func Identify() (Identity, error) {
	info, err := host.Info()
	if err != nil {
		return Identity{}, errors.Wrap(err, "failed to read host info")
	}
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return Identity{}, errors.Wrap(err, "failed to list network interfaces")
	}
	mac, ip := pickInterface(ifaces)
	return Identity{MachineName: info.Hostname, MACAddress: mac, IPAddress: ip}, nil
}

// pickInterface returns the MAC and IPv4 address of the first interface that
// is up, is not loopback and has a hardware address. IPv6 is used only when
// the interface has no IPv4 address.
func pickInterface(ifaces psnet.InterfaceStatList) (string, string) {
	for _, iface := range ifaces {
		if iface.HardwareAddr == "" || !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		var v6 string
		for _, a := range iface.Addrs {
			prefix, err := netip.ParsePrefix(a.Addr)
			if err != nil {
				continue
			}
			addr := prefix.Addr()
			if addr.IsLoopback() || addr.IsLinkLocalUnicast() {
				continue
			}
			if addr.Is4() {
				return strings.ToUpper(iface.HardwareAddr), addr.String()
			}
			if v6 == "" {
				v6 = addr.String()
			}
		}
		if v6 != "" {
			return strings.ToUpper(iface.HardwareAddr), v6
		}
	}
	return "", ""
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

// MemoryStats returns total and available memory in bytes
func MemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// Healthy reports whether enough memory is free to take work. A machine
// whose memory cannot be read is reported healthy.
func Healthy() bool {
	total, available, err := MemoryStats()
	if err != nil || total == 0 {
		return true
	}
	return float64(available)/float64(total)*100 >= MinAvailablePercent
}
