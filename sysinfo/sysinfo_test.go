package sysinfo

import (
	"testing"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickInterface(t *testing.T) {
	ifaces := psnet.InterfaceStatList{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: []psnet.InterfaceAddr{{Addr: "127.0.0.1/8"}}},
		{Name: "docker0", HardwareAddr: "02:42:ac:11:00:01", Flags: []string{"broadcast"}, Addrs: []psnet.InterfaceAddr{{Addr: "172.17.0.1/16"}}},
		{Name: "eth0", HardwareAddr: "00:15:5d:01:02:03", Flags: []string{"up", "broadcast"}, Addrs: []psnet.InterfaceAddr{
			{Addr: "fe80::215:5dff:fe01:203/64"},
			{Addr: "2001:db8::10/64"},
			{Addr: "10.0.0.15/24"},
		}},
	}

	mac, ip := pickInterface(ifaces)
	assert.Equal(t, "00:15:5D:01:02:03", mac)
	assert.Equal(t, "10.0.0.15", ip)
}

func TestPickInterface_IPv6Only(t *testing.T) {
	ifaces := psnet.InterfaceStatList{
		{Name: "eth0", HardwareAddr: "aa:bb:cc:dd:ee:ff", Flags: []string{"up"}, Addrs: []psnet.InterfaceAddr{
			{Addr: "fe80::1/64"},
			{Addr: "2001:db8::20/64"},
		}},
	}

	mac, ip := pickInterface(ifaces)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", mac)
	assert.Equal(t, "2001:db8::20", ip)
}

func TestPickInterface_NoneUsable(t *testing.T) {
	mac, ip := pickInterface(psnet.InterfaceStatList{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: []psnet.InterfaceAddr{{Addr: "127.0.0.1/8"}}},
	})
	assert.Empty(t, mac)
	assert.Empty(t, ip)
}

func TestMemoryStats(t *testing.T) {
	total, available, err := MemoryStats()
	require.NoError(t, err)
	assert.Greater(t, total, uint64(0))
	assert.LessOrEqual(t, available, total)
}

func TestIdentify(t *testing.T) {
	id, err := Identify()
	require.NoError(t, err)
	assert.NotEmpty(t, id.MachineName)
}
