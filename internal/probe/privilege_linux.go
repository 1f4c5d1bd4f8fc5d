//go:build linux

package probe

import "golang.org/x/sys/unix"

// defaultPrivileged reports whether raw ICMP sockets can be opened. A
// binary granted CAP_NET_RAW through file capabilities qualifies without
// running as root.
func defaultPrivileged() bool {
	if unix.Geteuid() == 0 {
		return true
	}
	var data [2]unix.CapUserData
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return false
	}
	return hasEffectiveCap(data, unix.CAP_NET_RAW)
}

// hasEffectiveCap tests capability c in the effective set returned by
// capget(2). Version 3 splits the 64-bit set across two words.
func hasEffectiveCap(data [2]unix.CapUserData, c int) bool {
	if c < 0 || c >= 64 {
		return false
	}
	return data[c/32].Effective&(1<<uint(c%32)) != 0
}
