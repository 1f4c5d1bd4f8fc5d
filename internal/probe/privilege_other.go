//go:build !linux

package probe

import "os"

func defaultPrivileged() bool {
	return os.Geteuid() == 0
}
