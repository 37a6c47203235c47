//go:build !unix && !windows

package wake

import "syscall"

func reuseControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
