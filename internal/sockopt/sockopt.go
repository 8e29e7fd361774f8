// Package sockopt tunes raw socket options that net.UDPConn does not
// expose a portable API for. Bursty senders can overflow the default
// OS receive buffer and drop frames; sizing SO_RCVBUF explicitly is
// the mitigation, applied best-effort at endpoint construction.
package sockopt

import (
	"fmt"
	"net"
	"syscall"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// SetReceiveBuffer requests the kernel grow conn's receive buffer to
// at least bytes. Best effort: many kernels cap this below the
// requested value without error.
func SetReceiveBuffer(conn *net.UDPConn, bytes int) error {
	fd := netfd.GetFdFromConn(conn)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bytes); err != nil {
		return fmt.Errorf("sockopt: SO_RCVBUF: %w", err)
	}
	return nil
}

// ControlReuseAddr is a net.ListenConfig Control hook that sets
// SO_REUSEADDR before the socket binds, so a rebind to a just-closed
// local address succeeds. net.ListenUDP offers no pre-bind option
// surface; ListenConfig.Control is the supported path.
func ControlReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return fmt.Errorf("sockopt: raw control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("sockopt: SO_REUSEADDR: %w", sockErr)
	}
	return nil
}
