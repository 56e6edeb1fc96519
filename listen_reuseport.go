//go:build linux || darwin

package prefork

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Listen opens a TCP listener on this worker's inherited port with
// SO_REUSEPORT set. Every worker in the fleet binds the same port and
// the kernel distributes accepted connections across them; this is the
// only load balancing the cluster provides. Worker-only.
func Listen(ctx context.Context) (net.Listener, error) {
	port := GetPort()
	if port == 0 {
		return nil, ErrNotWorker
	}
	return ListenPort(ctx, port)
}

// ListenPort opens a TCP listener on an explicit port with SO_REUSEPORT
// set
func ListenPort(ctx context.Context, port uint16) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	return lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
}
