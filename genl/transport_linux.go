//go:build linux

package genl

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mdlayher/socket"
	"golang.org/x/sys/unix"
)

// Conn is a Transport backed by an AF_NETLINK socket speaking NETLINK_GENERIC.
// Be sure to close it to avoid leaking fds.
type Conn struct {
	c *socket.Conn
}

// Dial opens a generic netlink socket, lets the kernel pick our port id and
// connects it to the kernel (i.e. port id 0).
func Dial() (*Conn, error) {
	c, err := socket.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_GENERIC, "genl", nil)
	if err != nil {
		return nil, fmt.Errorf("could not open generic netlink socket: %w", err)
	}

	if err := c.Bind(&unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		c.Close()
		return nil, fmt.Errorf("could not bind generic netlink socket: %w", err)
	}

	if _, err := c.Connect(context.Background(), &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		c.Close()
		return nil, fmt.Errorf("could not connect generic netlink socket: %w", err)
	}

	// For enhanced error messages from the kernel, it is recommended to set
	// option `NETLINK_EXT_ACK`, which is supported since 4.12 kernel. If not
	// supported, `unix.ENOPROTOOPT` is returned.
	if err := c.SetsockoptInt(unix.SOL_NETLINK, unix.NETLINK_EXT_ACK, 1); err != nil {
		slog.Warn("could not set option NETLINK_EXT_ACK", "err", err)
	}

	return &Conn{c: c}, nil
}

func (c *Conn) Send(ctx context.Context, b []byte) error {
	return c.c.Sendto(ctx, b, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
}

// Receive returns a single datagram. We peek first so that we can size the
// buffer to whatever the kernel queued; MSG_TRUNC makes recvfrom(2) report the
// real length even if it doesn't fit.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	b := make([]byte, os.Getpagesize())
	n, _, err := c.c.Recvfrom(ctx, b, unix.MSG_PEEK|unix.MSG_TRUNC)
	if err != nil {
		return nil, err
	}

	if n > len(b) {
		b = make([]byte, nlmsgAlign(n))
	}

	n, _, err = c.c.Recvfrom(ctx, b, 0)
	if err != nil {
		return nil, err
	}

	return b[:n], nil
}

func (c *Conn) Close() error {
	return c.c.Close()
}
