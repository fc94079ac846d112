//go:build !linux

package genl

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("generic netlink is only available on linux")

type Conn struct{}

func Dial() (*Conn, error) {
	return nil, ErrUnsupported
}

func (c *Conn) Send(context.Context, []byte) error {
	return ErrUnsupported
}

func (c *Conn) Receive(context.Context) ([]byte, error) {
	return nil, ErrUnsupported
}

func (c *Conn) Close() error {
	return nil
}
