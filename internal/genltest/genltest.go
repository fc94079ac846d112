// Package genltest provides an in-memory generic netlink transport together
// with helpers to craft the datagrams a kernel would send back.
package genltest

import (
	"context"
	"errors"
	"fmt"

	"github.com/josharian/native"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

var (
	// ErrNoData is returned by Receive when nothing is queued. A real socket
	// would block forever instead.
	ErrNoData = errors.New("no datagram queued")
	ErrClosed = errors.New("transport closed")
)

// Func is invoked for every request. It returns the datagrams to queue.
type Func func(req netlink.Message) ([][]byte, error)

// Transport satisfies genl.Transport.
type Transport struct {
	fn     Func
	queue  [][]byte
	closed bool

	// Requests holds every raw request sent through the transport.
	Requests [][]byte
}

func NewTransport(fn Func) *Transport {
	return &Transport{fn: fn}
}

func (t *Transport) Send(ctx context.Context, b []byte) error {
	if t.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.Requests = append(t.Requests, append([]byte(nil), b...))

	var m netlink.Message
	if err := m.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}

	dgrams, err := t.fn(m)
	if err != nil {
		return err
	}
	t.queue = append(t.queue, dgrams...)

	return nil
}

func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	if t.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(t.queue) == 0 {
		return nil, ErrNoData
	}

	d := t.queue[0]
	t.queue = t.queue[1:]
	return d, nil
}

func (t *Transport) Close() error {
	t.closed = true
	return nil
}

// Queue appends datagrams to be returned by Receive.
func (t *Transport) Queue(dgrams ...[]byte) {
	t.queue = append(t.queue, dgrams...)
}

// Pending returns the number of queued datagrams not yet received.
func (t *Transport) Pending() int {
	return len(t.queue)
}

// ParseRequest splits a request into its netlink and generic netlink parts.
func ParseRequest(m netlink.Message) (genetlink.Message, error) {
	var gm genetlink.Message
	if err := gm.UnmarshalBinary(m.Data); err != nil {
		return genetlink.Message{}, err
	}
	return gm, nil
}

// Datagram concatenates msgs into a single datagram. Header lengths are
// computed from the payloads.
func Datagram(msgs ...netlink.Message) []byte {
	var b []byte
	for _, m := range msgs {
		l := 16 + len(m.Data)
		al := (l + 3) &^ 3

		buf := make([]byte, al)
		native.Endian.PutUint32(buf[0:4], uint32(l))
		native.Endian.PutUint16(buf[4:6], uint16(m.Header.Type))
		native.Endian.PutUint16(buf[6:8], uint16(m.Header.Flags))
		native.Endian.PutUint32(buf[8:12], m.Header.Sequence)
		native.Endian.PutUint32(buf[12:16], m.Header.PID)
		copy(buf[16:], m.Data)

		b = append(b, buf...)
	}
	return b
}

// Data builds a generic netlink data message.
func Data(family uint16, seq uint32, flags netlink.HeaderFlags, cmd, version uint8, attrs []byte) netlink.Message {
	gb, _ := genetlink.Message{
		Header: genetlink.Header{Command: cmd, Version: version},
		Data:   attrs,
	}.MarshalBinary()

	return netlink.Message{
		Header: netlink.Header{
			Type:     netlink.HeaderType(family),
			Flags:    flags,
			Sequence: seq,
		},
		Data: gb,
	}
}

// Done builds the NLMSG_DONE message closing a dump.
func Done(seq uint32) netlink.Message {
	return netlink.Message{
		Header: netlink.Header{
			Type:     netlink.Done,
			Flags:    netlink.Multi,
			Sequence: seq,
		},
		Data: make([]byte, 4),
	}
}

// Ack builds a successful NLMSG_ERROR message.
func Ack(seq uint32) netlink.Message {
	return Error(seq, 0)
}

// Error builds an NLMSG_ERROR message carrying -errno. The original header is
// left zeroed.
func Error(seq uint32, errno int) netlink.Message {
	b := make([]byte, 4+16)
	native.Endian.PutUint32(b[0:4], uint32(int32(-errno)))

	return netlink.Message{
		Header: netlink.Header{
			Type:     netlink.Error,
			Sequence: seq,
		},
		Data: b,
	}
}
