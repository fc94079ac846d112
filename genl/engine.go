package genl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// Transport is the datagram channel to the kernel. Send hands a whole framed
// request over in one go and Receive returns exactly one datagram, which can
// contain several netlink messages. Blocking calls must honour ctx.
type Transport interface {
	Send(ctx context.Context, b []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Decoder turns the generic netlink payload of one data message into records.
type Decoder[T any] func(m genetlink.Message) ([]T, error)

// Engine drives transactions over a Transport. It's not safe for concurrent
// use: there can only be a single request in flight.
type Engine struct {
	t   Transport
	seq uint32
}

func NewEngine(t Transport) *Engine {
	// Just like libnl, seed the sequence numbers with the current time.
	return &Engine{t: t, seq: uint32(time.Now().Unix())}
}

func (e *Engine) Close() error {
	return e.t.Close()
}

func (e *Engine) nextSequence() uint32 {
	e.seq++
	return e.seq
}

// Execute sends req and runs the receive loop until the logical response is
// complete, decoding every data message addressed to req.Family with decode.
// Records are returned in arrival order. On any error, including one reported
// by the kernel halfway through a dump, no records are returned at all.
func Execute[T any](ctx context.Context, e *Engine, req Request, decode Decoder[T]) ([]T, error) {
	seq := e.nextSequence()

	b, err := req.marshal(seq)
	if err != nil {
		return nil, fmt.Errorf("error marshalling the request: %w", err)
	}

	slog.Debug("sending generic netlink request", "family", req.Family, "cmd", req.Command,
		"flags", req.Flags, "seq", seq, "len", len(b))

	if err := e.t.Send(ctx, b); err != nil {
		return nil, fmt.Errorf("error sending the request: %w", err)
	}

	var (
		records []T
		dump    = req.Dump()
	)
	for {
		dgram, err := e.t.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("error receiving the response: %w", err)
		}

		msgs, err := splitMessages(dgram)
		if err != nil {
			return nil, fmt.Errorf("malformed datagram: %w", err)
		}

		var (
			last      netlink.Header
			processed bool
		)
		for _, m := range msgs {
			// Leftovers from a previous, abandoned transaction.
			if m.Header.Sequence != 0 && m.Header.Sequence != seq {
				slog.Debug("skipping stale netlink message", "seq", m.Header.Sequence, "want", seq)
				continue
			}
			last, processed = m.Header, true

			switch m.Header.Type {
			case netlink.Done:
				slog.Debug("got end of dump", "seq", seq, "nRecords", len(records))
				return records, nil

			case netlink.Error:
				code, msg, err := parseError(m)
				if err != nil {
					return nil, fmt.Errorf("malformed error message: %w", err)
				}
				if code != 0 {
					if code < 0 {
						code = -code
					}
					return nil, &netlink.OpError{
						Op:      "receive",
						Err:     unix.Errno(code),
						Message: msg,
					}
				}

				// A plain acknowledgement terminates a non-dump request. Within
				// a dump it's just a benign marker.
				if !dump {
					return records, nil
				}

			case netlink.HeaderType(req.Family):
				var gm genetlink.Message
				if err := gm.UnmarshalBinary(m.Data); err != nil {
					return nil, fmt.Errorf("malformed generic netlink message: %w", err)
				}

				rs, err := decode(gm)
				if err != nil {
					return nil, err
				}
				records = append(records, rs...)

			default:
				slog.Debug("ignoring netlink message", "type", m.Header.Type, "flags", m.Header.Flags)
			}
		}

		if dump && processed && last.Flags&netlink.Multi == 0 {
			return records, nil
		}
	}
}
