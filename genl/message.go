package genl

import (
	"errors"
	"fmt"

	"github.com/josharian/native"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

var (
	errShortMessage = errors.New("netlink message shorter than its header")
	errLongMessage  = errors.New("netlink message length exceeds the datagram")
	errShortError   = errors.New("netlink error payload too short")
)

// Request is the command envelope handed to Execute. Attributes must hold an
// already encoded attribute stream (i.e. the output of a netlink.AttributeEncoder).
type Request struct {
	Family     uint16
	Command    uint8
	Version    uint8
	Flags      netlink.HeaderFlags
	Attributes []byte
}

// Dump reports whether the request asks for a multi-part dump.
func (r Request) Dump() bool {
	return r.Flags&netlink.Dump == netlink.Dump
}

// marshal frames the request as a single netlink message:
//
//	struct nlmsghdr | struct genlmsghdr | attributes
//
// Netlink messages use host byte ordering. The header length must be aligned
// for netlink.Message.MarshalBinary to accept it, so we pad the payload.
func (r Request) marshal(seq uint32) ([]byte, error) {
	data := r.Attributes
	if pad := nlmsgAlign(len(data)) - len(data); pad > 0 {
		data = append(data[:len(data):len(data)], make([]byte, pad)...)
	}

	gb, err := genetlink.Message{
		Header: genetlink.Header{
			Command: r.Command,
			Version: r.Version,
		},
		Data: data,
	}.MarshalBinary()
	if err != nil {
		return nil, err
	}

	return netlink.Message{
		Header: netlink.Header{
			Length:   uint32(nlmsgHeaderLen + len(gb)),
			Type:     netlink.HeaderType(r.Family),
			Flags:    r.Flags,
			Sequence: seq,
		},
		Data: gb,
	}.MarshalBinary()
}

func parseHeader(b []byte) (netlink.Header, error) {
	if len(b) < nlmsgHeaderLen {
		return netlink.Header{}, errShortMessage
	}

	return netlink.Header{
		Length:   native.Endian.Uint32(b[0:4]),
		Type:     netlink.HeaderType(native.Endian.Uint16(b[4:6])),
		Flags:    netlink.HeaderFlags(native.Endian.Uint16(b[6:8])),
		Sequence: native.Endian.Uint32(b[8:12]),
		PID:      native.Endian.Uint32(b[12:16]),
	}, nil
}

// splitMessages walks a datagram one message header at a time, advancing by
// each message's declared (aligned) length. A zero length header ends the
// walk: we'd loop forever otherwise.
func splitMessages(b []byte) ([]netlink.Message, error) {
	var msgs []netlink.Message
	for off := 0; off < len(b); {
		h, err := parseHeader(b[off:])
		if err != nil {
			return nil, fmt.Errorf("offset %d: %w", off, err)
		}

		if h.Length == 0 {
			break
		}

		if h.Length < nlmsgHeaderLen {
			return nil, fmt.Errorf("offset %d: %w", off, errShortMessage)
		}

		end := off + int(h.Length)
		if end > len(b) {
			return nil, fmt.Errorf("offset %d: declared %d bytes, %d available: %w", off, h.Length, len(b)-off, errLongMessage)
		}

		msgs = append(msgs, netlink.Message{Header: h, Data: b[off+nlmsgHeaderLen : end]})

		off += nlmsgAlign(int(h.Length))
	}
	return msgs, nil
}

// parseError decodes the payload of an NLMSG_ERROR message, that is a
// struct nlmsgerr as found in include/uapi/linux/netlink.h:
//
//	struct nlmsgerr {
//		int error;
//		struct nlmsghdr msg;
//	};
//
// When the kernel honours NETLINK_EXT_ACK the original message is followed by
// TLVs which might carry a human readable explanation of the failure.
func parseError(m netlink.Message) (int32, string, error) {
	if len(m.Data) < nlmsgErrLen {
		return 0, "", errShortError
	}

	code := int32(native.Endian.Uint32(m.Data[:nlmsgErrLen]))
	if code == 0 || m.Header.Flags&netlink.AcknowledgeTLVs == 0 {
		return code, "", nil
	}

	// The original request is echoed back. Its payload is elided when the
	// kernel flags the acknowledgement as capped.
	off := nlmsgErrLen
	orig, err := parseHeader(m.Data[off:])
	if err != nil {
		return code, "", nil
	}
	if m.Header.Flags&netlink.Capped != 0 {
		off += nlmsgHeaderLen
	} else {
		off += nlmsgAlign(int(orig.Length))
	}
	if off >= len(m.Data) {
		return code, "", nil
	}

	ad, err := netlink.NewAttributeDecoder(m.Data[off:])
	if err != nil {
		return code, "", nil
	}

	var msg string
	for ad.Next() {
		if ad.Type() == NLMSGERR_ATTR_MSG {
			msg = ad.String()
		}
	}

	return code, msg, nil
}
