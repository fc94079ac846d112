package genl

import (
	"context"
	"errors"
	"fmt"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// ErrFamilyNotFound signals the requested family isn't registered on the host.
var ErrFamilyNotFound = errors.New("generic netlink family not found")

// ctrlAttr is a single attribute of an nlctrl response. We keep the ones we
// don't care about too so that we know what precedes what.
type ctrlAttr struct {
	typ  uint16
	name string
	id   uint16
}

func decodeCtrlAttrs(m genetlink.Message) ([]ctrlAttr, error) {
	ad, err := netlink.NewAttributeDecoder(m.Data)
	if err != nil {
		return nil, fmt.Errorf("error decoding nlctrl attributes: %w", err)
	}

	var attrs []ctrlAttr
	for ad.Next() {
		a := ctrlAttr{typ: ad.Type()}
		switch a.typ {
		case CTRL_ATTR_FAMILY_NAME:
			a.name = ad.String()
		case CTRL_ATTR_FAMILY_ID:
			a.id = ad.Uint16()
		}
		attrs = append(attrs, a)
	}

	if err := ad.Err(); err != nil {
		return nil, fmt.Errorf("error decoding nlctrl attributes: %w", err)
	}

	return attrs, nil
}

// ResolveFamily maps a family name onto the numeric id the kernel assigned to
// it. An id is only trusted if the attribute right before it names the family
// we asked for.
func ResolveFamily(ctx context.Context, e *Engine, name string) (uint16, error) {
	ae := netlink.NewAttributeEncoder()
	// String() appends the trailing '\0' the kernel expects.
	ae.String(CTRL_ATTR_FAMILY_NAME, name)
	b, err := ae.Encode()
	if err != nil {
		return 0, fmt.Errorf("error encoding the family name: %w", err)
	}

	attrs, err := Execute(ctx, e, Request{
		Family:     GENL_ID_CTRL,
		Command:    CTRL_CMD_GETFAMILY,
		Version:    GENL_CTRL_VERSION,
		Flags:      netlink.Request | netlink.Acknowledge,
		Attributes: b,
	}, decodeCtrlAttrs)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return 0, fmt.Errorf("%w: %q (kernel support absent or module not loaded): %w", ErrFamilyNotFound, name, err)
		}
		return 0, err
	}

	matched := false
	for _, a := range attrs {
		switch a.typ {
		case CTRL_ATTR_FAMILY_NAME:
			matched = a.name == name
		case CTRL_ATTR_FAMILY_ID:
			if matched {
				return a.id, nil
			}
		default:
			matched = false
		}
	}

	return 0, fmt.Errorf("%w: %q (kernel support absent or module not loaded)", ErrFamilyNotFound, name)
}
