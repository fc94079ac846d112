package ipvs

import (
	"fmt"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

// RecordKind tells service records apart from destination ones.
type RecordKind uint8

const (
	ServiceRecord RecordKind = iota + 1
	DestinationRecord
)

func (k RecordKind) String() string {
	switch k {
	case ServiceRecord:
		return "service"
	case DestinationRecord:
		return "destination"
	default:
		return fmt.Sprintf("record(%d)", uint8(k))
	}
}

// Record is a single attribute group of a response, still encoded. Data holds
// the group's contents, i.e. what EncodeService or EncodeDestination return.
type Record struct {
	Kind RecordKind
	Data []byte
}

// decodeRecords splits a response message into its top level service and
// destination groups. Anything else is of no interest to callers expecting
// records.
func decodeRecords(m genetlink.Message) ([]Record, error) {
	ad, err := netlink.NewAttributeDecoder(m.Data)
	if err != nil {
		return nil, &DecodeError{Object: "response", Err: err}
	}

	var rs []Record
	for ad.Next() {
		switch ad.Type() {
		case IPVS_CMD_ATTR_SERVICE:
			rs = append(rs, Record{Kind: ServiceRecord, Data: ad.Bytes()})
		case IPVS_CMD_ATTR_DEST:
			rs = append(rs, Record{Kind: DestinationRecord, Data: ad.Bytes()})
		}
	}

	if err := ad.Err(); err != nil {
		return nil, &DecodeError{Object: "response", Err: err}
	}

	return rs, nil
}

// expect checks every record is of the given kind.
func expect(op string, want RecordKind, rs []Record) error {
	for i, r := range rs {
		if r.Kind != want {
			return &InvariantError{
				Op:     op,
				Detail: fmt.Sprintf("record %d is a %s, expected a %s", i, r.Kind, want),
			}
		}
	}
	return nil
}
