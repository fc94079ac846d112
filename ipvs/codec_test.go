package ipvs

import (
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

func init() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelError,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Remove time.
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			// Remove the directory from the source's filename.
			if a.Key == slog.SourceKey {
				source := a.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return a
		},
	}))
	slog.SetDefault(logger)
}

var addrComparer = cmp.Comparer(func(x, y netip.Addr) bool { return x == y })

func encode(t *testing.T, fn func(ae *netlink.AttributeEncoder)) []byte {
	t.Helper()
	ae := netlink.NewAttributeEncoder()
	fn(ae)
	b, err := ae.Encode()
	if err != nil {
		t.Fatalf("error encoding attributes: %v", err)
	}
	return b
}

func TestServiceCodec(t *testing.T) {
	stats := Stats{Connections: 3, PacketsIn: 10, PacketsOut: 9, BytesIn: 1 << 40, BytesOut: 12345, CPS: 1}

	tests := map[string]ServiceExtended{
		"ipv4": {
			Service: Service{Family: INET, Protocol: TCP, Address: netip.MustParseAddr("127.0.0.1"), Port: 33,
				Scheduler: RoundRobin, Netmask: 0xffffffff},
			Stats: stats,
		},
		"ipv6": {
			Service: Service{Family: INET6, Protocol: UDP, Address: netip.MustParseAddr("2001:db8::1"), Port: 53,
				Scheduler: WeightedLeastConnection, Flags: FlagPersistent, Timeout: 300, Netmask: 128},
		},
		"fwmark": {
			Service: Service{Family: INET, FWMark: 12, Scheduler: SourceHashing, Flags: FlagSched1 | FlagSched2,
				PEName: "sip"},
			Stats: stats,
		},
	}

	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			b, err := EncodeServiceExtended(want)
			if err != nil {
				t.Fatalf("error encoding: %v", err)
			}

			got, err := DecodeService(b)
			if err != nil {
				t.Fatalf("error decoding: %v", err)
			}

			if diff := cmp.Diff(want, got, addrComparer); diff != "" {
				t.Errorf("service mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestServiceWireFormat(t *testing.T) {
	b, err := EncodeService(Service{Protocol: TCP, Address: netip.MustParseAddr("10.0.0.1"), Port: 33, Scheduler: RoundRobin})
	if err != nil {
		t.Fatalf("error encoding: %v", err)
	}

	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		t.Fatalf("error decoding: %v", err)
	}

	found := map[uint16][]byte{}
	for ad.Next() {
		found[ad.Type()] = ad.Bytes()
	}

	if got := AddressFamily(ad.ByteOrder.Uint16(found[IPVS_SVC_ATTR_AF])); got != INET {
		t.Errorf("got family %s; want the one derived from the address", got)
	}
	if diff := cmp.Diff([]byte{0, 33}, found[IPVS_SVC_ATTR_PORT]); diff != "" {
		t.Errorf("port must be big endian (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{10, 0, 0, 1}, found[IPVS_SVC_ATTR_ADDR]); diff != "" {
		t.Errorf("address mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{'r', 'r', 0}, found[IPVS_SVC_ATTR_SCHED_NAME]); diff != "" {
		t.Errorf("scheduler must be NUL terminated (-want +got):\n%s", diff)
	}
	if _, ok := found[IPVS_SVC_ATTR_FWMARK]; ok {
		t.Errorf("no firewall mark expected")
	}
}

func TestServiceKernelLayout(t *testing.T) {
	// The kernel always sends a whole union nf_inet_addr and both stats groups.
	addr := make([]byte, 16)
	copy(addr, []byte{192, 168, 1, 1})

	b := encode(t, func(ae *netlink.AttributeEncoder) {
		ae.Uint16(IPVS_SVC_ATTR_AF, uint16(INET))
		ae.Uint16(IPVS_SVC_ATTR_PROTOCOL, uint16(TCP))
		ae.Bytes(IPVS_SVC_ATTR_ADDR, addr)
		ae.Bytes(IPVS_SVC_ATTR_PORT, []byte{0x1f, 0x90})
		ae.String(IPVS_SVC_ATTR_SCHED_NAME, "wlc")
		ae.Bytes(IPVS_SVC_ATTR_FLAGS, encodeFlags(FlagHashed))
		ae.Nested(IPVS_SVC_ATTR_STATS, func(nae *netlink.AttributeEncoder) error {
			nae.Uint32(IPVS_STATS_ATTR_CONNS, 1)
			nae.Uint64(IPVS_STATS_ATTR_INBYTES, 100)
			return nil
		})
		ae.Nested(IPVS_SVC_ATTR_STATS64, func(nae *netlink.AttributeEncoder) error {
			nae.Uint64(IPVS_STATS_ATTR_CONNS, 5)
			nae.Uint64(IPVS_STATS_ATTR_INBYTES, 500)
			nae.Uint64(IPVS_STATS_ATTR_PAD, 0)
			return nil
		})
	})

	got, err := DecodeService(b)
	if err != nil {
		t.Fatalf("error decoding: %v", err)
	}

	want := ServiceExtended{
		Service: Service{Family: INET, Protocol: TCP, Address: netip.MustParseAddr("192.168.1.1"), Port: 8080,
			Scheduler: WeightedLeastConnection, Flags: FlagHashed},
		Stats: Stats{Connections: 5, BytesIn: 500},
	}
	if diff := cmp.Diff(want, got, addrComparer); diff != "" {
		t.Errorf("service mismatch (-want +got):\n%s", diff)
	}
}

func TestLegacyStats(t *testing.T) {
	b := encode(t, func(ae *netlink.AttributeEncoder) {
		ae.Uint16(IPVS_SVC_ATTR_AF, uint16(INET))
		ae.Uint32(IPVS_SVC_ATTR_FWMARK, 1)
		ae.Nested(IPVS_SVC_ATTR_STATS, func(nae *netlink.AttributeEncoder) error {
			nae.Uint32(IPVS_STATS_ATTR_CONNS, 7)
			nae.Uint32(IPVS_STATS_ATTR_INPKTS, 8)
			nae.Uint64(IPVS_STATS_ATTR_OUTBYTES, 1<<33)
			return nil
		})
	})

	got, err := DecodeService(b)
	if err != nil {
		t.Fatalf("error decoding: %v", err)
	}

	if diff := cmp.Diff(Stats{Connections: 7, PacketsIn: 8, BytesOut: 1 << 33}, got.Stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestServiceDecodeErrors(t *testing.T) {
	tests := map[string]struct {
		fn   func(ae *netlink.AttributeEncoder)
		want error
	}{
		"noFamily": {
			fn: func(ae *netlink.AttributeEncoder) {
				ae.Uint32(IPVS_SVC_ATTR_FWMARK, 1)
			},
			want: errMissingAttr,
		},
		"noPort": {
			fn: func(ae *netlink.AttributeEncoder) {
				ae.Uint16(IPVS_SVC_ATTR_AF, uint16(INET))
				ae.Uint16(IPVS_SVC_ATTR_PROTOCOL, uint16(TCP))
				ae.Bytes(IPVS_SVC_ATTR_ADDR, []byte{1, 2, 3, 4})
			},
			want: errMissingAttr,
		},
		"shortPort": {
			fn: func(ae *netlink.AttributeEncoder) {
				ae.Uint16(IPVS_SVC_ATTR_AF, uint16(INET))
				ae.Uint16(IPVS_SVC_ATTR_PROTOCOL, uint16(TCP))
				ae.Bytes(IPVS_SVC_ATTR_ADDR, []byte{1, 2, 3, 4})
				ae.Bytes(IPVS_SVC_ATTR_PORT, []byte{1})
			},
			want: errBadAttr,
		},
		"shortIPv6": {
			fn: func(ae *netlink.AttributeEncoder) {
				ae.Uint16(IPVS_SVC_ATTR_AF, uint16(INET6))
				ae.Uint16(IPVS_SVC_ATTR_PROTOCOL, uint16(TCP))
				ae.Bytes(IPVS_SVC_ATTR_ADDR, []byte{1, 2, 3, 4})
				ae.Bytes(IPVS_SVC_ATTR_PORT, []byte{0, 80})
			},
			want: errBadAttr,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeService(encode(t, tc.fn))

			var decErr *DecodeError
			if !errors.As(err, &decErr) {
				t.Fatalf("got %v; want a *DecodeError", err)
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v; want %v", err, tc.want)
			}
		})
	}
}

func TestDestinationCodec(t *testing.T) {
	want := DestinationExtended{
		Destination: Destination{Family: INET, Address: netip.MustParseAddr("127.0.0.1"), Port: 1234,
			ForwardMethod: DirectRoute, Weight: 1, UpperThreshold: 100},
		ActiveConns:   2,
		InactiveConns: 1,
		Stats:         Stats{Connections: 3},
	}

	b, err := EncodeDestinationExtended(want)
	if err != nil {
		t.Fatalf("error encoding: %v", err)
	}

	got, err := DecodeDestination(b, INET6)
	if err != nil {
		t.Fatalf("error decoding: %v", err)
	}

	if diff := cmp.Diff(want, got, addrComparer); diff != "" {
		t.Errorf("destination mismatch (-want +got):\n%s", diff)
	}
}

func TestDestinationInheritsFamily(t *testing.T) {
	addr := make([]byte, 16)
	copy(addr, []byte{10, 1, 1, 1})

	b := encode(t, func(ae *netlink.AttributeEncoder) {
		ae.Bytes(IPVS_DEST_ATTR_ADDR, addr)
		ae.Bytes(IPVS_DEST_ATTR_PORT, []byte{0, 80})
		ae.Uint32(IPVS_DEST_ATTR_WEIGHT, 3)
	})

	got, err := DecodeDestination(b, INET)
	if err != nil {
		t.Fatalf("error decoding: %v", err)
	}

	if got.Family != INET || got.Address != netip.MustParseAddr("10.1.1.1") || got.Port != 80 {
		t.Errorf("got %+v; want inet 10.1.1.1:80", got.Destination)
	}

	if _, err := DecodeDestination(encode(t, func(ae *netlink.AttributeEncoder) {
		ae.Bytes(IPVS_DEST_ATTR_PORT, []byte{0, 80})
	}), INET); !errors.Is(err, errMissingAttr) {
		t.Errorf("got %v; want a missing address", err)
	}
}

func TestInfoVersion(t *testing.T) {
	b, err := EncodeInfo(Info{Version: "1.2.1", ConnTableSize: 4096})
	if err != nil {
		t.Fatalf("error encoding: %v", err)
	}

	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		t.Fatalf("error decoding: %v", err)
	}
	for ad.Next() {
		if ad.Type() == IPVS_INFO_ATTR_VERSION {
			if v := ad.Uint32(); v != 1<<16|2<<8|1 {
				t.Errorf("got packed version %#x; want %#x", v, 1<<16|2<<8|1)
			}
		}
	}

	got, err := DecodeInfo(b)
	if err != nil {
		t.Fatalf("error decoding: %v", err)
	}
	if diff := cmp.Diff(Info{Version: "1.2.1", ConnTableSize: 4096}, got); diff != "" {
		t.Errorf("info mismatch (-want +got):\n%s", diff)
	}

	if _, err := EncodeInfo(Info{Version: "1.2"}); err == nil {
		t.Errorf("expected an error for a malformed version")
	}
}

func TestDecodeRecords(t *testing.T) {
	svc, err := EncodeService(Service{Protocol: TCP, Address: netip.MustParseAddr("127.0.0.1"), Port: 33})
	if err != nil {
		t.Fatalf("error encoding: %v", err)
	}

	b := encode(t, func(ae *netlink.AttributeEncoder) {
		ae.Bytes(IPVS_CMD_ATTR_SERVICE|netlink.Nested, svc)
		ae.Uint32(IPVS_CMD_ATTR_TIMEOUT_TCP, 5)
		ae.Bytes(IPVS_CMD_ATTR_DEST|netlink.Nested, []byte{})
	})

	rs, err := decodeRecords(genetlink.Message{Data: b})
	if err != nil {
		t.Fatalf("error decoding: %v", err)
	}

	if len(rs) != 2 || rs[0].Kind != ServiceRecord || rs[1].Kind != DestinationRecord {
		t.Fatalf("got %+v; want a service and a destination record", rs)
	}

	if err := expect("list services", ServiceRecord, rs); !errors.Is(err, ErrInvariant) {
		t.Errorf("got %v; want ErrInvariant", err)
	}

	if _, err := single("update", ServiceRecord, []Record{rs[0], rs[0]}); !errors.Is(err, ErrInvariant) {
		t.Errorf("got %v; want ErrInvariant for two records", err)
	}
}

func TestIdentity(t *testing.T) {
	a := Service{Protocol: TCP, Address: netip.MustParseAddr("::ffff:10.0.0.1"), Port: 80, Scheduler: RoundRobin}
	b := Service{Family: INET, Protocol: TCP, Address: netip.MustParseAddr("10.0.0.1"), Port: 80, Scheduler: SourceHashing}

	if !a.SameIdentity(b) {
		t.Errorf("%s and %s should be the same service", a.ID(), b.ID())
	}

	if a.ID() != "tcp:10.0.0.1:80" {
		t.Errorf("got id %q", a.ID())
	}

	if (Service{Family: INET6, FWMark: 3}).ID() != "fwmark:inet6:3" {
		t.Errorf("got id %q", (Service{Family: INET6, FWMark: 3}).ID())
	}

	c := b
	c.Port = 81
	if b.SameIdentity(c) {
		t.Errorf("%s and %s should differ", b.ID(), c.ID())
	}
}
