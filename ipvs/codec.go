package ipvs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/josharian/native"
	"github.com/mdlayher/netlink"
)

// Every attribute is in host byte order except for ports, which the kernel
// keeps in network byte order (i.e. __be16).

var errNoAddress = errors.New("an address is required unless a firewall mark is given")

// attrSet keeps track of the attributes seen while decoding a group.
type attrSet uint64

func (s *attrSet) add(t uint16) {
	if t < 64 {
		*s |= 1 << t
	}
}

func (s attrSet) has(t uint16) bool {
	return t < 64 && s&(1<<t) != 0
}

func encodeAddr(addr netip.Addr) []byte {
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		return b[:]
	}
	b := addr.As16()
	return b[:]
}

// decodeAddr honours af: the kernel always hands over a whole
// union nf_inet_addr (i.e. 16 bytes) even for IPv4 addresses.
func decodeAddr(b []byte, af AddressFamily) (netip.Addr, error) {
	switch af {
	case INET:
		if len(b) < 4 {
			return netip.Addr{}, fmt.Errorf("%d bytes is too short for an IPv4 address", len(b))
		}
		return netip.AddrFrom4([4]byte(b[:4])), nil
	case INET6:
		if len(b) < 16 {
			return netip.Addr{}, fmt.Errorf("%d bytes is too short for an IPv6 address", len(b))
		}
		return netip.AddrFrom16([16]byte(b[:16])), nil
	default:
		return netip.Addr{}, fmt.Errorf("unsupported address family %s", af)
	}
}

func encodePort(p uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, p)
}

func decodePort(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("got %d bytes instead of 2", len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}

// encodeFlags builds a struct ip_vs_flags. The mask covers every flag so that
// the kernel takes the flags verbatim.
func encodeFlags(f Flags) []byte {
	b := make([]byte, 8)
	native.Endian.PutUint32(b[0:4], uint32(f))
	native.Endian.PutUint32(b[4:8], 0xffffffff)
	return b
}

func decodeFlags(b []byte) (Flags, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("got %d bytes, at least 4 needed", len(b))
	}
	return Flags(native.Endian.Uint32(b[0:4])), nil
}

// decodeCounter reads both u32 and u64 counters: the legacy stats group mixes
// them.
func decodeCounter(b []byte) (uint64, error) {
	switch len(b) {
	case 4:
		return uint64(native.Endian.Uint32(b)), nil
	case 8:
		return native.Endian.Uint64(b), nil
	default:
		return 0, fmt.Errorf("counter is %d bytes long", len(b))
	}
}

func encodeStats(ae *netlink.AttributeEncoder, st Stats, wide bool) {
	counter := func(typ uint16, v uint64) {
		if wide {
			ae.Uint64(typ, v)
		} else {
			ae.Uint32(typ, uint32(v))
		}
	}

	counter(IPVS_STATS_ATTR_CONNS, st.Connections)
	counter(IPVS_STATS_ATTR_INPKTS, st.PacketsIn)
	counter(IPVS_STATS_ATTR_OUTPKTS, st.PacketsOut)
	ae.Uint64(IPVS_STATS_ATTR_INBYTES, st.BytesIn)
	ae.Uint64(IPVS_STATS_ATTR_OUTBYTES, st.BytesOut)
	counter(IPVS_STATS_ATTR_CPS, st.CPS)
	counter(IPVS_STATS_ATTR_INPPS, st.PPSIn)
	counter(IPVS_STATS_ATTR_OUTPPS, st.PPSOut)
	counter(IPVS_STATS_ATTR_INBPS, st.BPSIn)
	counter(IPVS_STATS_ATTR_OUTBPS, st.BPSOut)
}

func decodeStats(ad *netlink.AttributeDecoder) (Stats, error) {
	var st Stats
	for ad.Next() {
		var dst *uint64
		switch ad.Type() {
		case IPVS_STATS_ATTR_CONNS:
			dst = &st.Connections
		case IPVS_STATS_ATTR_INPKTS:
			dst = &st.PacketsIn
		case IPVS_STATS_ATTR_OUTPKTS:
			dst = &st.PacketsOut
		case IPVS_STATS_ATTR_INBYTES:
			dst = &st.BytesIn
		case IPVS_STATS_ATTR_OUTBYTES:
			dst = &st.BytesOut
		case IPVS_STATS_ATTR_CPS:
			dst = &st.CPS
		case IPVS_STATS_ATTR_INPPS:
			dst = &st.PPSIn
		case IPVS_STATS_ATTR_OUTPPS:
			dst = &st.PPSOut
		case IPVS_STATS_ATTR_INBPS:
			dst = &st.BPSIn
		case IPVS_STATS_ATTR_OUTBPS:
			dst = &st.BPSOut
		default:
			continue
		}

		v, err := decodeCounter(ad.Bytes())
		if err != nil {
			return Stats{}, fmt.Errorf("stats attribute %d: %w", ad.Type(), err)
		}
		*dst = v
	}
	return st, ad.Err()
}

func encodeService(ae *netlink.AttributeEncoder, s Service) error {
	af := s.AddressFamily()
	if af == 0 {
		return errNoAddress
	}
	ae.Uint16(IPVS_SVC_ATTR_AF, uint16(af))

	if s.FWMark != 0 {
		ae.Uint32(IPVS_SVC_ATTR_FWMARK, s.FWMark)
	} else {
		if !s.Address.IsValid() {
			return errNoAddress
		}
		ae.Uint16(IPVS_SVC_ATTR_PROTOCOL, uint16(s.Protocol))
		ae.Bytes(IPVS_SVC_ATTR_ADDR, encodeAddr(s.Address))
		ae.Bytes(IPVS_SVC_ATTR_PORT, encodePort(s.Port))
	}

	if s.Scheduler != "" {
		ae.String(IPVS_SVC_ATTR_SCHED_NAME, string(s.Scheduler))
	}
	ae.Bytes(IPVS_SVC_ATTR_FLAGS, encodeFlags(s.Flags))
	ae.Uint32(IPVS_SVC_ATTR_TIMEOUT, s.Timeout)
	ae.Uint32(IPVS_SVC_ATTR_NETMASK, s.Netmask)
	if s.PEName != "" {
		ae.String(IPVS_SVC_ATTR_PE_NAME, s.PEName)
	}

	return nil
}

// EncodeService returns the contents of an IPVS_CMD_ATTR_SERVICE group.
func EncodeService(s Service) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	if err := encodeService(ae, s); err != nil {
		return nil, fmt.Errorf("error encoding service %s: %w", s.ID(), err)
	}
	return ae.Encode()
}

// EncodeServiceExtended is just like EncodeService but it appends both the
// legacy and the 64-bit counters like the kernel does.
func EncodeServiceExtended(s ServiceExtended) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	if err := encodeService(ae, s.Service); err != nil {
		return nil, fmt.Errorf("error encoding service %s: %w", s.ID(), err)
	}

	ae.Nested(IPVS_SVC_ATTR_STATS, func(nae *netlink.AttributeEncoder) error {
		encodeStats(nae, s.Stats, false)
		return nil
	})
	ae.Nested(IPVS_SVC_ATTR_STATS64, func(nae *netlink.AttributeEncoder) error {
		encodeStats(nae, s.Stats, true)
		return nil
	})

	return ae.Encode()
}

// DecodeService parses the contents of an IPVS_CMD_ATTR_SERVICE group. The
// address family and the service's identity are mandatory. Counters are taken
// from IPVS_SVC_ATTR_STATS64 whenever present.
func DecodeService(b []byte) (ServiceExtended, error) {
	const object = "service"

	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return ServiceExtended{}, malformed(object, "group", err)
	}

	var (
		s              ServiceExtended
		seen           attrSet
		addr           []byte
		stats, stats64 Stats
	)
	for ad.Next() {
		seen.add(ad.Type())

		switch ad.Type() {
		case IPVS_SVC_ATTR_AF:
			s.Family = AddressFamily(ad.Uint16())
		case IPVS_SVC_ATTR_PROTOCOL:
			s.Protocol = Protocol(ad.Uint16())
		case IPVS_SVC_ATTR_ADDR:
			addr = ad.Bytes()
		case IPVS_SVC_ATTR_PORT:
			p, err := decodePort(ad.Bytes())
			if err != nil {
				return ServiceExtended{}, malformed(object, "IPVS_SVC_ATTR_PORT", err)
			}
			s.Port = p
		case IPVS_SVC_ATTR_FWMARK:
			s.FWMark = ad.Uint32()
		case IPVS_SVC_ATTR_SCHED_NAME:
			s.Scheduler = Scheduler(ad.String())
		case IPVS_SVC_ATTR_FLAGS:
			f, err := decodeFlags(ad.Bytes())
			if err != nil {
				return ServiceExtended{}, malformed(object, "IPVS_SVC_ATTR_FLAGS", err)
			}
			s.Flags = f
		case IPVS_SVC_ATTR_TIMEOUT:
			s.Timeout = ad.Uint32()
		case IPVS_SVC_ATTR_NETMASK:
			s.Netmask = ad.Uint32()
		case IPVS_SVC_ATTR_PE_NAME:
			s.PEName = ad.String()
		case IPVS_SVC_ATTR_STATS:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				stats, err = decodeStats(nad)
				return err
			})
		case IPVS_SVC_ATTR_STATS64:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				stats64, err = decodeStats(nad)
				return err
			})
		}
	}
	if err := ad.Err(); err != nil {
		return ServiceExtended{}, malformed(object, "attributes", err)
	}

	if !seen.has(IPVS_SVC_ATTR_AF) {
		return ServiceExtended{}, missing(object, "IPVS_SVC_ATTR_AF")
	}

	if s.FWMark == 0 {
		for _, a := range []struct {
			t uint16
			n string
		}{
			{IPVS_SVC_ATTR_PROTOCOL, "IPVS_SVC_ATTR_PROTOCOL"},
			{IPVS_SVC_ATTR_ADDR, "IPVS_SVC_ATTR_ADDR"},
			{IPVS_SVC_ATTR_PORT, "IPVS_SVC_ATTR_PORT"},
		} {
			if !seen.has(a.t) {
				return ServiceExtended{}, missing(object, a.n)
			}
		}
	}

	if addr != nil {
		a, err := decodeAddr(addr, s.Family)
		if err != nil {
			return ServiceExtended{}, malformed(object, "IPVS_SVC_ATTR_ADDR", err)
		}
		s.Address = a
	}

	s.Stats = stats
	if seen.has(IPVS_SVC_ATTR_STATS64) {
		s.Stats = stats64
	}

	return s, nil
}

func encodeDestination(ae *netlink.AttributeEncoder, d Destination) error {
	if !d.Address.IsValid() {
		return errors.New("destinations need an address")
	}

	ae.Bytes(IPVS_DEST_ATTR_ADDR, encodeAddr(d.Address))
	ae.Bytes(IPVS_DEST_ATTR_PORT, encodePort(d.Port))
	ae.Uint32(IPVS_DEST_ATTR_FWD_METHOD, uint32(d.ForwardMethod))
	ae.Uint32(IPVS_DEST_ATTR_WEIGHT, d.Weight)
	ae.Uint32(IPVS_DEST_ATTR_U_THRESH, d.UpperThreshold)
	ae.Uint32(IPVS_DEST_ATTR_L_THRESH, d.LowerThreshold)
	ae.Uint16(IPVS_DEST_ATTR_ADDR_FAMILY, uint16(d.AddressFamily()))

	return nil
}

// EncodeDestination returns the contents of an IPVS_CMD_ATTR_DEST group.
func EncodeDestination(d Destination) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	if err := encodeDestination(ae, d); err != nil {
		return nil, fmt.Errorf("error encoding destination %s: %w", d.ID(), err)
	}
	return ae.Encode()
}

func EncodeDestinationExtended(d DestinationExtended) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	if err := encodeDestination(ae, d.Destination); err != nil {
		return nil, fmt.Errorf("error encoding destination %s: %w", d.ID(), err)
	}

	ae.Uint32(IPVS_DEST_ATTR_ACTIVE_CONNS, d.ActiveConns)
	ae.Uint32(IPVS_DEST_ATTR_INACT_CONNS, d.InactiveConns)
	ae.Uint32(IPVS_DEST_ATTR_PERSIST_CONNS, d.PersistentConns)
	ae.Nested(IPVS_DEST_ATTR_STATS, func(nae *netlink.AttributeEncoder) error {
		encodeStats(nae, d.Stats, false)
		return nil
	})
	ae.Nested(IPVS_DEST_ATTR_STATS64, func(nae *netlink.AttributeEncoder) error {
		encodeStats(nae, d.Stats, true)
		return nil
	})

	return ae.Encode()
}

// DecodeDestination parses the contents of an IPVS_CMD_ATTR_DEST group. Older
// kernels don't report IPVS_DEST_ATTR_ADDR_FAMILY: destinations then share
// their service's family af.
func DecodeDestination(b []byte, af AddressFamily) (DestinationExtended, error) {
	const object = "destination"

	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return DestinationExtended{}, malformed(object, "group", err)
	}

	var (
		d              DestinationExtended
		seen           attrSet
		addr           []byte
		stats, stats64 Stats
	)
	for ad.Next() {
		seen.add(ad.Type())

		switch ad.Type() {
		case IPVS_DEST_ATTR_ADDR:
			addr = ad.Bytes()
		case IPVS_DEST_ATTR_PORT:
			p, err := decodePort(ad.Bytes())
			if err != nil {
				return DestinationExtended{}, malformed(object, "IPVS_DEST_ATTR_PORT", err)
			}
			d.Port = p
		case IPVS_DEST_ATTR_FWD_METHOD:
			d.ForwardMethod = ForwardMethod(ad.Uint32() & 0x7)
		case IPVS_DEST_ATTR_WEIGHT:
			d.Weight = ad.Uint32()
		case IPVS_DEST_ATTR_U_THRESH:
			d.UpperThreshold = ad.Uint32()
		case IPVS_DEST_ATTR_L_THRESH:
			d.LowerThreshold = ad.Uint32()
		case IPVS_DEST_ATTR_ACTIVE_CONNS:
			d.ActiveConns = ad.Uint32()
		case IPVS_DEST_ATTR_INACT_CONNS:
			d.InactiveConns = ad.Uint32()
		case IPVS_DEST_ATTR_PERSIST_CONNS:
			d.PersistentConns = ad.Uint32()
		case IPVS_DEST_ATTR_ADDR_FAMILY:
			d.Family = AddressFamily(ad.Uint16())
		case IPVS_DEST_ATTR_STATS:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				stats, err = decodeStats(nad)
				return err
			})
		case IPVS_DEST_ATTR_STATS64:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				stats64, err = decodeStats(nad)
				return err
			})
		}
	}
	if err := ad.Err(); err != nil {
		return DestinationExtended{}, malformed(object, "attributes", err)
	}

	if addr == nil {
		return DestinationExtended{}, missing(object, "IPVS_DEST_ATTR_ADDR")
	}
	if !seen.has(IPVS_DEST_ATTR_PORT) {
		return DestinationExtended{}, missing(object, "IPVS_DEST_ATTR_PORT")
	}

	if d.Family == 0 {
		d.Family = af
	}
	if d.Family == 0 {
		// Nothing else to go by.
		d.Family = INET6
		if len(addr) == 4 {
			d.Family = INET
		}
	}

	a, err := decodeAddr(addr, d.Family)
	if err != nil {
		return DestinationExtended{}, malformed(object, "IPVS_DEST_ATTR_ADDR", err)
	}
	d.Address = a

	d.Stats = stats
	if seen.has(IPVS_DEST_ATTR_STATS64) {
		d.Stats = stats64
	}

	return d, nil
}

// The version is packed as (major << 16) | (minor << 8) | patch.
func encodeVersion(v string) (uint32, error) {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("version %q isn't of the form major.minor.patch", v)
	}

	var packed uint32
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("bad version %q: %w", v, err)
		}
		packed = packed<<8 | uint32(n)
	}
	return packed, nil
}

func decodeVersion(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", (v>>16)&0xff, (v>>8)&0xff, v&0xff)
}

// EncodeInfo returns the attributes of an IPVS_CMD_SET_INFO message.
func EncodeInfo(i Info) ([]byte, error) {
	v, err := encodeVersion(i.Version)
	if err != nil {
		return nil, err
	}

	ae := netlink.NewAttributeEncoder()
	ae.Uint32(IPVS_INFO_ATTR_VERSION, v)
	ae.Uint32(IPVS_INFO_ATTR_CONN_TAB_SIZE, i.ConnTableSize)
	return ae.Encode()
}

func DecodeInfo(b []byte) (Info, error) {
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return Info{}, malformed("info", "group", err)
	}

	var (
		i    Info
		seen attrSet
	)
	for ad.Next() {
		seen.add(ad.Type())
		switch ad.Type() {
		case IPVS_INFO_ATTR_VERSION:
			i.Version = decodeVersion(ad.Uint32())
		case IPVS_INFO_ATTR_CONN_TAB_SIZE:
			i.ConnTableSize = ad.Uint32()
		}
	}
	if err := ad.Err(); err != nil {
		return Info{}, malformed("info", "attributes", err)
	}

	if !seen.has(IPVS_INFO_ATTR_VERSION) {
		return Info{}, missing("info", "IPVS_INFO_ATTR_VERSION")
	}

	return i, nil
}

// EncodeTimeouts returns the top level IPVS_CMD_ATTR_TIMEOUT_* attributes. The
// kernel deals in whole seconds.
func EncodeTimeouts(t Timeouts) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(IPVS_CMD_ATTR_TIMEOUT_TCP, uint32(t.TCP/time.Second))
	ae.Uint32(IPVS_CMD_ATTR_TIMEOUT_TCP_FIN, uint32(t.TCPFin/time.Second))
	ae.Uint32(IPVS_CMD_ATTR_TIMEOUT_UDP, uint32(t.UDP/time.Second))
	return ae.Encode()
}

func DecodeTimeouts(b []byte) (Timeouts, error) {
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return Timeouts{}, malformed("timeouts", "group", err)
	}

	var t Timeouts
	for ad.Next() {
		switch ad.Type() {
		case IPVS_CMD_ATTR_TIMEOUT_TCP:
			t.TCP = time.Duration(ad.Uint32()) * time.Second
		case IPVS_CMD_ATTR_TIMEOUT_TCP_FIN:
			t.TCPFin = time.Duration(ad.Uint32()) * time.Second
		case IPVS_CMD_ATTR_TIMEOUT_UDP:
			t.UDP = time.Duration(ad.Uint32()) * time.Second
		}
	}
	if err := ad.Err(); err != nil {
		return Timeouts{}, malformed("timeouts", "attributes", err)
	}

	return t, nil
}
