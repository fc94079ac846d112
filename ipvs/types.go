package ipvs

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// AddressFamily mirrors the kernel's AF_* values for the families IPVS
// supports. They're spelled out so that this package builds everywhere.
type AddressFamily uint16

const (
	INET  AddressFamily = 2
	INET6 AddressFamily = 10
)

func (af AddressFamily) String() string {
	switch af {
	case INET:
		return "inet"
	case INET6:
		return "inet6"
	default:
		return fmt.Sprintf("af(%d)", uint16(af))
	}
}

func ParseAddressFamily(s string) (AddressFamily, error) {
	switch strings.ToLower(s) {
	case "inet", "ipv4", "4":
		return INET, nil
	case "inet6", "ipv6", "6":
		return INET6, nil
	}
	return 0, fmt.Errorf("unknown address family %q", s)
}

func (af AddressFamily) MarshalText() ([]byte, error) {
	return []byte(af.String()), nil
}

func (af *AddressFamily) UnmarshalText(b []byte) (err error) {
	*af, err = ParseAddressFamily(string(b))
	return
}

// familyOf picks the address family of addr. Unmapped IPv4 addresses belong
// to INET.
func familyOf(addr netip.Addr) AddressFamily {
	if addr.Unmap().Is4() {
		return INET
	}
	return INET6
}

// Protocol is an IP protocol number as found in /etc/protocols.
type Protocol uint16

const (
	TCP  Protocol = 6
	UDP  Protocol = 17
	SCTP Protocol = 132
)

var protocolNames = map[Protocol]string{
	TCP:  "tcp",
	UDP:  "udp",
	SCTP: "sctp",
}

func (p Protocol) String() string {
	if n, ok := protocolNames[p]; ok {
		return n
	}
	return strconv.Itoa(int(p))
}

func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Protocol) UnmarshalText(b []byte) (err error) {
	*p, err = ParseProtocol(string(b))
	return
}

// ParseProtocol accepts either a protocol name or its number.
func ParseProtocol(s string) (Protocol, error) {
	s = strings.ToLower(s)
	for p, n := range protocolNames {
		if n == s {
			return p, nil
		}
	}

	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
	return Protocol(n), nil
}

// Scheduler is the name of a kernel scheduling module (i.e. ip_vs_<name>.ko).
type Scheduler string

const (
	RoundRobin                      Scheduler = "rr"
	WeightedRoundRobin              Scheduler = "wrr"
	LeastConnection                 Scheduler = "lc"
	WeightedLeastConnection         Scheduler = "wlc"
	LocalityBasedLeastConnection    Scheduler = "lblc"
	LocalityBasedLeastConnectionRep Scheduler = "lblcr"
	DestinationHashing              Scheduler = "dh"
	SourceHashing                   Scheduler = "sh"
	ShortestExpectedDelay           Scheduler = "sed"
	NeverQueue                      Scheduler = "nq"
	WeightedFailover                Scheduler = "fo"
	WeightedOverflow                Scheduler = "ovf"
	MaglevHashing                   Scheduler = "mh"
)

var schedulers = map[Scheduler]struct{}{
	RoundRobin: {}, WeightedRoundRobin: {}, LeastConnection: {}, WeightedLeastConnection: {},
	LocalityBasedLeastConnection: {}, LocalityBasedLeastConnectionRep: {}, DestinationHashing: {},
	SourceHashing: {}, ShortestExpectedDelay: {}, NeverQueue: {}, WeightedFailover: {},
	WeightedOverflow: {}, MaglevHashing: {},
}

// Known reports whether the scheduler ships with the mainline kernel.
func (s Scheduler) Known() bool {
	_, ok := schedulers[s]
	return ok
}

// ForwardMethod selects how packets reach a destination. It's the value of
// IP_VS_CONN_F_FWD_MASK within the connection flags.
type ForwardMethod uint32

const (
	Masquerade ForwardMethod = iota
	Local
	Tunnel
	DirectRoute
	Bypass
)

var forwardMethodNames = map[ForwardMethod]string{
	Masquerade:  "masq",
	Local:       "local",
	Tunnel:      "tunnel",
	DirectRoute: "route",
	Bypass:      "bypass",
}

func (f ForwardMethod) String() string {
	if n, ok := forwardMethodNames[f]; ok {
		return n
	}
	return fmt.Sprintf("fwd(%d)", uint32(f))
}

func (f ForwardMethod) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *ForwardMethod) UnmarshalText(b []byte) (err error) {
	*f, err = ParseForwardMethod(string(b))
	return
}

func ParseForwardMethod(s string) (ForwardMethod, error) {
	s = strings.ToLower(s)
	for f, n := range forwardMethodNames {
		if n == s {
			return f, nil
		}
	}
	// ipvsadm's spelling
	switch s {
	case "nat", "m":
		return Masquerade, nil
	case "dr", "gatewaying", "g":
		return DirectRoute, nil
	case "ipip", "i":
		return Tunnel, nil
	}
	return 0, fmt.Errorf("unknown forwarding method %q", s)
}

// Flags are the IP_VS_SVC_F_* service flags.
type Flags uint32

const (
	FlagPersistent Flags = 0x0001
	FlagHashed     Flags = 0x0002
	FlagOnePacket  Flags = 0x0004
	FlagSched1     Flags = 0x0008
	FlagSched2     Flags = 0x0010
	FlagSched3     Flags = 0x0020
)

var flagNames = []struct {
	f Flags
	n string
}{
	{FlagPersistent, "persistent"},
	{FlagHashed, "hashed"},
	{FlagOnePacket, "ops"},
	{FlagSched1, "sched1"},
	{FlagSched2, "sched2"},
	{FlagSched3, "sched3"},
}

func (f Flags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.f != 0 {
			names = append(names, fn.n)
			f &^= fn.f
		}
	}
	if f != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(f)))
	}
	return strings.Join(names, "|")
}

// DefaultNetmask is the persistence granularity ipvsadm uses when none is
// given: a whole address. IPv6 netmasks are prefix lengths.
func DefaultNetmask(af AddressFamily) uint32 {
	if af == INET6 {
		return 128
	}
	return 0xffffffff
}

// Stats are the traffic counters the kernel keeps for services and
// destinations. Rates are estimations refreshed every two seconds.
type Stats struct {
	Connections uint64 `structs:"conns" json:"conns" yaml:"conns"`
	PacketsIn   uint64 `structs:"inPkts" json:"inPkts" yaml:"inPkts"`
	PacketsOut  uint64 `structs:"outPkts" json:"outPkts" yaml:"outPkts"`
	BytesIn     uint64 `structs:"inBytes" json:"inBytes" yaml:"inBytes"`
	BytesOut    uint64 `structs:"outBytes" json:"outBytes" yaml:"outBytes"`
	CPS         uint64 `structs:"cps" json:"cps" yaml:"cps"`
	PPSIn       uint64 `structs:"inPps" json:"inPps" yaml:"inPps"`
	PPSOut      uint64 `structs:"outPps" json:"outPps" yaml:"outPps"`
	BPSIn       uint64 `structs:"inBps" json:"inBps" yaml:"inBps"`
	BPSOut      uint64 `structs:"outBps" json:"outBps" yaml:"outBps"`
}

// Service is a virtual service. It's identified either by its
// (Family, Protocol, Address, Port) tuple or by (Family, FWMark) when the
// latter is non-zero.
type Service struct {
	Family    AddressFamily `json:"family"`
	Protocol  Protocol      `json:"protocol,omitempty"`
	Address   netip.Addr    `json:"address,omitzero"`
	Port      uint16        `json:"port,omitempty"`
	FWMark    uint32        `json:"fwmark,omitempty"`
	Scheduler Scheduler     `json:"scheduler"`
	Flags     Flags         `json:"flags"`
	Timeout   uint32        `json:"timeout"`
	Netmask   uint32        `json:"netmask"`
	PEName    string        `json:"pe,omitempty"`
}

// AddressFamily returns the service's family, deriving it from the address
// when it was left unset.
func (s Service) AddressFamily() AddressFamily {
	if s.Family != 0 || !s.Address.IsValid() {
		return s.Family
	}
	return familyOf(s.Address)
}

// ID returns a textual rendition of the service's identity such as
// tcp:[::1]:80 or fwmark:inet:12.
func (s Service) ID() string {
	if s.FWMark != 0 {
		return fmt.Sprintf("fwmark:%s:%d", s.AddressFamily(), s.FWMark)
	}
	return fmt.Sprintf("%s:%s", s.Protocol, netip.AddrPortFrom(s.Address.Unmap(), s.Port))
}

// SameIdentity reports whether both services refer to the same kernel object.
func (s Service) SameIdentity(o Service) bool {
	return s.AddressFamily() == o.AddressFamily() && s.ID() == o.ID()
}

func (s Service) String() string {
	return fmt.Sprintf("%s %s", s.ID(), s.Scheduler)
}

// ServiceExtended is a Service as reported by the kernel, counters included.
type ServiceExtended struct {
	Service
	Stats Stats `json:"stats"`
}

// Destination is a real server behind a Service. It's identified by its
// (Family, Address, Port) within its parent. A Weight of 0 stops the scheduler
// from handing it new connections while leaving established ones alone.
type Destination struct {
	Family         AddressFamily `json:"family"`
	Address        netip.Addr    `json:"address"`
	Port           uint16        `json:"port"`
	ForwardMethod  ForwardMethod `json:"forwardMethod"`
	Weight         uint32        `json:"weight"`
	UpperThreshold uint32        `json:"upperThreshold"`
	LowerThreshold uint32        `json:"lowerThreshold"`
}

func (d Destination) AddressFamily() AddressFamily {
	if d.Family != 0 || !d.Address.IsValid() {
		return d.Family
	}
	return familyOf(d.Address)
}

// ID returns the destination's address and port, i.e. 10.0.0.1:80.
func (d Destination) ID() string {
	return netip.AddrPortFrom(d.Address.Unmap(), d.Port).String()
}

func (d Destination) SameIdentity(o Destination) bool {
	return d.AddressFamily() == o.AddressFamily() && d.ID() == o.ID()
}

func (d Destination) String() string {
	return fmt.Sprintf("%s %s weight %d", d.ID(), d.ForwardMethod, d.Weight)
}

// DestinationExtended is a Destination as reported by the kernel.
type DestinationExtended struct {
	Destination
	ActiveConns     uint32 `json:"activeConns"`
	InactiveConns   uint32 `json:"inactiveConns"`
	PersistentConns uint32 `json:"persistentConns"`
	Stats           Stats  `json:"stats"`
}

// Info describes the running IPVS implementation.
type Info struct {
	Version       string `json:"version"`
	ConnTableSize uint32 `json:"connTableSize"`
}

// Timeouts are the global connection timeouts. A zero value leaves the
// corresponding kernel setting untouched when setting them.
type Timeouts struct {
	TCP    time.Duration `json:"tcp"`
	TCPFin time.Duration `json:"tcpFin"`
	UDP    time.Duration `json:"udp"`
}
