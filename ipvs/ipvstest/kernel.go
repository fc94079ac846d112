// Package ipvstest provides an in-memory stand-in for the kernel side of the
// IPVS generic netlink family so that clients can be exercised without root.
package ipvstest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/scitags/ipvs-go/genl"
	"github.com/scitags/ipvs-go/internal/genltest"
	"github.com/scitags/ipvs-go/ipvs"
)

// FamilyID is the id handed out for the IPVS family.
const FamilyID uint16 = 0x2a

// CTRL_CMD_NEWFAMILY is what nlctrl replies to CTRL_CMD_GETFAMILY with.
const CTRL_CMD_NEWFAMILY uint8 = 1

var ErrNotFound = errors.New("no such object")

type entry struct {
	svc  ipvs.ServiceExtended
	dsts []ipvs.DestinationExtended
}

// Kernel keeps services and destinations in insertion order and replies to
// requests the way the kernel would.
type Kernel struct {
	mu sync.Mutex

	// Absent makes family resolution fail with ENOENT as if ip_vs wasn't loaded.
	Absent bool

	// PerMessage is the number of records packed into each dump message.
	// Defaults to 1.
	PerMessage int

	// PerDatagram is the number of messages batched into each dump datagram.
	// Zero batches every message (Done included) into a single datagram.
	PerDatagram int

	// AckOnlyUpdates makes updates reply with a bare acknowledgement like the
	// mainline kernel instead of echoing the resulting object.
	AckOnlyUpdates bool

	info     ipvs.Info
	timeouts ipvs.Timeouts
	entries  []*entry
}

func New() *Kernel {
	return &Kernel{
		info: ipvs.Info{Version: "1.2.1", ConnTableSize: 4096},
		timeouts: ipvs.Timeouts{
			TCP:    900 * time.Second,
			TCPFin: 120 * time.Second,
			UDP:    300 * time.Second,
		},
	}
}

// Transport returns a fresh transport wired to the kernel. Every transport
// shares the kernel's state.
func (k *Kernel) Transport() *genltest.Transport {
	return genltest.NewTransport(k.handle)
}

// Client builds an ipvs.Client on top of a fresh transport.
func (k *Kernel) Client(ctx context.Context) (*ipvs.Client, error) {
	return ipvs.NewWithTransport(ctx, k.Transport())
}

func (k *Kernel) find(s ipvs.Service) (int, *entry) {
	for i, e := range k.entries {
		if e.svc.SameIdentity(s) {
			return i, e
		}
	}
	return -1, nil
}

func (e *entry) find(d ipvs.Destination) (int, *ipvs.DestinationExtended) {
	for i := range e.dsts {
		if e.dsts[i].SameIdentity(d) {
			return i, &e.dsts[i]
		}
	}
	return -1, nil
}

// MutateService applies fn to the stored service s, which is handy to fake
// traffic counters.
func (k *Kernel) MutateService(s ipvs.Service, fn func(*ipvs.ServiceExtended)) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, e := k.find(s)
	if e == nil {
		return fmt.Errorf("service %s: %w", s.ID(), ErrNotFound)
	}
	fn(&e.svc)
	return nil
}

// MutateDestination applies fn to the stored destination d of service s.
func (k *Kernel) MutateDestination(s ipvs.Service, d ipvs.Destination, fn func(*ipvs.DestinationExtended)) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, e := k.find(s)
	if e == nil {
		return fmt.Errorf("service %s: %w", s.ID(), ErrNotFound)
	}
	_, de := e.find(d)
	if de == nil {
		return fmt.Errorf("destination %s: %w", d.ID(), ErrNotFound)
	}
	fn(de)
	return nil
}

func (k *Kernel) SetInfo(i ipvs.Info) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.info = i
}

// request is a decoded IPVS request.
type request struct {
	seq  uint32
	cmd  ipvs.Command
	dump bool
	svcs []ipvs.ServiceExtended
	dsts [][]byte
	raw  []byte
}

func parseRequest(req netlink.Message, gm genetlink.Message) (request, error) {
	r := request{
		seq:  req.Header.Sequence,
		cmd:  ipvs.Command(gm.Header.Command),
		dump: req.Header.Flags&netlink.Dump != 0,
		raw:  gm.Data,
	}

	ad, err := netlink.NewAttributeDecoder(gm.Data)
	if err != nil {
		return request{}, err
	}
	for ad.Next() {
		switch ad.Type() {
		case ipvs.IPVS_CMD_ATTR_SERVICE:
			s, err := ipvs.DecodeService(ad.Bytes())
			if err != nil {
				return request{}, err
			}
			r.svcs = append(r.svcs, s)
		case ipvs.IPVS_CMD_ATTR_DEST:
			r.dsts = append(r.dsts, ad.Bytes())
		}
	}
	return r, ad.Err()
}

// destinations decodes the destination groups of r within service s.
func (r request) destinations(s ipvs.Service) ([]ipvs.Destination, error) {
	var dsts []ipvs.Destination
	for _, b := range r.dsts {
		d, err := ipvs.DecodeDestination(b, s.AddressFamily())
		if err != nil {
			return nil, err
		}
		dsts = append(dsts, d.Destination)
	}
	return dsts, nil
}

func errno(seq uint32, e unix.Errno) [][]byte {
	return [][]byte{genltest.Datagram(genltest.Error(seq, int(e)))}
}

func ack(seq uint32) [][]byte {
	return [][]byte{genltest.Datagram(genltest.Ack(seq))}
}

// reply answers a do request with a single message followed by an ack.
func reply(seq uint32, cmd ipvs.Command, attrs []byte) [][]byte {
	return [][]byte{
		genltest.Datagram(genltest.Data(FamilyID, seq, 0, uint8(cmd), ipvs.IPVS_GENL_VERSION, attrs)),
		genltest.Datagram(genltest.Ack(seq)),
	}
}

func nest(typ uint16, groups ...[]byte) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	for _, g := range groups {
		ae.Bytes(typ|netlink.Nested, g)
	}
	return ae.Encode()
}

// dump lays groups out over as many messages and datagrams as configured.
func (k *Kernel) dump(seq uint32, cmd ipvs.Command, typ uint16, groups [][]byte) ([][]byte, error) {
	per := max(k.PerMessage, 1)

	var msgs []netlink.Message
	for i := 0; i < len(groups); i += per {
		b, err := nest(typ, groups[i:min(i+per, len(groups))]...)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, genltest.Data(FamilyID, seq, netlink.Multi, uint8(cmd), ipvs.IPVS_GENL_VERSION, b))
	}
	msgs = append(msgs, genltest.Done(seq))

	batch := k.PerDatagram
	if batch <= 0 {
		batch = len(msgs)
	}

	var dgrams [][]byte
	for i := 0; i < len(msgs); i += batch {
		dgrams = append(dgrams, genltest.Datagram(msgs[i:min(i+batch, len(msgs))]...))
	}
	return dgrams, nil
}

func (k *Kernel) handle(req netlink.Message) ([][]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	gm, err := genltest.ParseRequest(req)
	if err != nil {
		return nil, err
	}

	switch req.Header.Type {
	case netlink.HeaderType(genl.GENL_ID_CTRL):
		return k.getFamily(req.Header.Sequence, gm)
	case netlink.HeaderType(FamilyID):
	default:
		return errno(req.Header.Sequence, unix.ENOENT), nil
	}

	r, err := parseRequest(req, gm)
	if err != nil {
		return errno(req.Header.Sequence, unix.EINVAL), nil
	}

	switch r.cmd {
	case ipvs.CmdNewService, ipvs.CmdSetService, ipvs.CmdDelService, ipvs.CmdGetService:
		return k.services(r)
	case ipvs.CmdNewDest, ipvs.CmdSetDest, ipvs.CmdDelDest, ipvs.CmdGetDest:
		return k.destinations(r)
	case ipvs.CmdGetInfo:
		b, err := ipvs.EncodeInfo(k.info)
		if err != nil {
			return nil, err
		}
		return reply(r.seq, ipvs.CmdSetInfo, b), nil
	case ipvs.CmdGetConfig:
		b, err := ipvs.EncodeTimeouts(k.timeouts)
		if err != nil {
			return nil, err
		}
		return reply(r.seq, ipvs.CmdSetConfig, b), nil
	case ipvs.CmdSetConfig:
		t, err := ipvs.DecodeTimeouts(r.raw)
		if err != nil {
			return errno(r.seq, unix.EINVAL), nil
		}
		if t.TCP != 0 {
			k.timeouts.TCP = t.TCP
		}
		if t.TCPFin != 0 {
			k.timeouts.TCPFin = t.TCPFin
		}
		if t.UDP != 0 {
			k.timeouts.UDP = t.UDP
		}
		return ack(r.seq), nil
	case ipvs.CmdZero:
		return k.zero(r), nil
	case ipvs.CmdFlush:
		k.entries = nil
		return ack(r.seq), nil
	default:
		return errno(r.seq, unix.EOPNOTSUPP), nil
	}
}

func (k *Kernel) getFamily(seq uint32, gm genetlink.Message) ([][]byte, error) {
	ad, err := netlink.NewAttributeDecoder(gm.Data)
	if err != nil {
		return nil, err
	}

	var name string
	for ad.Next() {
		if ad.Type() == genl.CTRL_ATTR_FAMILY_NAME {
			name = ad.String()
		}
	}
	if err := ad.Err(); err != nil {
		return nil, err
	}

	if k.Absent || name != ipvs.IPVS_GENL_NAME {
		return errno(seq, unix.ENOENT), nil
	}

	ae := netlink.NewAttributeEncoder()
	ae.String(genl.CTRL_ATTR_FAMILY_NAME, name)
	ae.Uint16(genl.CTRL_ATTR_FAMILY_ID, FamilyID)
	b, err := ae.Encode()
	if err != nil {
		return nil, err
	}

	return [][]byte{
		genltest.Datagram(genltest.Data(genl.GENL_ID_CTRL, seq, 0, CTRL_CMD_NEWFAMILY, genl.GENL_CTRL_VERSION, b)),
		genltest.Datagram(genltest.Ack(seq)),
	}, nil
}

func (k *Kernel) services(r request) ([][]byte, error) {
	if r.cmd == ipvs.CmdGetService && r.dump {
		groups := make([][]byte, 0, len(k.entries))
		for _, e := range k.entries {
			b, err := ipvs.EncodeServiceExtended(e.svc)
			if err != nil {
				return nil, err
			}
			groups = append(groups, b)
		}
		return k.dump(r.seq, ipvs.CmdNewService, ipvs.IPVS_CMD_ATTR_SERVICE, groups)
	}

	if len(r.svcs) == 0 {
		return errno(r.seq, unix.EINVAL), nil
	}
	i, e := k.find(r.svcs[0].Service)

	switch r.cmd {
	case ipvs.CmdNewService:
		if e != nil {
			return errno(r.seq, unix.EEXIST), nil
		}
		k.entries = append(k.entries, &entry{svc: ipvs.ServiceExtended{Service: r.svcs[0].Service}})
		return ack(r.seq), nil

	case ipvs.CmdDelService:
		if e == nil {
			return errno(r.seq, unix.ESRCH), nil
		}
		k.entries = append(k.entries[:i], k.entries[i+1:]...)
		return ack(r.seq), nil

	case ipvs.CmdGetService:
		if e == nil {
			return errno(r.seq, unix.ESRCH), nil
		}
		return k.serviceReply(r.seq, e)

	case ipvs.CmdSetService:
		if len(r.svcs) != 2 {
			return errno(r.seq, unix.EINVAL), nil
		}
		if e == nil {
			return errno(r.seq, unix.ESRCH), nil
		}
		to := r.svcs[1].Service
		if !to.SameIdentity(e.svc.Service) {
			if _, other := k.find(to); other != nil {
				return errno(r.seq, unix.EEXIST), nil
			}
		}
		e.svc.Service = to

		if k.AckOnlyUpdates {
			return ack(r.seq), nil
		}
		return k.serviceReply(r.seq, e)
	}

	return errno(r.seq, unix.EOPNOTSUPP), nil
}

func (k *Kernel) serviceReply(seq uint32, e *entry) ([][]byte, error) {
	b, err := ipvs.EncodeServiceExtended(e.svc)
	if err != nil {
		return nil, err
	}
	attrs, err := nest(ipvs.IPVS_CMD_ATTR_SERVICE, b)
	if err != nil {
		return nil, err
	}
	return reply(seq, ipvs.CmdNewService, attrs), nil
}

func (k *Kernel) destinations(r request) ([][]byte, error) {
	if len(r.svcs) == 0 {
		return errno(r.seq, unix.EINVAL), nil
	}
	_, e := k.find(r.svcs[0].Service)
	if e == nil {
		return errno(r.seq, unix.ESRCH), nil
	}

	if r.cmd == ipvs.CmdGetDest {
		groups := make([][]byte, 0, len(e.dsts))
		for _, d := range e.dsts {
			b, err := ipvs.EncodeDestinationExtended(d)
			if err != nil {
				return nil, err
			}
			groups = append(groups, b)
		}
		return k.dump(r.seq, ipvs.CmdNewDest, ipvs.IPVS_CMD_ATTR_DEST, groups)
	}

	dsts, err := r.destinations(e.svc.Service)
	if err != nil || len(dsts) == 0 {
		return errno(r.seq, unix.EINVAL), nil
	}
	i, de := e.find(dsts[0])

	switch r.cmd {
	case ipvs.CmdNewDest:
		if de != nil {
			return errno(r.seq, unix.EEXIST), nil
		}
		e.dsts = append(e.dsts, ipvs.DestinationExtended{Destination: dsts[0]})
		return ack(r.seq), nil

	case ipvs.CmdDelDest:
		if de == nil {
			return errno(r.seq, unix.ENOENT), nil
		}
		e.dsts = append(e.dsts[:i], e.dsts[i+1:]...)
		return ack(r.seq), nil

	case ipvs.CmdSetDest:
		if len(dsts) != 2 {
			return errno(r.seq, unix.EINVAL), nil
		}
		if de == nil {
			return errno(r.seq, unix.ENOENT), nil
		}
		to := dsts[1]
		if !to.SameIdentity(de.Destination) {
			if _, other := e.find(to); other != nil {
				return errno(r.seq, unix.EEXIST), nil
			}
		}
		de.Destination = to

		if k.AckOnlyUpdates {
			return ack(r.seq), nil
		}

		b, err := ipvs.EncodeDestinationExtended(*de)
		if err != nil {
			return nil, err
		}
		attrs, err := nest(ipvs.IPVS_CMD_ATTR_DEST, b)
		if err != nil {
			return nil, err
		}
		return reply(r.seq, ipvs.CmdNewDest, attrs), nil
	}

	return errno(r.seq, unix.EOPNOTSUPP), nil
}

func (k *Kernel) zero(r request) [][]byte {
	reset := func(e *entry) {
		e.svc.Stats = ipvs.Stats{}
		for i := range e.dsts {
			e.dsts[i].Stats = ipvs.Stats{}
		}
	}

	if len(r.svcs) == 0 {
		for _, e := range k.entries {
			reset(e)
		}
		return ack(r.seq)
	}

	_, e := k.find(r.svcs[0].Service)
	if e == nil {
		return errno(r.seq, unix.ESRCH)
	}
	reset(e)
	return ack(r.seq)
}
