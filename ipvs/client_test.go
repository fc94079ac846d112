package ipvs_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/scitags/ipvs-go/genl"
	"github.com/scitags/ipvs-go/internal/genltest"
	"github.com/scitags/ipvs-go/ipvs"
	"github.com/scitags/ipvs-go/ipvs/ipvstest"
)

var addrComparer = cmp.Comparer(func(x, y netip.Addr) bool { return x == y })

var (
	localSvc = ipvs.Service{
		Family:    ipvs.INET,
		Protocol:  ipvs.TCP,
		Address:   netip.MustParseAddr("127.0.0.1"),
		Port:      33,
		Scheduler: ipvs.RoundRobin,
		Netmask:   0xffffffff,
	}

	localDst = ipvs.Destination{
		Family:  ipvs.INET,
		Address: netip.MustParseAddr("127.0.0.1"),
		Port:    1234,
		Weight:  1,
	}
)

func newClient(t *testing.T, k *ipvstest.Kernel) *ipvs.Client {
	t.Helper()
	c, err := k.Client(context.Background())
	if err != nil {
		t.Fatalf("error creating the client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFamilyAbsent(t *testing.T) {
	k := ipvstest.New()
	k.Absent = true

	if _, err := k.Client(context.Background()); !errors.Is(err, genl.ErrFamilyNotFound) {
		t.Errorf("got %v; want ErrFamilyNotFound", err)
	}
}

func TestFamilyResolvedOnce(t *testing.T) {
	k := ipvstest.New()
	tr := k.Transport()

	c, err := ipvs.NewWithTransport(context.Background(), tr)
	if err != nil {
		t.Fatalf("error creating the client: %v", err)
	}

	if c.Family() != ipvstest.FamilyID {
		t.Errorf("got family %#x; want %#x", c.Family(), ipvstest.FamilyID)
	}

	for i := 0; i < 3; i++ {
		if _, err := c.Services(context.Background()); err != nil {
			t.Fatalf("error listing services: %v", err)
		}
	}

	ctrl := 0
	for _, b := range tr.Requests {
		var m netlink.Message
		if err := m.UnmarshalBinary(b); err != nil {
			t.Fatalf("error unmarshalling a request: %v", err)
		}
		if m.Header.Type == netlink.HeaderType(genl.GENL_ID_CTRL) {
			ctrl++
		}
	}
	if ctrl != 1 {
		t.Errorf("family resolved %d times; want once", ctrl)
	}
}

func TestDestinationLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, ipvstest.New())

	if err := c.CreateService(ctx, localSvc); err != nil {
		t.Fatalf("error creating the service: %v", err)
	}
	if err := c.CreateDestination(ctx, localSvc, localDst); err != nil {
		t.Fatalf("error creating the destination: %v", err)
	}

	dsts, err := c.Destinations(ctx, localSvc)
	if err != nil {
		t.Fatalf("error listing destinations: %v", err)
	}
	want := []ipvs.DestinationExtended{{Destination: localDst}}
	if diff := cmp.Diff(want, dsts, addrComparer); diff != "" {
		t.Fatalf("destinations mismatch (-want +got):\n%s", diff)
	}

	disabled, err := c.DisableDestination(ctx, localSvc, localDst)
	if err != nil {
		t.Fatalf("error disabling the destination: %v", err)
	}
	if disabled.Weight != 0 || !disabled.SameIdentity(localDst) {
		t.Errorf("got %s; want %s with weight 0", disabled.Destination, localDst.ID())
	}

	dsts, err = c.Destinations(ctx, localSvc)
	if err != nil {
		t.Fatalf("error listing destinations: %v", err)
	}
	drained := localDst
	drained.Weight = 0
	want = []ipvs.DestinationExtended{{Destination: drained}}
	if diff := cmp.Diff(want, dsts, addrComparer); diff != "" {
		t.Fatalf("destinations mismatch (-want +got):\n%s", diff)
	}

	if err := c.DeleteDestination(ctx, localSvc, localDst); err != nil {
		t.Fatalf("error deleting the destination: %v", err)
	}

	dsts, err = c.Destinations(ctx, localSvc)
	if err != nil {
		t.Fatalf("error listing destinations: %v", err)
	}
	if len(dsts) != 0 {
		t.Errorf("got %d destinations; want none", len(dsts))
	}
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, ipvstest.New())

	svcs := []ipvs.Service{
		localSvc,
		{Family: ipvs.INET, Protocol: ipvs.UDP, Address: netip.MustParseAddr("127.0.0.1"), Port: 44,
			Scheduler: ipvs.WeightedRoundRobin, Netmask: 0xffffffff},
		{Family: ipvs.INET6, Protocol: ipvs.TCP, Address: netip.MustParseAddr("::1"), Port: 55,
			Scheduler: ipvs.SourceHashing, Flags: ipvs.FlagPersistent, Timeout: 60, Netmask: 128},
		{Family: ipvs.INET, FWMark: 7, Scheduler: ipvs.LeastConnection, Netmask: 0xffffffff},
	}

	for _, s := range svcs {
		if err := c.CreateService(ctx, s); err != nil {
			t.Fatalf("error creating %s: %v", s.ID(), err)
		}
	}

	got, err := c.Services(ctx)
	if err != nil {
		t.Fatalf("error listing services: %v", err)
	}

	var want []ipvs.ServiceExtended
	for _, s := range svcs {
		want = append(want, ipvs.ServiceExtended{Service: s})
	}
	if diff := cmp.Diff(want, got, addrComparer); diff != "" {
		t.Fatalf("services mismatch (-want +got):\n%s", diff)
	}

	one, err := c.Service(ctx, ipvs.Service{Family: ipvs.INET, FWMark: 7})
	if err != nil {
		t.Fatalf("error getting a single service: %v", err)
	}
	if one.Scheduler != ipvs.LeastConnection {
		t.Errorf("got scheduler %s; want %s", one.Scheduler, ipvs.LeastConnection)
	}

	if err := c.DeleteService(ctx, svcs[1]); err != nil {
		t.Fatalf("error deleting %s: %v", svcs[1].ID(), err)
	}

	got, err = c.Services(ctx)
	if err != nil {
		t.Fatalf("error listing services: %v", err)
	}
	for _, s := range got {
		if s.SameIdentity(svcs[1]) {
			t.Errorf("deleted service %s still listed", s.ID())
		}
	}
	if len(got) != len(svcs)-1 {
		t.Errorf("got %d services; want %d", len(got), len(svcs)-1)
	}
}

func TestDuplicateService(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, ipvstest.New())

	if err := c.CreateService(ctx, localSvc); err != nil {
		t.Fatalf("error creating the service: %v", err)
	}

	err := c.CreateService(ctx, localSvc)
	if !errors.Is(err, unix.EEXIST) {
		t.Fatalf("got %v; want EEXIST", err)
	}

	var opErr *netlink.OpError
	if !errors.As(err, &opErr) {
		t.Errorf("got %T; want a *netlink.OpError", err)
	}

	if err := c.DeleteService(ctx, ipvs.Service{Family: ipvs.INET, FWMark: 99}); !errors.Is(err, unix.ESRCH) {
		t.Errorf("got %v; want ESRCH", err)
	}
}

func TestUpdate(t *testing.T) {
	for _, ackOnly := range []bool{false, true} {
		name := "echoed"
		if ackOnly {
			name = "ackOnly"
		}

		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			k := ipvstest.New()
			k.AckOnlyUpdates = ackOnly
			c := newClient(t, k)

			if err := c.CreateService(ctx, localSvc); err != nil {
				t.Fatalf("error creating the service: %v", err)
			}
			if err := c.CreateDestination(ctx, localSvc, localDst); err != nil {
				t.Fatalf("error creating the destination: %v", err)
			}

			to := localSvc
			to.Scheduler = ipvs.WeightedLeastConnection
			to.Port = 34

			got, err := c.UpdateService(ctx, localSvc, to)
			if err != nil {
				t.Fatalf("error updating the service: %v", err)
			}
			if diff := cmp.Diff(ipvs.ServiceExtended{Service: to}, got, addrComparer); diff != "" {
				t.Errorf("service mismatch (-want +got):\n%s", diff)
			}

			dto := localDst
			dto.Weight = 10
			dto.ForwardMethod = ipvs.Tunnel

			gotDst, err := c.UpdateDestination(ctx, to, localDst, dto)
			if err != nil {
				t.Fatalf("error updating the destination: %v", err)
			}
			if diff := cmp.Diff(ipvs.DestinationExtended{Destination: dto}, gotDst, addrComparer); diff != "" {
				t.Errorf("destination mismatch (-want +got):\n%s", diff)
			}

			if _, err := c.UpdateDestination(ctx, localSvc, localDst, dto); !errors.Is(err, unix.ESRCH) {
				t.Errorf("got %v; want ESRCH for the old service", err)
			}
		})
	}
}

func TestDumpLayouts(t *testing.T) {
	ctx := context.Background()

	layouts := map[string]struct{ perMessage, perDatagram int }{
		"allInOne":           {perMessage: 10, perDatagram: 0},
		"messagePerRecord":   {perMessage: 1, perDatagram: 0},
		"datagramPerMessage": {perMessage: 1, perDatagram: 1},
		"uneven":             {perMessage: 2, perDatagram: 2},
	}

	var want []ipvs.DestinationExtended
	for i := uint16(0); i < 7; i++ {
		want = append(want, ipvs.DestinationExtended{Destination: ipvs.Destination{
			Family:  ipvs.INET,
			Address: netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)}),
			Port:    8000 + i,
			Weight:  uint32(i),
		}})
	}

	for name, l := range layouts {
		t.Run(name, func(t *testing.T) {
			k := ipvstest.New()
			k.PerMessage = l.perMessage
			k.PerDatagram = l.perDatagram
			c := newClient(t, k)

			if err := c.CreateService(ctx, localSvc); err != nil {
				t.Fatalf("error creating the service: %v", err)
			}
			for _, d := range want {
				if err := c.CreateDestination(ctx, localSvc, d.Destination); err != nil {
					t.Fatalf("error creating %s: %v", d.ID(), err)
				}
			}

			got, err := c.Destinations(ctx, localSvc)
			if err != nil {
				t.Fatalf("error listing destinations: %v", err)
			}
			if diff := cmp.Diff(want, got, addrComparer); diff != "" {
				t.Errorf("destinations mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	k := ipvstest.New()
	c := newClient(t, k)

	if err := c.CreateService(ctx, localSvc); err != nil {
		t.Fatalf("error creating the service: %v", err)
	}
	if err := c.CreateDestination(ctx, localSvc, localDst); err != nil {
		t.Fatalf("error creating the destination: %v", err)
	}

	stats := ipvs.Stats{Connections: 4, PacketsIn: 40, PacketsOut: 38, BytesIn: 1 << 35, BytesOut: 9000}
	if err := k.MutateService(localSvc, func(s *ipvs.ServiceExtended) { s.Stats = stats }); err != nil {
		t.Fatalf("error setting the counters: %v", err)
	}
	if err := k.MutateDestination(localSvc, localDst, func(d *ipvs.DestinationExtended) {
		d.Stats = stats
		d.ActiveConns = 2
	}); err != nil {
		t.Fatalf("error setting the counters: %v", err)
	}

	svcs, err := c.Services(ctx)
	if err != nil {
		t.Fatalf("error listing services: %v", err)
	}
	if diff := cmp.Diff(stats, svcs[0].Stats); diff != "" {
		t.Errorf("service stats mismatch (-want +got):\n%s", diff)
	}

	if err := c.Zero(ctx, &localSvc); err != nil {
		t.Fatalf("error zeroing the counters: %v", err)
	}

	dsts, err := c.Destinations(ctx, localSvc)
	if err != nil {
		t.Fatalf("error listing destinations: %v", err)
	}
	if dsts[0].Stats != (ipvs.Stats{}) || dsts[0].ActiveConns != 2 {
		t.Errorf("got %+v; want zeroed counters and 2 active connections", dsts[0])
	}

	if err := c.Flush(ctx); err != nil {
		t.Fatalf("error flushing: %v", err)
	}
	if svcs, err := c.Services(ctx); err != nil || len(svcs) != 0 {
		t.Errorf("got %d services and error %v; want none", len(svcs), err)
	}
}

func TestInfoAndTimeouts(t *testing.T) {
	ctx := context.Background()
	k := ipvstest.New()
	k.SetInfo(ipvs.Info{Version: "1.2.1", ConnTableSize: 1 << 12})
	c := newClient(t, k)

	info, err := c.Info(ctx)
	if err != nil {
		t.Fatalf("error getting info: %v", err)
	}
	if diff := cmp.Diff(ipvs.Info{Version: "1.2.1", ConnTableSize: 1 << 12}, info); diff != "" {
		t.Errorf("info mismatch (-want +got):\n%s", diff)
	}

	if err := c.SetTimeouts(ctx, ipvs.Timeouts{UDP: 30 * time.Second}); err != nil {
		t.Fatalf("error setting timeouts: %v", err)
	}

	got, err := c.Timeouts(ctx)
	if err != nil {
		t.Fatalf("error getting timeouts: %v", err)
	}
	want := ipvs.Timeouts{TCP: 900 * time.Second, TCPFin: 120 * time.Second, UDP: 30 * time.Second}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("timeouts mismatch (-want +got):\n%s", diff)
	}
}

// misbehaving resolves the family like the kernel would and then replies to
// everything with records of the given kind.
func misbehaving(t *testing.T, typ uint16, n int) *genltest.Transport {
	t.Helper()

	ae := netlink.NewAttributeEncoder()
	ae.String(genl.CTRL_ATTR_FAMILY_NAME, ipvs.IPVS_GENL_NAME)
	ae.Uint16(genl.CTRL_ATTR_FAMILY_ID, ipvstest.FamilyID)
	ctrl, err := ae.Encode()
	if err != nil {
		t.Fatalf("error encoding: %v", err)
	}

	var group []byte
	switch typ {
	case ipvs.IPVS_CMD_ATTR_SERVICE:
		group, err = ipvs.EncodeService(localSvc)
	default:
		group, err = ipvs.EncodeDestination(localDst)
	}
	if err != nil {
		t.Fatalf("error encoding: %v", err)
	}

	ae = netlink.NewAttributeEncoder()
	for i := 0; i < n; i++ {
		ae.Bytes(typ|netlink.Nested, group)
	}
	records, err := ae.Encode()
	if err != nil {
		t.Fatalf("error encoding: %v", err)
	}

	return genltest.NewTransport(func(req netlink.Message) ([][]byte, error) {
		seq := req.Header.Sequence
		if req.Header.Type == netlink.HeaderType(genl.GENL_ID_CTRL) {
			return [][]byte{genltest.Datagram(
				genltest.Data(genl.GENL_ID_CTRL, seq, 0, ipvstest.CTRL_CMD_NEWFAMILY, genl.GENL_CTRL_VERSION, ctrl),
				genltest.Ack(seq),
			)}, nil
		}

		flags := netlink.HeaderFlags(0)
		if req.Header.Flags&netlink.Dump != 0 {
			flags = netlink.Multi
		}
		return [][]byte{genltest.Datagram(
			genltest.Data(ipvstest.FamilyID, seq, flags, uint8(ipvs.CmdNewService), ipvs.IPVS_GENL_VERSION, records),
			genltest.Done(seq),
			genltest.Ack(seq),
		)}, nil
	})
}

func TestInvariants(t *testing.T) {
	ctx := context.Background()

	tests := map[string]struct {
		typ uint16
		n   int
		op  func(c *ipvs.Client) error
	}{
		"destinationWhenListingServices": {
			typ: ipvs.IPVS_CMD_ATTR_DEST, n: 1,
			op: func(c *ipvs.Client) error { _, err := c.Services(ctx); return err },
		},
		"serviceWhenListingDestinations": {
			typ: ipvs.IPVS_CMD_ATTR_SERVICE, n: 1,
			op: func(c *ipvs.Client) error { _, err := c.Destinations(ctx, localSvc); return err },
		},
		"twoRecordsOnUpdate": {
			typ: ipvs.IPVS_CMD_ATTR_SERVICE, n: 2,
			op: func(c *ipvs.Client) error { _, err := c.UpdateService(ctx, localSvc, localSvc); return err },
		},
		"wrongVariantOnUpdate": {
			typ: ipvs.IPVS_CMD_ATTR_SERVICE, n: 1,
			op: func(c *ipvs.Client) error {
				_, err := c.UpdateDestination(ctx, localSvc, localDst, localDst)
				return err
			},
		},
		"wrongIdentityOnUpdate": {
			typ: ipvs.IPVS_CMD_ATTR_SERVICE, n: 1,
			op: func(c *ipvs.Client) error {
				to := localSvc
				to.Port = 1
				_, err := c.UpdateService(ctx, localSvc, to)
				return err
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c, err := ipvs.NewWithTransport(ctx, misbehaving(t, tc.typ, tc.n))
			if err != nil {
				t.Fatalf("error creating the client: %v", err)
			}
			defer c.Close()

			err = tc.op(c)
			if !errors.Is(err, ipvs.ErrInvariant) {
				t.Fatalf("got %v; want ErrInvariant", err)
			}

			var invErr *ipvs.InvariantError
			if !errors.As(err, &invErr) {
				t.Errorf("got %T; want an *ipvs.InvariantError", err)
			}
		})
	}
}
