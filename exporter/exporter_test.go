package exporter

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/scitags/ipvs-go/ipvs"
	"github.com/scitags/ipvs-go/ipvs/ipvstest"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

var (
	webSvc = ipvs.Service{
		Family:    ipvs.INET,
		Protocol:  ipvs.TCP,
		Address:   netip.MustParseAddr("10.0.0.1"),
		Port:      80,
		Scheduler: ipvs.RoundRobin,
		Netmask:   0xffffffff,
	}

	webDsts = []ipvs.Destination{
		{Family: ipvs.INET, Address: netip.MustParseAddr("192.168.1.10"), Port: 8080, Weight: 1},
		{Family: ipvs.INET, Address: netip.MustParseAddr("192.168.1.11"), Port: 8080, Weight: 0, ForwardMethod: ipvs.DirectRoute},
	}
)

func populated(t *testing.T) *ipvs.Client {
	t.Helper()
	ctx := context.Background()

	k := ipvstest.New()
	c, err := k.Client(ctx)
	if err != nil {
		t.Fatalf("error creating the client: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.CreateService(ctx, webSvc); err != nil {
		t.Fatalf("error creating the service: %v", err)
	}
	for _, d := range webDsts {
		if err := c.CreateDestination(ctx, webSvc, d); err != nil {
			t.Fatalf("error creating destination %s: %v", d, err)
		}
	}

	err = k.MutateService(webSvc, func(s *ipvs.ServiceExtended) {
		s.Stats.Connections = 12
		s.Stats.BytesIn = 1 << 40
	})
	if err != nil {
		t.Fatalf("error faking the service's counters: %v", err)
	}

	err = k.MutateDestination(webSvc, webDsts[1], func(d *ipvs.DestinationExtended) {
		d.ActiveConns = 3
		d.InactiveConns = 1
		d.Stats.Connections = 12
	})
	if err != nil {
		t.Fatalf("error faking the destination's counters: %v", err)
	}

	return c
}

func TestCollector(t *testing.T) {
	conf := DefaultConfig
	conf.ProcPath = "testdata/proc"

	c, err := NewCollector(&conf, populated(t))
	if err != nil {
		t.Fatalf("error creating the collector: %v", err)
	}

	expected := `
# HELP ipvs_up Whether the last listing of the tables succeeded
# TYPE ipvs_up gauge
ipvs_up 1
# HELP ipvs_service_connections_total Connections scheduled
# TYPE ipvs_service_connections_total counter
ipvs_service_connections_total{scheduler="rr",service="tcp:10.0.0.1:80"} 12
# HELP ipvs_service_incoming_bytes_total Incoming bytes
# TYPE ipvs_service_incoming_bytes_total counter
ipvs_service_incoming_bytes_total{scheduler="rr",service="tcp:10.0.0.1:80"} 1.099511627776e+12
# HELP ipvs_destination_weight Destination weight; 0 while draining
# TYPE ipvs_destination_weight gauge
ipvs_destination_weight{destination="192.168.1.10:8080",forward="masq",service="tcp:10.0.0.1:80"} 1
ipvs_destination_weight{destination="192.168.1.11:8080",forward="route",service="tcp:10.0.0.1:80"} 0
# HELP ipvs_destination_active_connections Established connections
# TYPE ipvs_destination_active_connections gauge
ipvs_destination_active_connections{destination="192.168.1.10:8080",forward="masq",service="tcp:10.0.0.1:80"} 0
ipvs_destination_active_connections{destination="192.168.1.11:8080",forward="route",service="tcp:10.0.0.1:80"} 3
# HELP ipvs_destination_connections_total Connections scheduled
# TYPE ipvs_destination_connections_total counter
ipvs_destination_connections_total{destination="192.168.1.10:8080",forward="masq",service="tcp:10.0.0.1:80"} 0
ipvs_destination_connections_total{destination="192.168.1.11:8080",forward="route",service="tcp:10.0.0.1:80"} 12
# HELP ipvs_connections_total Connections handled since boot
# TYPE ipvs_connections_total counter
ipvs_connections_total 42
# HELP ipvs_incoming_bytes_total Incoming bytes since boot
# TYPE ipvs_incoming_bytes_total counter
ipvs_incoming_bytes_total 4096
`

	err = testutil.CollectAndCompare(c, strings.NewReader(expected),
		"ipvs_up",
		"ipvs_service_connections_total",
		"ipvs_service_incoming_bytes_total",
		"ipvs_destination_weight",
		"ipvs_destination_active_connections",
		"ipvs_destination_connections_total",
		"ipvs_connections_total",
		"ipvs_incoming_bytes_total",
	)
	if err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}

	// 10 stats for the service, 10 stats + 4 gauges per destination, up and
	// 5 global counters.
	if n := testutil.CollectAndCount(c); n != 10+2*14+1+5 {
		t.Errorf("got %d series; want %d", n, 10+2*14+1+5)
	}
}

type failing struct{}

func (failing) Services(context.Context) ([]ipvs.ServiceExtended, error) {
	return nil, errors.New("no netlink for you")
}

func (failing) Destinations(context.Context, ipvs.Service) ([]ipvs.DestinationExtended, error) {
	return nil, errors.New("no netlink for you")
}

func TestCollectorDown(t *testing.T) {
	conf := DefaultConfig
	conf.ProcPath = ""
	conf.Log = false

	c, err := NewCollector(&conf, failing{})
	if err != nil {
		t.Fatalf("error creating the collector: %v", err)
	}

	expected := `
# HELP ipvs_up Whether the last listing of the tables succeeded
# TYPE ipvs_up gauge
ipvs_up 0
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "ipvs_up"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}

	if n := testutil.CollectAndCount(c); n != 1 {
		t.Errorf("got %d series; want ipvs_up alone", n)
	}
}

func TestMissingProcfs(t *testing.T) {
	conf := DefaultConfig
	conf.ProcPath = "testdata/nonexistent"

	c, err := NewCollector(&conf, failing{})
	if err != nil {
		t.Fatalf("error creating the collector: %v", err)
	}
	if c.fs != nil {
		t.Errorf("expected the global counters to be disabled")
	}
}

func TestRegistry(t *testing.T) {
	conf := DefaultConfig
	conf.ProcPath = ""

	c, err := NewCollector(&conf, populated(t))
	if err != nil {
		t.Fatalf("error creating the collector: %v", err)
	}

	reg, err := c.Registry()
	if err != nil {
		t.Fatalf("error registering the collector: %v", err)
	}

	n, err := testutil.GatherAndCount(reg, "ipvs_destination_weight")
	if err != nil {
		t.Fatalf("error gathering: %v", err)
	}
	if n != 2 {
		t.Errorf("got %d weight series; want 2", n)
	}
}

func TestZeroTimeout(t *testing.T) {
	c, err := NewCollector(&Config{Namespace: "ipvs"}, populated(t))
	if err != nil {
		t.Fatalf("error creating the collector: %v", err)
	}

	if c.Timeout != DefaultConfig.Timeout {
		t.Errorf("got a %dms timeout; want the default %dms", c.Timeout, DefaultConfig.Timeout)
	}

	expected := `
# HELP ipvs_up Whether the last listing of the tables succeeded
# TYPE ipvs_up gauge
ipvs_up 1
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "ipvs_up"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}
