// Package exporter publishes the IPVS tables as Prometheus metrics.
package exporter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fatih/structs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"

	"github.com/scitags/ipvs-go/ipvs"
)

var logger *slog.Logger

// Source is what the collector reads the tables from. *ipvs.Client
// satisfies it.
type Source interface {
	Services(ctx context.Context) ([]ipvs.ServiceExtended, error)
	Destinations(ctx context.Context, s ipvs.Service) ([]ipvs.DestinationExtended, error)
}

// Labels carried by per object series:
//
//	service: the service's identity, i.e. tcp:10.0.0.1:80 or fwmark:inet:7
//	scheduler: the service's scheduler
//	destination: the destination's address and port
//	forward: the destination's forwarding method
var (
	serviceLabels     = []string{"service", "scheduler"}
	destinationLabels = []string{"service", "destination", "forward"}
)

type statDesc struct {
	tag  string
	name string
	help string
	kind prometheus.ValueType
}

// Keyed on the structs tags of ipvs.Stats.
var stats = []statDesc{
	{"conns", "connections_total", "Connections scheduled", prometheus.CounterValue},
	{"inPkts", "incoming_packets_total", "Incoming packets", prometheus.CounterValue},
	{"outPkts", "outgoing_packets_total", "Outgoing packets", prometheus.CounterValue},
	{"inBytes", "incoming_bytes_total", "Incoming bytes", prometheus.CounterValue},
	{"outBytes", "outgoing_bytes_total", "Outgoing bytes", prometheus.CounterValue},
	{"cps", "connection_rate", "Estimated connections per second", prometheus.GaugeValue},
	{"inPps", "incoming_packet_rate", "Estimated incoming packets per second", prometheus.GaugeValue},
	{"outPps", "outgoing_packet_rate", "Estimated outgoing packets per second", prometheus.GaugeValue},
	{"inBps", "incoming_byte_rate", "Estimated incoming bytes per second", prometheus.GaugeValue},
	{"outBps", "outgoing_byte_rate", "Estimated outgoing bytes per second", prometheus.GaugeValue},
}

// Collector lists the tables on every scrape. Scrapes are serialised.
type Collector struct {
	Config

	mu  sync.Mutex
	src Source
	fs  *procfs.FS

	up *prometheus.Desc

	svcStats map[string]*prometheus.Desc
	dstStats map[string]*prometheus.Desc

	weight     *prometheus.Desc
	active     *prometheus.Desc
	inactive   *prometheus.Desc
	persistent *prometheus.Desc

	global map[string]*prometheus.Desc
}

func (c *Collector) String() string {
	return "IPVS collector"
}

func NewCollector(conf *Config, src Source) (*Collector, error) {
	if conf.Log {
		logger = slog.Default().With("t", "exporter")
	} else {
		logger = slog.New(slog.DiscardHandler)
	}

	logger.Debug("initialising the collector")

	c := Collector{Config: *conf, src: src}

	// An unset timeout would expire every scrape before it starts.
	if c.Timeout == 0 {
		c.Timeout = DefaultConfig.Timeout
	}

	if c.ProcPath != "" {
		fs, err := procfs.NewFS(c.ProcPath)
		if err != nil {
			// The exporter is still useful without the global counters.
			logger.Warn("couldn't initialise the procfs filesystem", "path", c.ProcPath, "err", err)
		} else {
			c.fs = &fs
		}
	}

	ns := c.Namespace
	c.up = prometheus.NewDesc(prometheus.BuildFQName(ns, "", "up"),
		"Whether the last listing of the tables succeeded", nil, nil)

	c.svcStats = map[string]*prometheus.Desc{}
	c.dstStats = map[string]*prometheus.Desc{}
	for _, s := range stats {
		c.svcStats[s.tag] = prometheus.NewDesc(prometheus.BuildFQName(ns, "service", s.name), s.help, serviceLabels, nil)
		c.dstStats[s.tag] = prometheus.NewDesc(prometheus.BuildFQName(ns, "destination", s.name), s.help, destinationLabels, nil)
	}

	c.weight = prometheus.NewDesc(prometheus.BuildFQName(ns, "destination", "weight"),
		"Destination weight; 0 while draining", destinationLabels, nil)
	c.active = prometheus.NewDesc(prometheus.BuildFQName(ns, "destination", "active_connections"),
		"Established connections", destinationLabels, nil)
	c.inactive = prometheus.NewDesc(prometheus.BuildFQName(ns, "destination", "inactive_connections"),
		"Connections in any other state", destinationLabels, nil)
	c.persistent = prometheus.NewDesc(prometheus.BuildFQName(ns, "destination", "persistent_connections"),
		"Persistence templates", destinationLabels, nil)

	c.global = map[string]*prometheus.Desc{
		"conns":    prometheus.NewDesc(prometheus.BuildFQName(ns, "", "connections_total"), "Connections handled since boot", nil, nil),
		"inPkts":   prometheus.NewDesc(prometheus.BuildFQName(ns, "", "incoming_packets_total"), "Incoming packets since boot", nil, nil),
		"outPkts":  prometheus.NewDesc(prometheus.BuildFQName(ns, "", "outgoing_packets_total"), "Outgoing packets since boot", nil, nil),
		"inBytes":  prometheus.NewDesc(prometheus.BuildFQName(ns, "", "incoming_bytes_total"), "Incoming bytes since boot", nil, nil),
		"outBytes": prometheus.NewDesc(prometheus.BuildFQName(ns, "", "outgoing_bytes_total"), "Outgoing bytes since boot", nil, nil),
	}

	return &c, nil
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	for _, d := range c.svcStats {
		ch <- d
	}
	for _, d := range c.dstStats {
		ch <- d
	}
	ch <- c.weight
	ch <- c.active
	ch <- c.inactive
	ch <- c.persistent
	if c.fs != nil {
		for _, d := range c.global {
			ch <- d
		}
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.Timeout)*time.Millisecond)
	defer cancel()

	up := 1.0
	if err := c.collectTables(ctx, ch); err != nil {
		logger.Error("error listing the tables", "err", err)
		up = 0
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up)

	if c.fs != nil {
		c.collectGlobal(ch)
	}
}

// emitStats flattens st through its structs tags.
func emitStats(ch chan<- prometheus.Metric, descs map[string]*prometheus.Desc, st ipvs.Stats, labels ...string) {
	m := structs.Map(st)
	for _, s := range stats {
		v, ok := m[s.tag].(uint64)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(descs[s.tag], s.kind, float64(v), labels...)
	}
}

// collectTables only emits once everything's been listed so that a failed
// scrape never exposes a partial view.
func (c *Collector) collectTables(ctx context.Context, ch chan<- prometheus.Metric) error {
	svcs, err := c.src.Services(ctx)
	if err != nil {
		return err
	}

	dsts := make([][]ipvs.DestinationExtended, len(svcs))
	for i, s := range svcs {
		dsts[i], err = c.src.Destinations(ctx, s.Service)
		if err != nil {
			return err
		}
	}

	for i, s := range svcs {
		id := s.ID()
		emitStats(ch, c.svcStats, s.Stats, id, string(s.Scheduler))

		for _, d := range dsts[i] {
			labels := []string{id, d.ID(), d.ForwardMethod.String()}
			emitStats(ch, c.dstStats, d.Stats, labels...)

			ch <- prometheus.MustNewConstMetric(c.weight, prometheus.GaugeValue, float64(d.Weight), labels...)
			ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(d.ActiveConns), labels...)
			ch <- prometheus.MustNewConstMetric(c.inactive, prometheus.GaugeValue, float64(d.InactiveConns), labels...)
			ch <- prometheus.MustNewConstMetric(c.persistent, prometheus.GaugeValue, float64(d.PersistentConns), labels...)
		}
	}

	logger.Debug("collected", "services", len(svcs))
	return nil
}

func (c *Collector) collectGlobal(ch chan<- prometheus.Metric) {
	st, err := c.fs.IPVSStats()
	if err != nil {
		logger.Warn("error reading the global stats", "err", err)
		return
	}

	for tag, v := range map[string]uint64{
		"conns":    st.Connections,
		"inPkts":   st.IncomingPackets,
		"outPkts":  st.OutgoingPackets,
		"inBytes":  st.IncomingBytes,
		"outBytes": st.OutgoingBytes,
	} {
		ch <- prometheus.MustNewConstMetric(c.global[tag], prometheus.CounterValue, float64(v))
	}
}

// Registry returns a non-global registry holding the collector.
func (c *Collector) Registry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return reg, nil
}
