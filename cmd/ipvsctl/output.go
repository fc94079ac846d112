package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"text/tabwriter"

	"github.com/fatih/structs"

	"github.com/scitags/ipvs-go/ipvs"
)

// listing is a service along with its destinations.
type listing struct {
	ipvs.ServiceExtended
	Destinations []ipvs.DestinationExtended `json:"destinations"`
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(v)
}

// statsLine flattens the counters in declaration order through their
// structs tags, i.e. conns=1 inPkts=2...
func statsLine(st ipvs.Stats) string {
	fields := structs.New(st).Fields()
	kv := make([]string, 0, len(fields))
	for _, f := range fields {
		kv = append(kv, fmt.Sprintf("%s=%v", f.Tag("structs"), f.Value()))
	}
	return strings.Join(kv, " ")
}

func serviceLine(s ipvs.Service) string {
	var b strings.Builder
	if s.FWMark != 0 {
		fmt.Fprintf(&b, "FWM  %d", s.FWMark)
		if s.AddressFamily() == ipvs.INET6 {
			b.WriteString(" IPv6")
		}
	} else {
		fmt.Fprintf(&b, "%-4s %s", strings.ToUpper(s.Protocol.String()), netip.AddrPortFrom(s.Address, s.Port))
	}
	fmt.Fprintf(&b, " %s", s.Scheduler)

	if s.Flags&ipvs.FlagPersistent != 0 {
		fmt.Fprintf(&b, " persistent %d", s.Timeout)
		if s.Netmask != ipvs.DefaultNetmask(s.AddressFamily()) {
			fmt.Fprintf(&b, " mask %d", s.Netmask)
		}
	}
	if s.Flags&ipvs.FlagOnePacket != 0 {
		b.WriteString(" ops")
	}
	if s.PEName != "" {
		fmt.Fprintf(&b, " pe %s", s.PEName)
	}
	return b.String()
}

func printListing(w io.Writer, info *ipvs.Info, ls []listing, stats bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)

	if info != nil {
		fmt.Fprintf(tw, "IP Virtual Server version %s (size=%d)\n", info.Version, info.ConnTableSize)
	}
	fmt.Fprintln(tw, "Prot LocalAddress:Port Scheduler Flags")
	fmt.Fprintln(tw, "  -> RemoteAddress:Port\tForward\tWeight\tActiveConn\tInActConn\t")

	for _, l := range ls {
		fmt.Fprintln(tw, serviceLine(l.Service))
		if stats {
			fmt.Fprintf(tw, "     %s\n", statsLine(l.Stats))
		}

		for _, d := range l.Destinations {
			fmt.Fprintf(tw, "  -> %s\t%s\t%d\t%d\t%d\t\n", d.ID(), d.ForwardMethod, d.Weight, d.ActiveConns, d.InactiveConns)
			if stats {
				fmt.Fprintf(tw, "     %s\n", statsLine(d.Stats))
			}
		}
	}

	return tw.Flush()
}
