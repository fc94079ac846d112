package main

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/scitags/ipvs-go/ipvs"
)

// Service identification, ipvsadm style.
type serviceFlags struct {
	tcp, udp, sctp string
	fwmark         string
	ipv6           bool
}

func (f *serviceFlags) register(cmd *cobra.Command, required bool) {
	cmd.Flags().StringVarP(&f.tcp, "tcp-service", "t", "", "TCP service as address:port")
	cmd.Flags().StringVarP(&f.udp, "udp-service", "u", "", "UDP service as address:port")
	cmd.Flags().StringVar(&f.sctp, "sctp-service", "", "SCTP service as address:port")
	cmd.Flags().StringVarP(&f.fwmark, "fwmark-service", "f", "", "firewall mark service")
	cmd.Flags().BoolVarP(&f.ipv6, "ipv6", "6", false, "the firewall mark service is an IPv6 one")
	cmd.MarkFlagsMutuallyExclusive("tcp-service", "udp-service", "sctp-service", "fwmark-service")
	if required {
		cmd.MarkFlagsOneRequired("tcp-service", "udp-service", "sctp-service", "fwmark-service")
	}
}

func (f *serviceFlags) given() bool {
	return f.tcp != "" || f.udp != "" || f.sctp != "" || f.fwmark != ""
}

func (f *serviceFlags) service() (ipvs.Service, error) {
	if f.fwmark != "" {
		mark, err := strconv.ParseUint(f.fwmark, 0, 32)
		if err != nil || mark == 0 {
			return ipvs.Service{}, fmt.Errorf("bad firewall mark %q", f.fwmark)
		}

		s := ipvs.Service{Family: ipvs.INET, FWMark: uint32(mark)}
		if f.ipv6 {
			s.Family = ipvs.INET6
		}
		return s, nil
	}

	var (
		proto ipvs.Protocol
		raw   string
	)
	switch {
	case f.tcp != "":
		proto, raw = ipvs.TCP, f.tcp
	case f.udp != "":
		proto, raw = ipvs.UDP, f.udp
	case f.sctp != "":
		proto, raw = ipvs.SCTP, f.sctp
	default:
		return ipvs.Service{}, errors.New("no service given")
	}

	ap, err := netip.ParseAddrPort(raw)
	if err != nil {
		return ipvs.Service{}, fmt.Errorf("bad service %q: %w", raw, err)
	}

	s := ipvs.Service{Protocol: proto, Address: ap.Addr().Unmap(), Port: ap.Port()}
	s.Family = s.AddressFamily()
	return s, nil
}

// Service attributes.
type serviceAttrFlags struct {
	scheduler  string
	persistent uint32
	netmask    uint32
	pe         string
	onePacket  bool
}

func (f *serviceAttrFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.scheduler, "scheduler", "s", string(ipvs.WeightedLeastConnection), "scheduling method")
	cmd.Flags().Uint32VarP(&f.persistent, "persistent", "p", 0, "persistence timeout [s]; 0 disables persistence")
	cmd.Flags().Uint32VarP(&f.netmask, "netmask", "M", 0, "persistence granularity; a prefix length for IPv6")
	cmd.Flags().StringVar(&f.pe, "pe", "", "persistence engine")
	cmd.Flags().BoolVarP(&f.onePacket, "ops", "o", false, "one-packet scheduling")
}

// apply sets the attributes on s. Only flags given explicitly are applied
// unless all is set, in which case defaults are filled in too.
func (f *serviceAttrFlags) apply(cmd *cobra.Command, s *ipvs.Service, all bool) {
	changed := func(name string) bool { return all || cmd.Flags().Changed(name) }

	if changed("scheduler") {
		s.Scheduler = ipvs.Scheduler(f.scheduler)
	}
	if changed("persistent") {
		s.Timeout = f.persistent
		if f.persistent != 0 {
			s.Flags |= ipvs.FlagPersistent
		} else {
			s.Flags &^= ipvs.FlagPersistent
		}
	}
	if changed("netmask") {
		s.Netmask = f.netmask
		if s.Netmask == 0 {
			s.Netmask = ipvs.DefaultNetmask(s.AddressFamily())
		}
	}
	if changed("pe") {
		s.PEName = f.pe
	}
	if changed("ops") {
		if f.onePacket {
			s.Flags |= ipvs.FlagOnePacket
		} else {
			s.Flags &^= ipvs.FlagOnePacket
		}
	}
}

// Destination identification.
type destinationFlags struct {
	real string
}

func (f *destinationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.real, "real-server", "r", "", "destination as address:port")
	cmd.MarkFlagRequired("real-server")
}

func (f *destinationFlags) destination() (ipvs.Destination, error) {
	ap, err := netip.ParseAddrPort(f.real)
	if err != nil {
		return ipvs.Destination{}, fmt.Errorf("bad real server %q: %w", f.real, err)
	}

	d := ipvs.Destination{Address: ap.Addr().Unmap(), Port: ap.Port()}
	d.Family = d.AddressFamily()
	return d, nil
}

// Destination attributes.
type destinationAttrFlags struct {
	weight  uint32
	forward string
	upper   uint32
	lower   uint32
}

func (f *destinationAttrFlags) register(cmd *cobra.Command) {
	cmd.Flags().Uint32VarP(&f.weight, "weight", "w", 1, "destination weight")
	cmd.Flags().StringVar(&f.forward, "forward", "masq", "forwarding method: masq, local, tunnel, route or bypass")
	cmd.Flags().Uint32VarP(&f.upper, "u-threshold", "x", 0, "upper connection threshold; 0 means unlimited")
	cmd.Flags().Uint32VarP(&f.lower, "l-threshold", "y", 0, "lower connection threshold")
}

func (f *destinationAttrFlags) apply(cmd *cobra.Command, d *ipvs.Destination, all bool) error {
	changed := func(name string) bool { return all || cmd.Flags().Changed(name) }

	if changed("weight") {
		d.Weight = f.weight
	}
	if changed("forward") {
		fwd, err := ipvs.ParseForwardMethod(f.forward)
		if err != nil {
			return err
		}
		d.ForwardMethod = fwd
	}
	if changed("u-threshold") {
		d.UpperThreshold = f.upper
	}
	if changed("l-threshold") {
		d.LowerThreshold = f.lower
	}
	return nil
}
