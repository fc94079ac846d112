// Package ipvs manages the kernel's IP Virtual Server tables through the IPVS
// generic netlink family, much like ipvsadm(8) does. Be sure to load the
// ip_vs module (i.e. modprobe ip_vs) before creating a Client: the family is
// only registered once the module is in.
//
// Services and destinations are sent to the kernel as nested attribute groups
// whose layout is defined in include/uapi/linux/ip_vs.h. Listings are dumps
// and come back with live counters, hence the *Extended types.
//
// A destination with a weight of 0 stays in place but it's not scheduled any
// new connection. Use DisableDestination and wait for ActiveConns to reach 0
// before calling DeleteDestination if established flows are to be preserved.
package ipvs
