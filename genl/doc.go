// Package genl implements the request/response discipline needed to talk to
// a generic netlink family. Be sure to check netlink(7) and genetlink(8) for
// some background on the transport itself.
//
// Every exchange is a single transaction: one request is framed and sent, and
// the receive loop keeps pulling datagrams until the logical response is
// complete. The kernel can batch several messages into one datagram and it can
// spread a single dump over as many datagrams as it sees fit, so the loop walks
// each datagram message by message and only stops on an explicit marker:
//
//	NLMSG_DONE                  end of a multi-part dump
//	NLMSG_ERROR with error == 0 acknowledgement of a non-dump request
//	NLMSG_ERROR with error != 0 failure reported by the kernel
//
// A dump request also completes when the last message of a datagram lacks the
// NLM_F_MULTI flag. The main logic driving generic netlink requests on the
// kernel side can be found on [0], and the dump machinery on [1].
//
// Family ids are assigned dynamically by the kernel when a family registers,
// so they have to be resolved by name through the nlctrl family [2] before
// issuing any other request.
//
// 0: https://elixir.bootlin.com/linux/v6.12.4/source/net/netlink/genetlink.c#L967
//
// 1: https://elixir.bootlin.com/linux/v6.12.4/source/net/netlink/af_netlink.c#L2251
//
// 2: https://elixir.bootlin.com/linux/v6.12.4/source/net/netlink/genetlink.c#L1252
package genl
