package ipvs

import "fmt"

// All of these constants' names make the linter complain, but we inherited
// these names from include/uapi/linux/ip_vs.h, so we will keep them.
const (
	IPVS_GENL_NAME          = "IPVS"
	IPVS_GENL_VERSION uint8 = 0x1
)

// Attributes used in the first level of commands.
const (
	IPVS_CMD_ATTR_UNSPEC uint16 = iota
	IPVS_CMD_ATTR_SERVICE
	IPVS_CMD_ATTR_DEST
	IPVS_CMD_ATTR_DAEMON
	IPVS_CMD_ATTR_TIMEOUT_TCP
	IPVS_CMD_ATTR_TIMEOUT_TCP_FIN
	IPVS_CMD_ATTR_TIMEOUT_UDP
)

// Attributes nested within IPVS_CMD_ATTR_SERVICE.
const (
	IPVS_SVC_ATTR_UNSPEC uint16 = iota
	IPVS_SVC_ATTR_AF
	IPVS_SVC_ATTR_PROTOCOL
	IPVS_SVC_ATTR_ADDR
	IPVS_SVC_ATTR_PORT
	IPVS_SVC_ATTR_FWMARK
	IPVS_SVC_ATTR_SCHED_NAME
	IPVS_SVC_ATTR_FLAGS
	IPVS_SVC_ATTR_TIMEOUT
	IPVS_SVC_ATTR_NETMASK
	IPVS_SVC_ATTR_STATS
	IPVS_SVC_ATTR_PE_NAME
	IPVS_SVC_ATTR_STATS64
)

// Attributes nested within IPVS_CMD_ATTR_DEST.
const (
	IPVS_DEST_ATTR_UNSPEC uint16 = iota
	IPVS_DEST_ATTR_ADDR
	IPVS_DEST_ATTR_PORT
	IPVS_DEST_ATTR_FWD_METHOD
	IPVS_DEST_ATTR_WEIGHT
	IPVS_DEST_ATTR_U_THRESH
	IPVS_DEST_ATTR_L_THRESH
	IPVS_DEST_ATTR_ACTIVE_CONNS
	IPVS_DEST_ATTR_INACT_CONNS
	IPVS_DEST_ATTR_PERSIST_CONNS
	IPVS_DEST_ATTR_STATS
	IPVS_DEST_ATTR_ADDR_FAMILY
	IPVS_DEST_ATTR_STATS64
)

// Attributes nested within IPVS_SVC_ATTR_STATS(64) and IPVS_DEST_ATTR_STATS(64).
// Within the legacy STATS group connections, packets and rates are u32 whilst
// byte counters are u64. Every counter is u64 within STATS64.
const (
	IPVS_STATS_ATTR_UNSPEC uint16 = iota
	IPVS_STATS_ATTR_CONNS
	IPVS_STATS_ATTR_INPKTS
	IPVS_STATS_ATTR_OUTPKTS
	IPVS_STATS_ATTR_INBYTES
	IPVS_STATS_ATTR_OUTBYTES
	IPVS_STATS_ATTR_CPS
	IPVS_STATS_ATTR_INPPS
	IPVS_STATS_ATTR_OUTPPS
	IPVS_STATS_ATTR_INBPS
	IPVS_STATS_ATTR_OUTBPS
	IPVS_STATS_ATTR_PAD
)

// Attributes of the IPVS_CMD_SET_INFO reply to IPVS_CMD_GET_INFO.
const (
	IPVS_INFO_ATTR_UNSPEC uint16 = iota
	IPVS_INFO_ATTR_VERSION
	IPVS_INFO_ATTR_CONN_TAB_SIZE
)

// Command is a generic netlink command understood by the IPVS family.
type Command uint8

const (
	CmdNewService Command = iota + 1
	CmdSetService
	CmdDelService
	CmdGetService
	CmdNewDest
	CmdSetDest
	CmdDelDest
	CmdGetDest
	CmdNewDaemon
	CmdDelDaemon
	CmdGetDaemon
	CmdSetConfig
	CmdGetConfig
	CmdSetInfo
	CmdGetInfo
	CmdZero
	CmdFlush
)

var commandNames = map[Command]string{
	CmdNewService: "IPVS_CMD_NEW_SERVICE",
	CmdSetService: "IPVS_CMD_SET_SERVICE",
	CmdDelService: "IPVS_CMD_DEL_SERVICE",
	CmdGetService: "IPVS_CMD_GET_SERVICE",
	CmdNewDest:    "IPVS_CMD_NEW_DEST",
	CmdSetDest:    "IPVS_CMD_SET_DEST",
	CmdDelDest:    "IPVS_CMD_DEL_DEST",
	CmdGetDest:    "IPVS_CMD_GET_DEST",
	CmdNewDaemon:  "IPVS_CMD_NEW_DAEMON",
	CmdDelDaemon:  "IPVS_CMD_DEL_DAEMON",
	CmdGetDaemon:  "IPVS_CMD_GET_DAEMON",
	CmdSetConfig:  "IPVS_CMD_SET_CONFIG",
	CmdGetConfig:  "IPVS_CMD_GET_CONFIG",
	CmdSetInfo:    "IPVS_CMD_SET_INFO",
	CmdGetInfo:    "IPVS_CMD_GET_INFO",
	CmdZero:       "IPVS_CMD_ZERO",
	CmdFlush:      "IPVS_CMD_FLUSH",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("IPVS_CMD_%d", uint8(c))
}
