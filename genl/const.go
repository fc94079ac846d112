package genl

// All of these constants' names make the linter complain, but we inherited
// these names from the kernel's uapi headers, so we will keep them. They are
// spelled out instead of pulled from golang.org/x/sys/unix so that the package
// still builds on non-linux hosts.
const (
	// GENL_ID_CTRL is the statically assigned id of the nlctrl family.
	GENL_ID_CTRL uint16 = 0x10

	// GENL_CTRL_VERSION is the version of the nlctrl family we speak.
	GENL_CTRL_VERSION uint8 = 2

	CTRL_CMD_GETFAMILY uint8 = 3

	CTRL_ATTR_FAMILY_ID   uint16 = 1
	CTRL_ATTR_FAMILY_NAME uint16 = 2

	// NLMSGERR_ATTR_MSG carries the human readable message in extended
	// acknowledgements. Check include/uapi/linux/netlink.h.
	NLMSGERR_ATTR_MSG uint16 = 1

	nlmsgAlignTo   = 4
	nlmsgHeaderLen = 16
	nlmsgErrLen    = 4
)

// nlmsgAlign rounds l up to the netlink message alignment boundary.
func nlmsgAlign(l int) int {
	return (l + nlmsgAlignTo - 1) & ^(nlmsgAlignTo - 1)
}
