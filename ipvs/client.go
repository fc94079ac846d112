package ipvs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"

	"github.com/scitags/ipvs-go/genl"
)

// Client drives the IPVS family over generic netlink. Just like the
// underlying engine it's not safe for concurrent use: callers sharing a
// Client must serialize calls themselves.
type Client struct {
	e      *genl.Engine
	family uint16
}

// New opens a generic netlink socket and resolves the IPVS family on it.
func New(ctx context.Context) (*Client, error) {
	conn, err := genl.Dial()
	if err != nil {
		return nil, err
	}
	return NewWithTransport(ctx, conn)
}

// NewWithTransport resolves the IPVS family over t, which the Client then
// owns. The family id is never resolved again during the Client's lifetime.
func NewWithTransport(ctx context.Context, t genl.Transport) (*Client, error) {
	e := genl.NewEngine(t)

	id, err := genl.ResolveFamily(ctx, e, IPVS_GENL_NAME)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("could not resolve the %s family: %w", IPVS_GENL_NAME, err)
	}

	slog.Debug("resolved generic netlink family", "name", IPVS_GENL_NAME, "family", id)

	return &Client{e: e, family: id}, nil
}

// Family returns the generic netlink family id the kernel assigned to IPVS.
func (c *Client) Family() uint16 {
	return c.family
}

func (c *Client) Close() error {
	return c.e.Close()
}

type group struct {
	typ  uint16
	data []byte
}

func serviceGroup(s Service) (group, error) {
	b, err := EncodeService(s)
	if err != nil {
		return group{}, err
	}
	return group{typ: IPVS_CMD_ATTR_SERVICE, data: b}, nil
}

func destinationGroup(d Destination) (group, error) {
	b, err := EncodeDestination(d)
	if err != nil {
		return group{}, err
	}
	return group{typ: IPVS_CMD_ATTR_DEST, data: b}, nil
}

// groups is a convenience to bail out on the first encoding error.
func groups(gs ...func() (group, error)) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	for _, g := range gs {
		gr, err := g()
		if err != nil {
			return nil, err
		}
		ae.Bytes(gr.typ|netlink.Nested, gr.data)
	}
	return ae.Encode()
}

func svc(s Service) func() (group, error) {
	return func() (group, error) { return serviceGroup(s) }
}

func dst(d Destination) func() (group, error) {
	return func() (group, error) { return destinationGroup(d) }
}

func (c *Client) request(cmd Command, dump bool, attrs []byte) genl.Request {
	flags := netlink.Request | netlink.Acknowledge
	if dump {
		flags = netlink.Request | netlink.Dump
	}

	return genl.Request{
		Family:     c.family,
		Command:    uint8(cmd),
		Version:    IPVS_GENL_VERSION,
		Flags:      flags,
		Attributes: attrs,
	}
}

func (c *Client) execute(ctx context.Context, cmd Command, dump bool, attrs []byte) ([]Record, error) {
	rs, err := genl.Execute(ctx, c.e, c.request(cmd, dump, attrs), decodeRecords)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return rs, nil
}

// single returns the only record in rs, or nil when the kernel replied with a
// bare acknowledgement.
func single(op string, want RecordKind, rs []Record) (*Record, error) {
	if err := expect(op, want, rs); err != nil {
		return nil, err
	}

	switch len(rs) {
	case 0:
		return nil, nil
	case 1:
		return &rs[0], nil
	default:
		return nil, &InvariantError{Op: op, Detail: fmt.Sprintf("got %d records, expected one", len(rs))}
	}
}

// Services lists every virtual service along with its counters.
func (c *Client) Services(ctx context.Context) ([]ServiceExtended, error) {
	rs, err := c.execute(ctx, CmdGetService, true, nil)
	if err != nil {
		return nil, err
	}

	if err := expect("list services", ServiceRecord, rs); err != nil {
		return nil, err
	}

	svcs := make([]ServiceExtended, 0, len(rs))
	for _, r := range rs {
		s, err := DecodeService(r.Data)
		if err != nil {
			return nil, err
		}
		svcs = append(svcs, s)
	}

	return svcs, nil
}

// Service fetches a single service by its identity.
func (c *Client) Service(ctx context.Context, s Service) (ServiceExtended, error) {
	attrs, err := groups(svc(s))
	if err != nil {
		return ServiceExtended{}, err
	}

	rs, err := c.execute(ctx, CmdGetService, false, attrs)
	if err != nil {
		return ServiceExtended{}, err
	}

	r, err := single("get service", ServiceRecord, rs)
	if err != nil {
		return ServiceExtended{}, err
	}
	if r == nil {
		return ServiceExtended{}, &InvariantError{Op: "get service", Detail: "got no records, expected one"}
	}

	return DecodeService(r.Data)
}

func (c *Client) CreateService(ctx context.Context, s Service) error {
	attrs, err := groups(svc(s))
	if err != nil {
		return err
	}

	rs, err := c.execute(ctx, CmdNewService, false, attrs)
	if err != nil {
		return err
	}

	slog.Debug("created service", "svc", s.ID(), "nDiscarded", len(rs))
	return nil
}

func (c *Client) DeleteService(ctx context.Context, s Service) error {
	attrs, err := groups(svc(s))
	if err != nil {
		return err
	}

	rs, err := c.execute(ctx, CmdDelService, false, attrs)
	if err != nil {
		return err
	}

	slog.Debug("deleted service", "svc", s.ID(), "nDiscarded", len(rs))
	return nil
}

// UpdateService turns the service identified by from into to and returns the
// result. Should the kernel only acknowledge the change, to is read back.
func (c *Client) UpdateService(ctx context.Context, from, to Service) (ServiceExtended, error) {
	const op = "update service"

	attrs, err := groups(svc(from), svc(to))
	if err != nil {
		return ServiceExtended{}, err
	}

	rs, err := c.execute(ctx, CmdSetService, false, attrs)
	if err != nil {
		return ServiceExtended{}, err
	}

	r, err := single(op, ServiceRecord, rs)
	if err != nil {
		return ServiceExtended{}, err
	}

	var updated ServiceExtended
	if r == nil {
		slog.Debug("service update acknowledged without a record, reading it back", "svc", to.ID())
		if updated, err = c.Service(ctx, to); err != nil {
			return ServiceExtended{}, err
		}
	} else if updated, err = DecodeService(r.Data); err != nil {
		return ServiceExtended{}, err
	}

	if !updated.SameIdentity(to) {
		return ServiceExtended{}, &InvariantError{
			Op:     op,
			Detail: fmt.Sprintf("got service %s, expected %s", updated.ID(), to.ID()),
		}
	}

	return updated, nil
}

// Destinations lists the destinations of s along with their counters.
func (c *Client) Destinations(ctx context.Context, s Service) ([]DestinationExtended, error) {
	attrs, err := groups(svc(s))
	if err != nil {
		return nil, err
	}

	rs, err := c.execute(ctx, CmdGetDest, true, attrs)
	if err != nil {
		return nil, err
	}

	if err := expect("list destinations", DestinationRecord, rs); err != nil {
		return nil, err
	}

	dsts := make([]DestinationExtended, 0, len(rs))
	for _, r := range rs {
		d, err := DecodeDestination(r.Data, s.AddressFamily())
		if err != nil {
			return nil, err
		}
		dsts = append(dsts, d)
	}

	return dsts, nil
}

func (c *Client) CreateDestination(ctx context.Context, s Service, d Destination) error {
	attrs, err := groups(svc(s), dst(d))
	if err != nil {
		return err
	}

	rs, err := c.execute(ctx, CmdNewDest, false, attrs)
	if err != nil {
		return err
	}

	slog.Debug("created destination", "svc", s.ID(), "dst", d.ID(), "nDiscarded", len(rs))
	return nil
}

// DeleteDestination removes d from s right away, regardless of any connection
// still going through it. Disable it first and wait for its active connections
// to drop to zero when established flows must survive.
func (c *Client) DeleteDestination(ctx context.Context, s Service, d Destination) error {
	attrs, err := groups(svc(s), dst(d))
	if err != nil {
		return err
	}

	rs, err := c.execute(ctx, CmdDelDest, false, attrs)
	if err != nil {
		return err
	}

	slog.Debug("deleted destination", "svc", s.ID(), "dst", d.ID(), "nDiscarded", len(rs))
	return nil
}

// UpdateDestination turns destination from of s into to and returns the
// result. Should the kernel only acknowledge the change, to is read back.
func (c *Client) UpdateDestination(ctx context.Context, s Service, from, to Destination) (DestinationExtended, error) {
	const op = "update destination"

	attrs, err := groups(svc(s), dst(from), dst(to))
	if err != nil {
		return DestinationExtended{}, err
	}

	rs, err := c.execute(ctx, CmdSetDest, false, attrs)
	if err != nil {
		return DestinationExtended{}, err
	}

	r, err := single(op, DestinationRecord, rs)
	if err != nil {
		return DestinationExtended{}, err
	}

	if r != nil {
		updated, err := DecodeDestination(r.Data, s.AddressFamily())
		if err != nil {
			return DestinationExtended{}, err
		}
		if !updated.SameIdentity(to) {
			return DestinationExtended{}, &InvariantError{
				Op:     op,
				Detail: fmt.Sprintf("got destination %s, expected %s", updated.ID(), to.ID()),
			}
		}
		return updated, nil
	}

	slog.Debug("destination update acknowledged without a record, reading it back", "svc", s.ID(), "dst", to.ID())

	dsts, err := c.Destinations(ctx, s)
	if err != nil {
		return DestinationExtended{}, err
	}
	for _, d := range dsts {
		if d.SameIdentity(to) {
			return d, nil
		}
	}

	return DestinationExtended{}, &InvariantError{
		Op:     op,
		Detail: fmt.Sprintf("destination %s vanished after being updated", to.ID()),
	}
}

// DisableDestination sets the weight of d to 0: the scheduler won't pick it
// for new connections but the established ones keep flowing through it.
func (c *Client) DisableDestination(ctx context.Context, s Service, d Destination) (DestinationExtended, error) {
	to := d
	to.Weight = 0
	return c.UpdateDestination(ctx, s, d, to)
}

// query runs a do request whose reply is a single message of top level
// attributes rather than service or destination groups.
func query[T any](ctx context.Context, c *Client, cmd Command, decode func([]byte) (T, error)) (T, error) {
	var zero T

	vs, err := genl.Execute(ctx, c.e, c.request(cmd, false, nil), func(m genetlink.Message) ([]T, error) {
		v, err := decode(m.Data)
		if err != nil {
			return nil, err
		}
		return []T{v}, nil
	})
	if err != nil {
		return zero, fmt.Errorf("%s: %w", cmd, err)
	}

	if len(vs) != 1 {
		return zero, &InvariantError{Op: cmd.String(), Detail: fmt.Sprintf("got %d replies, expected one", len(vs))}
	}

	return vs[0], nil
}

// Info reports the IPVS version and the size of its connection table.
func (c *Client) Info(ctx context.Context) (Info, error) {
	return query(ctx, c, CmdGetInfo, DecodeInfo)
}

func (c *Client) Timeouts(ctx context.Context) (Timeouts, error) {
	return query(ctx, c, CmdGetConfig, DecodeTimeouts)
}

// SetTimeouts updates the global timeouts. Zero values are left untouched.
func (c *Client) SetTimeouts(ctx context.Context, t Timeouts) error {
	attrs, err := EncodeTimeouts(t)
	if err != nil {
		return err
	}

	_, err = c.execute(ctx, CmdSetConfig, false, attrs)
	return err
}

// Zero resets the counters of s, or those of every service when s is nil.
func (c *Client) Zero(ctx context.Context, s *Service) error {
	var (
		attrs []byte
		err   error
	)
	if s != nil {
		if attrs, err = groups(svc(*s)); err != nil {
			return err
		}
	}

	_, err = c.execute(ctx, CmdZero, false, attrs)
	return err
}

// Flush removes every service along with its destinations.
func (c *Client) Flush(ctx context.Context) error {
	_, err := c.execute(ctx, CmdFlush, false, nil)
	return err
}
