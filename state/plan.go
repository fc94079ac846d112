package state

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scitags/ipvs-go/ipvs"
)

// Controller is the subset of *ipvs.Client reconciliation needs.
type Controller interface {
	Services(ctx context.Context) ([]ipvs.ServiceExtended, error)
	Destinations(ctx context.Context, s ipvs.Service) ([]ipvs.DestinationExtended, error)
	CreateService(ctx context.Context, s ipvs.Service) error
	UpdateService(ctx context.Context, from, to ipvs.Service) (ipvs.ServiceExtended, error)
	DeleteService(ctx context.Context, s ipvs.Service) error
	CreateDestination(ctx context.Context, s ipvs.Service, d ipvs.Destination) error
	UpdateDestination(ctx context.Context, s ipvs.Service, from, to ipvs.Destination) (ipvs.DestinationExtended, error)
	DisableDestination(ctx context.Context, s ipvs.Service, d ipvs.Destination) (ipvs.DestinationExtended, error)
	DeleteDestination(ctx context.Context, s ipvs.Service, d ipvs.Destination) error
}

type ActionKind uint8

const (
	CreateService ActionKind = iota
	UpdateService
	DeleteService
	CreateDestination
	UpdateDestination
	DisableDestination
	DeleteDestination
)

var actionNames = map[ActionKind]string{
	CreateService:      "create service",
	UpdateService:      "update service",
	DeleteService:      "delete service",
	CreateDestination:  "create destination",
	UpdateDestination:  "update destination",
	DisableDestination: "disable destination",
	DeleteDestination:  "delete destination",
}

func (k ActionKind) String() string {
	if n, ok := actionNames[k]; ok {
		return n
	}
	return fmt.Sprintf("action(%d)", uint8(k))
}

// Action is a single call against the Controller. Service is the service as
// the kernel knows it once the action is carried out; From is the one being
// replaced by an update. The same goes for Destination and FromDestination.
type Action struct {
	Kind            ActionKind
	Service         ipvs.Service
	From            ipvs.Service
	Destination     ipvs.Destination
	FromDestination ipvs.Destination
}

func (a Action) String() string {
	switch a.Kind {
	case CreateService, UpdateService, DeleteService:
		return fmt.Sprintf("%s %s", a.Kind, a.Service)
	default:
		return fmt.Sprintf("%s %s on %s", a.Kind, a.Destination, a.Service.ID())
	}
}

type Options struct {
	// Purge removes services the state doesn't mention.
	Purge bool

	// Force deletes destinations right away instead of draining them first.
	Force bool
}

// Plan lists the actions turning the current tables into the desired ones.
// Destinations on their way out are disabled first and only deleted once
// they have no active connections left, unless opts.Force is set. Services
// being purged are deleted once all their destinations are drained.
func Plan(ctx context.Context, ctl Controller, st *State, opts Options) ([]Action, error) {
	targets, err := st.Resolve()
	if err != nil {
		return nil, err
	}

	current, err := ctl.Services(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing services: %w", err)
	}

	var actions []Action
	for _, t := range targets {
		var cur *ipvs.ServiceExtended
		for i := range current {
			if current[i].SameIdentity(t.Service) {
				cur = &current[i]
				break
			}
		}

		if cur == nil {
			actions = append(actions, Action{Kind: CreateService, Service: t.Service})
			for _, d := range t.Destinations {
				actions = append(actions, Action{Kind: CreateDestination, Service: t.Service, Destination: d})
			}
			continue
		}

		if serviceDiffers(cur.Service, t.Service) {
			actions = append(actions, Action{Kind: UpdateService, Service: t.Service, From: cur.Service})
		}

		dsts, err := ctl.Destinations(ctx, cur.Service)
		if err != nil {
			return nil, fmt.Errorf("error listing destinations of %s: %w", cur.ID(), err)
		}

		for _, d := range t.Destinations {
			var found *ipvs.DestinationExtended
			for i := range dsts {
				if dsts[i].SameIdentity(d) {
					found = &dsts[i]
					break
				}
			}

			switch {
			case found == nil:
				actions = append(actions, Action{Kind: CreateDestination, Service: t.Service, Destination: d})
			case destinationDiffers(found.Destination, d):
				actions = append(actions, Action{
					Kind:            UpdateDestination,
					Service:         t.Service,
					Destination:     d,
					FromDestination: found.Destination,
				})
			}
		}

		for _, d := range dsts {
			wanted := false
			for _, w := range t.Destinations {
				if w.SameIdentity(d.Destination) {
					wanted = true
					break
				}
			}
			if !wanted {
				actions = append(actions, drain(t.Service, d, opts)...)
			}
		}
	}

	if !opts.Purge {
		return actions, nil
	}

	for _, cur := range current {
		wanted := false
		for _, t := range targets {
			if t.Service.SameIdentity(cur.Service) {
				wanted = true
				break
			}
		}
		if wanted {
			continue
		}

		dsts, err := ctl.Destinations(ctx, cur.Service)
		if err != nil {
			return nil, fmt.Errorf("error listing destinations of %s: %w", cur.ID(), err)
		}

		var pending []Action
		for _, d := range dsts {
			pending = append(pending, drain(cur.Service, d, opts)...)
		}

		drained := true
		for _, a := range pending {
			if a.Kind != DeleteDestination {
				drained = false
			}
		}
		for _, d := range dsts {
			if d.ActiveConns != 0 && !opts.Force {
				drained = false
			}
		}

		if drained {
			// Deleting the service takes its destinations along.
			actions = append(actions, Action{Kind: DeleteService, Service: cur.Service})
			continue
		}
		actions = append(actions, pending...)
	}

	return actions, nil
}

// drain retires d: it's deleted straight away when idle and disabled otherwise.
func drain(s ipvs.Service, d ipvs.DestinationExtended, opts Options) []Action {
	if d.ActiveConns == 0 || opts.Force {
		return []Action{{Kind: DeleteDestination, Service: s, Destination: d.Destination}}
	}

	if d.Weight != 0 {
		return []Action{{Kind: DisableDestination, Service: s, Destination: d.Destination}}
	}

	slog.Debug("destination still draining", "svc", s.ID(), "dst", d.ID(), "activeConns", d.ActiveConns)
	return nil
}

// serviceDiffers compares everything but the identity. The kernel flags
// hashed services on its own, so that flag is ignored.
func serviceDiffers(cur, want ipvs.Service) bool {
	return cur.Scheduler != want.Scheduler ||
		cur.Flags&^ipvs.FlagHashed != want.Flags&^ipvs.FlagHashed ||
		cur.Timeout != want.Timeout ||
		cur.Netmask != want.Netmask ||
		cur.PEName != want.PEName
}

func destinationDiffers(cur, want ipvs.Destination) bool {
	return cur.ForwardMethod != want.ForwardMethod ||
		cur.Weight != want.Weight ||
		cur.UpperThreshold != want.UpperThreshold ||
		cur.LowerThreshold != want.LowerThreshold
}

// Apply carries out the actions in order, stopping on the first failure.
func Apply(ctx context.Context, ctl Controller, actions []Action) error {
	for _, a := range actions {
		var err error
		switch a.Kind {
		case CreateService:
			err = ctl.CreateService(ctx, a.Service)
		case UpdateService:
			_, err = ctl.UpdateService(ctx, a.From, a.Service)
		case DeleteService:
			err = ctl.DeleteService(ctx, a.Service)
		case CreateDestination:
			err = ctl.CreateDestination(ctx, a.Service, a.Destination)
		case UpdateDestination:
			_, err = ctl.UpdateDestination(ctx, a.Service, a.FromDestination, a.Destination)
		case DisableDestination:
			_, err = ctl.DisableDestination(ctx, a.Service, a.Destination)
		case DeleteDestination:
			err = ctl.DeleteDestination(ctx, a.Service, a.Destination)
		default:
			err = fmt.Errorf("unknown action %d", a.Kind)
		}
		if err != nil {
			return fmt.Errorf("error applying %q: %w", a, err)
		}

		slog.Info("applied", "action", a.String())
	}
	return nil
}

// Reconcile plans and applies in one go, returning what was done.
func Reconcile(ctx context.Context, ctl Controller, st *State, opts Options) ([]Action, error) {
	actions, err := Plan(ctx, ctl, st, opts)
	if err != nil {
		return nil, err
	}

	if err := Apply(ctx, ctl, actions); err != nil {
		return nil, err
	}

	return actions, nil
}
