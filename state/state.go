// Package state loads a declarative description of the IPVS tables and
// reconciles the kernel with it.
package state

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/scitags/ipvs-go/ipvs"
)

//go:embed schema.json
var rawSchema []byte

const (
	schemaURL = "schema.json"

	// DefaultPersistence is ipvsadm's persistence timeout in seconds.
	DefaultPersistence = 300
)

var ErrDuplicate = errors.New("duplicate entry")

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawSchema))
	if err != nil {
		return nil, fmt.Errorf("error parsing the embedded schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("error adding the schema: %w", err)
	}

	return c.Compile(schemaURL)
})

type Destination struct {
	Address        string `yaml:"address"`
	Port           uint16 `yaml:"port"`
	Weight         uint32 `yaml:"weight"`
	Forward        string `yaml:"forward"`
	UpperThreshold uint32 `yaml:"upperThreshold"`
	LowerThreshold uint32 `yaml:"lowerThreshold"`
}

func (d *Destination) UnmarshalYAML(b []byte) error {
	// Needed to break recursive calls into UnmarshalYAML
	type destination Destination

	def := &destination{
		Weight:  1,
		Forward: "masq",
	}

	if err := yaml.Unmarshal(b, def); err != nil {
		return err
	}

	*d = Destination(*def)

	return nil
}

func (d Destination) Resolve() (ipvs.Destination, error) {
	addr, err := netip.ParseAddr(d.Address)
	if err != nil {
		return ipvs.Destination{}, fmt.Errorf("bad destination address: %w", err)
	}

	fwd, err := ipvs.ParseForwardMethod(d.Forward)
	if err != nil {
		return ipvs.Destination{}, err
	}

	dst := ipvs.Destination{
		Address:        addr.Unmap(),
		Port:           d.Port,
		ForwardMethod:  fwd,
		Weight:         d.Weight,
		UpperThreshold: d.UpperThreshold,
		LowerThreshold: d.LowerThreshold,
	}
	dst.Family = dst.AddressFamily()

	return dst, nil
}

type Service struct {
	Protocol     string        `yaml:"protocol"`
	Address      string        `yaml:"address"`
	Port         uint16        `yaml:"port"`
	FWMark       uint32        `yaml:"fwmark"`
	Family       string        `yaml:"family"`
	Scheduler    string        `yaml:"scheduler"`
	Persistent   bool          `yaml:"persistent"`
	OnePacket    bool          `yaml:"onePacket"`
	Timeout      uint32        `yaml:"timeout"`
	Netmask      uint32        `yaml:"netmask"`
	PE           string        `yaml:"pe"`
	Destinations []Destination `yaml:"destinations"`
}

func (s *Service) UnmarshalYAML(b []byte) error {
	// Needed to break recursive calls into UnmarshalYAML
	type service Service

	def := &service{
		Protocol:  "tcp",
		Scheduler: string(ipvs.WeightedLeastConnection),
	}

	if err := yaml.Unmarshal(b, def); err != nil {
		return err
	}

	*s = Service(*def)

	return nil
}

// Resolve turns the description into the service handed to the kernel,
// filling in what ipvsadm would.
func (s Service) Resolve() (ipvs.Service, error) {
	svc := ipvs.Service{
		FWMark:    s.FWMark,
		Scheduler: ipvs.Scheduler(s.Scheduler),
		Timeout:   s.Timeout,
		Netmask:   s.Netmask,
		PEName:    s.PE,
	}

	if s.Family != "" {
		af, err := ipvs.ParseAddressFamily(s.Family)
		if err != nil {
			return ipvs.Service{}, err
		}
		svc.Family = af
	}

	if s.FWMark == 0 {
		addr, err := netip.ParseAddr(s.Address)
		if err != nil {
			return ipvs.Service{}, fmt.Errorf("bad service address: %w", err)
		}
		svc.Address = addr.Unmap()

		proto, err := ipvs.ParseProtocol(s.Protocol)
		if err != nil {
			return ipvs.Service{}, err
		}
		svc.Protocol = proto

		af := ipvs.Service{Address: svc.Address}.AddressFamily()
		if svc.Family != 0 && svc.Family != af {
			return ipvs.Service{}, fmt.Errorf("address %s doesn't belong to family %s", svc.Address, svc.Family)
		}
		svc.Family = af
		svc.Port = s.Port
	} else if svc.Family == 0 {
		svc.Family = ipvs.INET
	}

	if s.Persistent {
		svc.Flags |= ipvs.FlagPersistent
		if svc.Timeout == 0 {
			svc.Timeout = DefaultPersistence
		}
	}
	if s.OnePacket {
		svc.Flags |= ipvs.FlagOnePacket
	}
	if svc.Netmask == 0 {
		svc.Netmask = ipvs.DefaultNetmask(svc.Family)
	}

	return svc, nil
}

// State is the desired content of the IPVS tables.
type State struct {
	Services []Service `yaml:"services"`
}

// Target is a resolved service along with its destinations.
type Target struct {
	Service      ipvs.Service
	Destinations []ipvs.Destination
}

// Resolve checks the state for consistency and resolves every entry.
func (st *State) Resolve() ([]Target, error) {
	targets := make([]Target, 0, len(st.Services))
	for i, s := range st.Services {
		svc, err := s.Resolve()
		if err != nil {
			return nil, fmt.Errorf("service %d: %w", i, err)
		}

		for _, t := range targets {
			if t.Service.SameIdentity(svc) {
				return nil, fmt.Errorf("service %s: %w", svc.ID(), ErrDuplicate)
			}
		}

		t := Target{Service: svc}
		for j, d := range s.Destinations {
			dst, err := d.Resolve()
			if err != nil {
				return nil, fmt.Errorf("service %s: destination %d: %w", svc.ID(), j, err)
			}
			for _, o := range t.Destinations {
				if o.SameIdentity(dst) {
					return nil, fmt.Errorf("service %s: destination %s: %w", svc.ID(), dst.ID(), ErrDuplicate)
				}
			}
			t.Destinations = append(t.Destinations, dst)
		}

		targets = append(targets, t)
	}
	return targets, nil
}

// Validate checks raw YAML against the embedded JSON schema.
func Validate(b []byte) error {
	sch, err := compileSchema()
	if err != nil {
		return err
	}

	j, err := yaml.YAMLToJSON(b)
	if err != nil {
		return fmt.Errorf("error converting the state to JSON: %w", err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(j))
	if err != nil {
		return fmt.Errorf("error parsing the state: %w", err)
	}

	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("invalid state: %w", err)
	}

	return nil
}

// Parse validates and unmarshals a state. JSON documents are valid YAML flow
// documents, so both renditions go through the same path.
func Parse(b []byte) (*State, error) {
	if err := Validate(b); err != nil {
		return nil, err
	}

	st := State{}
	if err := yaml.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("error unmarshaling the state: %w", err)
	}

	if _, err := st.Resolve(); err != nil {
		return nil, err
	}

	return &st, nil
}

func Load(path string) (*State, error) {
	r, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading the state file: %w", err)
	}

	return Parse(r)
}

func (st State) String() string {
	m, err := yaml.MarshalWithOptions(st, yaml.Indent(2), yaml.IndentSequence(true))
	if err != nil {
		return "marshalling error..."
	}
	return string(m)
}
