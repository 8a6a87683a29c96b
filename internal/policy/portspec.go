package policy

import (
	"fmt"
	"strings"

	"github.com/stackhaven/warden/internal/validation"
)

// PortSpecKind tags the variants of a port specification.
type PortSpecKind string

const (
	PortSpecSingle   PortSpecKind = "SINGLE"
	PortSpecRange    PortSpecKind = "RANGE"
	PortSpecMultiple PortSpecKind = "MULTIPLE"
	PortSpecAll      PortSpecKind = "ALL"
)

// PortSpec is a tagged sum over the recognized port specifications:
// Single(port), Range(start, end), Multiple(ports) and All. Exactly the
// fields implied by Kind are set; use ParsePortSpec to build one from wire
// input.
type PortSpec struct {
	Kind  PortSpecKind
	Port  int   // Single
	Start int   // Range
	End   int   // Range
	Ports []int // Multiple
}

// PortDescriptor is one concrete port row produced by expansion. All is true
// for the "all ports" sentinel, in which case Port is zero.
type PortDescriptor struct {
	Port int
	All  bool
}

// SinglePort builds a validated SINGLE spec.
func SinglePort(port int) (PortSpec, error) {
	if err := validation.ValidatePort(port); err != nil {
		return PortSpec{}, err
	}
	return PortSpec{Kind: PortSpecSingle, Port: port}, nil
}

// PortRange builds a validated RANGE spec.
func PortRange(start, end int) (PortSpec, error) {
	if err := validation.ValidatePortRange(start, end); err != nil {
		return PortSpec{}, err
	}
	return PortSpec{Kind: PortSpecRange, Start: start, End: end}, nil
}

// ParsePortSpec parses the wire form {type, value} into a PortSpec.
// Malformed values are rejected, never clamped.
func ParsePortSpec(kind, value string) (PortSpec, error) {
	switch PortSpecKind(strings.ToUpper(strings.TrimSpace(kind))) {
	case PortSpecSingle:
		port, err := validation.ParsePort(value)
		if err != nil {
			return PortSpec{}, err
		}
		return PortSpec{Kind: PortSpecSingle, Port: port}, nil

	case PortSpecRange:
		parts := strings.SplitN(value, "-", 2)
		if len(parts) != 2 {
			return PortSpec{}, fmt.Errorf("invalid port range %q: expected start-end", value)
		}
		start, err := validation.ParsePort(parts[0])
		if err != nil {
			return PortSpec{}, err
		}
		end, err := validation.ParsePort(parts[1])
		if err != nil {
			return PortSpec{}, err
		}
		if err := validation.ValidatePortRange(start, end); err != nil {
			return PortSpec{}, err
		}
		return PortSpec{Kind: PortSpecRange, Start: start, End: end}, nil

	case PortSpecMultiple:
		entries := strings.Split(value, ",")
		if len(entries) == 0 || strings.TrimSpace(value) == "" {
			return PortSpec{}, fmt.Errorf("empty port list")
		}
		ports := make([]int, 0, len(entries))
		for _, e := range entries {
			port, err := validation.ParsePort(e)
			if err != nil {
				return PortSpec{}, err
			}
			ports = append(ports, port)
		}
		return PortSpec{Kind: PortSpecMultiple, Ports: ports}, nil

	case PortSpecAll:
		if strings.ToLower(strings.TrimSpace(value)) != "all" {
			return PortSpec{}, fmt.Errorf("invalid value %q for ALL spec (expected \"all\")", value)
		}
		return PortSpec{Kind: PortSpecAll}, nil
	}

	return PortSpec{}, fmt.Errorf("unknown port spec type: %s", kind)
}

// Expand turns the spec into concrete port descriptors, one per rule to
// create. A RANGE expands to one descriptor per port in the range.
func (s PortSpec) Expand() ([]PortDescriptor, error) {
	switch s.Kind {
	case PortSpecSingle:
		if err := validation.ValidatePort(s.Port); err != nil {
			return nil, err
		}
		return []PortDescriptor{{Port: s.Port}}, nil

	case PortSpecRange:
		if err := validation.ValidatePortRange(s.Start, s.End); err != nil {
			return nil, err
		}
		out := make([]PortDescriptor, 0, s.End-s.Start+1)
		for p := s.Start; p <= s.End; p++ {
			out = append(out, PortDescriptor{Port: p})
		}
		return out, nil

	case PortSpecMultiple:
		if len(s.Ports) == 0 {
			return nil, fmt.Errorf("empty port list")
		}
		out := make([]PortDescriptor, 0, len(s.Ports))
		for _, p := range s.Ports {
			if err := validation.ValidatePort(p); err != nil {
				return nil, err
			}
			out = append(out, PortDescriptor{Port: p})
		}
		return out, nil

	case PortSpecAll:
		return []PortDescriptor{{All: true}}, nil
	}

	return nil, fmt.Errorf("unknown port spec kind: %s", s.Kind)
}
