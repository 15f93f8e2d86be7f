package regmap

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// RegisterKind distinguishes the two Modbus register tables the gateway reads.
type RegisterKind string

const (
	// InputRegister is read-only (function code 0x04).
	InputRegister RegisterKind = "input"
	// HoldingRegister is readable and writable (function codes 0x03/0x06).
	HoldingRegister RegisterKind = "holding"
)

// ValueKind describes how a raw 16-bit register value is interpreted.
type ValueKind string

const (
	ValueInt16    ValueKind = "int16"
	ValueUInt16   ValueKind = "uint16"
	ValueBitfield ValueKind = "bitfield"
	ValueEnum     ValueKind = "enum"
)

var (
	// ErrOutOfRange reports a value outside a descriptor's declared range.
	ErrOutOfRange = errors.New("value out of range")
	// ErrInvalidEnum reports a value with no entry in the enum mapping.
	ErrInvalidEnum = errors.New("invalid enum value")
	// ErrNotWritable reports a write against a read-only descriptor.
	ErrNotWritable = errors.New("register not writable")
	// ErrMalformedBits reports a bitfield value that cannot be decoded or encoded.
	ErrMalformedBits = errors.New("malformed bitfield")
)

// Descriptor declares a single register: where it lives, how its raw value is
// interpreted and which writes are legal. Descriptors are immutable once the
// map has been built.
type Descriptor struct {
	Name     string
	Address  uint16
	Register RegisterKind
	Value    ValueKind
	Scale    decimal.Decimal
	Unit     string
	Min      *float64
	Max      *float64
	Enum     map[uint16]string
	Flags    map[string]uint8
	Writable bool
}

// Map resolves semantic names to descriptors in O(1). It is loaded once at
// startup and never mutated afterwards, so lookups need no locking.
type Map struct {
	byName  map[string]Descriptor
	ordered []Descriptor
}

// New validates the descriptor table and builds the lookup map. Any malformed
// descriptor fails construction so bad tables are rejected before polling
// starts.
func New(descriptors []Descriptor) (*Map, error) {
	if len(descriptors) == 0 {
		return nil, errors.New("register map must not be empty")
	}
	type addrKey struct {
		kind RegisterKind
		addr uint16
	}
	byName := make(map[string]Descriptor, len(descriptors))
	byAddr := make(map[addrKey]string, len(descriptors))
	ordered := make([]Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, errors.New("register name must not be empty")
		}
		if _, ok := byName[d.Name]; ok {
			return nil, fmt.Errorf("duplicate register name %q", d.Name)
		}
		if d.Register != InputRegister && d.Register != HoldingRegister {
			return nil, fmt.Errorf("register %s: unknown register kind %q", d.Name, d.Register)
		}
		key := addrKey{kind: d.Register, addr: d.Address}
		if other, ok := byAddr[key]; ok {
			return nil, fmt.Errorf("register %s: address %d/%s already claimed by %s", d.Name, d.Address, d.Register, other)
		}
		if d.Writable && d.Register != HoldingRegister {
			return nil, fmt.Errorf("register %s: writable registers must be holding registers", d.Name)
		}
		switch d.Value {
		case ValueInt16, ValueUInt16:
			if d.Scale.Sign() <= 0 {
				return nil, fmt.Errorf("register %s: scale must be positive", d.Name)
			}
		case ValueEnum:
			if len(d.Enum) == 0 {
				return nil, fmt.Errorf("register %s: enum mapping must not be empty", d.Name)
			}
		case ValueBitfield:
			if len(d.Flags) == 0 {
				return nil, fmt.Errorf("register %s: bitfield flags must not be empty", d.Name)
			}
			for flag, bit := range d.Flags {
				if bit >= 16 {
					return nil, fmt.Errorf("register %s: flag %s bit %d out of range", d.Name, flag, bit)
				}
			}
		default:
			return nil, fmt.Errorf("register %s: unknown value kind %q", d.Name, d.Value)
		}
		if d.Min != nil && d.Max != nil && *d.Min > *d.Max {
			return nil, fmt.Errorf("register %s: range minimum %v exceeds maximum %v", d.Name, *d.Min, *d.Max)
		}
		byAddr[key] = d.Name
		byName[d.Name] = d
		ordered = append(ordered, d)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Register == ordered[j].Register {
			return ordered[i].Address < ordered[j].Address
		}
		return ordered[i].Register < ordered[j].Register
	})
	return &Map{byName: byName, ordered: ordered}, nil
}

// Lookup returns the descriptor for a semantic name.
func (m *Map) Lookup(name string) (Descriptor, bool) {
	d, ok := m.byName[name]
	return d, ok
}

// Descriptors returns all descriptors ordered by register kind and address.
func (m *Map) Descriptors() []Descriptor {
	out := make([]Descriptor, len(m.ordered))
	copy(out, m.ordered)
	return out
}

// ByKind returns the descriptors of one register kind ordered by address.
func (m *Map) ByKind(kind RegisterKind) []Descriptor {
	out := make([]Descriptor, 0, len(m.ordered))
	for _, d := range m.ordered {
		if d.Register == kind {
			out = append(out, d)
		}
	}
	return out
}
