package regmap

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Decode converts a raw register word into the descriptor's typed value.
// Numeric kinds are scaled with exact decimal arithmetic and returned as
// float64; enums decode to their label; bitfields decode to a flag map.
func (d Descriptor) Decode(raw uint16) (interface{}, error) {
	switch d.Value {
	case ValueInt16:
		return d.scaled(decimal.NewFromInt(int64(int16(raw))))
	case ValueUInt16:
		return d.scaled(decimal.NewFromInt(int64(raw)))
	case ValueEnum:
		label, ok := d.Enum[raw]
		if !ok {
			return nil, fmt.Errorf("%w: raw %d has no label for %s", ErrInvalidEnum, raw, d.Name)
		}
		return label, nil
	case ValueBitfield:
		flags := make(map[string]bool, len(d.Flags))
		for name, bit := range d.Flags {
			if bit >= 16 {
				return nil, fmt.Errorf("%w: flag %s bit %d", ErrMalformedBits, name, bit)
			}
			flags[name] = raw&(1<<bit) != 0
		}
		return flags, nil
	default:
		return nil, fmt.Errorf("register %s: unknown value kind %q", d.Name, d.Value)
	}
}

func (d Descriptor) scaled(base decimal.Decimal) (interface{}, error) {
	scaledDec := base.Mul(d.Scale)
	value, _ := scaledDec.Float64()
	if d.Min != nil && value < *d.Min {
		return nil, fmt.Errorf("%w: %s decoded %v below minimum %v", ErrOutOfRange, d.Name, value, *d.Min)
	}
	if d.Max != nil && value > *d.Max {
		return nil, fmt.Errorf("%w: %s decoded %v above maximum %v", ErrOutOfRange, d.Name, value, *d.Max)
	}
	return value, nil
}

// Encode converts a typed value into the raw register word, failing with
// ErrNotWritable, ErrOutOfRange or ErrInvalidEnum before any transport I/O
// can happen.
func (d Descriptor) Encode(value interface{}) (uint16, error) {
	if !d.Writable {
		return 0, fmt.Errorf("%w: %s", ErrNotWritable, d.Name)
	}
	switch d.Value {
	case ValueInt16, ValueUInt16:
		number, ok := toFloat(value)
		if !ok {
			return 0, fmt.Errorf("register %s: expected numeric value, got %T", d.Name, value)
		}
		if d.Min != nil && number < *d.Min {
			return 0, fmt.Errorf("%w: %s value %v below minimum %v", ErrOutOfRange, d.Name, number, *d.Min)
		}
		if d.Max != nil && number > *d.Max {
			return 0, fmt.Errorf("%w: %s value %v above maximum %v", ErrOutOfRange, d.Name, number, *d.Max)
		}
		raw := decimal.NewFromFloat(number).Div(d.Scale).Round(0)
		if d.Value == ValueInt16 {
			v := raw.IntPart()
			if v < math.MinInt16 || v > math.MaxInt16 {
				return 0, fmt.Errorf("%w: %s raw %d overflows int16", ErrOutOfRange, d.Name, v)
			}
			return uint16(int16(v)), nil
		}
		v := raw.IntPart()
		if v < 0 || v > math.MaxUint16 {
			return 0, fmt.Errorf("%w: %s raw %d overflows uint16", ErrOutOfRange, d.Name, v)
		}
		return uint16(v), nil
	case ValueEnum:
		switch v := value.(type) {
		case string:
			for raw, label := range d.Enum {
				if label == v {
					return raw, nil
				}
			}
			return 0, fmt.Errorf("%w: %q is not a label of %s", ErrInvalidEnum, v, d.Name)
		default:
			number, ok := toFloat(value)
			if !ok || number != math.Trunc(number) || number < 0 || number > math.MaxUint16 {
				return 0, fmt.Errorf("%w: %v is not a member of %s", ErrInvalidEnum, value, d.Name)
			}
			raw := uint16(number)
			if _, ok := d.Enum[raw]; !ok {
				return 0, fmt.Errorf("%w: raw %d is not a member of %s", ErrInvalidEnum, raw, d.Name)
			}
			return raw, nil
		}
	case ValueBitfield:
		flags, ok := value.(map[string]bool)
		if !ok {
			return 0, fmt.Errorf("%w: %s expects a flag map, got %T", ErrMalformedBits, d.Name, value)
		}
		var raw uint16
		for name, set := range flags {
			bit, ok := d.Flags[name]
			if !ok {
				return 0, fmt.Errorf("%w: unknown flag %s for %s", ErrMalformedBits, name, d.Name)
			}
			if set {
				raw |= 1 << bit
			}
		}
		return raw, nil
	default:
		return 0, fmt.Errorf("register %s: unknown value kind %q", d.Name, d.Value)
	}
}

// RawTolerance returns the raw-word distance considered equal for read-back
// confirmation: one scale unit for numeric kinds, exact match otherwise.
func (d Descriptor) RawTolerance() uint16 {
	switch d.Value {
	case ValueInt16, ValueUInt16:
		return 1
	default:
		return 0
	}
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	case float32:
		return toFloat(float64(v))
	case int:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, true
	default:
		return 0, false
	}
}
