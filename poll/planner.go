package poll

import (
	"fmt"

	"github.com/mwinther/hpgate/regmap"
	"github.com/mwinther/hpgate/transport"
)

// DefaultMaxGap is the largest address hole bridged by a single request.
// Reading a few unused registers is cheaper than an extra round trip.
const DefaultMaxGap = 8

// request is one planned block read covering a batch of descriptors.
type request struct {
	kind        regmap.RegisterKind
	start       uint16
	count       uint16
	descriptors []regmap.Descriptor
}

// planRequests groups the register map into block reads per register kind.
// Descriptors arrive ordered by address; a new segment starts when the gap to
// the previous register exceeds maxGap or the block would break the protocol
// limit of 125 registers per request.
func planRequests(m *regmap.Map, maxGap int) ([]request, error) {
	if maxGap < 0 {
		maxGap = DefaultMaxGap
	}
	var plans []request
	for _, kind := range []regmap.RegisterKind{regmap.InputRegister, regmap.HoldingRegister} {
		descriptors := m.ByKind(kind)
		if len(descriptors) == 0 {
			continue
		}
		current := request{kind: kind, start: descriptors[0].Address, count: 1, descriptors: []regmap.Descriptor{descriptors[0]}}
		for _, d := range descriptors[1:] {
			span := int(d.Address) - int(current.start) + 1
			gap := int(d.Address) - (int(current.start) + int(current.count))
			if gap > maxGap || span > transport.MaxRegistersPerRead {
				plans = append(plans, current)
				current = request{kind: kind, start: d.Address, count: 1, descriptors: []regmap.Descriptor{d}}
				continue
			}
			current.count = uint16(span)
			current.descriptors = append(current.descriptors, d)
		}
		plans = append(plans, current)
	}
	for _, plan := range plans {
		if plan.count == 0 || plan.count > transport.MaxRegistersPerRead {
			return nil, fmt.Errorf("planned request %s@%d spans %d registers", plan.kind, plan.start, plan.count)
		}
	}
	return plans, nil
}
