package regmap

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMap(t *testing.T, descriptors ...Descriptor) *Map {
	t.Helper()
	m, err := New(descriptors)
	require.NoError(t, err)
	return m
}

func TestDecodeScalesTemperature(t *testing.T) {
	d := Descriptor{Name: "water_inlet_temp", Address: 1000, Register: InputRegister, Value: ValueInt16, Scale: decimal.RequireFromString("0.1"), Unit: "°C"}
	value, err := d.Decode(215)
	require.NoError(t, err)
	assert.Equal(t, 21.5, value)

	// int16 raw values are sign extended before scaling: 0xFFCB is -53.
	value, err = d.Decode(0xFFCB)
	require.NoError(t, err)
	assert.Equal(t, -5.3, value)
}

func TestDecodeIsIdempotent(t *testing.T) {
	d := Descriptor{Name: "flow_rate", Address: 1011, Register: InputRegister, Value: ValueUInt16, Scale: decimal.RequireFromString("0.1")}
	first, err := d.Decode(123)
	require.NoError(t, err)
	second, err := d.Decode(123)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecodeRejectsImplausibleValues(t *testing.T) {
	d := Descriptor{Name: "ambient_temp", Address: 1002, Register: InputRegister, Value: ValueInt16, Scale: decimal.RequireFromString("0.1"), Min: bound(-50), Max: bound(60)}
	_, err := d.Decode(3000) // 300.0 °C
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestDecodeEnumAndBitfield(t *testing.T) {
	mode := Descriptor{Name: "operation_mode", Address: 2001, Register: HoldingRegister, Value: ValueEnum, Enum: map[uint16]string{0: "off", 1: "heat"}, Writable: true}
	value, err := mode.Decode(1)
	require.NoError(t, err)
	assert.Equal(t, "heat", value)

	_, err = mode.Decode(9)
	require.ErrorIs(t, err, ErrInvalidEnum)

	status := Descriptor{Name: "status_bits", Address: 1050, Register: InputRegister, Value: ValueBitfield, Flags: map[string]uint8{"pump": 0, "defrost": 3}}
	value, err = status.Decode(0b1001)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"pump": true, "defrost": true}, value)
}

func TestEncodeValidatesRange(t *testing.T) {
	d := Descriptor{Name: "dhw_setpoint", Address: 2050, Register: HoldingRegister, Value: ValueInt16, Scale: decimal.RequireFromString("0.1"), Min: bound(35), Max: bound(65), Writable: true}

	_, err := d.Encode(70.0)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = d.Encode(30.0)
	require.ErrorIs(t, err, ErrOutOfRange)

	raw, err := d.Encode(45.0)
	require.NoError(t, err)
	assert.Equal(t, uint16(450), raw)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := Descriptor{Name: "setpoint_temp", Address: 2000, Register: HoldingRegister, Value: ValueInt16, Scale: decimal.RequireFromString("0.1"), Min: bound(15), Max: bound(60), Writable: true}
	for _, v := range []float64{15.0, 21.5, 36.4, 60.0} {
		raw, err := d.Encode(v)
		require.NoError(t, err)
		decoded, err := d.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, v, decoded)
	}
}

func TestEncodeEnum(t *testing.T) {
	d := Descriptor{Name: "operation_mode", Address: 2001, Register: HoldingRegister, Value: ValueEnum, Enum: map[uint16]string{0: "off", 1: "heat", 2: "cool"}, Writable: true}

	raw, err := d.Encode("cool")
	require.NoError(t, err)
	assert.Equal(t, uint16(2), raw)

	raw, err = d.Encode(1)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), raw)

	_, err = d.Encode("defrost")
	require.ErrorIs(t, err, ErrInvalidEnum)
	_, err = d.Encode(7)
	require.ErrorIs(t, err, ErrInvalidEnum)
}

func TestEncodeRequiresWritable(t *testing.T) {
	d := Descriptor{Name: "water_inlet_temp", Address: 1000, Register: InputRegister, Value: ValueInt16, Scale: decimal.RequireFromString("0.1")}
	_, err := d.Encode(21.5)
	require.ErrorIs(t, err, ErrNotWritable)
}

func TestNewRejectsMalformedTables(t *testing.T) {
	base := Descriptor{Name: "a", Address: 10, Register: InputRegister, Value: ValueUInt16, Scale: decimal.NewFromInt(1)}

	_, err := New([]Descriptor{base, {Name: "a", Address: 11, Register: InputRegister, Value: ValueUInt16, Scale: decimal.NewFromInt(1)}})
	assert.ErrorContains(t, err, "duplicate register name")

	_, err = New([]Descriptor{base, {Name: "b", Address: 10, Register: InputRegister, Value: ValueUInt16, Scale: decimal.NewFromInt(1)}})
	assert.ErrorContains(t, err, "already claimed")

	_, err = New([]Descriptor{{Name: "w", Address: 10, Register: InputRegister, Value: ValueUInt16, Scale: decimal.NewFromInt(1), Writable: true}})
	assert.ErrorContains(t, err, "must be holding registers")

	_, err = New([]Descriptor{{Name: "s", Address: 10, Register: InputRegister, Value: ValueUInt16}})
	assert.ErrorContains(t, err, "scale must be positive")

	_, err = New([]Descriptor{{Name: "e", Address: 10, Register: InputRegister, Value: ValueEnum}})
	assert.ErrorContains(t, err, "enum mapping must not be empty")

	_, err = New([]Descriptor{{Name: "r", Address: 10, Register: InputRegister, Value: ValueUInt16, Scale: decimal.NewFromInt(1), Min: bound(10), Max: bound(5)}})
	assert.ErrorContains(t, err, "exceeds maximum")
}

func TestDefaultTableIsValid(t *testing.T) {
	m := mustMap(t, Default()...)

	inlet, ok := m.Lookup(NameWaterInletTemp)
	require.True(t, ok)
	assert.Equal(t, uint16(1000), inlet.Address)
	assert.Equal(t, InputRegister, inlet.Register)

	dhw, ok := m.Lookup(NameDHWSetpoint)
	require.True(t, ok)
	assert.True(t, dhw.Writable)
	assert.Equal(t, HoldingRegister, dhw.Register)

	holding := m.ByKind(HoldingRegister)
	for _, d := range holding {
		assert.Equal(t, HoldingRegister, d.Register)
	}
}
