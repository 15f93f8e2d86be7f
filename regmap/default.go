package regmap

import "github.com/shopspring/decimal"

// Operation mode labels of the mode selector register.
const (
	ModeLabelOff  = "off"
	ModeLabelHeat = "heat"
	ModeLabelCool = "cool"
	ModeLabelAuto = "auto"
	ModeLabelDHW  = "dhw"
)

// Well-known semantic register names used by the climate translation layer.
const (
	NamePower          = "power"
	NameOperationMode  = "operation_mode"
	NameSetpoint       = "setpoint_temp"
	NameDHWSetpoint    = "dhw_setpoint"
	NameWaterInletTemp = "water_inlet_temp"
	NameOutletTemp     = "water_outlet_temp"
	NameOperatingState = "operating_state"
)

var (
	scaleTenth = decimal.RequireFromString("0.1")
	scaleOne   = decimal.NewFromInt(1)

	operationModes = map[uint16]string{
		0: ModeLabelOff,
		1: ModeLabelHeat,
		2: ModeLabelCool,
		3: ModeLabelAuto,
		4: ModeLabelDHW,
	}
	operatingStates = map[uint16]string{
		0:  "idle",
		1:  "heating",
		2:  "cooling",
		3:  "defrost",
		4:  "dhw",
		5:  "standby",
		99: "error",
	}
	fanModes = map[uint16]string{
		0: "auto",
		1: "low",
		2: "medium",
		3: "high",
	}
	onOff = map[uint16]string{
		0: "off",
		1: "on",
	}
)

func bound(v float64) *float64 { return &v }

// Default returns the register table for the Chiltrix CX50 controller. The
// addresses follow the CX34/CX35 documentation and are best-guess values
// pending firmware verification, which is why the table is plain data that a
// deployment can replace through configuration.
func Default() []Descriptor {
	return []Descriptor{
		// Sensor values, input registers.
		{Name: NameWaterInletTemp, Address: 1000, Register: InputRegister, Value: ValueInt16, Scale: scaleTenth, Unit: "°C", Min: bound(-40), Max: bound(100)},
		{Name: NameOutletTemp, Address: 1001, Register: InputRegister, Value: ValueInt16, Scale: scaleTenth, Unit: "°C", Min: bound(-40), Max: bound(100)},
		{Name: "ambient_temp", Address: 1002, Register: InputRegister, Value: ValueInt16, Scale: scaleTenth, Unit: "°C", Min: bound(-50), Max: bound(60)},
		{Name: "coil_temp", Address: 1003, Register: InputRegister, Value: ValueInt16, Scale: scaleTenth, Unit: "°C"},
		{Name: "discharge_temp", Address: 1004, Register: InputRegister, Value: ValueInt16, Scale: scaleTenth, Unit: "°C"},
		{Name: "suction_temp", Address: 1005, Register: InputRegister, Value: ValueInt16, Scale: scaleTenth, Unit: "°C"},
		{Name: "current_power", Address: 1010, Register: InputRegister, Value: ValueUInt16, Scale: scaleOne, Unit: "W"},
		{Name: "flow_rate", Address: 1011, Register: InputRegister, Value: ValueUInt16, Scale: scaleTenth, Unit: "L/min"},
		{Name: "compressor_speed", Address: 1012, Register: InputRegister, Value: ValueUInt16, Scale: scaleOne, Unit: "%", Min: bound(0), Max: bound(100)},
		{Name: "fan_speed", Address: 1013, Register: InputRegister, Value: ValueUInt16, Scale: scaleOne, Unit: "%", Min: bound(0), Max: bound(100)},
		{Name: "pump_speed", Address: 1014, Register: InputRegister, Value: ValueUInt16, Scale: scaleOne, Unit: "%", Min: bound(0), Max: bound(100)},
		{Name: "system_pressure", Address: 1015, Register: InputRegister, Value: ValueUInt16, Scale: scaleTenth, Unit: "bar"},
		{Name: "error_code", Address: 1020, Register: InputRegister, Value: ValueUInt16, Scale: scaleOne},
		{Name: NameOperatingState, Address: 1021, Register: InputRegister, Value: ValueEnum, Enum: operatingStates},
		{Name: "run_hours_high", Address: 1030, Register: InputRegister, Value: ValueUInt16, Scale: scaleOne, Unit: "h"},
		{Name: "run_hours_low", Address: 1031, Register: InputRegister, Value: ValueUInt16, Scale: scaleOne, Unit: "h"},
		{Name: "compressor_starts", Address: 1032, Register: InputRegister, Value: ValueUInt16, Scale: scaleOne},
		{Name: "defrost_count", Address: 1033, Register: InputRegister, Value: ValueUInt16, Scale: scaleOne},
		{Name: "cop", Address: 1040, Register: InputRegister, Value: ValueUInt16, Scale: scaleTenth},
		{Name: "heating_capacity", Address: 1041, Register: InputRegister, Value: ValueUInt16, Scale: scaleTenth, Unit: "kW"},
		{Name: "cooling_capacity", Address: 1042, Register: InputRegister, Value: ValueUInt16, Scale: scaleTenth, Unit: "kW"},

		// Control values, holding registers.
		{Name: NameSetpoint, Address: 2000, Register: HoldingRegister, Value: ValueInt16, Scale: scaleTenth, Unit: "°C", Min: bound(15), Max: bound(60), Writable: true},
		{Name: NameOperationMode, Address: 2001, Register: HoldingRegister, Value: ValueEnum, Enum: operationModes, Writable: true},
		{Name: "fan_mode", Address: 2002, Register: HoldingRegister, Value: ValueEnum, Enum: fanModes, Writable: true},
		{Name: "min_pump_speed", Address: 2003, Register: HoldingRegister, Value: ValueUInt16, Scale: scaleOne, Unit: "%", Min: bound(0), Max: bound(100), Writable: true},
		{Name: "max_pump_speed", Address: 2004, Register: HoldingRegister, Value: ValueUInt16, Scale: scaleOne, Unit: "%", Min: bound(0), Max: bound(100), Writable: true},
		{Name: NameDHWSetpoint, Address: 2005, Register: HoldingRegister, Value: ValueInt16, Scale: scaleTenth, Unit: "°C", Min: bound(35), Max: bound(65), Writable: true},
		{Name: "dhw_mode", Address: 2006, Register: HoldingRegister, Value: ValueEnum, Enum: onOff, Writable: true},
		{Name: "antifreeze_temp", Address: 2007, Register: HoldingRegister, Value: ValueInt16, Scale: scaleTenth, Unit: "°C", Min: bound(-20), Max: bound(20), Writable: true},
		{Name: "max_outlet_temp", Address: 2008, Register: HoldingRegister, Value: ValueInt16, Scale: scaleTenth, Unit: "°C", Min: bound(20), Max: bound(65), Writable: true},
		{Name: "min_outlet_temp", Address: 2009, Register: HoldingRegister, Value: ValueInt16, Scale: scaleTenth, Unit: "°C", Min: bound(10), Max: bound(40), Writable: true},
		{Name: NamePower, Address: 2010, Register: HoldingRegister, Value: ValueEnum, Enum: onOff, Writable: true},
	}
}
