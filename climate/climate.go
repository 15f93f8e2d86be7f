// Package climate maps the thermostat-style surface (mode, target
// temperature) onto the gateway's power, mode and setpoint registers. The
// controller keeps no state of its own: every read derives from the latest
// snapshot and every write goes through the command dispatcher.
package climate

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mwinther/hpgate/regmap"
	"github.com/mwinther/hpgate/state"
)

// Mode is the climate-facing operating mode.
type Mode string

const (
	ModeOff  Mode = "off"
	ModeHeat Mode = "heat"
	ModeCool Mode = "cool"
	ModeAuto Mode = "auto"
)

var (
	// ErrUnavailable reports that the registers backing a reading are not
	// valid in the current snapshot.
	ErrUnavailable = errors.New("climate state unavailable")
	// ErrUnknownMode reports a mode the controller cannot translate.
	ErrUnknownMode = errors.New("unknown climate mode")
)

// Submitter is the command surface the controller writes through. The
// production implementation is *command.Dispatcher.
type Submitter interface {
	Submit(ctx context.Context, name string, value interface{}) error
}

// Controller translates between climate semantics and raw registers.
type Controller struct {
	cache    *state.Cache
	commands Submitter
	logger   zerolog.Logger
}

// New builds a controller over the shared cache and dispatcher.
func New(cache *state.Cache, commands Submitter, logger zerolog.Logger) (*Controller, error) {
	if cache == nil {
		return nil, errors.New("state cache must not be nil")
	}
	if commands == nil {
		return nil, errors.New("command submitter must not be nil")
	}
	return &Controller{
		cache:    cache,
		commands: commands,
		logger:   logger.With().Str("component", "climate").Logger(),
	}, nil
}

// Mode derives the climate mode from the power and operation mode registers.
// A unit that is powered off reports ModeOff regardless of its mode register.
func (c *Controller) Mode() (Mode, error) {
	snap := c.cache.Current()
	power, err := enumLabel(snap, regmap.NamePower)
	if err != nil {
		return "", err
	}
	if power == "off" {
		return ModeOff, nil
	}
	label, err := enumLabel(snap, regmap.NameOperationMode)
	if err != nil {
		return "", err
	}
	switch label {
	case regmap.ModeLabelOff:
		return ModeOff, nil
	case regmap.ModeLabelHeat:
		return ModeHeat, nil
	case regmap.ModeLabelCool:
		return ModeCool, nil
	case regmap.ModeLabelAuto, regmap.ModeLabelDHW:
		// DHW runs the compressor on the unit's own schedule; the closest
		// climate translation is auto.
		return ModeAuto, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownMode, label)
}

// SetMode powers the unit on or off and selects the matching operation mode.
// ModeOff only touches the power register so the previous mode survives a
// power cycle.
func (c *Controller) SetMode(ctx context.Context, mode Mode) error {
	switch mode {
	case ModeOff:
		return c.commands.Submit(ctx, regmap.NamePower, "off")
	case ModeHeat, ModeCool, ModeAuto:
		if err := c.commands.Submit(ctx, regmap.NamePower, "on"); err != nil {
			return fmt.Errorf("set mode %s: %w", mode, err)
		}
		if err := c.commands.Submit(ctx, regmap.NameOperationMode, string(mode)); err != nil {
			return fmt.Errorf("set mode %s: %w", mode, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownMode, mode)
}

// TargetTemperature returns the active setpoint. In DHW mode the tank
// setpoint applies; all other modes use the circuit setpoint.
func (c *Controller) TargetTemperature() (float64, error) {
	snap := c.cache.Current()
	return numeric(snap, c.setpointRegister(snap))
}

// SetTargetTemperature writes the setpoint register the current mode targets.
func (c *Controller) SetTargetTemperature(ctx context.Context, value float64) error {
	return c.commands.Submit(ctx, c.setpointRegister(c.cache.Current()), value)
}

// CurrentTemperature returns the water inlet temperature, the closest reading
// to what the circuit actually delivers.
func (c *Controller) CurrentTemperature() (float64, error) {
	return numeric(c.cache.Current(), regmap.NameWaterInletTemp)
}

// Action reports what the unit is doing right now, from the operating state
// register (e.g. "idle", "heating", "defrost").
func (c *Controller) Action() (string, error) {
	return enumLabel(c.cache.Current(), regmap.NameOperatingState)
}

func (c *Controller) setpointRegister(snap *state.Snapshot) string {
	label, err := enumLabel(snap, regmap.NameOperationMode)
	if err == nil && label == regmap.ModeLabelDHW {
		return regmap.NameDHWSetpoint
	}
	return regmap.NameSetpoint
}

func enumLabel(snap *state.Snapshot, name string) (string, error) {
	entry, ok := snap.Get(name)
	if !ok || !entry.Valid {
		return "", fmt.Errorf("%w: %s", ErrUnavailable, name)
	}
	label, ok := entry.Value.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s holds %T", ErrUnavailable, name, entry.Value)
	}
	return label, nil
}

func numeric(snap *state.Snapshot, name string) (float64, error) {
	entry, ok := snap.Get(name)
	if !ok || !entry.Valid {
		return 0, fmt.Errorf("%w: %s", ErrUnavailable, name)
	}
	value, ok := entry.Value.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: %s holds %T", ErrUnavailable, name, entry.Value)
	}
	return value, nil
}
