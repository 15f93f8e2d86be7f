// Package command validates writes against the register map, pushes them to
// the device and confirms them against subsequent poll cycles.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mwinther/hpgate/regmap"
	"github.com/mwinther/hpgate/state"
	"github.com/mwinther/hpgate/telemetry"
)

// DefaultConfirmCycles is how many poll publications a write may wait for its
// read-back before it is reported unconfirmed.
const DefaultConfirmCycles = 2

var (
	// ErrUnknownRegister reports a command for a name the register map does not contain.
	ErrUnknownRegister = errors.New("unknown register")
	// ErrUnconfirmed reports a write that was accepted by the device but whose
	// read-back never matched within the confirmation window.
	ErrUnconfirmed = errors.New("write not confirmed")
	// ErrSuperseded reports a pending write replaced by a newer one for the
	// same register before its confirmation window closed.
	ErrSuperseded = errors.New("write superseded")
)

// RegisterWriter is the transport surface the dispatcher needs. The
// production implementation is *transport.Client.
type RegisterWriter interface {
	WriteRegister(address, value uint16) error
}

// Option adjusts dispatcher construction.
type Option func(*Dispatcher)

// WithConfirmCycles overrides the confirmation window length.
func WithConfirmCycles(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.confirmCycles = n
		}
	}
}

// WithTelemetry replaces the noop collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(d *Dispatcher) {
		if collector != nil {
			d.telemetry = collector
		}
	}
}

type pendingWrite struct {
	raw        uint16
	superseded chan struct{}
}

// Dispatcher serializes the validate/write/confirm flow for device commands.
// At most one write per register is pending; a newer submission supersedes
// the older one.
type Dispatcher struct {
	writer        RegisterWriter
	regs          *regmap.Map
	cache         *state.Cache
	logger        zerolog.Logger
	telemetry     telemetry.Collector
	confirmCycles int

	mu      sync.Mutex
	pending map[string]*pendingWrite
}

// New builds a dispatcher over the shared register map and state cache.
func New(writer RegisterWriter, regs *regmap.Map, cache *state.Cache, logger zerolog.Logger, opts ...Option) (*Dispatcher, error) {
	if writer == nil {
		return nil, errors.New("register writer must not be nil")
	}
	if regs == nil {
		return nil, errors.New("register map must not be nil")
	}
	if cache == nil {
		return nil, errors.New("state cache must not be nil")
	}
	d := &Dispatcher{
		writer:        writer,
		regs:          regs,
		cache:         cache,
		logger:        logger.With().Str("component", "command").Logger(),
		telemetry:     telemetry.Noop(),
		confirmCycles: DefaultConfirmCycles,
		pending:       make(map[string]*pendingWrite),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Submit validates value against the named register, writes it and blocks
// until the write is confirmed by a poll read-back, superseded by a newer
// write, reported unconfirmed, or the context ends. Validation failures
// return before any transport I/O.
func (d *Dispatcher) Submit(ctx context.Context, name string, value interface{}) error {
	desc, ok := d.regs.Lookup(name)
	if !ok {
		d.telemetry.CommandResult("rejected")
		return fmt.Errorf("%w: %s", ErrUnknownRegister, name)
	}
	raw, err := desc.Encode(value)
	if err != nil {
		d.telemetry.CommandResult("rejected")
		return fmt.Errorf("command %s: %w", name, err)
	}

	entry := &pendingWrite{raw: raw, superseded: make(chan struct{})}
	d.mu.Lock()
	if prior, exists := d.pending[name]; exists {
		close(prior.superseded)
	}
	d.pending[name] = entry
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.pending[name] == entry {
			delete(d.pending, name)
		}
		d.mu.Unlock()
	}()

	// Subscribe before writing so the confirmation cannot race the first
	// publication after the write lands.
	tolerance := desc.RawTolerance()
	result := make(chan error, 1)
	var once sync.Once
	cycles := 0
	unsubscribe := d.cache.Subscribe(func(s *state.Snapshot) {
		readback, ok := s.Get(name)
		if ok && readback.Valid && readback.Raw != nil && rawDiff(*readback.Raw, raw) <= tolerance {
			once.Do(func() { result <- nil })
			return
		}
		cycles++
		if cycles >= d.confirmCycles {
			once.Do(func() { result <- ErrUnconfirmed })
		}
	})
	defer unsubscribe()

	if err := d.writer.WriteRegister(desc.Address, raw); err != nil {
		d.telemetry.CommandResult("write_failed")
		return fmt.Errorf("command %s: %w", name, err)
	}
	d.logger.Info().Str("register", name).Uint16("raw", raw).Msg("write submitted")

	select {
	case err := <-result:
		if err != nil {
			d.telemetry.CommandResult("unconfirmed")
			d.logger.Warn().Str("register", name).Uint16("raw", raw).Msg("write not confirmed by read-back")
			return fmt.Errorf("command %s: %w", name, err)
		}
		d.telemetry.CommandResult("confirmed")
		d.logger.Debug().Str("register", name).Msg("write confirmed")
		return nil
	case <-entry.superseded:
		d.telemetry.CommandResult("superseded")
		return fmt.Errorf("command %s: %w", name, ErrSuperseded)
	case <-ctx.Done():
		d.telemetry.CommandResult("cancelled")
		return ctx.Err()
	}
}

// rawDiff is the distance between two raw words modulo 2^16, so adjacent
// int16 values around the sign boundary still compare as one unit apart.
func rawDiff(a, b uint16) uint16 {
	diff := a - b
	if diff > 0x8000 {
		diff = -diff
	}
	return diff
}
