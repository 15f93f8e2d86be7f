// Package poll drives the periodic register scan and publishes one immutable
// device snapshot per cycle.
package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mwinther/hpgate/regmap"
	"github.com/mwinther/hpgate/state"
	"github.com/mwinther/hpgate/telemetry"
	"github.com/mwinther/hpgate/transport"
)

// DefaultInterval is the scan interval when the configuration names none.
const DefaultInterval = 30 * time.Second

// Diagnostic codes attached to invalid snapshot entries.
const (
	codeReadFailed  = "read.failed"
	codeDecodeError = "read.decode"
	codeStale       = "read.stale"
	codeUnreachable = "read.unreachable"
)

// RegisterReader is the transport surface the coordinator consumes. The
// production implementation is *transport.Client.
type RegisterReader interface {
	ReadRegisters(kind regmap.RegisterKind, start, count uint16) ([]uint16, error)
	State() transport.State
}

// Enricher may add computed entries to a cycle's decoded values before the
// snapshot is published.
type Enricher func(now time.Time, values map[string]state.DecodedValue)

// Option adjusts coordinator construction.
type Option func(*Coordinator)

// WithMaxGap overrides the request planner's gap limit.
func WithMaxGap(maxGap int) Option {
	return func(c *Coordinator) { c.maxGap = maxGap }
}

// WithStaleAfter overrides the staleness threshold, default 2x interval.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// WithEnricher registers a computed-signal hook.
func WithEnricher(fn Enricher) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.enrichers = append(c.enrichers, fn)
		}
	}
}

// WithTelemetry replaces the noop collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(c *Coordinator) {
		if collector != nil {
			c.telemetry = collector
		}
	}
}

// Coordinator owns the poll loop: it reads planned register blocks, decodes
// them through the register map and publishes snapshots to the state cache.
type Coordinator struct {
	reader    RegisterReader
	regs      *regmap.Map
	cache     *state.Cache
	logger    zerolog.Logger
	telemetry telemetry.Collector

	interval   time.Duration
	staleAfter time.Duration
	maxGap     int
	plans      []request
	enrichers  []Enricher

	cycle atomic.Uint64
	busy  atomic.Bool
}

// New plans the batched reads for the register map and returns a coordinator
// ready to run. Planning failures surface here, before any polling starts.
func New(reader RegisterReader, regs *regmap.Map, cache *state.Cache, interval time.Duration, logger zerolog.Logger, opts ...Option) (*Coordinator, error) {
	if reader == nil {
		return nil, errors.New("register reader must not be nil")
	}
	if regs == nil {
		return nil, errors.New("register map must not be nil")
	}
	if cache == nil {
		return nil, errors.New("state cache must not be nil")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	c := &Coordinator{
		reader:     reader,
		regs:       regs,
		cache:      cache,
		logger:     logger.With().Str("component", "poll").Logger(),
		telemetry:  telemetry.Noop(),
		interval:   interval,
		staleAfter: 2 * interval,
		maxGap:     DefaultMaxGap,
	}
	for _, opt := range opts {
		opt(c)
	}
	plans, err := planRequests(regs, c.maxGap)
	if err != nil {
		return nil, err
	}
	c.plans = plans
	return c, nil
}

// Interval returns the configured scan interval.
func (c *Coordinator) Interval() time.Duration {
	return c.interval
}

// Run polls on the scan interval until the context is cancelled. Cycles run
// synchronously; a trigger that fires while the previous cycle's I/O is still
// in flight is skipped, never queued.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	// Prime the cache so consumers see state before the first full interval.
	c.RunOnce(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.RunOnce(ctx, now)
		}
	}
}

// RunOnce performs a single poll cycle and reports how many registers failed.
// It returns immediately when another cycle is still in flight.
func (c *Coordinator) RunOnce(ctx context.Context, now time.Time) int {
	if !c.busy.CompareAndSwap(false, true) {
		c.logger.Warn().Msg("previous poll cycle still in flight, skipping trigger")
		c.telemetry.CycleSkipped()
		return 0
	}
	defer c.busy.Store(false)

	start := time.Now()
	cycle := c.cycle.Add(1)
	previous := c.cache.Current()
	values := make(map[string]state.DecodedValue, len(c.regs.Descriptors()))
	failures := 0
	connectionLost := false

	for _, plan := range c.plans {
		if ctx.Err() != nil {
			return failures
		}
		words, err := c.reader.ReadRegisters(plan.kind, plan.start, plan.count)
		if err != nil {
			if errors.Is(err, transport.ErrConnectionLost) {
				c.logger.Error().Err(err).Msg("gateway unreachable, carrying previous snapshot")
				connectionLost = true
				break
			}
			// Timeout or exception for this block only: isolate the failure
			// to the registers it covers.
			c.logger.Warn().Err(err).Str("kind", string(plan.kind)).Uint16("start", plan.start).Uint16("count", plan.count).Msg("block read failed")
			for _, d := range plan.descriptors {
				values[d.Name] = state.DecodedValue{Timestamp: now, Valid: false, Code: codeReadFailed}
				failures++
			}
			continue
		}
		for _, d := range plan.descriptors {
			raw := words[d.Address-plan.start]
			decoded, err := d.Decode(raw)
			if err != nil {
				c.logger.Warn().Err(err).Str("register", d.Name).Msg("decode failed")
				values[d.Name] = state.DecodedValue{Timestamp: now, Valid: false, Code: codeDecodeError}
				failures++
				continue
			}
			rawCopy := raw
			values[d.Name] = state.DecodedValue{Raw: &rawCopy, Value: decoded, Timestamp: now, Valid: true}
		}
	}

	if connectionLost {
		values, failures = c.carryPrevious(previous, now)
	}

	for _, enrich := range c.enrichers {
		enrich(now, values)
	}

	snapshot := state.NewSnapshot(values, now, cycle)
	c.cache.Publish(snapshot)

	duration := time.Since(start)
	c.telemetry.SnapshotPublished(now)
	c.telemetry.CycleCompleted(duration, failures)
	c.telemetry.ConnectionState(c.reader.State().String())
	c.logger.Debug().Uint64("cycle", cycle).Int("failures", failures).Dur("duration", duration).Msg("poll cycle published")
	return failures
}

// carryPrevious builds the replacement snapshot for an unreachable gateway:
// previous values survive, but anything older than the staleness threshold is
// flagged unavailable so consumers cannot keep trusting dead data.
func (c *Coordinator) carryPrevious(previous *state.Snapshot, now time.Time) (map[string]state.DecodedValue, int) {
	values := make(map[string]state.DecodedValue, len(c.regs.Descriptors()))
	failures := 0
	for _, d := range c.regs.Descriptors() {
		entry, ok := previous.Get(d.Name)
		if !ok {
			values[d.Name] = state.DecodedValue{Timestamp: now, Valid: false, Code: codeUnreachable}
			failures++
			continue
		}
		if entry.Valid && now.Sub(entry.Timestamp) > c.staleAfter {
			entry.Valid = false
			entry.Code = codeStale
		}
		if !entry.Valid {
			failures++
		}
		values[d.Name] = entry
	}
	return values, failures
}
