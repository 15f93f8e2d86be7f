package poll

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwinther/hpgate/regmap"
	"github.com/mwinther/hpgate/state"
	"github.com/mwinther/hpgate/transport"
)

type fakeReader struct {
	mu      sync.Mutex
	memory  map[regmap.RegisterKind]map[uint16]uint16
	fail    map[string]error
	state   transport.State
	blocked chan struct{}
	calls   int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		memory: map[regmap.RegisterKind]map[uint16]uint16{
			regmap.InputRegister:   {},
			regmap.HoldingRegister: {},
		},
		fail:  map[string]error{},
		state: transport.Connected,
	}
}

func (f *fakeReader) set(kind regmap.RegisterKind, addr, value uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memory[kind][addr] = value
}

func (f *fakeReader) failBlock(kind regmap.RegisterKind, start uint16, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[fmt.Sprintf("%s/%d", kind, start)] = err
}

func (f *fakeReader) ReadRegisters(kind regmap.RegisterKind, start, count uint16) ([]uint16, error) {
	if f.blocked != nil {
		<-f.blocked
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.fail[fmt.Sprintf("%s/%d", kind, start)]; ok && err != nil {
		return nil, err
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = f.memory[kind][start+uint16(i)]
	}
	return words, nil
}

func (f *fakeReader) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

type countingCollector struct {
	mu        sync.Mutex
	completed int
	skipped   int
	failures  int
	states    []string
}

func (c *countingCollector) CycleCompleted(_ time.Duration, failures int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
	c.failures += failures
}

func (c *countingCollector) SnapshotPublished(time.Time) {}

func (c *countingCollector) CycleSkipped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped++
}

func (c *countingCollector) ConnectionState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, state)
}

func (c *countingCollector) CommandResult(string) {}

func tenth() decimal.Decimal { return decimal.RequireFromString("0.1") }

func testMap(t *testing.T) *regmap.Map {
	t.Helper()
	m, err := regmap.New([]regmap.Descriptor{
		{Name: "inlet_temp", Address: 1000, Register: regmap.InputRegister, Value: regmap.ValueInt16, Scale: tenth()},
		{Name: "outlet_temp", Address: 1001, Register: regmap.InputRegister, Value: regmap.ValueInt16, Scale: tenth()},
		// Far enough from the first block to force a second request.
		{Name: "run_hours", Address: 1040, Register: regmap.InputRegister, Value: regmap.ValueUInt16, Scale: decimal.NewFromInt(1)},
		{Name: "setpoint", Address: 2000, Register: regmap.HoldingRegister, Value: regmap.ValueInt16, Scale: tenth(), Writable: true},
	})
	require.NoError(t, err)
	return m
}

func TestPlanRequestsSegmentsByGapAndKind(t *testing.T) {
	m := testMap(t)
	plans, err := planRequests(m, DefaultMaxGap)
	require.NoError(t, err)
	require.Len(t, plans, 3)

	assert.Equal(t, regmap.InputRegister, plans[0].kind)
	assert.Equal(t, uint16(1000), plans[0].start)
	assert.Equal(t, uint16(2), plans[0].count)

	assert.Equal(t, uint16(1040), plans[1].start)
	assert.Equal(t, uint16(1), plans[1].count)

	assert.Equal(t, regmap.HoldingRegister, plans[2].kind)
	assert.Equal(t, uint16(2000), plans[2].start)
}

func TestPlanRequestsBridgesSmallGaps(t *testing.T) {
	m, err := regmap.New([]regmap.Descriptor{
		{Name: "a", Address: 100, Register: regmap.InputRegister, Value: regmap.ValueUInt16, Scale: decimal.NewFromInt(1)},
		{Name: "b", Address: 105, Register: regmap.InputRegister, Value: regmap.ValueUInt16, Scale: decimal.NewFromInt(1)},
	})
	require.NoError(t, err)

	plans, err := planRequests(m, DefaultMaxGap)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, uint16(100), plans[0].start)
	assert.Equal(t, uint16(6), plans[0].count)
}

func TestPlanRequestsRespectsProtocolLimit(t *testing.T) {
	descriptors := make([]regmap.Descriptor, 0, 130)
	for i := 0; i < 130; i++ {
		descriptors = append(descriptors, regmap.Descriptor{
			Name:     fmt.Sprintf("reg_%d", i),
			Address:  uint16(i),
			Register: regmap.InputRegister,
			Value:    regmap.ValueUInt16,
			Scale:    decimal.NewFromInt(1),
		})
	}
	m, err := regmap.New(descriptors)
	require.NoError(t, err)

	plans, err := planRequests(m, DefaultMaxGap)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, uint16(125), plans[0].count)
	assert.Equal(t, uint16(125), plans[1].start)
	assert.Equal(t, uint16(5), plans[1].count)
}

func newCoordinator(t *testing.T, reader RegisterReader, cache *state.Cache, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(reader, testMap(t), cache, time.Second, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return c
}

func TestRunOncePublishesDecodedSnapshot(t *testing.T) {
	reader := newFakeReader()
	reader.set(regmap.InputRegister, 1000, 215)
	reader.set(regmap.InputRegister, 1001, 0xFFCB) // -53 raw, -5.3 scaled
	reader.set(regmap.InputRegister, 1040, 4711)
	reader.set(regmap.HoldingRegister, 2000, 450)
	cache := state.NewCache()
	c := newCoordinator(t, reader, cache)

	now := time.Now()
	failures := c.RunOnce(context.Background(), now)
	require.Zero(t, failures)

	snap := cache.Current()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(1), snap.Cycle())
	assert.Equal(t, now, snap.Taken())

	inlet, ok := snap.Get("inlet_temp")
	require.True(t, ok)
	require.True(t, inlet.Valid)
	assert.InDelta(t, 21.5, inlet.Value.(float64), 1e-9)
	require.NotNil(t, inlet.Raw)
	assert.Equal(t, uint16(215), *inlet.Raw)

	outlet, _ := snap.Get("outlet_temp")
	assert.InDelta(t, -5.3, outlet.Value.(float64), 1e-9)

	setpoint, _ := snap.Get("setpoint")
	assert.InDelta(t, 45.0, setpoint.Value.(float64), 1e-9)
}

func TestRunOnceIsolatesBlockFailures(t *testing.T) {
	reader := newFakeReader()
	reader.set(regmap.InputRegister, 1000, 215)
	reader.set(regmap.InputRegister, 1001, 220)
	reader.set(regmap.HoldingRegister, 2000, 450)
	reader.failBlock(regmap.InputRegister, 1040, fmt.Errorf("read block: %w", transport.ErrProtocol))
	cache := state.NewCache()
	collector := &countingCollector{}
	c := newCoordinator(t, reader, cache, WithTelemetry(collector))

	failures := c.RunOnce(context.Background(), time.Now())
	assert.Equal(t, 1, failures)

	snap := cache.Current()
	inlet, _ := snap.Get("inlet_temp")
	assert.True(t, inlet.Valid)

	hours, ok := snap.Get("run_hours")
	require.True(t, ok)
	assert.False(t, hours.Valid)
	assert.Equal(t, "read.failed", hours.Code)
	assert.Nil(t, hours.Raw)

	setpoint, _ := snap.Get("setpoint")
	assert.True(t, setpoint.Valid)

	assert.Equal(t, 1, collector.completed)
	assert.Equal(t, 1, collector.failures)
}

func TestRunOnceCarriesPreviousOnConnectionLoss(t *testing.T) {
	reader := newFakeReader()
	reader.set(regmap.InputRegister, 1000, 215)
	reader.set(regmap.InputRegister, 1001, 220)
	reader.set(regmap.InputRegister, 1040, 100)
	reader.set(regmap.HoldingRegister, 2000, 450)
	cache := state.NewCache()
	c := newCoordinator(t, reader, cache, WithStaleAfter(2*time.Second))

	first := time.Now()
	require.Zero(t, c.RunOnce(context.Background(), first))

	reader.failBlock(regmap.InputRegister, 1000, transport.ErrConnectionLost)

	// Within the staleness window the previous values stay usable.
	c.RunOnce(context.Background(), first.Add(time.Second))
	snap := cache.Current()
	assert.Equal(t, uint64(2), snap.Cycle())
	inlet, _ := snap.Get("inlet_temp")
	assert.True(t, inlet.Valid)
	assert.InDelta(t, 21.5, inlet.Value.(float64), 1e-9)
	assert.Equal(t, first, inlet.Timestamp)

	// Past the threshold the carried values flip to unavailable.
	failures := c.RunOnce(context.Background(), first.Add(3*time.Second))
	assert.Equal(t, 4, failures)
	snap = cache.Current()
	inlet, _ = snap.Get("inlet_temp")
	assert.False(t, inlet.Valid)
	assert.Equal(t, "read.stale", inlet.Code)
}

func TestRunOnceSkipsWhenCycleInFlight(t *testing.T) {
	reader := newFakeReader()
	reader.blocked = make(chan struct{})
	cache := state.NewCache()
	collector := &countingCollector{}
	c := newCoordinator(t, reader, cache, WithTelemetry(collector))

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.RunOnce(context.Background(), time.Now())
	}()

	// Wait until the first cycle is inside the blocked read.
	require.Eventually(t, func() bool {
		return c.busy.Load()
	}, time.Second, time.Millisecond)

	c.RunOnce(context.Background(), time.Now())
	close(reader.blocked)
	<-done

	collector.mu.Lock()
	defer collector.mu.Unlock()
	assert.Equal(t, 1, collector.skipped)
	assert.Equal(t, 1, collector.completed)
}

func TestRunOnceDoesNotPublishOnCancelledContext(t *testing.T) {
	reader := newFakeReader()
	cache := state.NewCache()
	c := newCoordinator(t, reader, cache)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.RunOnce(ctx, time.Now())
	assert.Nil(t, cache.Current())
}

func TestRunOnceMarksDecodeFailures(t *testing.T) {
	m, err := regmap.New([]regmap.Descriptor{
		{Name: "mode", Address: 2001, Register: regmap.HoldingRegister, Value: regmap.ValueEnum,
			Scale: decimal.NewFromInt(1), Enum: map[uint16]string{0: "off", 1: "heat"}, Writable: true},
	})
	require.NoError(t, err)
	reader := newFakeReader()
	reader.set(regmap.HoldingRegister, 2001, 9)
	cache := state.NewCache()
	c, err := New(reader, m, cache, time.Second, zerolog.Nop())
	require.NoError(t, err)

	failures := c.RunOnce(context.Background(), time.Now())
	assert.Equal(t, 1, failures)
	mode, _ := cache.Current().Get("mode")
	assert.False(t, mode.Valid)
	assert.Equal(t, "read.decode", mode.Code)
}

func TestRunOnceRunsEnrichers(t *testing.T) {
	reader := newFakeReader()
	reader.set(regmap.InputRegister, 1000, 200)
	reader.set(regmap.InputRegister, 1001, 250)
	cache := state.NewCache()
	enricher := func(now time.Time, values map[string]state.DecodedValue) {
		in, inOK := values["inlet_temp"]
		out, outOK := values["outlet_temp"]
		if !inOK || !outOK || !in.Valid || !out.Valid {
			return
		}
		delta := out.Value.(float64) - in.Value.(float64)
		values["delta_t"] = state.DecodedValue{Value: delta, Timestamp: now, Valid: true}
	}
	c := newCoordinator(t, reader, cache, WithEnricher(enricher))

	c.RunOnce(context.Background(), time.Now())
	delta, ok := cache.Current().Get("delta_t")
	require.True(t, ok)
	assert.InDelta(t, 5.0, delta.Value.(float64), 1e-9)
}
