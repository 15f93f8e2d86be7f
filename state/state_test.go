package state

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(v uint16) *uint16 { return &v }

func TestSnapshotIsDetachedFromSource(t *testing.T) {
	source := map[string]DecodedValue{
		"water_inlet_temp": {Raw: raw(215), Value: 21.5, Valid: true, Timestamp: time.Now()},
	}
	snap := NewSnapshot(source, time.Now(), 1)
	source["water_inlet_temp"] = DecodedValue{Valid: false}

	entry, ok := snap.Get("water_inlet_temp")
	require.True(t, ok)
	assert.True(t, entry.Valid)
	assert.Equal(t, 21.5, entry.Value)
}

func TestCachePublishReplacesAtomically(t *testing.T) {
	cache := NewCache()
	assert.Nil(t, cache.Current())

	first := NewSnapshot(map[string]DecodedValue{"a": {Value: 1.0, Valid: true}}, time.Now(), 1)
	second := NewSnapshot(map[string]DecodedValue{"a": {Value: 2.0, Valid: true}}, time.Now(), 2)

	cache.Publish(first)
	assert.Equal(t, uint64(1), cache.Current().Cycle())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := cache.Current()
			entry, ok := snap.Get("a")
			if !ok || !entry.Valid {
				t.Error("observed torn snapshot")
				return
			}
		}
	}()
	for i := 0; i < 100; i++ {
		cache.Publish(first)
		cache.Publish(second)
	}
	close(stop)
	wg.Wait()
}

func TestSubscribeOncePerPublication(t *testing.T) {
	cache := NewCache()
	var cycles []uint64
	cancel := cache.Subscribe(func(s *Snapshot) {
		cycles = append(cycles, s.Cycle())
	})

	cache.Publish(NewSnapshot(nil, time.Now(), 1))
	cache.Publish(NewSnapshot(nil, time.Now(), 2))
	assert.Equal(t, []uint64{1, 2}, cycles)

	cancel()
	cache.Publish(NewSnapshot(nil, time.Now(), 3))
	assert.Equal(t, []uint64{1, 2}, cycles)
}
