package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketstream/internal/model"
)

var testKey = model.StreamKey{Symbol: "BTCUSDT", Interval: "1m"}

// sink collects emitted updates behind a lock.
type sink struct {
	mu      sync.Mutex
	updates []model.StreamUpdate
}

func (s *sink) emit(u model.StreamUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
}

func (s *sink) snapshot() []model.StreamUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.StreamUpdate, len(s.updates))
	copy(out, s.updates)
	return out
}

func testUpdate(key model.StreamKey, closePx int64) model.StreamUpdate {
	return model.StreamUpdate{
		Key: key,
		Candle: model.Candle{
			WindowStart: time.Date(2024, 7, 17, 13, 0, 0, 0, time.UTC),
			Open:        decimal.NewFromInt(closePx),
			High:        decimal.NewFromInt(closePx),
			Low:         decimal.NewFromInt(closePx),
			Close:       decimal.NewFromInt(closePx),
			Volume:      decimal.NewFromInt(1),
		},
	}
}

func Test_Offer_CoalescesBurstToLastValue(t *testing.T) {
	s := &sink{}
	d := New(20*time.Millisecond, s.emit)
	defer d.Close()

	// A burst of 10 updates for the same key: exactly one notification
	// fires, carrying the last update's data.
	for i := int64(1); i <= 10; i++ {
		d.Offer(testUpdate(testKey, 100+i))
		time.Sleep(time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(s.snapshot()) == 1
	}, time.Second, 5*time.Millisecond, "burst must coalesce to one emission")

	got := s.snapshot()
	assert.True(t, got[0].Candle.Close.Equal(decimal.NewFromInt(110)),
		"the last update in the burst is the one delivered")

	// No further emissions for the same burst.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.snapshot(), 1)
}

func Test_Offer_SeparateBurstsEmitSeparately(t *testing.T) {
	s := &sink{}
	d := New(10*time.Millisecond, s.emit)
	defer d.Close()

	d.Offer(testUpdate(testKey, 100))
	require.Eventually(t, func() bool { return len(s.snapshot()) == 1 }, time.Second, time.Millisecond)

	d.Offer(testUpdate(testKey, 200))
	require.Eventually(t, func() bool { return len(s.snapshot()) == 2 }, time.Second, time.Millisecond)

	got := s.snapshot()
	assert.True(t, got[0].Candle.Close.Equal(decimal.NewFromInt(100)))
	assert.True(t, got[1].Candle.Close.Equal(decimal.NewFromInt(200)))
}

func Test_Offer_KeysAreIndependent(t *testing.T) {
	s := &sink{}
	d := New(10*time.Millisecond, s.emit)
	defer d.Close()

	otherKey := model.StreamKey{Symbol: "ETHUSDT", Interval: "1m"}
	d.Offer(testUpdate(testKey, 100))
	d.Offer(testUpdate(otherKey, 200))

	require.Eventually(t, func() bool { return len(s.snapshot()) == 2 }, time.Second, time.Millisecond)

	keys := map[model.StreamKey]bool{}
	for _, u := range s.snapshot() {
		keys[u.Key] = true
	}
	assert.True(t, keys[testKey])
	assert.True(t, keys[otherKey])
}

func Test_Cancel_BeforeFireIsSilent(t *testing.T) {
	s := &sink{}
	d := New(20*time.Millisecond, s.emit)
	defer d.Close()

	d.Offer(testUpdate(testKey, 100))
	d.Cancel(testKey)

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, s.snapshot(), "a cancelled timer must be a no-op, not an error")
	assert.Equal(t, 0, d.PendingLen())
}

func Test_Cancel_UnknownKeyIsNoOp(t *testing.T) {
	d := New(10*time.Millisecond, func(model.StreamUpdate) {})
	defer d.Close()

	assert.NotPanics(t, func() {
		d.Cancel(model.StreamKey{Symbol: "NOPE", Interval: "1m"})
	})
}

func Test_Close_DropsPendingAndRejectsOffers(t *testing.T) {
	s := &sink{}
	d := New(20*time.Millisecond, s.emit)

	d.Offer(testUpdate(testKey, 100))
	d.Close()

	d.Offer(testUpdate(testKey, 200))
	time.Sleep(60 * time.Millisecond)

	assert.Empty(t, s.snapshot(), "no emissions after Close")
	assert.Equal(t, 0, d.PendingLen())
}
