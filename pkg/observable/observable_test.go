package observable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertyLateSubscriberSeesLatest(t *testing.T) {
	p := New(int64(10))
	p.Set(42)

	var seen []int64
	p.Subscribe(func(v int64) { seen = append(seen, v) })

	require.Equal(t, []int64{42}, seen)
}

func TestPropertySynchronousDelivery(t *testing.T) {
	p := NewEmpty[int64]()

	var seen []int64
	p.Subscribe(func(v int64) { seen = append(seen, v) })

	p.Set(1)
	p.Set(2)
	p.Set(3)

	assert.Equal(t, []int64{1, 2, 3}, seen)
}

func TestPropertyEmptyUntilFirstSet(t *testing.T) {
	p := NewEmpty[string]()

	_, ok := p.Get()
	assert.False(t, ok)

	called := false
	p.Subscribe(func(string) { called = true })
	assert.False(t, called, "no replay should happen before the first Set")

	p.Set("ready")
	assert.True(t, called)
	v, ok := p.Get()
	assert.True(t, ok)
	assert.Equal(t, "ready", v)
}

func TestSubscriptionCancel(t *testing.T) {
	p := New(0)

	count := 0
	sub := p.Subscribe(func(int) { count++ })
	require.Equal(t, 1, count) // replay

	p.Set(1)
	require.Equal(t, 2, count)

	sub.Cancel()
	p.Set(2)
	assert.Equal(t, 2, count)

	// Cancelling twice is harmless.
	sub.Cancel()
}

func TestMap(t *testing.T) {
	src := New(int64(5))
	doubled, sub := Map(src, func(v int64) int64 { return v * 2 })

	assert.Equal(t, int64(10), doubled.Value())

	src.Set(7)
	assert.Equal(t, int64(14), doubled.Value())

	sub.Cancel()
	src.Set(9)
	assert.Equal(t, int64(14), doubled.Value(), "cancelled derivation must stop updating")
}

func TestCombineRecomputesOnEitherEmission(t *testing.T) {
	a := NewEmpty[int64]()
	b := NewEmpty[int64]()
	sum, _ := Combine(a, b, func(x, y int64) int64 { return x + y })

	_, ok := sum.Get()
	assert.False(t, ok, "combined property stays empty until an input emits")

	a.Set(10)
	v, ok := sum.Get()
	require.True(t, ok)
	assert.Equal(t, int64(10), v, "missing side contributes zero")

	b.Set(5)
	assert.Equal(t, int64(15), sum.Value())

	a.Set(7)
	assert.Equal(t, int64(12), sum.Value())
}

func TestCombineObserversSeeEveryRecompute(t *testing.T) {
	a := New(int64(1))
	b := New(int64(2))
	sum, _ := Combine(a, b, func(x, y int64) int64 { return x + y })

	var seen []int64
	sum.Subscribe(func(v int64) { seen = append(seen, v) })

	a.Set(10)
	b.Set(20)

	assert.Equal(t, []int64{3, 12, 30}, seen)
}

func TestCombineCancelDetachesBothInputs(t *testing.T) {
	a := New(int64(1))
	b := New(int64(2))
	sum, sub := Combine(a, b, func(x, y int64) int64 { return x + y })
	require.Equal(t, int64(3), sum.Value())

	sub.Cancel()
	a.Set(10)
	b.Set(20)
	assert.Equal(t, int64(3), sum.Value(), "cancelled derivation must stop recomputing")
}
