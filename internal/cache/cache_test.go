package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCache() (*Cache[[]string], *clock) {
	clk := &clock{t: time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)}
	c := NewCache[[]string]()
	c.now = clk.now
	return c, clk
}

func TestCache_FreshStaleVeryStale(t *testing.T) {
	c, clk := newTestCache()
	c.Set("lines", []string{"01", "02"}, 5*time.Minute, "memory")

	value, ok := c.Get("lines")
	require.True(t, ok)
	assert.Equal(t, []string{"01", "02"}, value)
	assert.False(t, c.IsStale("lines"))

	clk.t = clk.t.Add(6 * time.Minute)
	_, ok = c.Get("lines")
	assert.False(t, ok, "stale entries are not returned by Get")
	assert.True(t, c.IsStale("lines"))
	assert.False(t, c.IsVeryStale("lines"))

	entry, ok := c.GetWithMetadata("lines")
	require.True(t, ok, "stale entries remain available as a fallback")
	assert.Equal(t, "memory", entry.Source)

	clk.t = clk.t.Add(5 * time.Minute)
	assert.True(t, c.IsVeryStale("lines"))
	assert.Equal(t, 1, c.CleanupVeryStale())
	_, ok = c.GetWithMetadata("lines")
	assert.False(t, ok)
}

func TestCache_ExpireKeepsEntries(t *testing.T) {
	c, _ := newTestCache()
	c.Set("a", []string{"x"}, time.Hour, "test")
	c.Set("b", []string{"y"}, time.Hour, "test")

	c.Expire()

	assert.True(t, c.IsStale("a"))
	stats := c.Stats()
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 2, stats.StaleEntries)

	c.Delete("a")
	assert.Equal(t, 1, c.Stats().TotalEntries)
	c.Clear()
	assert.Equal(t, 0, c.Stats().TotalEntries)
	assert.True(t, c.IsStale("missing"))
}

func TestCache_PeriodicCleanupWithPlainContext(t *testing.T) {
	c, clk := newTestCache()
	c.Set("lines", []string{"01"}, time.Minute, "memory")
	clk.t = clk.t.Add(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartPeriodicCleanup(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return c.Stats().TotalEntries == 0
	}, time.Second, 5*time.Millisecond)
}
