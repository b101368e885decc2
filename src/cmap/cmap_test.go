package cmap

import (
	"fmt"
	"sort"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"
)

func hashInts(k int) uint32 {
	h := uint32(2166136261)
	for _, c := range strconv.Itoa(k) {
		h ^= uint32(c)
		h *= 16777619
	}
	return h
}

func TestMap(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	assert.True(t, m.Set(5, 7))
	assert.True(t, m.Set(7, 5))
	v, wait := m.Get(5)
	assert.Nil(t, wait)
	assert.Equal(t, 7, v)
	v, wait = m.Get(7)
	assert.Nil(t, wait)
	assert.Equal(t, 5, v)
	vals := m.Values()
	// Order isn't guaranteed so we must sort it now.
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	assert.Equal(t, []int{5, 7}, vals)
}

func TestWait(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	v, wait := m.Get(5)
	assert.Equal(t, 0, v) // Should be the zero value
	assert.NotNil(t, wait)
	go func() {
		m.Set(5, 7)
	}()
	<-wait
	v, wait = m.Get(5)
	assert.Nil(t, wait)
	assert.Equal(t, 7, v)
}

func TestReSet(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	assert.True(t, m.Set(5, 7))
	assert.False(t, m.Set(5, 8)) // already present; second Set is a no-op
	v, wait := m.Get(5)
	assert.Nil(t, wait)
	assert.Equal(t, 7, v)
}

func TestDelete(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	assert.True(t, m.Set(5, 7))
	m.Delete(5)
	v, wait := m.Get(5)
	assert.Equal(t, 0, v) // gone; looks like it was never set
	assert.NotNil(t, wait)
	m.Delete(9) // deleting an absent key is a no-op
}

func TestShardCount(t *testing.T) {
	New[int, int](4, hashInts)
	assert.Panics(t, func() {
		New[int, int](3, hashInts)
	})
}

func TestResize(t *testing.T) {
	for n := 10; n <= 1000; n *= 10 {
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			m := New[int, int](1, hashInts)
			for i := 0; i < n; i++ {
				m.Set(i, i)
			}
			for i := 0; i < n; i++ {
				v, wait := m.Get(i)
				assert.Equal(t, i, v, "Key %d appears to be not set or set incorrectly", i)
				assert.Nil(t, wait)
			}
		})
	}
}

func BenchmarkMapInserts(b *testing.B) {
	m := New[int, int](DefaultShardCount, hashInts)
	for i := 0; i < b.N; i++ {
		m.Set(i, i)
	}
}

func BenchmarkMapInsertsAndGets(b *testing.B) {
	// Attempts to mimic a vaguely realistic blend of writes and (more) reads.
	m := New[int, int](DefaultShardCount, hashInts)
	var wg, rg errgroup.Group
	wg.SetLimit(3)
	rg.SetLimit(12)
	for i := 0; i < b.N; i++ {
		x := i
		for j := 0; j < 10; j++ {
			wg.Go(func() error {
				for k := 0; k < 1000; k++ {
					m.Set(x, x)
				}
				return nil
			})
		}
		for j := 0; j < 100; j++ {
			rg.Go(func() error {
				for k := 0; k < 1000; k++ {
					if y, wait := m.Get(x); wait == nil && y != x {
						return fmt.Errorf("incorrect result, was %d, should be %d", y, x)
					}
				}
				return nil
			})
		}
	}
	assert.NoError(b, wg.Wait())
	assert.NoError(b, rg.Wait())
}
