package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_SetClearTest(t *testing.T) {
	b := New(128)

	assert.False(t, b.Test(0))
	b.Set(0)
	b.Set(42)
	b.Set(127)
	assert.True(t, b.Test(0))
	assert.True(t, b.Test(42))
	assert.True(t, b.Test(127))
	assert.False(t, b.Test(1))

	b.Clear(42)
	assert.False(t, b.Test(42))
}

func Test_Popcount(t *testing.T) {
	b := New(256)
	for _, p := range []uint64{0, 1, 63, 64, 65, 200, 255} {
		b.Set(p)
	}

	assert.Equal(t, uint64(7), b.Popcount(0, 256))
	assert.Equal(t, uint64(4), b.Popcount(0, 65))
	assert.Equal(t, uint64(1), b.Popcount(200, 10))
	assert.Equal(t, uint64(0), b.Popcount(100, 50))
}

func Test_Traverse(t *testing.T) {
	b := New(256)
	want := []uint64{0, 42, 63, 64, 130, 255}
	for _, p := range want {
		b.Set(p)
	}

	got := make([]uint64, 0, len(want))
	b.Traverse(0, 256, func(p uint64) bool {
		got = append(got, p)
		return true
	})

	assert.Equal(t, want, got)
}

func Test_TraverseRangeAndEarlyStop(t *testing.T) {
	b := New(256)
	for _, p := range []uint64{10, 20, 30, 200} {
		b.Set(p)
	}

	got := make([]uint64, 0)
	for p := range b.Iter(15, 20) {
		got = append(got, p)
	}
	assert.Equal(t, []uint64{20, 30}, got)

	got = got[:0]
	b.Traverse(0, 256, func(p uint64) bool {
		got = append(got, p)
		return len(got) < 2
	})
	assert.Equal(t, []uint64{10, 20}, got)
}

func Test_PanicsOnOutOfRange(t *testing.T) {
	b := New(8)
	assert.Panics(t, func() { b.Set(8) })
	assert.Panics(t, func() { b.Test(100) })
}
