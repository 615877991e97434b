package uploader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DoublesUpToCap(t *testing.T) {
	b := NewBackoff(time.Second, 60*time.Second)

	var got []time.Duration
	for i := 0; i < 9; i++ {
		got = append(got, b.Next())
	}
	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60}
	for i := range want {
		want[i] *= time.Second
	}
	assert.Equal(t, want, got)
}

func TestBackoff_StrictlyIncreasesUntilCap(t *testing.T) {
	b := NewBackoff(500*time.Millisecond, 10*time.Second)
	prev := b.Next()
	for prev < b.Max {
		next := b.Next()
		assert.Greater(t, next, prev)
		prev = next
	}
	assert.Equal(t, b.Max, b.Next())
}

func TestBackoff_ResetReturnsToMin(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute)
	b.Next()
	b.Next()
	b.Next()
	assert.Equal(t, 8*time.Second, b.Peek())

	b.Reset()
	assert.Equal(t, time.Second, b.Peek())
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
}

func TestNewBackoff_Defaults(t *testing.T) {
	b := NewBackoff(0, 0)
	assert.Equal(t, time.Second, b.Min)
	assert.Equal(t, time.Second, b.Max)
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, time.Second, b.Next())
}
