package mempool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeClass(t *testing.T) {
	tests := []struct {
		name     string
		input    int
		expected int
	}{
		{name: "small size gets minimum", input: 1, expected: 64},
		{name: "exactly one bucket", input: 64, expected: 64},
		{name: "just over one bucket", input: 65, expected: 128},
		{name: "exact multiple", input: 256, expected: 256},
		{name: "odd number", input: 150, expected: 192},
		{name: "zero size", input: 0, expected: 64},
		{name: "negative size", input: -1, expected: 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sizeClass(tt.input))
		})
	}
}

func TestGetFloat64ReturnsZeroedBuffer(t *testing.T) {
	buf := GetFloat64(100)
	require.Len(t, buf, 100)

	for i := range buf {
		buf[i] = float64(i) + 1
	}
	PutFloat64(buf)

	// A fresh Get must not expose the previous contents.
	buf2 := GetFloat64(100)
	require.Len(t, buf2, 100)
	for i, v := range buf2 {
		require.Zerof(t, v, "index %d not zeroed", i)
	}
	PutFloat64(buf2)
}

func TestPutFloat64NilIsSafe(t *testing.T) {
	assert.NotPanics(t, func() { PutFloat64(nil) })
}

func TestGetFloat64LargerThanBucket(t *testing.T) {
	buf := GetFloat64(1000)
	assert.Len(t, buf, 1000)
	assert.GreaterOrEqual(t, cap(buf), 1000)
	PutFloat64(buf)
}

func TestFloat64PoolConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				buf := GetFloat64(144)
				for i := range buf {
					buf[i] = 1
				}
				PutFloat64(buf)
			}
		}()
	}
	wg.Wait()
}
