package mempool

import (
	"sync"
)

// A sized pool for []float64 scratch buffers to reduce allocations in the
// solver's inner loop, where the reduced system is rebuilt every damping
// retry.

var float64Pools sync.Map // key: size class (int), value: *sync.Pool

// sizeClass rounds n up to the next bucket to reduce churn. Solver
// buffers are small (a few hundred entries for typical camera counts),
// so buckets are 64 entries wide.
func sizeClass(n int) int {
	const step = 64
	if n <= step {
		return step
	}
	r := (n + step - 1) / step
	return r * step
}

// GetFloat64 retrieves a zeroed []float64 buffer of length n from the
// pool. The caller must return it via PutFloat64 when done.
func GetFloat64(n int) []float64 {
	cls := sizeClass(n)
	pAny, _ := float64Pools.LoadOrStore(cls, &sync.Pool{New: func() any { return make([]float64, cls) }})
	p, ok := pAny.(*sync.Pool)
	if !ok {
		return make([]float64, n)
	}
	buf, ok := p.Get().([]float64)
	if !ok || cap(buf) < cls {
		buf = make([]float64, cls)
	}
	buf = buf[:n]
	// Buffers come back dirty; callers accumulate into them.
	clear(buf)
	return buf
}

// PutFloat64 returns a buffer to the pool. It is safe to pass a nil
// slice. The caller must not use the buffer afterwards.
func PutFloat64(buf []float64) {
	if buf == nil {
		return
	}
	cls := sizeClass(cap(buf))
	pAny, _ := float64Pools.LoadOrStore(cls, &sync.Pool{New: func() any { return make([]float64, cls) }})
	p, ok := pAny.(*sync.Pool)
	if !ok {
		return
	}
	p.Put(buf[:cap(buf)]) //nolint:staticcheck
}
