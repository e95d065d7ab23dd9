package sandbox

import "runtime"

// MemorySampler reads the host runtime's current memory footprint.
// Exact memory introspection differs by host, so the monitor only sees
// this capability interface; tests plug in a deterministic fake.
type MemorySampler interface {
	// Sample returns the current heap usage in bytes.
	Sample() int64
}

// RuntimeSampler reads the Go runtime's heap allocation. Per-execution
// attribution is not possible in-process, so the same reading is charged
// to every active execution as a conservative upper bound.
type RuntimeSampler struct{}

func (RuntimeSampler) Sample() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapAlloc)
}
