// Package fastrand provides a lock-free, non-cryptographic uint32 generator
// for callers that need many random numbers cheaply, such as the dirty
// index's tower-height coin flips. It is not suitable for anything that
// needs unpredictability against an adversary.
package fastrand

import (
	crand "crypto/rand"
	"encoding/binary"
	"sync/atomic"
)

var state atomic.Uint32

func init() {
	var b [4]byte
	if _, err := crand.Read(b[:]); err != nil {
		state.Store(0x9e3779b9)
		return
	}
	v := binary.LittleEndian.Uint32(b[:])
	if v == 0 {
		v = 0x9e3779b9
	}
	state.Store(v)
}

// Uint32 returns the next pseudo-random value from a shared xorshift32
// generator, advanced with a CAS loop so it is safe to call concurrently
// without a mutex.
func Uint32() uint32 {
	for {
		old := state.Load()
		x := old
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		if state.CompareAndSwap(old, x) {
			return x
		}
	}
}
