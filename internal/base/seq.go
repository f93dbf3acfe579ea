package base

import "sync/atomic"

// Version is a per-object version number. Versions are strictly increasing
// per ObjectID across clean_db and dirty_db; the engine rejects a
// caller-supplied version that does not extend the existing sequence.
type Version uint64

const VersionMax = Version(^uint64(0))

// AtomicVersion is a CAS-friendly Version holder. The write state
// machine's enqueue_write path does not use it: it derives the next
// version from clean_db and dirty_db.
type AtomicVersion struct {
	value atomic.Uint64
}

func (av *AtomicVersion) Load() Version {
	return Version(av.value.Load())
}

func (av *AtomicVersion) Store(v Version) {
	av.value.Store(uint64(v))
}

func (av *AtomicVersion) Add(delta Version) Version {
	return Version(av.value.Add(uint64(delta)))
}

func (av *AtomicVersion) CompareAndSwap(old, new Version) bool {
	return av.value.CompareAndSwap(uint64(old), uint64(new))
}
