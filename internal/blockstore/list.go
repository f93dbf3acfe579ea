package blockstore

import (
	"fmt"
	"sort"

	"github.com/0x00ace/blockengine/internal/base"
	"github.com/0x00ace/blockengine/internal/blockstore/format"
)

// ListFilter carries LIST's PG-partitioning arguments, spec.md §6.
type ListFilter struct {
	PGIndex       uint32
	PGCount       uint32
	PGStripeSize  uint64
	MinInode      uint64
	MaxInode      uint64
}

// ListResult is LIST's two-partition result: Entries[:StableCount] are the
// stable versions (sorted by ObjVerID), the remainder are unstable,
// matching spec.md §6's "op->version gives the split point".
type ListResult struct {
	Entries     []base.ObjVerID
	StableCount int
}

func (f ListFilter) matches(oid base.ObjectID) bool {
	if f.PGCount == 0 {
		return true
	}
	return (oid.Inode+oid.Stripe/f.PGStripeSize)%uint64(f.PGCount) == uint64(f.PGIndex)
}

func (f ListFilter) inRange(oid base.ObjectID) bool {
	if f.MinInode == 0 && f.MaxInode == 0 {
		return true
	}
	if f.MinInode > f.MaxInode {
		return true
	}
	return oid.Inode >= f.MinInode && oid.Inode <= f.MaxInode
}

// List implements process_list: gather every clean entry matching the
// filter as an initially-stable candidate, then walk dirty_db applying
// each dirty entry's effect — a delete zeroes out a matching clean
// candidate, a stable dirty entry replaces or appends to the stable set,
// anything else is unstable — and finally compacts away zeroed candidates
// before appending the unstable set.
func (bs *Engine) List(f ListFilter) (ListResult, error) {
	if f.PGCount != 0 && (f.PGStripeSize == 0 || f.PGIndex >= f.PGCount) {
		return ListResult{}, fmt.Errorf("%w: invalid pg partitioning arguments", ErrInvalid)
	}

	type verOrZero struct {
		oid     base.ObjectID
		version uint64 // 0 means "zeroed out", dropped in the final compaction pass
	}

	var stable []verOrZero

	// clean_db entries matching the filter seed the stable list.
	bs.clean.Range(func(oid base.ObjectID, e format.CleanEntry) {
		if f.inRange(oid) && f.matches(oid) {
			stable = append(stable, verOrZero{oid: oid, version: e.Version})
		}
	})
	sort.Slice(stable, func(i, j int) bool { return stable[i].oid.Less(stable[j].oid) })
	cleanStableCount := len(stable)

	replaceStable := func(oid base.ObjectID, version uint64, lo, hi int) bool {
		for lo < hi {
			mid := lo + (hi-lo)/2
			switch {
			case oid.Less(stable[mid].oid):
				hi = mid
			case stable[mid].oid.Less(oid):
				lo = mid + 1
			default:
				stable[mid].version = version
				return true
			}
		}
		return false
	}

	var unstable []base.ObjVerID

	it := bs.dirty.Iterator()
	if it.First() {
		for {
			key := it.Key()
			entry := it.Value()
			if f.inRange(key.OID) && f.matches(key.OID) {
				switch {
				case entry.Kind == KindDelete:
					if !replaceStable(key.OID, 0, 0, cleanStableCount) {
						replaceStable(key.OID, 0, cleanStableCount, len(stable))
					}
				case entry.Stable:
					if !replaceStable(key.OID, key.Version, 0, cleanStableCount) {
						if n := len(stable); n > 0 && stable[n-1].oid == key.OID {
							stable[n-1].version = key.Version
						} else {
							stable = append(stable, verOrZero{oid: key.OID, version: key.Version})
						}
					}
				default:
					unstable = append(unstable, key)
				}
			}
			if !it.Next() {
				break
			}
		}
	}

	out := make([]base.ObjVerID, 0, len(stable)+len(unstable))
	for _, s := range stable {
		if s.version != 0 {
			out = append(out, base.ObjVerID{OID: s.oid, Version: s.version})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	stableCount := len(out)
	out = append(out, unstable...)

	return ListResult{Entries: out, StableCount: stableCount}, nil
}

// dispatchList implements the LIST operation: a thin wrapper over List,
// the process_list traversal above.
func (bs *Engine) dispatchList(op *Op) {
	result, err := bs.List(op.Filter)
	if err != nil {
		op.finish(err)
		return
	}
	op.ListResult = result
	op.finish(nil)
}
