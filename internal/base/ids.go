// Package base holds the identifier and key types shared by every layer of
// the block storage engine: the allocator, the journal, the in-memory
// indexes, and the wire format of the operation interface.
package base

import "encoding/binary"

// PoolBits is the number of high bits of an ObjectID's Inode reserved for
// the pool identifier. The remaining bits are the within-pool inode id.
const PoolBits = 16

// ObjectID identifies a fixed-size addressable unit of storage. Inode
// encodes a pool id in its high PoolBits bits and a within-pool id in the
// rest; Stripe is a byte offset within the image, quantized above the
// engine by pg_stripe_size and opaque to it.
type ObjectID struct {
	Inode  uint64
	Stripe uint64
}

// Pool extracts the pool id from the high bits of Inode.
func (o ObjectID) Pool() uint64 {
	return o.Inode >> (64 - PoolBits)
}

// Less reports whether o sorts strictly before other. ObjectIDs are ordered
// first by Inode, then by Stripe, matching the clean_db/dirty_db ordering
// invariants in the spec.
func (o ObjectID) Less(other ObjectID) bool {
	if o.Inode != other.Inode {
		return o.Inode < other.Inode
	}
	return o.Stripe < other.Stripe
}

// ObjVerID identifies a single version of an object. Versions are strictly
// increasing per ObjectID across clean and dirty state.
type ObjVerID struct {
	OID     ObjectID
	Version uint64
}

// Less reports whether v sorts strictly before other: by ObjectID, then by
// ascending Version.
func (v ObjVerID) Less(other ObjVerID) bool {
	if v.OID != other.OID {
		return v.OID.Less(other.OID)
	}
	return v.Version < other.Version
}

// KeySize is the length in bytes of the canonical, order-preserving
// encoding of an ObjVerID produced by AppendKey.
const KeySize = 8 + 8 + 8

// AppendKey appends the big-endian, order-preserving encoding of v to dst
// and returns the extended slice. Big-endian encoding is used so that
// lexicographic byte comparison (as used by the dirty index) agrees with
// Less.
func (v ObjVerID) AppendKey(dst []byte) []byte {
	var buf [KeySize]byte
	binary.BigEndian.PutUint64(buf[0:8], v.OID.Inode)
	binary.BigEndian.PutUint64(buf[8:16], v.OID.Stripe)
	binary.BigEndian.PutUint64(buf[16:24], v.Version)
	return append(dst, buf[:]...)
}

// DecodeKey parses a KeySize-byte canonical encoding produced by AppendKey.
func DecodeKey(b []byte) ObjVerID {
	return ObjVerID{
		OID: ObjectID{
			Inode:  binary.BigEndian.Uint64(b[0:8]),
			Stripe: binary.BigEndian.Uint64(b[8:16]),
		},
		Version: binary.BigEndian.Uint64(b[16:24]),
	}
}
