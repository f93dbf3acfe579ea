package compare

import "bytes"

// Compare returns <0, 0, >0 as a sorts before, equal to, or after b.
type Compare func(a, b []byte) int

// ObjVerKey compares two base.ObjVerID.AppendKey encodings. Because the
// encoding is big-endian and fixed-width, a plain byte comparison agrees
// with ObjVerID.Less, giving the dirty index (object_id, version) ordering
// for free.
func ObjVerKey(a, b []byte) int {
	return bytes.Compare(a, b)
}
