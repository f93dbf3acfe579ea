package blockstore

import "errors"

// Sentinel errors surfaced to callers through Op callbacks. Use errors.Is
// to test for these; Retval converts them to the negative-errno convention
// the operation interface promises.
var (
	ErrInvalid  = errors.New("blockstore: invalid argument")
	ErrExists   = errors.New("blockstore: version conflict")
	ErrNotFound = errors.New("blockstore: version not found")
	ErrNoSpace  = errors.New("blockstore: no journal space available")
	ErrNoMemory = errors.New("blockstore: allocation failed")
	ErrReadonly = errors.New("blockstore: engine is read-only")
	ErrClosed   = errors.New("blockstore: engine is closed")
)

// Retval maps err to the negative-errno convention of the operation
// interface: 0 on success, a negative value identifying the error kind
// otherwise. Unrecognized errors map to a generic -EIO; fatal conditions
// never reach here because they panic the Run goroutine instead.
func Retval(err error) int32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalid):
		return -22 // EINVAL
	case errors.Is(err, ErrExists):
		return -17 // EEXIST
	case errors.Is(err, ErrNotFound):
		return -2 // ENOENT
	case errors.Is(err, ErrNoSpace):
		return -28 // ENOSPC
	case errors.Is(err, ErrNoMemory):
		return -12 // ENOMEM
	case errors.Is(err, ErrReadonly):
		return -30 // EROFS
	default:
		return -5 // EIO
	}
}
