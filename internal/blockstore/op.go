package blockstore

import "github.com/0x00ace/blockengine/internal/base"

// Opcode selects which state machine dispatch routes an Op to, per
// spec.md §6's operation interface.
type Opcode uint8

const (
	OpRead Opcode = iota
	OpWrite
	OpWriteStable
	OpDelete
	OpSync
	OpStable
	OpRollback
	OpList
	OpSyncStabAll
)

func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpWriteStable:
		return "WRITE_STABLE"
	case OpDelete:
		return "DELETE"
	case OpSync:
		return "SYNC"
	case OpStable:
		return "STABLE"
	case OpRollback:
		return "ROLLBACK"
	case OpList:
		return "LIST"
	case OpSyncStabAll:
		return "SYNC_STAB_ALL"
	default:
		return "UNKNOWN"
	}
}

// Callback is invoked exactly once, on the Engine's Run goroutine, when an
// Op completes (successfully or not).
type Callback func(*Op)

// Op is the consumer-facing operation interface: { opcode, object_id,
// version, offset, len, buffer, callback } plus the fields specific to
// LIST/STABLE/ROLLBACK.
type Op struct {
	Opcode Opcode
	OID    base.ObjectID

	// Version is the caller-supplied version for WRITE/WRITE_STABLE/DELETE
	// when re-ordering in a replication stream; 0 means "assign the next
	// version automatically."
	Version uint64

	Offset uint32
	Len    uint32

	// Buffer holds the bytes to write (WRITE*) or is filled by a read
	// (READ); its length must equal Len.
	Buffer []byte

	// List carries the obj_ver_ids for STABLE/ROLLBACK.
	List []base.ObjVerID

	// Filter carries LIST's partitioning arguments.
	Filter ListFilter

	Callback Callback

	// Result fields, valid once Callback fires.
	Retval          int32
	AssignedVersion uint64
	ListResult      ListResult

	waitReason waitReason
	waitDetail uint64
}

// Retval's error, for callers that prefer errors.Is over checking the
// negative-errno convention directly.
func (op *Op) Err() error {
	if op.Retval >= 0 {
		return nil
	}
	return errnoToErr(op.Retval)
}

func errnoToErr(rv int32) error {
	switch rv {
	case -22:
		return ErrInvalid
	case -17:
		return ErrExists
	case -2:
		return ErrNotFound
	case -28:
		return ErrNoSpace
	case -12:
		return ErrNoMemory
	case -30:
		return ErrReadonly
	default:
		return ErrClosed
	}
}

func (op *Op) finish(err error) {
	op.Retval = Retval(err)
	if op.Callback != nil {
		op.Callback(op)
	}
}

// waitReason names why an op is parked rather than progressing, per
// spec.md §4.1.
type waitReason int

const (
	waitNone waitReason = iota
	waitSQE
	waitJournal
	waitJournalBuffer
	waitFree
)
