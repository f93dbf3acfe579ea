package blockengine

import (
	"github.com/0x00ace/blockengine/internal/base"
	"github.com/0x00ace/blockengine/internal/blockstore"
)

// ObjectID and ObjVerID are the addressing types every operation is keyed
// by: object_id = (inode, stripe), obj_ver_id = (object_id, version).
type (
	ObjectID = base.ObjectID
	ObjVerID = base.ObjVerID
)

// Op is the operation interface: construct one, set Callback, and pass it
// to Engine.Submit. Opcode selects which fields matter — see the Opcode
// constants below.
type (
	Op       = blockstore.Op
	Opcode   = blockstore.Opcode
	Callback = blockstore.Callback
)

const (
	OpRead        = blockstore.OpRead
	OpWrite       = blockstore.OpWrite
	OpWriteStable = blockstore.OpWriteStable
	OpDelete      = blockstore.OpDelete
	OpSync        = blockstore.OpSync
	OpStable      = blockstore.OpStable
	OpRollback    = blockstore.OpRollback
	OpList        = blockstore.OpList
	OpSyncStabAll = blockstore.OpSyncStabAll
)

// ListFilter and ListResult carry LIST's PG-partitioning arguments and its
// stable/unstable split result.
type (
	ListFilter = blockstore.ListFilter
	ListResult = blockstore.ListResult
)

// Sentinel errors surfaced through Op.Err(). Use errors.Is against these.
var (
	ErrInvalid  = blockstore.ErrInvalid
	ErrExists   = blockstore.ErrExists
	ErrNotFound = blockstore.ErrNotFound
	ErrNoSpace  = blockstore.ErrNoSpace
	ErrNoMemory = blockstore.ErrNoMemory
	ErrReadonly = blockstore.ErrReadonly
	ErrClosed   = blockstore.ErrClosed
)

// Retval maps err to the negative-errno convention of the operation
// interface.
func Retval(err error) int32 { return blockstore.Retval(err) }
