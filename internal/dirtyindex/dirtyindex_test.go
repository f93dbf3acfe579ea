package dirtyindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0x00ace/blockengine/internal/base"
)

func key(inode, stripe, version uint64) base.ObjVerID {
	return base.ObjVerID{
		OID:     base.ObjectID{Inode: inode, Stripe: stripe},
		Version: version,
	}
}

func TestAddAndIterateOrder(t *testing.T) {
	idx := New(64 << 10)

	require.NoError(t, idx.Add(key(1, 0, 3), []byte("v3")))
	require.NoError(t, idx.Add(key(1, 0, 1), []byte("v1")))
	require.NoError(t, idx.Add(key(1, 0, 2), []byte("v2")))
	require.NoError(t, idx.Add(key(2, 0, 1), []byte("other-object")))

	it := idx.NewIterator()
	require.True(t, it.First())
	require.Equal(t, key(1, 0, 1), it.Key())
	require.Equal(t, []byte("v1"), it.Value())

	require.True(t, it.Next())
	require.Equal(t, key(1, 0, 2), it.Key())

	require.True(t, it.Next())
	require.Equal(t, key(1, 0, 3), it.Key())

	require.True(t, it.Next())
	require.Equal(t, key(2, 0, 1), it.Key())

	require.False(t, it.Next())
}

func TestAddDuplicateRejected(t *testing.T) {
	idx := New(64 << 10)

	require.NoError(t, idx.Add(key(1, 0, 1), []byte("first")))
	err := idx.Add(key(1, 0, 1), []byte("second"))
	require.ErrorIs(t, err, ErrRecordExists)
}

func TestAddArenaFull(t *testing.T) {
	idx := New(4 * NodeSize)

	var err error
	for i := uint64(0); i < 1000; i++ {
		err = idx.Add(key(1, 0, i), []byte("some value bytes"))
		if err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrBufferFull)
}

func TestSeekGE(t *testing.T) {
	idx := New(64 << 10)

	require.NoError(t, idx.Add(key(1, 0, 1), []byte("v1")))
	require.NoError(t, idx.Add(key(1, 0, 5), []byte("v5")))
	require.NoError(t, idx.Add(key(1, 0, 9), []byte("v9")))

	it := idx.NewIterator()
	require.True(t, it.SeekGE(key(1, 0, 4)))
	require.Equal(t, key(1, 0, 5), it.Key())

	it2 := idx.NewIterator()
	require.True(t, it2.SeekGE(key(1, 0, 9)))
	require.Equal(t, key(1, 0, 9), it2.Key())

	it3 := idx.NewIterator()
	require.False(t, it3.SeekGE(key(1, 0, 10)))
}

func TestLastAndPrev(t *testing.T) {
	idx := New(64 << 10)

	require.NoError(t, idx.Add(key(1, 0, 1), []byte("v1")))
	require.NoError(t, idx.Add(key(1, 0, 2), []byte("v2")))
	require.NoError(t, idx.Add(key(1, 0, 3), []byte("v3")))

	it := idx.NewIterator()
	require.True(t, it.Last())
	require.Equal(t, key(1, 0, 3), it.Key())

	require.True(t, it.Prev())
	require.Equal(t, key(1, 0, 2), it.Key())
}
