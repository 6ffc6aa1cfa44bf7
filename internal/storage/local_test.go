package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	return l
}

func TestLocalGetPutDelete(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	_, err := l.Get(ctx, "state/tap-github:target-postgres")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, l.Put(ctx, "state/tap-github:target-postgres", []byte(`{"a":1}`)))

	blob, err := l.Get(ctx, "state/tap-github:target-postgres")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), blob)

	// Put is a replace.
	require.NoError(t, l.Put(ctx, "state/tap-github:target-postgres", []byte(`{"a":2}`)))
	blob, err = l.Get(ctx, "state/tap-github:target-postgres")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":2}`), blob)

	require.NoError(t, l.Delete(ctx, "state/tap-github:target-postgres"))
	assert.ErrorIs(t, l.Delete(ctx, "state/tap-github:target-postgres"), ErrNotFound)
}

func TestLocalPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	require.NoError(t, l.PutIfAbsent(ctx, "locks/p", []byte("one")))
	err := l.PutIfAbsent(ctx, "locks/p", []byte("two"))
	assert.ErrorIs(t, err, ErrExists)

	// Loser must not have clobbered the winner.
	blob, err := l.Get(ctx, "locks/p")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), blob)
}

func TestLocalList(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	require.NoError(t, l.Put(ctx, "jobs/a:b/run_1", []byte("1")))
	require.NoError(t, l.Put(ctx, "jobs/a:b/run_2", []byte("2")))
	require.NoError(t, l.Put(ctx, "jobs/x:y/run_3", []byte("3")))
	require.NoError(t, l.Put(ctx, "state/a:b", []byte("s")))

	keys, err := l.List(ctx, "jobs/a:b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs/a:b/run_1", "jobs/a:b/run_2"}, keys)

	keys, err = l.List(ctx, "jobs/")
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestLocalKeyEscaping(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	// Colons in identities must not collide with path separators or each
	// other once mapped onto the filesystem.
	require.NoError(t, l.Put(ctx, "state/a:b:c", []byte("1")))
	require.NoError(t, l.Put(ctx, "state/a:b", []byte("2")))

	blob, err := l.Get(ctx, "state/a:b:c")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), blob)

	keys, err := l.List(ctx, "state/")
	require.NoError(t, err)
	assert.Equal(t, []string{"state/a:b", "state/a:b:c"}, keys)
}
