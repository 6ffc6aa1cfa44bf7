package storage

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresWithDB(db, "syphon_store"), mock
}

func TestPostgresGet(t *testing.T) {
	ctx := context.Background()
	p, mock := newPostgresMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM "syphon_store" WHERE key = $1`)).
		WithArgs("state/a:b").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"x":1}`)))

	blob, err := p.Get(ctx, "state/a:b")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"x":1}`), blob)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	ctx := context.Background()
	p, mock := newPostgresMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM "syphon_store" WHERE key = $1`)).
		WithArgs("state/missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err := p.Get(ctx, "state/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutUpserts(t *testing.T) {
	ctx := context.Background()
	p, mock := newPostgresMock(t)

	mock.ExpectExec(`INSERT INTO "syphon_store" .+ ON CONFLICT \(key\) DO UPDATE`).
		WithArgs("state/a:b", []byte(`{"x":2}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Put(ctx, "state/a:b", []byte(`{"x":2}`)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	p, mock := newPostgresMock(t)

	mock.ExpectExec(`INSERT INTO "syphon_store" .+ ON CONFLICT \(key\) DO NOTHING`).
		WithArgs("locks/a:b", []byte("one")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.PutIfAbsent(ctx, "locks/a:b", []byte("one")))

	// Second writer inserts zero rows: the key is taken.
	mock.ExpectExec(`INSERT INTO "syphon_store" .+ ON CONFLICT \(key\) DO NOTHING`).
		WithArgs("locks/a:b", []byte("two")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, p.PutIfAbsent(ctx, "locks/a:b", []byte("two")), ErrExists)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDelete(t *testing.T) {
	ctx := context.Background()
	p, mock := newPostgresMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "syphon_store" WHERE key = $1`)).
		WithArgs("locks/a:b").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.Delete(ctx, "locks/a:b"))

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "syphon_store" WHERE key = $1`)).
		WithArgs("locks/a:b").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, p.Delete(ctx, "locks/a:b"), ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresList(t *testing.T) {
	ctx := context.Background()
	p, mock := newPostgresMock(t)

	mock.ExpectQuery(`SELECT key FROM "syphon_store" WHERE key LIKE`).
		WithArgs("jobs/a:b/").
		WillReturnRows(sqlmock.NewRows([]string{"key"}).
			AddRow("jobs/a:b/run_1").
			AddRow("jobs/a:b/run_2"))

	keys, err := p.List(ctx, "jobs/a:b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs/a:b/run_1", "jobs/a:b/run_2"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}
