package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendWrapsPersistenceFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewStore(db, DialectSQLite)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("disk gone"))
	mock.ExpectRollback()

	_, err = s.Append(context.Background(), "c1", Draft{Type: "note", Actor: "a", Title: "t"})

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.NoError(t, mock.ExpectationsWereMet(), "append must roll back on storage failure")
}

func TestAppendRollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewStore(db, DialectSQLite)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT seq, hash_self").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "hash_self"}))
	mock.ExpectExec("INSERT INTO events").WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	_, err = s.Append(context.Background(), "c1", Draft{Type: "note", Actor: "a", Title: "t"})

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.NoError(t, mock.ExpectationsWereMet(),
		"an event must never be half-written: insert failure rolls the whole append back")
}
