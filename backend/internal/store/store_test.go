package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"collabcore/backend/internal/ot"
)

func record(opID string, ops ...ot.Operation) OperationRecord {
	return OperationRecord{OperationID: opID, UserID: "u1", Ops: ops, AppliedAt: time.Now()}
}

func testStoreContract(t *testing.T, s DocumentStore) {
	ctx := context.Background()

	_, err := s.Load(ctx, "doc1")
	require.ErrorIs(t, err, ErrNotFound)

	h, err := s.History(ctx, "doc1", 0)
	require.NoError(t, err)
	assert.Empty(t, h)

	require.NoError(t, s.AppendOperation(ctx, "doc1", record("o1", ot.Insert(0, "Hello")), 1))
	require.NoError(t, s.AppendOperation(ctx, "doc1", record("o2", ot.Insert(5, "!")), 2))
	require.NoError(t, s.AppendOperation(ctx, "doc1", record("o3"), 3))

	// 重试写入同一个操作是幂等的
	require.NoError(t, s.AppendOperation(ctx, "doc1", record("o2", ot.Insert(5, "!")), 2))
	// 不同操作占用同一版本
	require.ErrorIs(t, s.AppendOperation(ctx, "doc1", record("other"), 2), ErrVersionExists)

	h, err = s.History(ctx, "doc1", 1)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, uint64(2), h[0].Version)
	assert.Equal(t, "o2", h[0].OperationID)
	assert.Equal(t, "!", h[0].Ops[0].Text)
	assert.Equal(t, uint64(3), h[1].Version)
	assert.Empty(t, h[1].Ops)

	found, err := s.FindOperation(ctx, "doc1", "o2")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), found.Version)
	assert.Equal(t, "!", found.Ops[0].Text)
	_, err = s.FindOperation(ctx, "doc1", "other")
	assert.ErrorIs(t, err, ErrOperationNotFound)
	_, err = s.FindOperation(ctx, "doc2", "o2")
	assert.ErrorIs(t, err, ErrOperationNotFound)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Save(ctx, "doc1", DocumentState{Content: "Hello!", Version: 2, UpdatedAt: now}))
	// 旧版本快照不覆盖新版本
	require.NoError(t, s.Save(ctx, "doc1", DocumentState{Content: "Hello", Version: 1, UpdatedAt: now}))

	st, err := s.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "doc1", st.DocumentID)
	assert.Equal(t, "Hello!", st.Content)
	assert.Equal(t, uint64(2), st.Version)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	testStoreContract(t, s)
}

func TestBoltStore(t *testing.T) {
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	testStoreContract(t, s)
}

func newMockMySQLStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gdb, err := gorm.Open(gormmysql.New(gormmysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	return NewMySQLStore(gdb), mock
}

func TestMySQLStore_LoadNotFound(t *testing.T) {
	s, mock := newMockMySQLStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `collab_documents`")).
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "content", "version"}))

	_, err := s.Load(context.Background(), "doc1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_Load(t *testing.T) {
	s, mock := newMockMySQLStore(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `collab_documents`")).
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "content", "version", "locked_by", "locked_at", "updated_at"}).
			AddRow("doc1", "Hello", 3, "A", now, now))

	st, err := s.Load(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", st.Content)
	assert.Equal(t, uint64(3), st.Version)
	assert.Equal(t, "A", st.LockedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_AppendOperationDuplicateIsIdempotent(t *testing.T) {
	s, mock := newMockMySQLStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `collab_operations`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `collab_operations`")).
		WillReturnError(&mysql.MySQLError{Number: errDuplicateEntry, Message: "Duplicate entry"})
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `operation_id` FROM `collab_operations`")).
		WithArgs("doc1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"operation_id"}).AddRow("o1"))

	ctx := context.Background()
	require.NoError(t, s.AppendOperation(ctx, "doc1", record("o1", ot.Insert(0, "x")), 1))
	require.NoError(t, s.AppendOperation(ctx, "doc1", record("o1", ot.Insert(0, "x")), 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_AppendOperationVersionTakenByOther(t *testing.T) {
	s, mock := newMockMySQLStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `collab_operations`")).
		WillReturnError(&mysql.MySQLError{Number: errDuplicateEntry, Message: "Duplicate entry 'doc1-2' for key 'uk_doc_version'"})
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `operation_id` FROM `collab_operations`")).
		WithArgs("doc1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"operation_id"}).AddRow("o2"))

	err := s.AppendOperation(context.Background(), "doc1", record("other"), 2)
	assert.ErrorIs(t, err, ErrVersionExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_FindOperation(t *testing.T) {
	s, mock := newMockMySQLStore(t)
	now := time.Now()
	cols := []string{"id", "document_id", "version", "operation_id", "user_id", "user_name", "base_version", "ops", "applied_at"}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `collab_operations`")).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(2, "doc1", 2, "o2", "B", "Bob", 0, []byte(`[{"type":"insert","position":5,"text":"Hi "}]`), now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `collab_operations`")).
		WillReturnRows(sqlmock.NewRows(cols))

	ctx := context.Background()
	rec, err := s.FindOperation(ctx, "doc1", "o2")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)
	assert.Equal(t, "B", rec.UserID)
	assert.Equal(t, "Hi ", rec.Ops[0].Text)

	_, err = s.FindOperation(ctx, "doc1", "missing")
	assert.ErrorIs(t, err, ErrOperationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_AppendOperationError(t *testing.T) {
	s, mock := newMockMySQLStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `collab_operations`")).
		WillReturnError(&mysql.MySQLError{Number: 1213, Message: "Deadlock found"})

	err := s.AppendOperation(context.Background(), "doc1", record("o1", ot.Insert(0, "x")), 1)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_History(t *testing.T) {
	s, mock := newMockMySQLStore(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `collab_operations`")).
		WithArgs("doc1", 1).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "document_id", "version", "operation_id", "user_id", "user_name", "base_version", "ops", "applied_at",
		}).
			AddRow(2, "doc1", 2, "o2", "B", "Bob", 0, []byte(`[{"operationId":"o2","type":"insert","position":5,"text":"Hi "}]`), now).
			AddRow(3, "doc1", 3, "o3", "C", "", 2, []byte(`[]`), now))

	h, err := s.History(context.Background(), "doc1", 1)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, uint64(2), h[0].Version)
	assert.Equal(t, ot.KindInsert, h[0].Ops[0].Kind)
	assert.Equal(t, "Hi ", h[0].Ops[0].Text)
	assert.Empty(t, h[1].Ops)
	assert.NoError(t, mock.ExpectationsWereMet())
}
