package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/ledger"
	"RelayAgent/internal/state"
)

var (
	taskColumns   = []string{"id", "conversation_id", "name", "description", "status", "created_at", "updated_at"}
	actionColumns = []string{"id", "task_id", "name", "tool_uuid", "tool_action", "input", "status", "document_ids", "step", "created_at"}
)

func sampleTask() state.Task {
	task := state.Task{ID: "t1", ConversationID: "c1", Name: "budget", Description: "log spending",
		Status: state.TaskPending, CreatedAt: time.UnixMilli(1000).UTC(), UpdatedAt: time.UnixMilli(1000).UTC()}
	return task.WithAction(state.Action{ID: "a1", Name: "budget.create_transactions", ToolID: "budget",
		ToolAction: "create_transactions", Input: map[string]any{"q": "coffee"}, Status: state.ActionSuccess,
		Step: "1", CreatedAt: time.UnixMilli(1500).UTC()})
}

func storedTaskRow() mockRowsData {
	return mockRowsData{columns: taskColumns, values: [][]driver.Value{
		{"t1", "c1", "budget", "log spending", "pending", int64(1000), int64(1500)},
	}}
}

func TestLedgerStoreInsertsNewTask(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(selectTaskForUpdateSQL, mockRowsData{columns: taskColumns}),
		execOp(insertTaskSQL, mockResult{rowsAffected: 1}),
		execOp(insertActionSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewLedgerStoreWithDB(db)
	if err := store.UpsertTask(context.Background(), sampleTask()); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
}

func TestLedgerStoreRepeatUpsertWritesNothing(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(selectTaskForUpdateSQL, storedTaskRow()),
		queryOp(selectActionsSQL, mockRowsData{columns: actionColumns, values: [][]driver.Value{
			{"a1", "t1", "budget.create_transactions", "budget", "create_transactions", []byte(`{"q":"coffee"}`), "SUCCESS", nil, "1", int64(1500)},
		}}),
		commitOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewLedgerStoreWithDB(db)
	if err := store.UpsertTask(context.Background(), sampleTask()); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
}

func TestLedgerStoreAppliesActionDiff(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(selectTaskForUpdateSQL, storedTaskRow()),
		queryOp(selectActionsSQL, mockRowsData{columns: actionColumns, values: [][]driver.Value{
			{"a1", "t1", "budget.create_transactions", "budget", "create_transactions", []byte(`{"q":"coffee"}`), "ERROR", nil, "1", int64(1500)},
			{"a3", "t1", "web_scraper.scrape", "web_scraper", "scrape", nil, "SUCCESS", []byte(`["d1"]`), "2", int64(1600)},
		}}),
		execOp(updateTaskSQL, mockResult{rowsAffected: 1}),
		execOp(deleteActionSQL, mockResult{rowsAffected: 1}),
		execOp(updateActionSQL, mockResult{rowsAffected: 1}),
		execOp(insertActionSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	task := sampleTask().WithAction(state.Action{ID: "a2", Name: "email.send", ToolID: "email", ToolAction: "send",
		Status: state.ActionSuccess, CreatedAt: time.UnixMilli(1700).UTC()})
	store := NewLedgerStoreWithDB(db)
	if err := store.UpsertTask(context.Background(), task); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
}

func TestLedgerStoreRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(selectTaskForUpdateSQL, mockRowsData{columns: taskColumns}),
		{typ: opExec, query: insertTaskSQL, err: errors.New("disk full")},
		rollbackOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	err := NewLedgerStoreWithDB(db).UpsertTask(context.Background(), sampleTask())
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure || !xerrors.IsFatal(err) {
		t.Fatalf("expected fatal storage failure, got %v", err)
	}
}

func TestLedgerStoreLoadTasks(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT id, conversation_id, name, description, status, created_at, updated_at
    FROM ledger_tasks WHERE conversation_id = ? ORDER BY created_at, id`, storedTaskRow()),
		queryOp(`SELECT a.id, a.task_id, a.name, a.tool_uuid, a.tool_action, a.input, a.status,
    a.document_ids, a.step, a.created_at FROM ledger_actions a JOIN ledger_tasks t ON a.task_id = t.id
    WHERE t.conversation_id = ? ORDER BY a.task_id, a.position, a.created_at`, mockRowsData{columns: actionColumns, values: [][]driver.Value{
			{"a1", "t1", "budget.create_transactions", "budget", "create_transactions", []byte(`{"amount":50}`), "SUCCESS", []byte(`["d1","d2"]`), "1", int64(1500)},
		}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	tasks, err := NewLedgerStoreWithDB(db).LoadTasks(context.Background(), "c1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(tasks) != 1 || len(tasks[0].Actions) != 1 {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	a := tasks[0].Actions[0]
	if a.Input["amount"] != float64(50) || len(a.DocumentIDs) != 2 || a.Status != state.ActionSuccess {
		t.Fatalf("unexpected action: %+v", a)
	}
}

func TestLedgerStoreFindDocumentMissing(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT id, conversation_id, content, metadata, created_at
    FROM ledger_documents WHERE id = ?`, mockRowsData{columns: []string{"id", "conversation_id", "content", "metadata", "created_at"}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	_, err := NewLedgerStoreWithDB(db).FindDocument(context.Background(), "missing")
	if !errors.Is(err, ledger.ErrDocumentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func lockRows(v int64) mockRowsData {
	return mockRowsData{columns: []string{"lock"}, values: [][]driver.Value{{v}}}
}

func TestRunMigrations(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) == 0 {
		t.Fatalf("expected embedded migrations")
	}

	ops := []mockOperation{
		queryOp(acquireLockSQL, lockRows(1)),
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectMigrationsSQL, mockRowsData{columns: []string{"version", "checksum"}}),
	}
	for _, f := range files {
		ops = append(ops, beginOp())
		for _, stmt := range f.statements {
			if !strings.HasPrefix(stmt, "CREATE TABLE") {
				t.Fatalf("unexpected statement in %s: %q", f.name, stmt)
			}
			ops = append(ops, execOp(stmt, mockResult{}))
		}
		ops = append(ops, execOp(insertMigrationSQL, mockResult{rowsAffected: 1}), commitOp())
	}
	ops = append(ops, queryOp(releaseLockSQL, lockRows(1)))
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	applied, err := runMigrations(context.Background(), db)
	if err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
	if len(applied) != len(files) || applied[0] != files[0].version {
		t.Fatalf("unexpected applied versions %v", applied)
	}
}

func TestRunMigrationsRejectsEditedMigration(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(acquireLockSQL, lockRows(1)),
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectMigrationsSQL, mockRowsData{columns: []string{"version", "checksum"}, values: [][]driver.Value{
			{files[0].version, strings.Repeat("0", 64)},
		}}),
		queryOp(releaseLockSQL, lockRows(1)),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	_, err = runMigrations(context.Background(), db)
	if xerrors.CodeOf(err) != xerrors.CodeConflict || xerrors.MetadataOf(err, "version") != files[0].version {
		t.Fatalf("expected conflict for %s, got %v", files[0].version, err)
	}
}

func TestRunMigrationsLockTimeout(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{queryOp(acquireLockSQL, lockRows(0))})
	defer drv.assertConsumed(t)
	defer db.Close()

	if _, err := runMigrations(context.Background(), db); xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestSplitStatementsSkipsComments(t *testing.T) {
	got := splitStatements("-- ledger; tables\nCREATE TABLE a (id INT);\n\n  -- trailing\nCREATE TABLE b (id INT);\n")
	if len(got) != 2 || got[0] != "CREATE TABLE a (id INT)" || got[1] != "CREATE TABLE b (id INT)" {
		t.Fatalf("unexpected statements %q", got)
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
