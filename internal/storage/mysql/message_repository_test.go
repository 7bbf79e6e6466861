package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"AgentHub-Chain/deploy/migrations"
	"AgentHub-Chain/internal/conversation"
)

func TestMemoryMessageRepositoryWindowAndReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewMemoryMessageRepository(dir, 3)
	if err != nil {
		t.Fatalf("failed to create memory repo: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		msg := conversation.NewUserMessage("alice", fmt.Sprintf("m%d", i))
		if err := repo.Append(ctx, msg); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	if err := repo.Append(ctx, conversation.NewUserMessage("bob", "other")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	list, err := repo.ListLatest(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 3 || list[0].Body != "m2" || list[2].Body != "m4" {
		t.Fatalf("unexpected window: %+v", list)
	}

	last, _ := repo.ListLatest(ctx, "alice", 1)
	if len(last) != 1 || last[0].Body != "m4" {
		t.Fatalf("unexpected latest message: %+v", last)
	}

	reloaded, err := NewMemoryMessageRepository(dir, 3)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	list, _ = reloaded.ListLatest(ctx, "alice", 10)
	if len(list) != 3 || list[0].Body != "m2" {
		t.Fatalf("unexpected reloaded window: %+v", list)
	}
	bob, _ := reloaded.ListLatest(ctx, "bob", 10)
	if len(bob) != 1 {
		t.Fatalf("expected bob history restored, got %d", len(bob))
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Count(string(raw), "\n")
}

func TestMemoryMessageRepositoryCompactsLogsToWindow(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewMemoryMessageRepository(dir, 2)
	if err != nil {
		t.Fatalf("failed to create memory repo: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if err := repo.Append(ctx, conversation.NewUserMessage("alice", fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if err := repo.SaveReceipt(ctx, conversation.Receipt{UserID: "alice", CID: fmt.Sprintf("cid-%d", i)}); err != nil {
			t.Fatalf("save receipt failed: %v", err)
		}
	}
	if got := countLines(t, filepath.Join(dir, messagesFile)); got != 6 {
		t.Fatalf("expected 6 appended lines before reload, got %d", got)
	}

	reloaded, err := NewMemoryMessageRepository(dir, 2)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := countLines(t, filepath.Join(dir, messagesFile)); got != 2 {
		t.Fatalf("messages log not compacted, %d lines", got)
	}
	if got := countLines(t, filepath.Join(dir, receiptsFile)); got != 2 {
		t.Fatalf("receipts log not compacted, %d lines", got)
	}
	list, _ := reloaded.ListLatest(ctx, "alice", 10)
	if len(list) != 2 || list[0].Body != "m4" || list[1].Body != "m5" {
		t.Fatalf("unexpected window after compaction: %+v", list)
	}
	receipts, _ := reloaded.ListReceipts(ctx, "alice", 10)
	if len(receipts) != 2 || receipts[0].CID != "cid-5" {
		t.Fatalf("unexpected receipts after compaction: %+v", receipts)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("temporary files left behind: %v", leftovers)
	}
}

func TestMemoryMessageRepositoryReceipts(t *testing.T) {
	t.Parallel()

	repo, err := NewMemoryMessageRepository(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("failed to create memory repo: %v", err)
	}
	ctx := context.Background()
	for _, cid := range []string{"bafy1", "bafy2"} {
		if err := repo.SaveReceipt(ctx, conversation.Receipt{UserID: "alice", CID: cid}); err != nil {
			t.Fatalf("save receipt failed: %v", err)
		}
	}
	list, err := repo.ListReceipts(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("list receipts failed: %v", err)
	}
	if len(list) != 2 || list[0].CID != "bafy2" {
		t.Fatalf("expected newest receipt first: %+v", list)
	}
	if err := repo.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestSQLMessageRepositoryAppend(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(insertMessageSQL, mockResult{lastInsertID: 1, rowsAffected: 1}),
		execOp(trimMessagesSQL, mockResult{rowsAffected: 0}),
		commitOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := newSQLMessageRepository(db, 500)
	msg := conversation.NewAssistantMessage("alice", "4", "hello", []string{"https://example.com"})
	if err := repo.Append(context.Background(), msg); err != nil {
		t.Fatalf("append failed: %v", err)
	}
}

func TestSQLMessageRepositoryAppendRollsBack(t *testing.T) {
	t.Parallel()

	insert := execOp(insertMessageSQL, mockResult{})
	insert.err = fmt.Errorf("duplicate key")
	db, driver := newMockDB(t, []mockOperation{beginOp(), insert, rollbackOp()})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := newSQLMessageRepository(db, 500)
	if err := repo.Append(context.Background(), conversation.NewUserMessage("alice", "hi")); err == nil {
		t.Fatalf("expected append error")
	}
}

func TestSQLMessageRepositoryListLatest(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"message_id", "user_id", "agent_id", "kind", "body", "confidence", "sources", "created_at"},
		values: [][]driver.Value{
			{"m2", "alice", "4", "text", "answer", 0.8, "https://a\nhttps://b", int64(2000)},
			{"m1", "alice", "", "text", "question", nil, nil, int64(1000)},
		},
	}

	db, driver := newMockDB(t, []mockOperation{queryOp(listMessagesSQL, rows)})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := newSQLMessageRepository(db, 500)
	list, err := repo.ListLatest(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "m1" || list[1].ID != "m2" {
		t.Fatalf("expected chronological order: %+v", list)
	}
	if list[0].Confidence != nil || list[1].Confidence == nil || *list[1].Confidence != 0.8 {
		t.Fatalf("confidence not mapped: %+v", list)
	}
	if !list[1].CreatedAt.Equal(time.UnixMilli(2000)) {
		t.Fatalf("unexpected created_at: %v", list[1].CreatedAt)
	}
}

func TestSQLMessageRepositoryReceipts(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"interaction_id", "user_id", "agent_id", "cid", "url", "created_at"},
		values: [][]driver.Value{
			{"i1", "alice", "4", "bafy", "https://gateway/ipfs/bafy", int64(1000)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		execOp(insertReceiptSQL, mockResult{rowsAffected: 1}),
		queryOp(listReceiptsSQL, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := newSQLMessageRepository(db, 500)
	ctx := context.Background()
	if err := repo.SaveReceipt(ctx, conversation.Receipt{InteractionID: "i1", UserID: "alice", CID: "bafy", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("save receipt failed: %v", err)
	}
	list, err := repo.ListReceipts(ctx, "alice", 5)
	if err != nil {
		t.Fatalf("list receipts failed: %v", err)
	}
	if len(list) != 1 || list[0].CID != "bafy" {
		t.Fatalf("unexpected receipts: %+v", list)
	}
}

func TestSQLMessageRepositoryRunMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
	}
	for _, stmt := range readMigrationStatements() {
		ops = append(ops, execOp(stmt, mockResult{}))
	}
	ops = append(ops,
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	)
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := newSQLMessageRepository(db, 0)
	if err := repo.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestLoadMigrationsOrdersAndStripsComments(t *testing.T) {
	t.Parallel()

	files := fstest.MapFS{
		"0002_add_index.sql": {Data: []byte("-- speeds up lookups\nCREATE INDEX idx_a ON t (a);\n")},
		"0001_init.sql":      {Data: []byte("CREATE TABLE t (a INT);\n-- seed\nINSERT INTO t VALUES (1);")},
		"0003_empty.sql":     {Data: []byte("-- nothing yet\n")},
		"README.md":          {Data: []byte("not a migration;")},
	}
	list, err := loadMigrations(files)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(list) != 2 || list[0].version != "0001" || list[1].version != "0002" {
		t.Fatalf("unexpected migrations: %+v", list)
	}
	if len(list[0].statements) != 2 || list[0].statements[1] != "INSERT INTO t VALUES (1)" {
		t.Fatalf("unexpected statements: %q", list[0].statements)
	}
	if list[1].statements[0] != "CREATE INDEX idx_a ON t (a)" {
		t.Fatalf("comment not stripped: %q", list[1].statements)
	}

	files["0001_dup.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	if _, err := loadMigrations(files); err == nil {
		t.Fatalf("expected duplicate version to be rejected")
	}
}

func TestSQLMessageRepositoryMigrationRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	statements := readMigrationStatements()
	db, driver := newMockDB(t, []mockOperation{
		execOp(createSchemaTableSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		{typ: opExec, query: statements[0], err: fmt.Errorf("table exists")},
		rollbackOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := newSQLMessageRepository(db, 0).runMigrations(context.Background()); err == nil {
		t.Fatalf("expected migration failure")
	}
}

func readMigrationStatements() []string {
	content, err := migrations.Files.ReadFile("0001_create_conversation.sql")
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitStatements(string(content))
	if len(statements) != 2 {
		panic("unexpected statements in migration")
	}
	return statements
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
