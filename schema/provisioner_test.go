package schema

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDatabase records statements and answers existence checks and table listings
type fakeDatabase struct {
	mu          sync.Mutex
	statements  []string
	committed   int
	rolledBack  int
	tableExists bool
	tables      []string
	columns     []ColumnInfo
	execErr     map[string]error
}

func (f *fakeDatabase) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statements = append(f.statements, sql)
	for prefix, err := range f.execErr {
		if strings.HasPrefix(sql, prefix) {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("OK"), nil
}

func (f *fakeDatabase) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	if strings.Contains(sql, "information_schema.columns") {
		return &fakeColumnRows{columns: f.columns, idx: -1}, nil
	}
	return &fakeRows{values: f.tables, idx: -1}, nil
}

func (f *fakeDatabase) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return fakeRow{value: f.tableExists}
}

func (f *fakeDatabase) Begin(context.Context) (pgx.Tx, error) {
	return &fakeTx{db: f}, nil
}

func (f *fakeDatabase) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statements...)
}

type fakeTx struct {
	pgx.Tx
	db *fakeDatabase
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}

func (t *fakeTx) Commit(context.Context) error {
	t.db.committed++
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.db.rolledBack++
	return nil
}

type fakeRow struct {
	value bool
}

func (r fakeRow) Scan(dest ...any) error {
	*(dest[0].(*bool)) = r.value
	return nil
}

type fakeRows struct {
	pgx.Rows
	values []string
	idx    int
}

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.values)
}

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.values[r.idx]
	return nil
}

func (r *fakeRows) Close()     {}
func (r *fakeRows) Err() error { return nil }

// fakeColumnRows answers catalog column queries
type fakeColumnRows struct {
	pgx.Rows
	columns []ColumnInfo
	idx     int
}

func (r *fakeColumnRows) Next() bool {
	r.idx++
	return r.idx < len(r.columns)
}

func (r *fakeColumnRows) Scan(dest ...any) error {
	c := r.columns[r.idx]
	*(dest[0].(*string)) = c.Name
	*(dest[1].(*string)) = c.Type
	*(dest[2].(**int32)) = c.Length
	*(dest[3].(*bool)) = c.Nullable
	*(dest[4].(**string)) = c.Default
	return nil
}

func (r *fakeColumnRows) Close()     {}
func (r *fakeColumnRows) Err() error { return nil }

func newTestProvisioner(t *testing.T, database *fakeDatabase) *Provisioner {
	p, err := NewProvisioner(database, "litebase_system", "litebase_changes")
	require.NoError(t, err)
	return p
}

func TestHookName(t *testing.T) {
	require.Equal(t, "users_change_hook", HookName("users"))

	long := strings.Repeat("a", 60)
	name := HookName(long)
	require.True(t, strings.HasPrefix(name, "change_hook_"))
	require.LessOrEqual(t, len(name), MaxIdentifierLength)
	require.Equal(t, name, HookName(long))
	require.NotEqual(t, name, HookName(strings.Repeat("b", 60)))
}

func TestInstallCreatesSchemaAndFunction(t *testing.T) {
	database := &fakeDatabase{}
	p := newTestProvisioner(t, database)

	require.NoError(t, p.Install(context.Background()))

	stmts := database.recorded()
	require.Len(t, stmts, 2)
	assert.Equal(t, `CREATE SCHEMA IF NOT EXISTS "litebase_system"`, stmts[0])
	assert.Contains(t, stmts[1], `CREATE OR REPLACE FUNCTION "litebase_system"."notify_change"()`)
	assert.Contains(t, stmts[1], `pg_notify('litebase_changes', body)`)
	assert.Contains(t, stmts[1], `'truncated', true`)
}

func TestNewProvisionerRejectsBadIdentifiers(t *testing.T) {
	_, err := NewProvisioner(&fakeDatabase{}, "sys'", "litebase_changes")
	require.Error(t, err)
	_, err = NewProvisioner(&fakeDatabase{}, "litebase_system", "chan$hook$")
	require.Error(t, err)
}

func TestCreateTableCreatesTableThenHook(t *testing.T) {
	database := &fakeDatabase{}
	p := newTestProvisioner(t, database)

	err := p.CreateTable(context.Background(), "project_abc", TableDefinition{
		Name: "posts",
		Columns: []ColumnDefinition{
			{Name: "id", Type: "uuid", PrimaryKey: true},
			{Name: "title", Type: "string", Length: 200, Nullable: boolPtr(false), Default: "untitled"},
			{Name: "author", Type: "uuid", References: &References{Table: "users", Column: "id"}},
		},
	})
	require.NoError(t, err)

	stmts := database.recorded()
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], `CREATE TABLE "project_abc"."posts"`)
	assert.Contains(t, stmts[0], `"id" UUID PRIMARY KEY`)
	assert.Contains(t, stmts[0], `"title" VARCHAR(200) NOT NULL DEFAULT 'untitled'`)
	assert.Contains(t, stmts[0], `"author" UUID REFERENCES "project_abc"."users"("id")`)
	assert.Equal(t,
		`CREATE TRIGGER "posts_change_hook" AFTER INSERT OR UPDATE OR DELETE ON "project_abc"."posts" FOR EACH ROW EXECUTE FUNCTION "litebase_system"."notify_change"()`,
		stmts[1])
	assert.Equal(t, 1, database.committed)
}

func TestCreateTableExisting(t *testing.T) {
	database := &fakeDatabase{tableExists: true}
	p := newTestProvisioner(t, database)

	err := p.CreateTable(context.Background(), "project_abc", TableDefinition{
		Name:    "posts",
		Columns: []ColumnDefinition{{Name: "id", Type: "integer"}},
	})
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.Empty(t, database.recorded())
	require.Equal(t, 1, database.rolledBack)
}

func TestCreateTableRaceMapsDuplicateTable(t *testing.T) {
	database := &fakeDatabase{execErr: map[string]error{
		"CREATE TABLE": &pgconn.PgError{Code: "42P07"},
	}}
	p := newTestProvisioner(t, database)

	err := p.CreateTable(context.Background(), "project_abc", TableDefinition{
		Name:    "posts",
		Columns: []ColumnDefinition{{Name: "id", Type: "integer"}},
	})
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreateTableHookFailureRollsBack(t *testing.T) {
	database := &fakeDatabase{execErr: map[string]error{
		"CREATE TRIGGER": errors.New("permission denied"),
	}}
	p := newTestProvisioner(t, database)

	err := p.CreateTable(context.Background(), "project_abc", TableDefinition{
		Name:    "posts",
		Columns: []ColumnDefinition{{Name: "id", Type: "integer"}},
	})
	require.Error(t, err)
	require.Equal(t, 0, database.committed)
	require.Equal(t, 1, database.rolledBack)
}

func TestCreateTableInvalidDefinition(t *testing.T) {
	database := &fakeDatabase{}
	p := newTestProvisioner(t, database)

	err := p.CreateTable(context.Background(), "project_abc", TableDefinition{Name: "posts"})
	require.ErrorIs(t, err, ErrInvalidDefinition)

	err = p.CreateTable(context.Background(), "bad-ns", TableDefinition{
		Name:    "posts",
		Columns: []ColumnDefinition{{Name: "id", Type: "integer"}},
	})
	require.ErrorIs(t, err, ErrInvalidDefinition)
	require.Empty(t, database.recorded())
}

func TestDropTableDropsHookBeforeTable(t *testing.T) {
	database := &fakeDatabase{tableExists: true}
	p := newTestProvisioner(t, database)

	require.NoError(t, p.DropTable(context.Background(), "project_abc", "posts"))

	stmts := database.recorded()
	require.Equal(t, []string{
		`DROP TRIGGER IF EXISTS "posts_change_hook" ON "project_abc"."posts"`,
		`DROP TABLE IF EXISTS "project_abc"."posts"`,
	}, stmts)
}

func TestDropTableMissingIsNotAnError(t *testing.T) {
	database := &fakeDatabase{}
	p := newTestProvisioner(t, database)

	require.NoError(t, p.DropTable(context.Background(), "project_abc", "posts"))
	require.Equal(t, []string{`DROP TABLE IF EXISTS "project_abc"."posts"`}, database.recorded())
}

func TestNamespaceHelpers(t *testing.T) {
	database := &fakeDatabase{}
	ctx := context.Background()

	require.NoError(t, EnsureNamespace(ctx, database, "project_abc"))
	require.NoError(t, DropNamespace(ctx, database, "project_abc"))
	require.Error(t, EnsureNamespace(ctx, database, `x"; DROP`))

	require.Equal(t, []string{
		`CREATE SCHEMA IF NOT EXISTS "project_abc"`,
		`DROP SCHEMA IF EXISTS "project_abc" CASCADE`,
	}, database.recorded())
}

func TestListTables(t *testing.T) {
	database := &fakeDatabase{tables: []string{"posts", "users"}}
	p := newTestProvisioner(t, database)

	tables, err := p.ListTables(context.Background(), "project_abc")
	require.NoError(t, err)
	require.Equal(t, []string{"posts", "users"}, tables)
}

func TestDescribeTable(t *testing.T) {
	length := int32(255)
	def := "now()"
	database := &fakeDatabase{columns: []ColumnInfo{
		{Name: "id", Type: "integer"},
		{Name: "name", Type: "character varying", Length: &length, Nullable: true},
		{Name: "created_at", Type: "timestamp without time zone", Nullable: true, Default: &def},
	}}
	p := newTestProvisioner(t, database)

	columns, err := p.DescribeTable(context.Background(), "project_abc", "users")
	require.NoError(t, err)
	require.Len(t, columns, 3)
	assert.Equal(t, "id", columns[0].Name)
	assert.False(t, columns[0].Nullable)
	require.NotNil(t, columns[1].Length)
	assert.Equal(t, int32(255), *columns[1].Length)
	require.NotNil(t, columns[2].Default)
	assert.Equal(t, "now()", *columns[2].Default)
}

func TestDescribeTableMissing(t *testing.T) {
	p := newTestProvisioner(t, &fakeDatabase{})

	_, err := p.DescribeTable(context.Background(), "project_abc", "ghosts")
	require.ErrorIs(t, err, ErrTableNotFound)
}
