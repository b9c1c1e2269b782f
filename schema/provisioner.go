package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/kmal808/litebase/db"
	"github.com/kmal808/litebase/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidDefinition = errors.New("invalid table definition")
	ErrAlreadyExists     = errors.New("table already exists")
	ErrTableNotFound     = errors.New("table not found")
)

const (
	// HookFunction is the shared emission function every change hook executes
	HookFunction = "notify_change"

	// NotifyPayloadLimit is the largest payload sent as-is; Postgres rejects NOTIFY payloads of 8000 bytes or more
	NotifyPayloadLimit = 7999

	hookSuffix = "_change_hook"
	hookPrefix = "change_hook_"
)

// Provisioner creates tenant namespaces, tables and their change hooks
type Provisioner struct {
	db           db.Database
	systemSchema string
	channel      string
}

// NewProvisioner creates a provisioner emitting on channel through systemSchema.notify_change()
func NewProvisioner(database db.Database, systemSchema, channel string) (*Provisioner, error) {
	if !ValidIdentifier(systemSchema) {
		return nil, fmt.Errorf("invalid system schema %q", systemSchema)
	}
	if !ValidIdentifier(channel) {
		return nil, fmt.Errorf("invalid notification channel %q", channel)
	}
	return &Provisioner{db: database, systemSchema: systemSchema, channel: channel}, nil
}

// HookName returns the deterministic trigger name for a table. Names that would exceed
// the identifier limit are replaced by a hash so they are never silently truncated.
func HookName(table string) string {
	name := table + hookSuffix
	if len(name) <= MaxIdentifierLength {
		return name
	}
	return fmt.Sprintf("%s%016x", hookPrefix, xxhash.Sum64String(table))
}

// Install creates the system schema and the shared emission function
func (p *Provisioner) Install(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", db.QuoteIdent(p.systemSchema)),
		p.hookFunctionSQL(),
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to install change hook function: %w", err)
		}
	}

	log.Info().
		Str("schema", p.systemSchema).
		Str("channel", p.channel).
		Msg("Installed change hook function")
	return nil
}

func (p *Provisioner) hookFunctionSQL() string {
	return fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger
LANGUAGE plpgsql AS $hook$
DECLARE
	payload jsonb;
	body text;
BEGIN
	payload := jsonb_build_object(
		'schema_name', TG_TABLE_SCHEMA,
		'table_name', TG_TABLE_NAME,
		'operation', TG_OP,
		'record', CASE WHEN TG_OP = 'DELETE' THEN to_jsonb(OLD) ELSE to_jsonb(NEW) END,
		'old_record', CASE WHEN TG_OP = 'UPDATE' THEN to_jsonb(OLD) ELSE NULL END,
		'emitted_at', to_char(clock_timestamp() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"')
	);
	body := payload::text;
	IF octet_length(body) > %d THEN
		payload := payload || jsonb_build_object('record', '{}'::jsonb, 'old_record', NULL, 'truncated', true);
		body := payload::text;
	END IF;
	PERFORM pg_notify(%s, body);
	RETURN NULL;
END;
$hook$`, db.QuoteIdent(p.systemSchema, HookFunction), NotifyPayloadLimit, quoteLiteral(p.channel))
}

// EnsureNamespace creates a tenant namespace if it does not exist
func EnsureNamespace(ctx context.Context, exec db.Execer, namespace string) error {
	if !ValidIdentifier(namespace) {
		return fmt.Errorf("invalid namespace %q", namespace)
	}
	if _, err := exec.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+db.QuoteIdent(namespace)); err != nil {
		return fmt.Errorf("failed to create namespace %s: %w", namespace, err)
	}
	return nil
}

// DropNamespace drops a tenant namespace with every table and hook in it
func DropNamespace(ctx context.Context, exec db.Execer, namespace string) error {
	if !ValidIdentifier(namespace) {
		return fmt.Errorf("invalid namespace %q", namespace)
	}
	if _, err := exec.Exec(ctx, "DROP SCHEMA IF EXISTS "+db.QuoteIdent(namespace)+" CASCADE"); err != nil {
		return fmt.Errorf("failed to drop namespace %s: %w", namespace, err)
	}
	return nil
}

// EnsureNamespace is the method form of the package function, bound to the provisioner's pool
func (p *Provisioner) EnsureNamespace(ctx context.Context, namespace string) error {
	return EnsureNamespace(ctx, p.db, namespace)
}

// CreateTable creates the table and attaches its change hook in one transaction
func (p *Provisioner) CreateTable(ctx context.Context, namespace string, def TableDefinition) error {
	start := time.Now()
	err := p.createTable(ctx, namespace, def)
	p.observe("create_table", start, err)
	if err != nil {
		return err
	}

	log.Info().
		Str("namespace", namespace).
		Str("table", def.Name).
		Str("hook", HookName(def.Name)).
		Int("columns", len(def.Columns)).
		Msg("Created table")
	return nil
}

func (p *Provisioner) createTable(ctx context.Context, namespace string, def TableDefinition) error {
	if !ValidIdentifier(namespace) {
		return fmt.Errorf("%w: invalid namespace %q", ErrInvalidDefinition, namespace)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	createSQL, err := createTableSQL(namespace, def)
	if err != nil {
		return err
	}

	return db.WithTx(ctx, p.db, func(tx pgx.Tx) error {
		exists, err := tableExists(ctx, tx, namespace, def.Name)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s.%s", ErrAlreadyExists, namespace, def.Name)
		}

		if _, err := tx.Exec(ctx, createSQL); err != nil {
			if db.IsCode(err, db.CodeDuplicateTable) {
				return fmt.Errorf("%w: %s.%s", ErrAlreadyExists, namespace, def.Name)
			}
			return fmt.Errorf("failed to create table %s.%s: %w", namespace, def.Name, err)
		}

		if _, err := tx.Exec(ctx, p.createHookSQL(namespace, def.Name)); err != nil {
			return fmt.Errorf("failed to create change hook on %s.%s: %w", namespace, def.Name, err)
		}
		return nil
	})
}

// DropTable removes the change hook and then the table. Absence of either is not an error.
func (p *Provisioner) DropTable(ctx context.Context, namespace, table string) error {
	if !ValidIdentifier(namespace) || !ValidIdentifier(table) {
		return fmt.Errorf("%w: invalid table %s.%s", ErrInvalidDefinition, namespace, table)
	}

	start := time.Now()
	err := db.WithTx(ctx, p.db, func(tx pgx.Tx) error {
		// Dropping the hook on a missing table still errors, so gate on existence first
		exists, err := tableExists(ctx, tx, namespace, table)
		if err != nil {
			return err
		}
		if exists {
			dropHook := fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s",
				db.QuoteIdent(HookName(table)), db.QuoteIdent(namespace, table))
			if _, err := tx.Exec(ctx, dropHook); err != nil {
				return fmt.Errorf("failed to drop change hook on %s.%s: %w", namespace, table, err)
			}
		}

		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+db.QuoteIdent(namespace, table)); err != nil {
			return fmt.Errorf("failed to drop table %s.%s: %w", namespace, table, err)
		}
		return nil
	})
	p.observe("drop_table", start, err)
	if err != nil {
		return err
	}

	log.Info().Str("namespace", namespace).Str("table", table).Msg("Dropped table")
	return nil
}

// ListTables returns the base tables of a namespace in name order
func (p *Provisioner) ListTables(ctx context.Context, namespace string) ([]string, error) {
	rows, err := p.db.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		 ORDER BY table_name`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables in %s: %w", namespace, err)
	}

	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list tables in %s: %w", namespace, err)
	}
	return tables, nil
}

// ColumnInfo describes an existing column as reported by the catalog
type ColumnInfo struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Length   *int32  `json:"length,omitempty"`
	Nullable bool    `json:"nullable"`
	Default  *string `json:"default,omitempty"`
}

// DescribeTable returns the columns of a table, or ErrTableNotFound
func (p *Provisioner) DescribeTable(ctx context.Context, namespace, table string) ([]ColumnInfo, error) {
	rows, err := p.db.Query(ctx,
		`SELECT column_name, data_type, character_maximum_length, is_nullable = 'YES', column_default
		 FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2
		 ORDER BY ordinal_position`, namespace, table)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s.%s: %w", namespace, table, err)
	}

	columns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ColumnInfo, error) {
		var c ColumnInfo
		err := row.Scan(&c.Name, &c.Type, &c.Length, &c.Nullable, &c.Default)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s.%s: %w", namespace, table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrTableNotFound, namespace, table)
	}
	return columns, nil
}

func (p *Provisioner) createHookSQL(namespace, table string) string {
	return fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s()",
		db.QuoteIdent(HookName(table)),
		db.QuoteIdent(namespace, table),
		db.QuoteIdent(p.systemSchema, HookFunction))
}

func (p *Provisioner) observe(op string, start time.Time, err error) {
	telemetry.SchemaOperationsTotal.With(op, telemetry.ResultLabel(err)).Inc()
	telemetry.ProvisionDurationSeconds.With(op).Observe(time.Since(start).Seconds())
}

func tableExists(ctx context.Context, q db.Querier, namespace, table string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		namespace, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s.%s: %w", namespace, table, err)
	}
	return exists, nil
}

func createTableSQL(namespace string, def TableDefinition) (string, error) {
	columns := make([]string, 0, len(def.Columns))
	for _, col := range def.Columns {
		sql, err := columnSQL(namespace, col)
		if err != nil {
			return "", err
		}
		columns = append(columns, sql)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", db.QuoteIdent(namespace, def.Name), strings.Join(columns, ",\n\t")), nil
}

func columnSQL(namespace string, col ColumnDefinition) (string, error) {
	native, err := nativeType(col.Type, col.Length)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(db.QuoteIdent(col.Name))
	b.WriteString(" ")
	b.WriteString(native)

	if col.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	}
	if col.Unique {
		b.WriteString(" UNIQUE")
	}
	if col.Nullable != nil && !*col.Nullable {
		b.WriteString(" NOT NULL")
	}
	if col.Default != nil {
		lit, err := literal(col.Default)
		if err != nil {
			return "", fmt.Errorf("column %s: %w", col.Name, err)
		}
		b.WriteString(" DEFAULT ")
		b.WriteString(lit)
	}
	if col.References != nil {
		fmt.Fprintf(&b, " REFERENCES %s(%s)",
			db.QuoteIdent(namespace, col.References.Table), db.QuoteIdent(col.References.Column))
	}
	return b.String(), nil
}
