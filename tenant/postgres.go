package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5"
	"github.com/kmal808/litebase/db"
	"github.com/kmal808/litebase/schema"
	"github.com/rs/zerolog/log"
)

const projectsTable = "projects"

var dialect = goqu.Dialect("postgres")

var tenantColumns = []any{"id", "name", "schema_name", "api_key", "config", "created_at", "updated_at"}

// PostgresStore keeps tenant records in <system schema>.projects and creates
// each tenant namespace in the same transaction as its record.
type PostgresStore struct {
	db           db.Database
	systemSchema string
}

// NewPostgresStore creates a store in the given system schema
func NewPostgresStore(database db.Database, systemSchema string) (*PostgresStore, error) {
	if !schema.ValidIdentifier(systemSchema) {
		return nil, fmt.Errorf("invalid system schema %q", systemSchema)
	}
	return &PostgresStore{db: database, systemSchema: systemSchema}, nil
}

func (s *PostgresStore) table() exp.IdentifierExpression {
	return goqu.S(s.systemSchema).Table(projectsTable)
}

// Init creates the system schema and the projects table
func (s *PostgresStore) Init(ctx context.Context) error {
	stmts := []string{
		"CREATE SCHEMA IF NOT EXISTS " + db.QuoteIdent(s.systemSchema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	name VARCHAR(%d) NOT NULL UNIQUE,
	schema_name VARCHAR(255) NOT NULL UNIQUE,
	api_key TEXT NOT NULL UNIQUE,
	config JSONB NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, db.QuoteIdent(s.systemSchema, projectsTable), MaxNameLength),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize tenant store: %w", err)
		}
	}

	log.Debug().Str("schema", s.systemSchema).Msg("Tenant store initialized")
	return nil
}

func (s *PostgresStore) insertSQL(t *Tenant) (string, []any, error) {
	config, err := json.Marshal(t.Config)
	if err != nil {
		return "", nil, err
	}

	// pgx sends strings bound to jsonb as raw JSON
	return dialect.Insert(s.table()).
		Rows(goqu.Record{
			"id":          t.ID,
			"name":        t.Name,
			"schema_name": t.Namespace,
			"api_key":     t.Credential,
			"config":      string(config),
		}).
		Returning(tenantColumns...).
		Prepared(true).
		ToSQL()
}

func (s *PostgresStore) selectSQL(where exp.Expression) (string, []any, error) {
	return dialect.From(s.table()).
		Select(tenantColumns...).
		Where(where).
		Prepared(true).
		ToSQL()
}

func (s *PostgresStore) listSQL() (string, []any, error) {
	return dialect.From(s.table()).
		Select(tenantColumns...).
		Order(goqu.C("created_at").Desc(), goqu.C("id").Asc()).
		Prepared(true).
		ToSQL()
}

func (s *PostgresStore) deleteSQL(id string) (string, []any, error) {
	return dialect.Delete(s.table()).
		Where(goqu.C("id").Eq(id)).
		Returning(tenantColumns...).
		Prepared(true).
		ToSQL()
}

// Insert creates the namespace and the record in one transaction
func (s *PostgresStore) Insert(ctx context.Context, t *Tenant) error {
	query, args, err := s.insertSQL(t)
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	return db.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := schema.EnsureNamespace(ctx, tx, t.Namespace); err != nil {
			return err
		}

		stored, err := scanTenant(tx.QueryRow(ctx, query, args...))
		if err != nil {
			if db.IsCode(err, db.CodeUniqueViolation) {
				return ErrDuplicateName
			}
			return fmt.Errorf("failed to insert tenant: %w", err)
		}
		t.CreatedAt = stored.CreatedAt
		t.UpdatedAt = stored.UpdatedAt
		return nil
	})
}

func (s *PostgresStore) getWhere(ctx context.Context, where exp.Expression) (*Tenant, error) {
	query, args, err := s.selectSQL(where)
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	t, err := scanTenant(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return s.getWhere(ctx, goqu.C("id").Eq(id))
}

func (s *PostgresStore) GetByCredential(ctx context.Context, credential string) (*Tenant, error) {
	return s.getWhere(ctx, goqu.C("api_key").Eq(credential))
}

func (s *PostgresStore) List(ctx context.Context) ([]*Tenant, error) {
	query, args, err := s.listSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build list: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	tenants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Tenant, error) {
		return scanTenant(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}

// Delete removes the record and drops the namespace with everything in it, in one transaction
func (s *PostgresStore) Delete(ctx context.Context, id string) (*Tenant, error) {
	query, args, err := s.deleteSQL(id)
	if err != nil {
		return nil, fmt.Errorf("failed to build delete: %w", err)
	}

	var deleted *Tenant
	err = db.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		t, err := scanTenant(tx.QueryRow(ctx, query, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to delete tenant: %w", err)
		}
		if err := schema.DropNamespace(ctx, tx, t.Namespace); err != nil {
			return err
		}
		deleted = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.Namespace, &t.Credential, &t.Config, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
