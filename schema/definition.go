package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// MaxIdentifierLength is Postgres' NAMEDATALEN - 1
const MaxIdentifierLength = 63

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	nativeTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ ]*(\(\s*\d+\s*(,\s*\d+\s*)?\))?(\[\])?$`)
)

// logicalTypes maps the logical column types accepted from callers to native Postgres types
var logicalTypes = map[string]string{
	"string":  "TEXT",
	"number":  "NUMERIC",
	"integer": "INTEGER",
	"boolean": "BOOLEAN",
	"date":    "TIMESTAMP WITH TIME ZONE",
	"json":    "JSONB",
	"uuid":    "UUID",
}

// References is a foreign key target inside the same namespace
type References struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// ColumnDefinition describes one column of a provisioned table.
// Nullable is a pointer so an absent value keeps Postgres' default (nullable).
type ColumnDefinition struct {
	Name       string      `json:"name"`
	Type       string      `json:"type"`
	Length     int         `json:"length,omitempty"`
	Nullable   *bool       `json:"nullable,omitempty"`
	PrimaryKey bool        `json:"primaryKey,omitempty"`
	Unique     bool        `json:"unique,omitempty"`
	Default    any         `json:"default,omitempty"`
	References *References `json:"references,omitempty"`
}

// TableDefinition is the input to CreateTable
type TableDefinition struct {
	Name    string             `json:"name"`
	Columns []ColumnDefinition `json:"columns"`
}

// ValidIdentifier reports whether name can be used unquoted-safe as a table, column or schema name
func ValidIdentifier(name string) bool {
	return len(name) <= MaxIdentifierLength && identifierPattern.MatchString(name)
}

// Validate checks the definition and returns an error wrapping ErrInvalidDefinition
func (d TableDefinition) Validate() error {
	if !ValidIdentifier(d.Name) {
		return fmt.Errorf("%w: invalid table name %q", ErrInvalidDefinition, d.Name)
	}
	if strings.HasPrefix(strings.ToLower(d.Name), "pg_") {
		return fmt.Errorf("%w: table name %q uses reserved prefix", ErrInvalidDefinition, d.Name)
	}
	if len(d.Columns) == 0 {
		return fmt.Errorf("%w: table %s has no columns", ErrInvalidDefinition, d.Name)
	}

	seen := make(map[string]bool, len(d.Columns))
	primaryKeys := 0
	for i, col := range d.Columns {
		if err := col.validate(); err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
		key := strings.ToLower(col.Name)
		if seen[key] {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalidDefinition, col.Name)
		}
		seen[key] = true
		if col.PrimaryKey {
			primaryKeys++
		}
	}
	if primaryKeys > 1 {
		return fmt.Errorf("%w: table %s declares %d primary keys", ErrInvalidDefinition, d.Name, primaryKeys)
	}
	return nil
}

func (c ColumnDefinition) validate() error {
	if !ValidIdentifier(c.Name) {
		return fmt.Errorf("%w: invalid column name %q", ErrInvalidDefinition, c.Name)
	}
	if c.Length < 0 {
		return fmt.Errorf("%w: column %s has negative length", ErrInvalidDefinition, c.Name)
	}
	if _, err := nativeType(c.Type, c.Length); err != nil {
		return err
	}
	if c.Default != nil {
		if _, err := literal(c.Default); err != nil {
			return fmt.Errorf("column %s: %w", c.Name, err)
		}
	}
	if c.References != nil {
		if !ValidIdentifier(c.References.Table) || !ValidIdentifier(c.References.Column) {
			return fmt.Errorf("%w: column %s has invalid reference", ErrInvalidDefinition, c.Name)
		}
	}
	return nil
}

// nativeType resolves a logical type to a Postgres type. Unknown types pass through uppercased.
func nativeType(logical string, length int) (string, error) {
	t := strings.TrimSpace(logical)
	if t == "" {
		return "", fmt.Errorf("%w: missing column type", ErrInvalidDefinition)
	}

	if native, ok := logicalTypes[strings.ToLower(t)]; ok {
		if native == "TEXT" && length > 0 {
			return fmt.Sprintf("VARCHAR(%d)", length), nil
		}
		return native, nil
	}

	if !nativeTypePattern.MatchString(t) {
		return "", fmt.Errorf("%w: unsupported column type %q", ErrInvalidDefinition, logical)
	}
	native := strings.ToUpper(t)
	if length > 0 && !strings.Contains(native, "(") {
		native = fmt.Sprintf("%s(%d)", native, length)
	}
	return native, nil
}

// literal renders a default value as a SQL literal
func literal(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return quoteLiteral(val), nil
	case bool:
		if val {
			return "TRUE", nil
		}
		return "FALSE", nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return "", fmt.Errorf("%w: non-finite default", ErrInvalidDefinition)
		}
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case float32:
		return literal(float64(val))
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case json.Number:
		if _, err := strconv.ParseFloat(val.String(), 64); err != nil {
			return "", fmt.Errorf("%w: invalid numeric default %q", ErrInvalidDefinition, val)
		}
		return val.String(), nil
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		return quoteLiteral(string(raw)) + "::jsonb", nil
	}
	return "", fmt.Errorf("%w: unsupported default of type %T", ErrInvalidDefinition, v)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
