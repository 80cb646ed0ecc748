package db

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// ErrSchemaMissing is returned when a schema file cannot be found.
var ErrSchemaMissing = errors.New("schema file not found")

// SchemaKind names one of the store kinds that has a schema script.
type SchemaKind string

const (
	// SchemaUsers is the shared identity store.
	SchemaUsers SchemaKind = "users"
	// SchemaTasks is the per-tenant transactional store.
	SchemaTasks SchemaKind = "tasks"
	// SchemaBoards is the per-tenant board location store.
	SchemaBoards SchemaKind = "boards"
)

// FileName returns the schema script file name, e.g. tasks.sql.
func (k SchemaKind) FileName() string {
	return string(k) + ".sql"
}

// LoadSchema returns the schema script for kind. When dir is empty the
// embedded script is used; otherwise <dir>/<kind>.sql must exist.
func LoadSchema(kind SchemaKind, dir string) (string, error) {
	switch kind {
	case SchemaUsers, SchemaTasks, SchemaBoards:
	default:
		return "", fmt.Errorf("unknown schema kind %q", kind)
	}

	if dir == "" {
		content, err := schemaFS.ReadFile("schema/" + kind.FileName())
		if err != nil {
			return "", fmt.Errorf("failed to read embedded schema %s: %w", kind.FileName(), err)
		}
		return string(content), nil
	}

	path := filepath.Join(dir, kind.FileName())
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrSchemaMissing, path)
		}
		return "", fmt.Errorf("failed to read schema %s: %w", path, err)
	}
	return string(content), nil
}
