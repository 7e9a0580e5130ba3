package database

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaValidator checks the live schema against what the persistence layer expects.
type SchemaValidator struct {
	db     *sql.DB
	driver string
}

func NewSchemaValidator(db *sql.DB, driver string) *SchemaValidator {
	return &SchemaValidator{db: db, driver: driver}
}

// RequiredTables maps each table to what it stores.
var RequiredTables = map[string]string{
	"sessions":          "Closed session summaries",
	"utterances":        "Recorded utterances",
	"translations":      "Per-language translation units",
	"translation_audio": "Per-voice synthesized audio references",
	"schema_migrations": "Migration tracking",
}

// RequiredIndexes maps each index to the query it serves.
var RequiredIndexes = map[string]string{
	"idx_sessions_closed_at":      "Recently closed session listing",
	"idx_sessions_class_code":     "Per-class lookups",
	"idx_utterances_session_time": "Per-session transcript retrieval",
	"idx_translations_language":   "Per-language retrieval",
}

func (v *SchemaValidator) ValidateTablesExist(ctx context.Context) error {
	for table, description := range RequiredTables {
		exists, err := v.tableExists(ctx, table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

func (v *SchemaValidator) ValidateIndexes(ctx context.Context) error {
	for index, purpose := range RequiredIndexes {
		exists, err := v.indexExists(ctx, index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

func (v *SchemaValidator) tableExists(ctx context.Context, name string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
	if v.driver == DriverPostgres {
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?"
	}
	return v.count(ctx, query, name)
}

func (v *SchemaValidator) indexExists(ctx context.Context, name string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?"
	if v.driver == DriverPostgres {
		query = "SELECT COUNT(*) FROM pg_indexes WHERE schemaname = current_schema() AND indexname = ?"
	}
	return v.count(ctx, query, name)
}

func (v *SchemaValidator) count(ctx context.Context, query, name string) (bool, error) {
	var n int
	if err := v.db.QueryRowContext(ctx, Rebind(v.driver, query), name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
