package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/logging"
)

// Dialect selects placeholder syntax and the driver used by Open.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const kindIntent = "intent"

// SQLStoreOptions configures a SQLStore.
type SQLStoreOptions struct {
	Dialect Dialect
	// Table is the name of the definitions table (default catalog_instances).
	Table string
	// SkipMigrate disables the CREATE TABLE IF NOT EXISTS run by NewSQLStore.
	SkipMigrate bool
	Logger      logging.Logger
}

// SQLStore persists definitions as JSON documents in one table keyed by
// (kind, id, version).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	table   string
	logger  logging.Logger
}

// Open connects to driver (sqlite or postgres) at dsn and returns a migrated store.
func Open(ctx context.Context, dialect Dialect, dsn string, optFns ...func(o *SQLStoreOptions)) (*SQLStore, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported catalog dialect %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// a single connection keeps ":memory:" databases alive and serializes writers
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLStore(ctx, db, append([]func(o *SQLStoreOptions){func(o *SQLStoreOptions) { o.Dialect = dialect }}, optFns...)...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(ctx context.Context, db *sql.DB, optFns ...func(o *SQLStoreOptions)) (*SQLStore, error) {
	opts := SQLStoreOptions{Dialect: DialectSQLite, Table: "catalog_instances"}
	for _, fn := range optFns {
		fn(&opts)
	}

	s := &SQLStore{
		db:      db,
		dialect: opts.Dialect,
		table:   opts.Table,
		logger:  logging.OrNop(opts.Logger),
	}
	if !opts.SkipMigrate {
		if err := s.migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate catalog: %w", err)
		}
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) migrate(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		version TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kind, id, version)
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Load implements Source. Rows come back ordered by kind, id and version.
func (s *SQLStore) Load(ctx context.Context) (*Snapshot, error) {
	query := `SELECT kind, id, version, body FROM ` + s.table + ` ORDER BY kind, id, version`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snap := &Snapshot{}
	for rows.Next() {
		var kind, id, version, body string
		if err := rows.Scan(&kind, &id, &version, &body); err != nil {
			return nil, err
		}
		if err := decodeRow(snap, kind, []byte(body)); err != nil {
			return nil, fmt.Errorf("decode %s %s@%s: %w", kind, id, version, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := normalize(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func decodeRow(snap *Snapshot, kind string, body []byte) error {
	switch kind {
	case string(core.KindNode):
		var def core.NodeDefinition
		if err := json.Unmarshal(body, &def); err != nil {
			return err
		}
		snap.Nodes = append(snap.Nodes, def)
	case string(core.KindWorkflow):
		var def core.WorkflowDefinition
		if err := json.Unmarshal(body, &def); err != nil {
			return err
		}
		snap.Workflows = append(snap.Workflows, def)
	case kindIntent:
		var def core.IntentDefinition
		if err := json.Unmarshal(body, &def); err != nil {
			return err
		}
		snap.Intents = append(snap.Intents, def)
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
	return nil
}

type row struct {
	kind, id, version string
	body              any
}

// Save implements Store. All rows are upserted in one transaction.
func (s *SQLStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	if err := normalize(snap); err != nil {
		return err
	}

	rows := make([]row, 0, snap.Len())
	for _, def := range snap.Nodes {
		rows = append(rows, row{string(core.KindNode), def.ID, def.Version, def})
	}
	for _, def := range snap.Workflows {
		rows = append(rows, row{string(core.KindWorkflow), def.ID, def.Version, def})
	}
	for _, def := range snap.Intents {
		rows = append(rows, row{kindIntent, def.ID, "", def})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.rebind(`INSERT INTO ` + s.table + ` (kind, id, version, body, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, id, version) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, r := range rows {
		body, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", r.kind, r.id, err)
		}
		if _, err := tx.ExecContext(ctx, query, r.kind, r.id, r.version, string(body), now); err != nil {
			return fmt.Errorf("upsert %s %s@%s: %w", r.kind, r.id, r.version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("catalog.saved", "dialect", string(s.dialect), "nodes", len(snap.Nodes), "workflows", len(snap.Workflows), "intents", len(snap.Intents))
	return nil
}

// Delete removes one definition. Intents are addressed with an empty version.
func (s *SQLStore) Delete(ctx context.Context, kind, id, version string) error {
	query := s.rebind(`DELETE FROM ` + s.table + ` WHERE kind = ? AND id = ? AND version = ?`)
	res, err := s.db.ExecContext(ctx, query, kind, id, version)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &core.NotFoundError{Kind: core.InstanceKind(kind), ID: id, Version: version}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
