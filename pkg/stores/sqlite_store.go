package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/prflow/prflow/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if isMemoryPath(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// OpenSQLiteStore creates, initializes and migrates a store in one call.
func OpenSQLiteStore(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	dsn := s.cfg.Path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for components sharing the database.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Load returns the workflow with the given ID.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*engine.Workflow, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM workflows WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	return decodeWorkflow([]byte(body))
}

// Save persists wf with compare-and-swap on its version.
func (s *SQLiteStore) Save(ctx context.Context, wf *engine.Workflow) error {
	if wf == nil {
		return fmt.Errorf("%w: workflow is nil", engine.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		storedVersion int64
		storedBody    string
		exists        = true
	)
	err = tx.QueryRowContext(ctx, `SELECT version, body FROM workflows WHERE id = ?`, wf.ID).
		Scan(&storedVersion, &storedBody)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("failed to read workflow %s: %w", wf.ID, err)
	}

	plan, err := planSave(wf, exists, storedVersion, []byte(storedBody))
	if err != nil {
		return err
	}

	switch plan.action {
	case saveNoop:
		return nil
	case saveInsert:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflows (id, state, version, body, created_at, updated_at, state_entered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			wf.ID, string(wf.State), plan.version, string(plan.body),
			wf.CreatedAt.UnixNano(), wf.UpdatedAt.UnixNano(), wf.StateEnteredAt.UnixNano())
	case saveUpdate:
		var res sql.Result
		res, err = tx.ExecContext(ctx, `
			UPDATE workflows
			SET state = ?, version = ?, body = ?, updated_at = ?, state_entered_at = ?
			WHERE id = ? AND version = ?`,
			string(wf.State), plan.version, string(plan.body),
			wf.UpdatedAt.UnixNano(), wf.StateEnteredAt.UnixNano(), wf.ID, storedVersion)
		if err == nil {
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: workflow %s changed concurrently", engine.ErrVersionConflict, wf.ID)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to write workflow %s: %w", wf.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow %s: %w", wf.ID, err)
	}
	wf.Context.Version = plan.version
	return nil
}

// List returns matching workflows ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context, filter engine.ListFilter) ([]*engine.Workflow, error) {
	query := `SELECT body FROM workflows`
	var (
		where []string
		args  []interface{}
	)
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.NonTerminal {
		where = append(where, "state NOT IN (?, ?, ?)")
		args = append(args, string(engine.StateCompleted), string(engine.StateFailed), string(engine.StateCancelled))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []*engine.Workflow
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		wf, err := decodeWorkflow([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflows: %w", err)
	}
	return out, nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
