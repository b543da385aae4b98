package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/icos-project/polman/pkg/model"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on SQLite. The policy document lives in one
// row; the event log is an append-only table.
type SQLiteStore struct {
	db  *sql.DB
	cfg SQLiteConfig
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance. Path ":memory:" opens
// a private in-memory database.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

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

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
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

func encodeDocument(p *model.Policy) (string, error) {
	doc := *p
	doc.Status.Events = nil
	data, err := json.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode policy %s: %w", p.ID, err)
	}
	return string(data), nil
}

func decodeDocument(data string) (*model.Policy, error) {
	p := &model.Policy{}
	if err := json.Unmarshal([]byte(data), p); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	p.Status.Events = []model.Event{}
	return p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Insert creates a policy row and its initial events.
func (s *SQLiteStore) Insert(ctx context.Context, p *model.Policy) error {
	doc, err := encodeDocument(p)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO policies (id, name, phase, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, string(p.Status.Phase), doc, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return errAlreadyExists(p.ID)
		}
		return fmt.Errorf("failed to insert policy: %w", err)
	}

	for _, e := range p.Status.Events {
		if err := insertEvent(ctx, tx, p.ID, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit policy: %w", err)
	}
	return nil
}

// Get retrieves a policy by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Policy, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM policies WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}

	p, err := decodeDocument(doc)
	if err != nil {
		return nil, err
	}

	events, err := s.events(ctx, `WHERE policy_id = ?`, id)
	if err != nil {
		return nil, err
	}
	p.Status.Events = append(p.Status.Events, events[id]...)
	return p, nil
}

// List returns every policy matching filters in insertion order.
func (s *SQLiteStore) List(ctx context.Context, filters Filters) ([]*model.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM policies ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	policies := []*model.Policy{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		p, err := decodeDocument(doc)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policies: %w", err)
	}

	events, err := s.events(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, p := range policies {
		p.Status.Events = append(p.Status.Events, events[p.ID]...)
	}

	return filterPolicies(policies, filters)
}

func (s *SQLiteStore) events(ctx context.Context, where string, args ...interface{}) (map[string][]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT policy_id, type, timestamp, details FROM policy_events `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := map[string][]model.Event{}
	for rows.Next() {
		var (
			policyID, typ, ts, details string
		)
		if err := rows.Scan(&policyID, &typ, &ts, &details); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e := model.Event{Type: model.EventType(typ)}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("failed to decode event details: %w", err)
		}
		events[policyID] = append(events[policyID], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// Delete removes a policy and its events.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM policy_events WHERE policy_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return model.NewNotFoundError(id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// AddEvent appends an event to the policy log.
func (s *SQLiteStore) AddEvent(ctx context.Context, id string, event model.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM policies WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewNotFoundError(id)
	}
	if err != nil {
		return fmt.Errorf("failed to get policy: %w", err)
	}

	if err := insertEvent(ctx, tx, id, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, id string, e model.Event) error {
	details := e.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_events (policy_id, type, timestamp, details)
		VALUES (?, ?, ?, ?)
	`, id, string(e.Type), formatTime(e.Timestamp), string(data))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetPhase(ctx context.Context, id string, phase model.Phase) error {
	return s.update(ctx, id, setPhase(phase))
}

func (s *SQLiteStore) SetRenderedSpec(ctx context.Context, id string, spec model.Spec) error {
	return s.update(ctx, id, setRenderedSpec(spec))
}

func (s *SQLiteStore) SetVariable(ctx context.Context, id, name string, value interface{}) error {
	return s.update(ctx, id, setVariable(name, value))
}

func (s *SQLiteStore) UpdateMeasurementBackend(ctx context.Context, id, name string, status map[string]interface{}) error {
	return s.update(ctx, id, updateMeasurementBackend(name, status))
}

func (s *SQLiteStore) DeleteMeasurementBackend(ctx context.Context, id, name string) error {
	return s.update(ctx, id, deleteMeasurementBackend(name))
}

// update applies fn to the stored document inside one immediate
// transaction.
func (s *SQLiteStore) update(ctx context.Context, id string, fn mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT document FROM policies WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewNotFoundError(id)
	}
	if err != nil {
		return fmt.Errorf("failed to get policy: %w", err)
	}

	p, err := decodeDocument(doc)
	if err != nil {
		return err
	}
	fn(p)

	updated, err := encodeDocument(p)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE policies SET phase = ?, document = ?, updated_at = ? WHERE id = ?
	`, string(p.Status.Phase), updated, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit policy update: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
