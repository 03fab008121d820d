// Package leadstore persists nurture leads in SQLite.
package leadstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"hume-agent/internal/domain"
)

// SQLiteStore implements domain.LeadStore. Every Save is a single UPDATE
// guarded by the expected version.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open lead db: %w", err)
	}
	// One writer at a time; CAS does the rest.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate lead db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS leads (
			id                TEXT PRIMARY KEY,
			stage             TEXT NOT NULL,
			follow_up         INTEGER NOT NULL DEFAULT 0,
			tier              TEXT NOT NULL,
			channel           TEXT NOT NULL,
			recipient         TEXT NOT NULL,
			name              TEXT NOT NULL DEFAULT '',
			notes             TEXT NOT NULL DEFAULT '',
			last_touch_at     INTEGER NOT NULL DEFAULT 0,
			next_action_at    INTEGER NOT NULL,
			touch_count       INTEGER NOT NULL DEFAULT 0,
			max_touches       INTEGER NOT NULL,
			response_received INTEGER NOT NULL DEFAULT 0,
			outcome           TEXT NOT NULL DEFAULT '',
			annotation        TEXT NOT NULL DEFAULT '',
			version           INTEGER NOT NULL,
			checkpoint        TEXT NOT NULL DEFAULT '{}',
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS leads_due ON leads (next_action_at, id);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const columns = `id, stage, follow_up, tier, channel, recipient, name, notes,
	last_touch_at, next_action_at, touch_count, max_touches, response_received,
	outcome, annotation, version, checkpoint, created_at, updated_at`

// terminal lists the closed stages for SQL filters.
var terminal = []any{
	string(domain.StageClosedWon), string(domain.StageClosedLost), string(domain.StageClosedStale),
}

func (s *SQLiteStore) Create(ctx context.Context, lead *domain.Lead) error {
	cp, err := json.Marshal(lead.Checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO leads ("+columns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)",
		lead.ID, string(lead.Stage), lead.FollowUp, string(lead.Tier), lead.Channel, lead.Recipient,
		lead.Name, lead.Notes, unixNano(lead.LastTouchAt), unixNano(lead.NextActionAt),
		lead.TouchCount, lead.MaxTouches, lead.ResponseReceived, string(lead.Outcome), lead.Annotation,
		string(cp), unixNano(lead.CreatedAt), unixNano(lead.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewSubSystemError("workflow", "LeadStore.Create", domain.ErrDuplicate, lead.ID)
		}
		return fmt.Errorf("insert lead %s: %w", lead.ID, err)
	}
	lead.Version = 1
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*domain.Lead, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+columns+" FROM leads WHERE id = ?", id)
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("workflow", "LeadStore.Load", domain.ErrNotFound, id)
	}
	return l, err
}

func (s *SQLiteStore) Save(ctx context.Context, lead *domain.Lead, expectedVersion int64) error {
	cp, err := json.Marshal(lead.Checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE leads SET
			stage = ?, follow_up = ?, tier = ?, channel = ?, recipient = ?, name = ?, notes = ?,
			last_touch_at = ?, next_action_at = ?, touch_count = ?, max_touches = ?,
			response_received = ?, outcome = ?, annotation = ?, checkpoint = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		string(lead.Stage), lead.FollowUp, string(lead.Tier), lead.Channel, lead.Recipient,
		lead.Name, lead.Notes, unixNano(lead.LastTouchAt), unixNano(lead.NextActionAt),
		lead.TouchCount, lead.MaxTouches, lead.ResponseReceived, string(lead.Outcome),
		lead.Annotation, string(cp), unixNano(lead.UpdatedAt),
		lead.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update lead %s: %w", lead.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update lead %s: %w", lead.ID, err)
	}
	if n == 1 {
		lead.Version = expectedVersion + 1
		return nil
	}

	var stored int64
	err = s.db.QueryRowContext(ctx, "SELECT version FROM leads WHERE id = ?", lead.ID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewSubSystemError("workflow", "LeadStore.Save", domain.ErrNotFound, lead.ID)
	}
	if err != nil {
		return fmt.Errorf("read lead version %s: %w", lead.ID, err)
	}
	return domain.NewSubSystemError("workflow", "LeadStore.Save", domain.ErrVersionConflict,
		fmt.Sprintf("%s: stored %d, expected %d", lead.ID, stored, expectedVersion))
}

func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time) ([]*domain.Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+columns+" FROM leads WHERE stage NOT IN (?, ?, ?) AND response_received = 0 AND next_action_at <= ? ORDER BY next_action_at, id",
		append(append([]any{}, terminal...), now.UnixNano())...,
	)
	if err != nil {
		return nil, fmt.Errorf("list due leads: %w", err)
	}
	return collect(rows)
}

func (s *SQLiteStore) List(ctx context.Context, filter domain.LeadFilter) ([]*domain.Lead, error) {
	var (
		where []string
		args  []any
	)
	if filter.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, string(filter.Stage))
	}
	if filter.Tier != "" {
		where = append(where, "tier = ?")
		args = append(args, string(filter.Tier))
	}
	q := "SELECT " + columns + " FROM leads"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	return collect(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLead(row scanner) (*domain.Lead, error) {
	var (
		l                                           domain.Lead
		stage, tier, outcome, cp                    string
		lastTouch, nextAction, createdAt, updatedAt int64
	)
	err := row.Scan(&l.ID, &stage, &l.FollowUp, &tier, &l.Channel, &l.Recipient, &l.Name, &l.Notes,
		&lastTouch, &nextAction, &l.TouchCount, &l.MaxTouches, &l.ResponseReceived,
		&outcome, &l.Annotation, &l.Version, &cp, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	l.Stage = domain.Stage(stage)
	l.Tier = domain.Tier(tier)
	l.Outcome = domain.Outcome(outcome)
	l.LastTouchAt = fromUnixNano(lastTouch)
	l.NextActionAt = fromUnixNano(nextAction)
	l.CreatedAt = fromUnixNano(createdAt)
	l.UpdatedAt = fromUnixNano(updatedAt)
	if err := json.Unmarshal([]byte(cp), &l.Checkpoint); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", l.ID, err)
	}
	return &l, nil
}

func collect(rows *sql.Rows) ([]*domain.Lead, error) {
	defer rows.Close()
	var leads []*domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// unixNano maps the zero time to 0 so it survives the round trip.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
