package pickup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PostgresStore persists events in the pickup_events table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open pgx-backed sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `id, credential_id, student_id, guardian_name, relationship, action_type, approved, match_score, device_id, occurred_at, approved_at`

func (s *PostgresStore) Insert(ctx context.Context, evt Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pickup_events (`+eventColumns+`)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, evt.ID, evt.CredentialID, evt.StudentID, evt.GuardianName, evt.Relationship, string(evt.Action),
		evt.Approved, evt.MatchScore, evt.DeviceID, evt.OccurredAt, evt.ApprovedAt)
	if err != nil {
		return fmt.Errorf("insert pickup event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Approve(ctx context.Context, id string, at time.Time) (Event, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE pickup_events
		SET approved = TRUE, approved_at = COALESCE(approved_at, $2)
		WHERE id = $1
		RETURNING `+eventColumns, id, at)
	return scanEvent(row)
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Event, error) {
	limit, offset := f.Limit, f.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + eventColumns + ` FROM pickup_events`
	args := []any{}
	var clauses []string
	if f.StudentID != "" {
		args = append(args, f.StudentID)
		clauses = append(clauses, "student_id = $"+strconv.Itoa(len(args)))
	}
	if f.Approved != nil {
		args = append(args, *f.Approved)
		clauses = append(clauses, "approved = $"+strconv.Itoa(len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_at DESC LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pickup events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		evt          Event
		credentialID sql.NullString
		action       string
		score        sql.NullInt64
		approvedAt   sql.NullTime
	)
	err := row.Scan(&evt.ID, &credentialID, &evt.StudentID, &evt.GuardianName, &evt.Relationship, &action,
		&evt.Approved, &score, &evt.DeviceID, &evt.OccurredAt, &approvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, ErrNotFound
		}
		return Event{}, fmt.Errorf("scan pickup event: %w", err)
	}
	evt.CredentialID = credentialID.String
	evt.Action = Action(action)
	if score.Valid {
		v := int(score.Int64)
		evt.MatchScore = &v
	}
	if approvedAt.Valid {
		at := approvedAt.Time
		evt.ApprovedAt = &at
	}
	return evt, nil
}
