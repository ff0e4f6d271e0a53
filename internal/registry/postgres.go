package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"kiosk/internal/matcher"
)

// PostgresStore persists credentials in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open pgx-backed sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts the credential and its links in one transaction.
func (s *PostgresStore) Create(ctx context.Context, cred Credential) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin register: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO guardian_credentials (id, guardian_name, relationship, template, approval_state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, cred.ID, cred.GuardianName, string(cred.Relationship), cred.Template, string(cred.State), cred.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	for _, studentID := range cred.StudentIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credential_students (credential_id, student_id)
			VALUES ($1, $2)
		`, cred.ID, studentID); err != nil {
			return fmt.Errorf("insert student link %s: %w", studentID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit register: %w", err)
	}
	return nil
}

// Get returns the credential with its linked students.
func (s *PostgresStore) Get(ctx context.Context, id string) (Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, guardian_name, relationship, template, approval_state, created_at, approved_at
		FROM guardian_credentials WHERE id = $1
	`, id)
	cred, err := scanCredential(row)
	if err != nil {
		return Credential{}, err
	}
	if cred.StudentIDs, err = s.links(ctx, id); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// Approve stamps approved_at only when it is still null, so repeated
// approvals keep the first timestamp.
func (s *PostgresStore) Approve(ctx context.Context, id string, approvedAt time.Time) (Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE guardian_credentials
		SET approval_state = $2, approved_at = COALESCE(approved_at, $3)
		WHERE id = $1
		RETURNING id, guardian_name, relationship, template, approval_state, created_at, approved_at
	`, id, string(StateApproved), approvedAt)
	cred, err := scanCredential(row)
	if err != nil {
		return Credential{}, err
	}
	if cred.StudentIDs, err = s.links(ctx, id); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// Delete removes links and credential in one transaction. The FK cascade
// would remove the links too; deleting them explicitly keeps the store
// correct on schemas created without it.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reject: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM credential_students WHERE credential_id = $1`, id); err != nil {
		return fmt.Errorf("delete student links: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM guardian_credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reject: %w", err)
	}
	return nil
}

// List returns credentials in a state, or all of them when state is empty.
func (s *PostgresStore) List(ctx context.Context, state ApprovalState) ([]Credential, error) {
	query := `SELECT id, guardian_name, relationship, template, approval_state, created_at, approved_at FROM guardian_credentials`
	linkQuery := `SELECT s.credential_id, s.student_id FROM credential_students s`
	args := []any{}
	if state != "" {
		query += ` WHERE approval_state = $1`
		linkQuery += ` JOIN guardian_credentials c ON c.id = s.credential_id WHERE c.approval_state = $1`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at, id`
	linkQuery += ` ORDER BY s.student_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()
	var creds []Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	linkRows, err := s.db.QueryContext(ctx, linkQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("list student links: %w", err)
	}
	defer linkRows.Close()
	byCred := make(map[string][]string)
	for linkRows.Next() {
		var credID, studentID string
		if err := linkRows.Scan(&credID, &studentID); err != nil {
			return nil, err
		}
		byCred[credID] = append(byCred[credID], studentID)
	}
	if err := linkRows.Err(); err != nil {
		return nil, err
	}
	for i := range creds {
		creds[i].StudentIDs = byCred[creds[i].ID]
	}
	return creds, nil
}

// StudentIDs returns the students linked to a credential.
func (s *PostgresStore) StudentIDs(ctx context.Context, id string) ([]string, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM guardian_credentials WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check credential: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return s.links(ctx, id)
}

// Templates returns every enrolled template, pending and approved alike.
func (s *PostgresStore) Templates(ctx context.Context) ([]matcher.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template FROM guardian_credentials
		WHERE template <> ''
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	var out []matcher.Candidate
	for rows.Next() {
		var c matcher.Candidate
		if err := rows.Scan(&c.ID, &c.Template); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) links(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT student_id FROM credential_students
		WHERE credential_id = $1
		ORDER BY student_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list student links: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var studentID string
		if err := rows.Scan(&studentID); err != nil {
			return nil, err
		}
		ids = append(ids, studentID)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (Credential, error) {
	var (
		cred       Credential
		rel, state string
		approvedAt sql.NullTime
	)
	if err := row.Scan(&cred.ID, &cred.GuardianName, &rel, &cred.Template, &state, &cred.CreatedAt, &approvedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("scan credential: %w", err)
	}
	cred.Relationship = Relationship(rel)
	cred.State = ApprovalState(state)
	if approvedAt.Valid {
		at := approvedAt.Time
		cred.ApprovedAt = &at
	}
	return cred, nil
}
