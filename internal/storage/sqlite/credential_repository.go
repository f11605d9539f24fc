package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/retinalab/fundus_analyzer/internal/storage"
)

type CredentialRepository struct {
	db *sql.DB
}

func NewCredentialRepository(dbConn *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: dbConn}
}

// GetCredential returns the stored session, or nil when none is saved.
func (r *CredentialRepository) GetCredential(ctx context.Context) (*storage.Credential, error) {
	var cred storage.Credential

	var displayName, savedAt sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT token, display_name, saved_at FROM sessions WHERE id = 1`,
	).Scan(&cred.Token, &displayName, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if displayName.Valid {
		cred.DisplayName = displayName.String
	}

	if savedAt.Valid {
		cred.SavedAt = savedAt.String
	}

	return &cred, nil
}

// SaveCredential upserts the single session row, replacing any prior session.
func (r *CredentialRepository) SaveCredential(ctx context.Context, cred *storage.Credential) error {
	savedAt := cred.SavedAt
	if savedAt == "" {
		savedAt = time.Now().Format(time.RFC3339)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, token, display_name, saved_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			display_name = excluded.display_name,
			saved_at = excluded.saved_at
	`, cred.Token, cred.DisplayName, savedAt)

	return err
}

// ClearCredential deletes the stored session, if any.
func (r *CredentialRepository) ClearCredential(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = 1`)

	return err
}
