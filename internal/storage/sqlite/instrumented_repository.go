package sqlite

import (
	"context"
	"database/sql"

	"github.com/retinalab/fundus_analyzer/internal/storage"
	"github.com/retinalab/fundus_analyzer/internal/telemetry"
)

// InstrumentedCredentialRepository wraps CredentialRepository with telemetry.
type InstrumentedCredentialRepository struct {
	repo      *CredentialRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedCredentialRepository creates a new instrumented credential repository.
func NewInstrumentedCredentialRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedCredentialRepository {
	return &InstrumentedCredentialRepository{
		repo:      NewCredentialRepository(dbConn),
		telemetry: tel,
	}
}

// GetCredential loads the stored session with telemetry.
func (r *InstrumentedCredentialRepository) GetCredential(ctx context.Context) (*storage.Credential, error) {
	var result *storage.Credential

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_credential", func(ctx context.Context) error {
		result, err = r.repo.GetCredential(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// SaveCredential persists the session with telemetry.
func (r *InstrumentedCredentialRepository) SaveCredential(ctx context.Context, cred *storage.Credential) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_credential", func(ctx context.Context) error {
		return r.repo.SaveCredential(ctx, cred)
	})
}

// ClearCredential clears the session with telemetry.
func (r *InstrumentedCredentialRepository) ClearCredential(ctx context.Context) error {
	return r.telemetry.InstrumentDBOperation(ctx, "clear_credential", func(ctx context.Context) error {
		return r.repo.ClearCredential(ctx)
	})
}
