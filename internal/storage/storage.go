package storage

import "context"

// Credential is the persisted login session: the bearer token the inference
// service expects plus whatever display name the auth service reported.
type Credential struct {
	Token       string
	DisplayName string
	SavedAt     string
}

// CredentialReadRepository loads the stored session, if any.
type CredentialReadRepository interface {
	GetCredential(ctx context.Context) (*Credential, error)
}

// CredentialWriteRepository persists and clears the session.
type CredentialWriteRepository interface {
	SaveCredential(ctx context.Context, cred *Credential) error
	ClearCredential(ctx context.Context) error
}

// CredentialRepository combines reads and writes; sign-in needs both.
type CredentialRepository interface {
	CredentialReadRepository
	CredentialWriteRepository
}
