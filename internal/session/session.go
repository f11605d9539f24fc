package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/retinalab/fundus_analyzer/internal/logctx"
	"github.com/retinalab/fundus_analyzer/internal/storage"
	"golang.org/x/oauth2"
)

// LoginPath is where unauthenticated clients are pointed.
const LoginPath = "/login"

// State is the in-memory view of the current session.
type State struct {
	Token       string
	DisplayName string
}

// Decision is the outcome of a session check.
type Decision struct {
	Allowed    bool
	RedirectTo string
}

// Check decides whether a session may use the protected surface. It is a pure
// function of the state: no token means redirect to login, anything else is
// allowed. Token validity is the inference service's call, not ours.
func Check(s State) Decision {
	if s.Token == "" {
		return Decision{RedirectTo: LoginPath}
	}

	return Decision{Allowed: true}
}

// Gate guards the protected surface. It loads the persisted credential once
// per activation; later logins and logouts update it in memory and the
// repository stays the source of truth only across restarts.
type Gate struct {
	repo storage.CredentialReadRepository

	mu     sync.RWMutex
	state  State
	loaded bool
}

func NewGate(repo storage.CredentialReadRepository) *Gate {
	return &Gate{repo: repo}
}

// Activate loads the stored credential. Only the first call hits the
// repository; re-activating is a no-op.
func (g *Gate) Activate(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.loaded {
		return nil
	}

	cred, err := g.repo.GetCredential(ctx)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	if cred != nil {
		g.state = State{Token: cred.Token, DisplayName: cred.DisplayName}
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "session restored", "display_name", cred.DisplayName)
	}

	g.loaded = true

	return nil
}

// Current returns the session state.
func (g *Gate) Current() State {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.state
}

// Token implements oauth2.TokenSource over the live session, so outbound
// requests always carry the token of the moment, not the one at startup.
func (g *Gate) Token() (*oauth2.Token, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return &oauth2.Token{AccessToken: g.state.Token}, nil
}

// Set replaces the session after a successful login.
func (g *Gate) Set(cred *storage.Credential) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = State{Token: cred.Token, DisplayName: cred.DisplayName}
	g.loaded = true
}

// Clear drops the session after logout.
func (g *Gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = State{}
}
