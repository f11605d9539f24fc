package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/retinalab/fundus_analyzer/internal/logctx"
	"github.com/retinalab/fundus_analyzer/internal/storage"
)

const maxErrorBodySize = 4 * 1024

// Client signs users in against the auth service and keeps the resulting
// session in the credential repository.
type Client struct {
	baseURL    string
	httpClient *http.Client
	repo       storage.CredentialRepository
}

func NewClient(baseURL string, repo storage.CredentialRepository) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		repo:       repo,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse covers both token spellings the auth service has used.
type loginResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"accessToken"`
	Name        string `json:"name"`
	Message     string `json:"message"`
}

func (r *loginResponse) token() string {
	if r.Token != "" {
		return r.Token
	}

	return r.AccessToken
}

// Login exchanges credentials for a bearer token and persists the session.
// A rejected or tokenless response comes back as an *Error whose message is
// shown to the user directly.
func (c *Client) Login(ctx context.Context, username, password string) (*storage.Credential, error) {
	logger := logctx.LoggerFromContext(ctx).With("method", "auth.login", "username", username)

	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("failed to encode login request: %w", err)
	}

	url := c.baseURL + "/api/auth/login"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.ErrorContext(ctx, "auth request failed", "err", err)

		return nil, fmt.Errorf("failed to reach auth service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := "login failed"

		var rejection loginResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodySize)).Decode(&rejection); err == nil && rejection.Message != "" {
			msg = rejection.Message
		}

		logger.WarnContext(ctx, "login rejected", "status", resp.StatusCode)

		return nil, &Error{StatusCode: resp.StatusCode, Message: msg}
	}

	var accepted loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}

	if accepted.token() == "" {
		logger.ErrorContext(ctx, "login response carried no token")

		return nil, &Error{Message: "auth service returned no token"}
	}

	cred := &storage.Credential{
		Token:       accepted.token(),
		DisplayName: accepted.Name,
	}

	if err := c.repo.SaveCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	logger.InfoContext(ctx, "login succeeded")

	return cred, nil
}

// Logout drops the persisted session. The auth service holds no server-side
// state for it, so this is purely local.
func (c *Client) Logout(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("method", "auth.logout")

	if err := c.repo.ClearCredential(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	logger.InfoContext(ctx, "session cleared")

	return nil
}
