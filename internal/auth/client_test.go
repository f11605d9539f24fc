package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/retinalab/fundus_analyzer/internal/storage"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	mu   sync.Mutex
	cred *storage.Credential
}

func (m *memoryRepo) GetCredential(_ context.Context) (*storage.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cred, nil
}

func (m *memoryRepo) SaveCredential(_ context.Context, cred *storage.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cred = cred

	return nil
}

func (m *memoryRepo) ClearCredential(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cred = nil

	return nil
}

func TestLoginPersistsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/auth/login", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "dr.smith", body["username"])
		require.Equal(t, "hunter2", body["password"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token": "tok-123", "name": "Dr. Smith"}`))
	}))
	defer srv.Close()

	repo := &memoryRepo{}
	client := NewClient(srv.URL, repo)

	cred, err := client.Login(context.Background(), "dr.smith", "hunter2")
	require.NoError(t, err)
	require.Equal(t, "tok-123", cred.Token)
	require.Equal(t, "Dr. Smith", cred.DisplayName)

	stored, err := repo.GetCredential(context.Background())
	require.NoError(t, err)
	require.Equal(t, cred, stored)
}

func TestLoginAcceptsAccessTokenSpelling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accessToken": "tok-456"}`))
	}))
	defer srv.Close()

	repo := &memoryRepo{}
	client := NewClient(srv.URL, repo)

	cred, err := client.Login(context.Background(), "u", "p")
	require.NoError(t, err)
	require.Equal(t, "tok-456", cred.Token)
}

func TestLoginRejectedSurfacesServiceMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message": "invalid credentials"}`))
	}))
	defer srv.Close()

	repo := &memoryRepo{}
	client := NewClient(srv.URL, repo)

	_, err := client.Login(context.Background(), "u", "wrong")
	require.Error(t, err)

	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	require.Equal(t, "invalid credentials", authErr.Message)

	stored, _ := repo.GetCredential(context.Background())
	require.Nil(t, stored)
}

func TestLoginTokenlessResponseFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	repo := &memoryRepo{}
	client := NewClient(srv.URL, repo)

	_, err := client.Login(context.Background(), "u", "p")
	require.Error(t, err)

	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	require.Zero(t, authErr.StatusCode)
}

func TestLogoutClearsSession(t *testing.T) {
	repo := &memoryRepo{cred: &storage.Credential{Token: "tok"}}
	client := NewClient("http://unused", repo)

	require.NoError(t, client.Logout(context.Background()))

	stored, _ := repo.GetCredential(context.Background())
	require.Nil(t, stored)
}
