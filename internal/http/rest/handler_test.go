package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/retinalab/fundus_analyzer/internal/analysis"
	"github.com/retinalab/fundus_analyzer/internal/auth"
	"github.com/retinalab/fundus_analyzer/internal/inference"
	"github.com/retinalab/fundus_analyzer/internal/ingest"
	"github.com/retinalab/fundus_analyzer/internal/record"
	"github.com/retinalab/fundus_analyzer/internal/session"
	"github.com/retinalab/fundus_analyzer/internal/storage"
	"github.com/retinalab/fundus_analyzer/internal/telemetry"
	"github.com/stretchr/testify/require"
)

type stubInference struct {
	mu      sync.Mutex
	calls   int
	predict func(ctx context.Context, name string, payload []byte) (*inference.Prediction, error)
}

func (s *stubInference) Predict(ctx context.Context, name string, payload []byte) (*inference.Prediction, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	return s.predict(ctx, name, payload)
}

type memRepo struct {
	mu   sync.Mutex
	cred *storage.Credential
}

func (m *memRepo) GetCredential(_ context.Context) (*storage.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cred, nil
}

func (m *memRepo) SaveCredential(_ context.Context, cred *storage.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cred = cred

	return nil
}

func (m *memRepo) ClearCredential(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cred = nil

	return nil
}

type fixture struct {
	handler *Handler
	server  *httptest.Server
	gate    *session.Gate
	store   *record.Store
	svc     *stubInference
}

func newFixture(t *testing.T, svc *stubInference) *fixture {
	t.Helper()

	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string

		_ = json.NewDecoder(r.Body).Decode(&body)

		if body["password"] != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message": "invalid credentials"}`))

			return
		}

		_, _ = w.Write([]byte(`{"token": "tok-123", "name": "Dr. Smith"}`))
	}))
	t.Cleanup(authSrv.Close)

	repo := &memRepo{}
	store := record.NewStore()
	gate := session.NewGate(repo)
	require.NoError(t, gate.Activate(context.Background()))

	tel, err := telemetry.New(context.Background(), telemetry.Config{})
	require.NoError(t, err)

	handler := NewHandler(
		store,
		ingest.NewValidator(0, 0),
		analysis.NewOrchestrator(store, svc, tel),
		auth.NewClient(authSrv.URL, repo),
		gate,
		tel,
	)

	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)

	return &fixture{handler: handler, server: srv, gate: gate, store: store, svc: svc}
}

func (f *fixture) login(t *testing.T) {
	t.Helper()

	resp, err := http.Post(f.server.URL+"/api/auth/login", "application/json",
		strings.NewReader(`{"username": "dr.smith", "password": "hunter2"}`))
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func testPNG(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	return buf.Bytes()
}

func multipartBody(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	for name, data := range files {
		part, err := writer.CreateFormFile("files", name)
		require.NoError(t, err)

		_, err = part.Write(data)
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())

	return &buf, writer.FormDataContentType()
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	return body
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	f := newFixture(t, &stubInference{})

	resp, err := http.Get(f.server.URL + "/files")
	require.NoError(t, err)

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := decodeBody(t, resp)
	require.Equal(t, "/login", body["redirectTo"])
}

func TestLoginOpensSession(t *testing.T) {
	f := newFixture(t, &stubInference{})

	f.login(t)

	resp, err := http.Get(f.server.URL + "/api/session")
	require.NoError(t, err)

	body := decodeBody(t, resp)
	require.Equal(t, true, body["authenticated"])
	require.Equal(t, "Dr. Smith", body["name"])

	resp, err = http.Get(f.server.URL + "/files")
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginRejectedPassesMessageThrough(t *testing.T) {
	f := newFixture(t, &stubInference{})

	resp, err := http.Post(f.server.URL+"/api/auth/login", "application/json",
		strings.NewReader(`{"username": "dr.smith", "password": "wrong"}`))
	require.NoError(t, err)

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := decodeBody(t, resp)
	require.Equal(t, "invalid credentials", body["message"])
}

func TestLogoutClosesSession(t *testing.T) {
	f := newFixture(t, &stubInference{})
	f.login(t)

	resp, err := http.Post(f.server.URL+"/api/auth/logout", "application/json", nil)
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/files")
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUploadAcceptsImagesAndFoldsRejections(t *testing.T) {
	f := newFixture(t, &stubInference{})
	f.login(t)

	body, contentType := multipartBody(t, map[string][]byte{
		"eye.png":   testPNG(t),
		"notes.txt": []byte("not an image"),
	})

	resp, err := http.Post(f.server.URL+"/files", contentType, body)
	require.NoError(t, err)

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	got := decodeBody(t, resp)
	files := got["files"].([]any)
	require.Len(t, files, 1)

	file := files[0].(map[string]any)
	require.Equal(t, "eye.png", file["name"])
	require.Equal(t, "pending", file["status"])
	require.True(t, strings.HasPrefix(file["preview"].(string), "data:image/"))
	require.Contains(t, got["notice"], "notes.txt")

	require.Equal(t, 1, f.store.Len())
}

func TestAnalyzeSettlesRecords(t *testing.T) {
	svc := &stubInference{predict: func(_ context.Context, _ string, _ []byte) (*inference.Prediction, error) {
		return &inference.Prediction{
			Overlay:        "b3ZlcmxheQ==",
			DetectedLabels: []inference.DetectedLabel{{Class: "hemorrhage", Percentage: 91.0}},
		}, nil
	}}

	f := newFixture(t, svc)
	f.login(t)

	body, contentType := multipartBody(t, map[string][]byte{"eye.png": testPNG(t)})

	resp, err := http.Post(f.server.URL+"/files", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Post(f.server.URL+"/analyze", "application/json", nil)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decodeBody(t, resp)
	require.Equal(t, float64(1), got["dispatched"])

	files := got["files"].([]any)
	require.Len(t, files, 1)

	file := files[0].(map[string]any)
	require.Equal(t, "completed", file["status"])

	result := file["result"].(map[string]any)
	require.True(t, strings.HasPrefix(result["overlay"].(string), "data:image/png;base64,"))

	labels := result["detected_labels"].([]any)
	require.Len(t, labels, 1)
	require.Equal(t, "hemorrhage", labels[0].(map[string]any)["class"])
}

func TestAnalyzeConflictsWhileBusy(t *testing.T) {
	release := make(chan struct{})

	svc := &stubInference{predict: func(_ context.Context, _ string, _ []byte) (*inference.Prediction, error) {
		<-release

		return &inference.Prediction{Overlay: "b3ZlcmxheQ=="}, nil
	}}

	f := newFixture(t, svc)
	f.login(t)

	body, contentType := multipartBody(t, map[string][]byte{"eye.png": testPNG(t)})

	resp, err := http.Post(f.server.URL+"/files", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()

	done := make(chan struct{})

	go func() {
		defer close(done)

		resp, err := http.Post(f.server.URL+"/analyze", "application/json", nil)
		if err == nil {
			resp.Body.Close()
		}
	}()

	require.Eventually(t, f.handler.orchestrator.Busy, time.Second, time.Millisecond)

	resp, err = http.Post(f.server.URL+"/analyze", "application/json", nil)
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusConflict, resp.StatusCode)

	close(release)
	<-done
}

func TestRemoveAndClear(t *testing.T) {
	f := newFixture(t, &stubInference{})
	f.login(t)

	body, contentType := multipartBody(t, map[string][]byte{"eye.png": testPNG(t)})

	resp, err := http.Post(f.server.URL+"/files", contentType, body)
	require.NoError(t, err)

	got := decodeBody(t, resp)
	id := got["files"].([]any)[0].(map[string]any)["id"].(string)

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/files/"+id, nil)
	require.NoError(t, err)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Zero(t, f.store.Len())

	req, err = http.NewRequest(http.MethodDelete, f.server.URL+"/files/"+id, nil)
	require.NoError(t, err)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err = http.NewRequest(http.MethodDelete, f.server.URL+"/files", nil)
	require.NoError(t, err)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}
