package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/retinalab/fundus_analyzer/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const maxErrorBodySize = 4 * 1024

// DetectedLabel is one class/percentage pair as the service reports it.
type DetectedLabel struct {
	Class      string  `json:"class"`
	Percentage float64 `json:"percentage"`
}

// Prediction is the raw wire response for one analyzed image. Overlay is the
// base64-encoded annotated image; DetectedLabels keeps the server's order and
// may be empty.
type Prediction struct {
	Overlay        string          `json:"overlay"`
	DetectedLabels []DetectedLabel `json:"detected_labels"`
}

// Service is what the orchestrator needs from an inference backend.
type Service interface {
	Predict(ctx context.Context, name string, payload []byte) (*Prediction, error)
}

// Client talks to the remote inference service. The bearer credential rides
// on every request via the oauth2 token source, consulted per request; an
// empty credential is allowed and simply presented as-is.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds an inference client. A zero timeout means no client-side
// deadline: a hung request leaves its record analyzing until the caller's
// context or the server gives up.
func NewClient(baseURL string, source oauth2.TokenSource, timeout time.Duration) *Client {
	if source == nil {
		source = oauth2.StaticTokenSource(&oauth2.Token{})
	}

	transport := &oauth2.Transport{
		Source: source,
		Base:   otelhttp.NewTransport(http.DefaultTransport),
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
	}
}

// Predict submits one image for analysis: a multipart POST with the original
// binary under the "file" field. Any non-2xx status or unusable body is a
// ServiceError; failures before a response is a TransportError.
func (c *Client) Predict(ctx context.Context, name string, payload []byte) (*Prediction, error) {
	logger := logctx.LoggerFromContext(ctx).With("operation", "predict", "file_name", name)

	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := part.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to write form file: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.ErrorContext(ctx, "inference request failed", "err", err)

		return nil, &TransportError{Operation: "predict", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		logger.ErrorContext(ctx, "inference service rejected request", "status", resp.StatusCode)

		return nil, &ServiceError{
			Operation:  "predict",
			StatusCode: resp.StatusCode,
			APIMessage: string(b),
		}
	}

	var prediction Prediction
	if err := json.NewDecoder(resp.Body).Decode(&prediction); err != nil {
		logger.ErrorContext(ctx, "failed to decode inference response", "err", err)

		return nil, &ServiceError{
			Operation:  "predict",
			APIMessage: "malformed response body",
			Err:        err,
		}
	}

	if prediction.DetectedLabels == nil {
		prediction.DetectedLabels = []DetectedLabel{}
	}

	logger.DebugContext(ctx, "prediction received", "label_count", len(prediction.DetectedLabels))

	return &prediction, nil
}
