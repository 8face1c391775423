package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/tonimelisma/filemirror-go/internal/pathguard"
	"github.com/tonimelisma/filemirror-go/internal/protocol"
)

// Retry and backoff constants.
const (
	maxRetries     = 4
	baseBackoff    = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "filemirror/0.1"
)

// API is the HTTP client for the sync protocol. It handles request
// construction, the pre-shared key header, retry with exponential
// backoff for idempotent requests, and error classification.
type API struct {
	baseURL    string
	apiKey     string
	datasetID  string
	clientID   string
	httpClient *http.Client
	logger     *slog.Logger

	// sleepFunc waits between retries. Tests override it to avoid real
	// delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewAPI creates an API client. baseURL is the server's root, without the
// /api/sync suffix.
func NewAPI(baseURL, apiKey, datasetID, clientID string, httpClient *http.Client, logger *slog.Logger) *API {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &API{
		baseURL:    baseURL,
		apiKey:     apiKey,
		datasetID:  datasetID,
		clientID:   clientID,
		httpClient: httpClient,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// PostManifest sends the manifest and returns the server's diff.
// Retried on transport errors and retryable statuses; the server mints
// fresh sessions per attempt and garbage-collects abandoned ones.
func (a *API) PostManifest(ctx context.Context, req protocol.ManifestRequest) (*protocol.DiffResponse, error) {
	body, err := a.doJSON(ctx, http.MethodPost, protocol.BasePath+"/manifest", req, true)
	if err != nil {
		return nil, err
	}

	var diff protocol.DiffResponse
	if err := json.Unmarshal(body, &diff); err != nil {
		return nil, fmt.Errorf("client: decoding diff response: %w", err)
	}

	return &diff, nil
}

// PutChunk uploads one chunk body. The chunk is a byte slice, so the
// request body can be rebuilt per attempt and transport failures are
// retried; a re-PUT of the same index cleanly overwrites on the server.
func (a *API) PutChunk(ctx context.Context, relPath, uploadID string, index int, chunk []byte) error {
	path := fmt.Sprintf("%s/files/%s/uploads/%s/chunks/%d?datasetId=%s&clientId=%s",
		protocol.BasePath, pathguard.EncodeToken(relPath), uploadID, index, a.datasetID, a.clientID)

	_, err := a.do(ctx, http.MethodPut, path, "application/octet-stream",
		func() io.Reader { return bytes.NewReader(chunk) }, true)

	return err
}

// PostComplete finalizes a chunked upload. Not retried: after a transport
// failure the publish may already have committed, and the next round's
// diff resolves the ambiguity.
func (a *API) PostComplete(ctx context.Context, relPath, uploadID string, req protocol.CompleteRequest) error {
	path := fmt.Sprintf("%s/files/%s/uploads/%s/complete",
		protocol.BasePath, pathguard.EncodeToken(relPath), uploadID)

	_, err := a.doJSON(ctx, http.MethodPost, path, req, false)

	return err
}

// PostDelete asks the server to apply its delete policy. Idempotent under
// LWW, so retried.
func (a *API) PostDelete(ctx context.Context, req protocol.DeleteRequest) error {
	_, err := a.doJSON(ctx, http.MethodPost, protocol.BasePath+"/delete", req, true)

	return err
}

// doJSON marshals a JSON body and executes the request, returning the
// response body bytes.
func (a *API) doJSON(ctx context.Context, method, path string, payload any, retryable bool) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("client: marshaling request: %w", err)
	}

	return a.do(ctx, method, path, "application/json",
		func() io.Reader { return bytes.NewReader(raw) }, retryable)
}

// do executes an HTTP request against the server, rebuilding the body per
// attempt via makeBody. Non-2xx responses become *APIError. When
// retryable, transport errors and 429/5xx responses are retried with
// exponential backoff.
func (a *API) do(
	ctx context.Context, method, path, contentType string, makeBody func() io.Reader, retryable bool,
) ([]byte, error) {
	url := a.baseURL + path

	var attempt int
	for {
		resp, err := a.doOnce(ctx, method, url, contentType, makeBody())
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("client: request canceled: %w", ctx.Err())
			}

			if retryable && attempt < maxRetries {
				if sleepErr := a.retrySleep(ctx, method, path, attempt, err); sleepErr != nil {
					return nil, sleepErr
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("client: %s %s: %w", method, path, err)
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			if readErr != nil {
				return nil, fmt.Errorf("client: reading response body: %w", readErr)
			}

			return body, nil
		}

		if retryable && isRetryableStatus(resp.StatusCode) && attempt < maxRetries {
			if sleepErr := a.retrySleep(ctx, method, path, attempt,
				fmt.Errorf("status %d", resp.StatusCode)); sleepErr != nil {
				return nil, sleepErr
			}

			attempt++

			continue
		}

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

// doOnce executes a single HTTP request (no retry).
func (a *API) doOnce(ctx context.Context, method, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set(protocol.APIKeyHeader, a.apiKey)
	req.Header.Set("User-Agent", userAgent)

	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	return a.httpClient.Do(req)
}

// retrySleep logs the retry and waits out the backoff.
func (a *API) retrySleep(ctx context.Context, method, path string, attempt int, cause error) error {
	backoff := calcBackoff(attempt)

	a.logger.Warn("retrying request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("attempt", attempt+1),
		slog.Duration("backoff", backoff),
		slog.String("cause", cause.Error()),
	)

	if err := a.sleepFunc(ctx, backoff); err != nil {
		return fmt.Errorf("client: request canceled: %w", err)
	}

	return nil
}

// isRetryableStatus reports whether an HTTP status is worth retrying.
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// calcBackoff computes exponential backoff with ±25% jitter.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// formatIndex renders a chunk progress fraction for logs.
func formatIndex(index, total int) string {
	if total <= 0 {
		return strconv.Itoa(index)
	}

	return fmt.Sprintf("%d/%d", index+1, total)
}
