package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	karaerrors "github.com/karapace-project/karapace/errors"
)

const (
	// httpTimeout is the per-request timeout for remote protocol calls.
	httpTimeout = 30 * time.Second
	// maxRetries is the retry budget for transient transport errors.
	maxRetries = 3
	// baseBackoff is the initial retry delay, doubled on each attempt.
	baseBackoff = 200 * time.Millisecond
	protocolVersion = "1"
)

// apiError carries the HTTP status code from a reference-server response,
// mirroring the teacher's hypervisor.APIError so IsRetryable can classify
// it the same way (5xx/429 retryable, everything else not).
type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string { return e.Message }

func isRetryable(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Code >= 500 || ae.Code == http.StatusTooManyRequests
	}
	return true // connection-level failure
}

func doWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt < maxRetries {
			backoff := baseBackoff * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

// Client is an HTTP implementation of RemoteBackend against the reference
// server's routes (spec.md §6.2). Grounded on the teacher's
// hypervisor/http.go retry-with-backoff idiom, generalized from a
// unix-socket transport to a plain TCP base URL and from one verb (PUT) to
// the full blob/registry surface.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

// NewClient returns a Client targeting baseURL (e.g. "https://registry.example.com").
// If token is non-empty, every request carries an Authorization: Bearer header.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: httpTimeout},
	}
}

func blobPath(kind BlobKind, key string) string {
	var segment string
	switch kind {
	case KindObject:
		segment = "objects"
	case KindLayer:
		segment = "layers"
	case KindMetadata:
		segment = "metadata"
	default:
		segment = strings.ToLower(string(kind))
	}
	if key == "" {
		return "/" + segment + "/"
	}
	return "/" + segment + "/" + key
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	requestID := uuid.NewString()
	logger := log.WithFunc("remote.Client.do")

	var resp *http.Response
	err := doWithRetry(ctx, func() error {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return fmt.Errorf("build request %s %s: %w", method, path, err)
		}
		req.Header.Set("X-Karapace-Protocol", protocolVersion)
		req.Header.Set("X-Karapace-Request-Id", requestID)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/octet-stream")
		}

		r, doErr := c.hc.Do(req)
		if doErr != nil {
			logger.Warnf(ctx, "request %s %s (id=%s) failed: %v", method, path, requestID, doErr)
			return doErr
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			rb, _ := io.ReadAll(r.Body)
			_ = r.Body.Close()
			return &apiError{Code: r.StatusCode, Message: fmt.Sprintf("%s %s -> %d: %s", method, path, r.StatusCode, rb)}
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) PutBlob(ctx context.Context, kind BlobKind, key string, data []byte) error {
	resp, err := c.do(ctx, http.MethodPut, blobPath(kind, key), data)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	return statusToError(resp, http.StatusNoContent, http.StatusCreated, http.StatusOK)
}

func (c *Client) GetBlob(ctx context.Context, kind BlobKind, key string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, blobPath(kind, key), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode == http.StatusNotFound {
		return nil, karaerrors.NotFound(string(kind), key)
	}
	if err := statusToError(resp, http.StatusOK); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) HasBlob(ctx context.Context, kind BlobKind, key string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, blobPath(kind, key), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close() //nolint:errcheck
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusToError(resp, http.StatusOK)
	}
}

func (c *Client) ListBlobs(ctx context.Context, kind BlobKind) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, blobPath(kind, ""), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if err := statusToError(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var keys []string
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, fmt.Errorf("decode blob list: %w", err)
	}
	return keys, nil
}

func (c *Client) PutRegistry(ctx context.Context, data []byte) error {
	resp, err := c.do(ctx, http.MethodPut, "/registry", data)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	return statusToError(resp, http.StatusNoContent, http.StatusCreated, http.StatusOK)
}

func (c *Client) GetRegistry(ctx context.Context) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/registry", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode == http.StatusNotFound {
		return nil, karaerrors.NotFound("registry", "")
	}
	if err := statusToError(resp, http.StatusOK); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func statusToError(resp *http.Response, want ...int) error {
	for _, w := range want {
		if resp.StatusCode == w {
			return nil
		}
	}
	rb, _ := io.ReadAll(resp.Body)
	return &karaerrors.RemoteError{Kind: "http", Cause: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, rb)}
}
