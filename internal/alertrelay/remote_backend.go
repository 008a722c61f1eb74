package alertrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type RemoteBackendOptions struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Timeout    time.Duration
}

// RemoteDocumentBackend talks to a remote document service: GET fetches the
// whole document, PATCH replaces it. Rate-limit and server errors are
// retried with exponential backoff, honoring Retry-After.
type RemoteDocumentBackend struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	timeout    time.Duration
}

func NewRemoteDocumentBackend(opts RemoteBackendOptions) *RemoteDocumentBackend {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteDocumentBackend{
		baseURL:    baseURL,
		authToken:  strings.TrimSpace(opts.AuthToken),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		timeout:    timeout,
	}
}

func (b *RemoteDocumentBackend) Load() (*Document, error) {
	if b == nil || b.baseURL == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	body, status, err := b.do(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status < 200 || status > 299 {
		return nil, remoteError("load", status, body)
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (b *RemoteDocumentBackend) Save(doc *Document) error {
	if b == nil || b.baseURL == "" || doc == nil {
		return nil
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	body, status, err := b.do(ctx, http.MethodPatch, payload)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return remoteError("save", status, body)
	}
	return nil
}

func (b *RemoteDocumentBackend) do(ctx context.Context, method string, payload []byte) ([]byte, int, error) {
	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, b.baseURL, reader)
		if err != nil {
			return nil, 0, err
		}
		if b.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+b.authToken)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if b.userAgent != "" {
			req.Header.Set("User-Agent", b.userAgent)
		}

		resp, err := b.httpClient.Do(req)
		if err != nil {
			if attempt < b.maxRetries {
				if waitErr := sleepContext(ctx, b.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, 0, waitErr
				}
				continue
			}
			return nil, 0, err
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, 0, readErr
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < b.maxRetries {
			if waitErr := sleepContext(ctx, b.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, 0, waitErr
			}
			continue
		}
		return body, resp.StatusCode, nil
	}
}

func (b *RemoteDocumentBackend) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > b.maxDelay {
			return b.maxDelay
		}
		return retryAfter
	}
	delay := b.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.maxDelay {
			return b.maxDelay
		}
	}
	if delay > b.maxDelay {
		return b.maxDelay
	}
	return delay
}

func remoteError(op string, status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if m, ok := parsed["message"].(string); ok && strings.TrimSpace(m) != "" {
			message = m
		}
	}
	return fmt.Errorf("remote document %s failed: status=%d message=%s", op, status, message)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
