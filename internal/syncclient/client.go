package syncclient

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

	"github.com/MarcoPoloResearchLab/leadforms/internal/etag"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds each individual attempt.
	DefaultTimeout = 10 * time.Second
	// DefaultMaxAttempts bounds how often a retryable failure is retried.
	DefaultMaxAttempts = 3
	// DefaultBackoffBase is multiplied by the attempt number between retries.
	DefaultBackoffBase = 250 * time.Millisecond

	headerIdempotencyKey = "Idempotency-Key"
)

var (
	errMissingBaseURL = errors.New("base url is required")
	errMissingMethod  = errors.New("request method is required")
	errMissingPath    = errors.New("request path is required")

	noOpLogger = zap.NewNop()
)

// KeyProvider issues idempotency keys for requests that do not carry
// a caller-supplied one.
type KeyProvider interface {
	NewKey() (string, error)
}

type uuidKeyProvider struct{}

// NewUUIDKeyProvider constructs a KeyProvider issuing UUIDv7 keys.
func NewUUIDKeyProvider() KeyProvider {
	return &uuidKeyProvider{}
}

func (p *uuidKeyProvider) NewKey() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ClientConfig wires the dependencies of a Client.
type ClientConfig struct {
	BaseURL     string
	HTTPClient  *http.Client
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	KeyProvider KeyProvider
	Sleep       func(ctx context.Context, delay time.Duration) error
	Logger      *zap.Logger
}

// Request describes one logical call against the backend.
type Request struct {
	Method string
	Path   string
	Body   any

	// Idempotent attaches an idempotency key to the request. The key is
	// generated unless IdempotencyKey supplies one.
	Idempotent     bool
	IdempotencyKey string

	// IfMatch attaches a mutation precondition against this ETag. A
	// mismatch surfaces as a ConflictError.
	IfMatch string

	// ResourceKey names the logical resource for the ETag cache. It
	// defaults to "<method> <path>".
	ResourceKey string
}

// Response is the outcome of a completed call.
type Response struct {
	Status int
	Body   json.RawMessage
	ETag   string

	// FromCache marks a 304 short-circuit: Body and ETag were served
	// from the client's cached representation.
	FromCache bool

	// IdempotencyKey reports the key actually sent, if any.
	IdempotencyKey string
}

// Client executes HTTP requests with idempotency-key injection,
// ETag-based conditional requests, per-attempt timeouts and bounded
// retry with backoff. Conflicts and duplicate submissions are never
// retried: they are decisions for the caller, not transport noise.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	timeout     time.Duration
	maxAttempts int
	backoffBase time.Duration
	keyProvider KeyProvider
	sleep       func(ctx context.Context, delay time.Duration) error
	logger      *zap.Logger
	cache       *etagCache
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	keyProvider := cfg.KeyProvider
	if keyProvider == nil {
		keyProvider = NewUUIDKeyProvider()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		keyProvider: keyProvider,
		sleep:       sleep,
		logger:      logger,
		cache:       newETagCache(),
	}, nil
}

// CachedETag reports the cached tag for a logical resource key.
func (c *Client) CachedETag(resourceKey string) (string, bool) {
	entry, found := c.cache.get(resourceKey)
	if !found {
		return "", false
	}
	return entry.etag, true
}

// ForgetResource drops the cached representation for a resource key.
func (c *Client) ForgetResource(resourceKey string) {
	c.cache.drop(resourceKey)
}

// Do executes the request. Retryable failures (transport errors,
// timeouts, 408, 429 and the 5xx family) are retried with backoff up to
// the attempt bound; every other failure surfaces immediately through
// the error taxonomy.
func (c *Client) Do(ctx context.Context, request Request) (*Response, error) {
	if strings.TrimSpace(request.Method) == "" {
		return nil, errMissingMethod
	}
	if strings.TrimSpace(request.Path) == "" {
		return nil, errMissingPath
	}

	resourceKey := request.ResourceKey
	if resourceKey == "" {
		resourceKey = request.Method + " " + request.Path
	}

	idempotencyKey := ""
	if request.Idempotent {
		idempotencyKey = strings.TrimSpace(request.IdempotencyKey)
		if idempotencyKey == "" {
			generated, err := c.keyProvider.NewKey()
			if err != nil {
				return nil, fmt.Errorf("syncclient: idempotency key generation failed: %w", err)
			}
			idempotencyKey = generated
		}
	}

	var encodedBody []byte
	if request.Body != nil {
		encoded, err := json.Marshal(request.Body)
		if err != nil {
			return nil, fmt.Errorf("syncclient: request body not serializable: %w", err)
		}
		encodedBody = encoded
	}

	var lastStatus int
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * c.backoffBase
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		conditionalTag := ""
		if request.Method == http.MethodGet {
			if cached, found := c.cache.get(resourceKey); found {
				conditionalTag = cached.etag
			}
		}

		response, retryable, err := c.attempt(ctx, request, resourceKey, idempotencyKey, conditionalTag, encodedBody)
		if err == nil {
			return response, nil
		}
		if !retryable {
			return nil, err
		}

		lastErr = err
		var transient *TransientNetworkError
		if errors.As(err, &transient) {
			lastStatus = transient.LastStatus
		}
		c.logger.Warn("request attempt failed",
			zap.String("method", request.Method),
			zap.String("path", request.Path),
			zap.Int("attempt", attempt),
			zap.Int("status", lastStatus),
			zap.Error(err))
	}

	return nil, &TransientNetworkError{
		Path:       request.Path,
		Attempts:   c.maxAttempts,
		LastStatus: lastStatus,
		cause:      errors.Unwrap(lastErr),
	}
}

// attempt performs a single bounded HTTP exchange. The returned bool
// reports whether the failure is retryable.
func (c *Client) attempt(ctx context.Context, request Request, resourceKey, idempotencyKey, conditionalTag string, encodedBody []byte) (*Response, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if encodedBody != nil {
		bodyReader = bytes.NewReader(encodedBody)
	}

	httpRequest, err := http.NewRequestWithContext(attemptCtx, request.Method, c.baseURL+request.Path, bodyReader)
	if err != nil {
		return nil, false, fmt.Errorf("syncclient: building request failed: %w", err)
	}
	if encodedBody != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		httpRequest.Header.Set(headerIdempotencyKey, idempotencyKey)
	}
	if request.IfMatch != "" {
		httpRequest.Header.Set("If-Match", etag.Quote(request.IfMatch))
	}
	if conditionalTag != "" {
		httpRequest.Header.Set("If-None-Match", etag.Quote(conditionalTag))
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		// Parent cancellation is the caller's decision; a per-attempt
		// timeout or transport failure is retryable.
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, &TransientNetworkError{Path: request.Path, Attempts: 1, cause: err}
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, &TransientNetworkError{Path: request.Path, Attempts: 1, cause: err}
	}

	responseTag := strings.Trim(httpResponse.Header.Get("ETag"), `"`)

	switch {
	case httpResponse.StatusCode == http.StatusNotModified:
		cached, found := c.cache.get(resourceKey)
		if !found {
			// The server honored a precondition we no longer hold a copy
			// for; retry unconditionally by dropping the stale key.
			c.cache.drop(resourceKey)
			return nil, true, &TransientNetworkError{Path: request.Path, Attempts: 1, LastStatus: httpResponse.StatusCode}
		}
		return &Response{
			Status:         http.StatusNotModified,
			Body:           cached.body,
			ETag:           cached.etag,
			FromCache:      true,
			IdempotencyKey: idempotencyKey,
		}, false, nil

	case httpResponse.StatusCode >= 200 && httpResponse.StatusCode < 300:
		if responseTag != "" && len(responseBody) > 0 {
			c.cache.put(resourceKey, responseTag, json.RawMessage(responseBody))
		}
		return &Response{
			Status:         httpResponse.StatusCode,
			Body:           json.RawMessage(responseBody),
			ETag:           responseTag,
			IdempotencyKey: idempotencyKey,
		}, false, nil

	case httpResponse.StatusCode == http.StatusConflict:
		return nil, false, &ConflictError{Path: request.Path}

	case httpResponse.StatusCode == http.StatusUnprocessableEntity:
		return nil, false, &DuplicateRequestError{
			Path:           request.Path,
			OriginalResult: extractOriginalResult(responseBody),
		}

	case isRetryableStatus(httpResponse.StatusCode):
		return nil, true, &TransientNetworkError{Path: request.Path, Attempts: 1, LastStatus: httpResponse.StatusCode}

	default:
		return nil, false, &ValidationError{
			Path:   request.Path,
			Status: httpResponse.StatusCode,
			Body:   json.RawMessage(responseBody),
		}
	}
}

func isRetryableStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

type duplicateResponseBody struct {
	Error          string          `json:"error"`
	OriginalResult json.RawMessage `json:"original_result"`
}

func extractOriginalResult(body []byte) json.RawMessage {
	var parsed duplicateResponseBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	return parsed.OriginalResult
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
