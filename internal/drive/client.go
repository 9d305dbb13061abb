package drive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// Production API endpoints.
const (
	DefaultBaseURL   = "https://www.googleapis.com/drive/v2"
	DefaultUploadURL = "https://www.googleapis.com/upload/drive/v2"
)

// Retry and backoff constants.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// TokenSource provides OAuth2 bearer tokens. Defined at the consumer per
// Go convention "accept interfaces, return structs". The auth flows in
// this package provide the real implementation.
type TokenSource interface {
	Token() (string, error)
}

// Client is an HTTP client for the Drive API. It handles request
// construction, authentication, retry with exponential backoff, and
// error classification.
type Client struct {
	baseURL    string
	uploadURL  string
	userAgent  string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Drive API client against the production endpoints.
func NewClient(httpClient *http.Client, token TokenSource, userAgent string, logger *slog.Logger) *Client {
	return NewClientWithURLs(DefaultBaseURL, DefaultUploadURL, httpClient, token, userAgent, logger)
}

// NewClientWithURLs creates a Drive API client with explicit base URLs.
// Tests point both at an httptest server.
func NewClientWithURLs(
	baseURL, uploadURL string, httpClient *http.Client, token TokenSource, userAgent string, logger *slog.Logger,
) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		uploadURL:  uploadURL,
		userAgent:  userAgent,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// Do executes an HTTP request against the metadata API. The path is
// appended to the client's base URL. For non-nil bodies, Content-Type is
// set to application/json. The caller is responsible for closing the
// response body on success.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}

	return c.doRetry(ctx, method, c.baseURL+path, contentType, body, nil)
}

// doRetry runs the request/retry loop against a fully-formed URL with a
// custom content type and extra headers. Bodies must be seekable so a
// retry can rewind them; JSON and multipart callers pass bytes.Reader
// values, and GET/DELETE requests have none.
func (c *Client) doRetry(
	ctx context.Context, method, fullURL, contentType string, body io.Reader, extra map[string]string,
) (*http.Response, error) {
	rewind := rewinder(body)

	var attempt int
	for {
		if err := rewind(); err != nil {
			return nil, fmt.Errorf("drive: rewinding request body: %w", err)
		}

		resp, err := c.doOnce(ctx, method, fullURL, contentType, body, extra)

		retry, result, retErr := c.evaluateResponse(ctx, method, resp, err, attempt)
		if retErr != nil {
			return nil, retErr
		}

		if !retry {
			return result, nil
		}

		attempt++
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(
	ctx context.Context, method, fullURL, contentType string, body io.Reader, extra map[string]string,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", c.userAgent)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	for k, v := range extra {
		req.Header.Set(k, v)
	}

	return c.httpClient.Do(req)
}

// evaluateResponse applies the retry policy to one request outcome.
// Returns retry=true when the caller should loop again; otherwise either
// the successful response or the classified error.
func (c *Client) evaluateResponse(
	ctx context.Context, method string, resp *http.Response, err error, attempt int,
) (retry bool, result *http.Response, _ error) {
	if err != nil {
		// Context cancellation is not retryable.
		if ctx.Err() != nil {
			return false, nil, fmt.Errorf("drive: request canceled: %w", ctx.Err())
		}

		// Network errors are retryable.
		if attempt < maxRetries {
			backoff := c.calcBackoff(attempt)
			c.logger.Warn("retrying after network error",
				slog.String("method", method),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
				return false, nil, fmt.Errorf("drive: request canceled: %w", sleepErr)
			}

			return true, nil, nil
		}

		return false, nil, fmt.Errorf("drive: %s failed after %d retries: %w", method, maxRetries, err)
	}

	// 2xx: success.
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.Int("status", resp.StatusCode),
		)

		return false, resp, nil
	}

	// Read and close body for error responses.
	errBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	reason, message := parseErrorReason(errBody)
	if message == "" {
		message = string(errBody)
	}

	if isRetryable(resp.StatusCode, reason) && attempt < maxRetries {
		backoff := c.retryBackoff(resp, attempt)
		c.logger.Warn("retrying after HTTP error",
			slog.String("method", method),
			slog.Int("status", resp.StatusCode),
			slog.String("reason", reason),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
		)

		if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
			return false, nil, fmt.Errorf("drive: request canceled: %w", sleepErr)
		}

		return true, nil, nil
	}

	if attempt > 0 {
		c.logger.Error("request failed after retries",
			slog.String("method", method),
			slog.Int("status", resp.StatusCode),
			slog.Int("attempts", attempt+1),
		)
	}

	return false, nil, &APIError{
		StatusCode: resp.StatusCode,
		Reason:     reason,
		Message:    message,
		Err:        classifyStatus(resp.StatusCode, reason),
	}
}

// rewinder returns a func that seeks body back to its start, for reissuing
// a request on retry. Non-seekable and nil bodies get a no-op on the first
// call; a retry with a consumed non-seekable body fails instead of sending
// a truncated request.
func rewinder(body io.Reader) func() error {
	if body == nil {
		return func() error { return nil }
	}

	seeker, ok := body.(io.Seeker)
	if !ok {
		first := true

		return func() error {
			if first {
				first = false
				return nil
			}

			return fmt.Errorf("cannot retry with non-seekable body")
		}
	}

	return func() error {
		_, err := seeker.Seek(0, io.SeekStart)
		return err
	}
}

// retryBackoff returns the backoff duration for a retryable response.
// Rate-limit responses with a Retry-After header use that value.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
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
