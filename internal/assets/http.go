package assets

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// BackoffConfig controls exponential backoff behaviour.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// HTTPClientConfig bundles HTTP client and resilience settings.
type HTTPClientConfig struct {
	Client  *http.Client
	Backoff BackoffConfig
}

var (
	errRateLimited   = errors.New("rate limited")
	errServerError   = errors.New("server error")
	errUnexpected    = errors.New("unexpected status code")
	errCircuitOpen   = errors.New("circuit breaker open")
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
)

// statusError is a non-retryable client error.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v: %d", errUnexpected, e.code)
}

func (e *statusError) Unwrap() error {
	if e.code == http.StatusNotFound {
		return ErrNotFound
	}
	return errUnexpected
}

// doRequestWithResilience executes the HTTP request with retries, exponential backoff,
// and a circuit breaker. 4xx responses other than 429 are returned at once.
func doRequestWithResilience(
	ctx context.Context,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
) (*http.Response, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.Backoff.MaxRetries < 0 || cfg.Backoff.InitialInterval <= 0 {
		return nil, errInvalidConfig
	}

	var attempt int
	var lastErr error

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		req, err := buildRequest()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)

		result, err := cb.Execute(func() (interface{}, error) {
			resp, execErr := cfg.Client.Do(req)
			if execErr != nil {
				return nil, execErr
			}

			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				resp.Body.Close()
				return nil, errRateLimited
			case resp.StatusCode >= 500:
				resp.Body.Close()
				return nil, errServerError
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				resp.Body.Close()
				return nil, &statusError{code: resp.StatusCode}
			}
			return resp, nil
		})

		if err == nil {
			resp, ok := result.(*http.Response)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			return resp, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}
		var se *statusError
		if errors.As(err, &se) {
			return nil, err
		}

		lastErr = err
		if attempt >= cfg.Backoff.MaxRetries {
			return nil, lastErr
		}

		delay := cfg.Backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if delay > cfg.Backoff.MaxInterval && cfg.Backoff.MaxInterval > 0 {
			delay = cfg.Backoff.MaxInterval
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		attempt++
	}
}

// clientErrorIsSuccess keeps 4xx answers such as a missing key from
// tripping the breaker.
func clientErrorIsSuccess(err error) bool {
	var se *statusError
	return err == nil || errors.As(err, &se)
}

// HTTPStore reads a bucket over the S3 REST API: objects by path and
// listings through ListObjectsV2. Requests are unsigned, so the bucket must
// allow anonymous access or sit behind a signing proxy.
type HTTPStore struct {
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

// NewHTTPStore targets a bucket endpoint such as https://agrisense3.s3.amazonaws.com.
func NewHTTPStore(baseURL string, client *http.Client) *HTTPStore {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         "blobstore",
		MaxRequests:  5,
		Interval:     1 * time.Minute,
		Timeout:      2 * time.Minute,
		IsSuccessful: clientErrorIsSuccess,
	})

	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpCfg: HTTPClientConfig{
			Client: client,
			Backoff: BackoffConfig{
				MaxRetries:      3,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
		},
		circuit: cb,
	}
}

// WithBackoff overrides the retry policy.
func (s *HTTPStore) WithBackoff(b BackoffConfig) *HTTPStore {
	s.httpCfg.Backoff = b
	return s
}

func (s *HTTPStore) objectURL(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.baseURL + "/" + strings.Join(parts, "/")
}

func (s *HTTPStore) Get(ctx context.Context, key string) ([]byte, error) {
	buildRequest := func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, s.objectURL(key), nil)
	}
	resp, err := doRequestWithResilience(ctx, s.httpCfg, s.circuit, buildRequest)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *HTTPStore) Put(ctx context.Context, key string, data []byte) error {
	buildRequest := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPut, s.objectURL(key), bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	}
	resp, err := doRequestWithResilience(ctx, s.httpCfg, s.circuit, buildRequest)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	resp.Body.Close()
	return nil
}

type listBucketResult struct {
	Contents []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
	IsTruncated           bool   `xml:"IsTruncated"`
	NextContinuationToken string `xml:"NextContinuationToken"`
}

// List pages through ListObjectsV2 until the listing is complete.
func (s *HTTPStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	token := ""
	for {
		values := url.Values{}
		values.Set("list-type", "2")
		values.Set("prefix", prefix)
		if token != "" {
			values.Set("continuation-token", token)
		}
		buildRequest := func() (*http.Request, error) {
			return http.NewRequest(http.MethodGet, fmt.Sprintf("%s/?%s", s.baseURL, values.Encode()), nil)
		}

		resp, err := doRequestWithResilience(ctx, s.httpCfg, s.circuit, buildRequest)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		var page listBucketResult
		err = xml.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode listing: %w", err)
		}

		for _, c := range page.Contents {
			keys = append(keys, c.Key)
		}
		if !page.IsTruncated || page.NextContinuationToken == "" {
			break
		}
		token = page.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}
