package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/i474232898/grid-energy-pipeline/internal/common"
	"github.com/i474232898/grid-energy-pipeline/internal/energy"
)

// HTTPClientConfig bundles the HTTP client and outbound pacing.
type HTTPClientConfig struct {
	Client  *http.Client
	Limiter *rate.Limiter
}

var (
	errCircuitOpen  = errors.New("circuit breaker open")
	errNoHTTPClient = errors.New("http client not configured")
)

// statusError carries a 5xx status through the circuit breaker.
type statusError struct {
	code int
}

func (e statusError) Error() string { return fmt.Sprintf("server error: %d", e.code) }

// maxBodyBytes caps how much of a response is read.
const maxBodyBytes = 32 << 20

// doRequest performs a single attempt guarded by the rate limiter and the
// circuit breaker, and maps failures onto energy.FetchError. It never retries.
func doRequest(ctx context.Context, cfg HTTPClientConfig, cb *gobreaker.CircuitBreaker, req *http.Request) ([]byte, error) {
	if cfg.Client == nil {
		return nil, &energy.FetchError{Kind: energy.FetchUnavailable, Err: errNoHTTPClient}
	}
	if cfg.Limiter != nil {
		if err := cfg.Limiter.Wait(ctx); err != nil {
			return nil, &energy.FetchError{Kind: energy.FetchUnavailable, Err: err}
		}
	}

	// Ensure the request obeys context cancellation.
	req = req.WithContext(ctx)

	result, err := cb.Execute(func() (interface{}, error) {
		resp, execErr := cfg.Client.Do(req)
		if execErr != nil {
			return nil, execErr
		}
		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
			resp.Body.Close()
			return nil, statusError{code: resp.StatusCode}
		}
		return resp, nil
	})
	if err != nil {
		fe := &energy.FetchError{Kind: energy.FetchUnavailable, Err: err}
		var se statusError
		if errors.As(err, &se) {
			fe.StatusCode = se.code
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			fe.Err = fmt.Errorf("%w: %v", errCircuitOpen, err)
		}
		return nil, fe
	}

	resp, ok := result.(*http.Response)
	if !ok {
		return nil, &energy.FetchError{Kind: energy.FetchUnavailable, Err: errors.New("unexpected result type from circuit breaker")}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &energy.FetchError{Kind: energy.FetchUnauthorized, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &energy.FetchError{
			Kind:       energy.FetchRateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &energy.FetchError{Kind: energy.FetchUnavailable, StatusCode: resp.StatusCode}
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !common.ContainsAny(ct, "json") {
		return nil, &energy.FetchError{
			Kind:       energy.FetchMalformedResponse,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected content type %q", ct),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &energy.FetchError{Kind: energy.FetchUnavailable, Err: err}
	}
	return body, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
