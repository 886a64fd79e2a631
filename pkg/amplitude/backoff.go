package amplitude

import (
	"context"
	stderrors "errors"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/padak/keboola-amplitude/pkg/errors"
)

// Terminal errors produced by the retry controller.
var (
	// ErrRateLimitExceeded is returned when 429 responses persist past the
	// retry budget
	ErrRateLimitExceeded = stderrors.New("rate limit exceeded")
	// ErrServiceUnavailable is returned when 503 responses persist past the
	// retry budget
	ErrServiceUnavailable = stderrors.New("service unavailable")
	// ErrBadRequest is the non-retryable 400 outcome
	ErrBadRequest = stderrors.New("bad request")
	// ErrAuthenticationFailed is the non-retryable 401 outcome
	ErrAuthenticationFailed = stderrors.New("authentication failed")
)

// RetryPolicy defines backoff behavior for transient server states.
// The vendor does not document a multiplier or retry count, so these are
// configurable with bounded defaults.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// DefaultRetryPolicy returns a sensible default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// calculateDelay computes the exponential backoff delay for an attempt,
// capped at MaxDelay and randomized by RandomizeFactor.
func (rp RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))

	if delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay))
	}

	return time.Duration(delay)
}

// verdict classifies a response status for the retry loop.
type verdict int

const (
	verdictSuccess verdict = iota
	verdictRetryable
	verdictFatal
)

// classifyStatus maps an HTTP status to a verdict. Only 429 and 503 are
// retryable; 400, 401 and 413 indicate caller error, not transient server
// state, and must not be retried blindly.
func classifyStatus(status int) verdict {
	switch {
	case status >= 200 && status < 300:
		return verdictSuccess
	case status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable:
		return verdictRetryable
	default:
		return verdictFatal
	}
}

// fatalStatusError converts a non-retryable status into the structured error
// surfaced to the caller.
func fatalStatusError(op Operation, status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 500 {
		snippet = snippet[:500]
	}

	switch status {
	case http.StatusBadRequest:
		return errors.Wrap(ErrBadRequest, errors.ErrorTypeValidation, "request rejected by API").
			WithDetail("status_code", status).
			WithDetail("operation", op.String()).
			WithDetail("api_response", snippet)
	case http.StatusUnauthorized:
		return errors.Wrap(ErrAuthenticationFailed, errors.ErrorTypeAuthentication, "check api_key and secret_key").
			WithDetail("status_code", status).
			WithDetail("operation", op.String()).
			WithDetail("api_response", snippet)
	case http.StatusRequestEntityTooLarge:
		return errors.Wrap(ErrPayloadTooLarge, errors.ErrorTypeValidation, "payload rejected by API").
			WithDetail("status_code", status).
			WithDetail("operation", op.String()).
			WithDetail("api_response", snippet)
	default:
		return errors.Newf(errors.ErrorTypeConnection, "API returned status %d", status).
			WithDetail("status_code", status).
			WithDetail("operation", op.String()).
			WithDetail("api_response", snippet)
	}
}

// exhaustedError converts the last retryable status into the terminal error
// returned once the retry budget is spent, carrying the last Retry-After hint.
func exhaustedError(op Operation, status int, retryAfter time.Duration, attempts int) error {
	sentinel := ErrServiceUnavailable
	errType := errors.ErrorTypeConnection
	if status == http.StatusTooManyRequests {
		sentinel = ErrRateLimitExceeded
		errType = errors.ErrorTypeRateLimit
	}

	e := errors.Wrap(sentinel, errType, "retry attempts exhausted").
		WithDetail("status_code", status).
		WithDetail("operation", op.String()).
		WithDetail("attempts", attempts)
	if retryAfter > 0 {
		e = e.WithDetail("retry_after", retryAfter.String())
	}
	return e
}

// parseRetryAfter reads a Retry-After header as either delta-seconds or an
// HTTP date. Returns 0 when absent or unparseable.
func parseRetryAfter(h http.Header) time.Duration {
	value := h.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// sendWithRetry dispatches a request under the retry policy. Throttled and
// unavailable responses re-enter the loop up to the attempt bound; any other
// non-2xx status fails immediately. The success body is returned for
// parsing; non-2xx bodies never reach the parsers.
func sendWithRetry(ctx context.Context, hc httpDoer, req *Request, policy RetryPolicy, m *Metrics, log *zap.Logger) ([]byte, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastStatus int
	var lastHint time.Duration

	for attempt := 0; attempt < attempts; attempt++ {
		httpReq, err := req.httpRequest(ctx)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := hc.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "request cancelled")
			}
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "request failed").
				WithDetail("operation", req.Operation.String())
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		m.ObserveRequest(req.Operation, resp.StatusCode, time.Since(start))

		switch classifyStatus(resp.StatusCode) {
		case verdictSuccess:
			if readErr != nil {
				return nil, errors.Wrap(readErr, errors.ErrorTypeConnection, "failed to read response body").
					WithDetail("operation", req.Operation.String())
			}
			return body, nil

		case verdictFatal:
			return nil, fatalStatusError(req.Operation, resp.StatusCode, body)

		case verdictRetryable:
			lastStatus = resp.StatusCode
			lastHint = parseRetryAfter(resp.Header)

			if attempt == attempts-1 {
				break
			}

			delay := lastHint
			if delay == 0 {
				delay = policy.calculateDelay(attempt)
			}

			m.ObserveRetry(req.Operation)
			log.Warn("transient API response, backing off",
				zap.String("operation", req.Operation.String()),
				zap.Int("status_code", lastStatus),
				zap.Duration("delay", delay),
				zap.Int("attempt", attempt+1))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "retry cancelled")
			case <-timer.C:
			}
		}
	}

	return nil, exhaustedError(req.Operation, lastStatus, lastHint, attempts)
}
