package providers

import (
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for control-plane calls.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	RetryStatuses []int
}

// DefaultRetryConfig retries throttling and server errors.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		RetryStatuses: []int{429, 500, 502, 503, 504},
	}
}

// RateLimiter enforces a minimum interval between API calls. Cloud
// control planes throttle aggressively on bursts from one account.
type RateLimiter struct {
	lastCall time.Time
	interval time.Duration
}

func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	return &RateLimiter{interval: time.Duration(float64(time.Second) / requestsPerSecond)}
}

// Wait blocks until the next call is allowed.
func (rl *RateLimiter) Wait() {
	if rl.lastCall.IsZero() {
		rl.lastCall = time.Now()
		return
	}
	if elapsed := time.Since(rl.lastCall); elapsed < rl.interval {
		sleep := rl.interval - elapsed
		log.Debug().Dur("sleep", sleep).Msg("Rate limiting API call")
		time.Sleep(sleep)
	}
	rl.lastCall = time.Now()
}

// RetryableHTTPClient wraps an http.Client with retries and rate limiting.
// The REST drivers (Cloudflare, Alibaba) share it for every control-plane
// request.
type RetryableHTTPClient struct {
	client      *http.Client
	retryConfig RetryConfig
	rateLimiter *RateLimiter
}

func NewRetryableHTTPClient(timeout time.Duration, requestsPerSecond float64) *RetryableHTTPClient {
	return &RetryableHTTPClient{
		client:      &http.Client{Timeout: timeout},
		retryConfig: DefaultRetryConfig(),
		rateLimiter: NewRateLimiter(requestsPerSecond),
	}
}

// Do executes a request, retrying retryable statuses with exponential
// backoff and jitter.
func (c *RetryableHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		c.rateLimiter.Wait()

		clone := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			clone.Body = body
		}
		resp, err := c.client.Do(clone)
		if err != nil {
			lastErr = err
			if attempt < c.retryConfig.MaxRetries {
				delay := c.delay(attempt)
				log.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).
					Str("url", req.URL.String()).Msg("HTTP request failed, retrying")
				time.Sleep(delay)
				continue
			}
			return nil, lastErr
		}

		if c.retryable(resp.StatusCode) && attempt < c.retryConfig.MaxRetries {
			resp.Body.Close()
			delay := c.delay(attempt)
			log.Warn().Int("status", resp.StatusCode).Int("attempt", attempt+1).
				Dur("delay", delay).Str("url", req.URL.String()).
				Msg("HTTP request returned retryable status, retrying")
			time.Sleep(delay)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *RetryableHTTPClient) retryable(status int) bool {
	for _, code := range c.retryConfig.RetryStatuses {
		if status == code {
			return true
		}
	}
	return false
}

func (c *RetryableHTTPClient) delay(attempt int) time.Duration {
	d := float64(c.retryConfig.InitialDelay) * math.Pow(c.retryConfig.BackoffFactor, float64(attempt))
	d += d * 0.25 * (2*rand.Float64() - 1)
	if d > float64(c.retryConfig.MaxDelay) {
		d = float64(c.retryConfig.MaxDelay)
	}
	return time.Duration(d)
}
