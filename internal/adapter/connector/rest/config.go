package rest

import "time"

type Config struct {
	BaseURL string
	APIKey  string

	Timeout time.Duration

	RetryCount int
	RetryDelay time.Duration

	// RateLimit is in requests per minute.
	RateLimit int
	RateBurst int

	CircuitBreakerEnabled bool
	CBFailureThreshold    int
	CBRecoveryTime        time.Duration
	CBMinRequests         int
	CBSamplingDuration    time.Duration
	CBHalfOpenMaxSuccess  int
}

// DefaultConfig returns conservative client settings for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:               baseURL,
		Timeout:               30 * time.Second,
		RetryCount:            2,
		RetryDelay:            time.Second,
		RateLimit:             600,
		RateBurst:             10,
		CircuitBreakerEnabled: true,
		CBFailureThreshold:    5,
		CBRecoveryTime:        60 * time.Second,
		CBMinRequests:         10,
		CBSamplingDuration:    60 * time.Second,
		CBHalfOpenMaxSuccess:  3,
	}
}
