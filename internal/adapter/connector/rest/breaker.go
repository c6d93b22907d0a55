package rest

import (
	"github.com/sony/gobreaker"
)

type CircuitBreaker interface {
	Execute(fn func() error) error
}

type noopBreaker struct{}

func (noopBreaker) Execute(fn func() error) error {
	return fn()
}

type gobreakerWrapper struct {
	cb *gobreaker.CircuitBreaker
}

func (g *gobreakerWrapper) Execute(fn func() error) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// NewCircuitBreaker trips on server-side failures only. Client errors such as
// 404 or 409 are answers, not outages.
func NewCircuitBreaker(name string, cfg Config) CircuitBreaker {
	if !cfg.CircuitBreakerEnabled {
		return noopBreaker{}
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.CBHalfOpenMaxSuccess),
		Interval:    cfg.CBSamplingDuration,
		Timeout:     cfg.CBRecoveryTime,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.CBMinRequests) {
				return false
			}
			return counts.TotalFailures >= uint32(cfg.CBFailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isServerFailure(err)
		},
	}

	return &gobreakerWrapper{cb: gobreaker.NewCircuitBreaker(settings)}
}
