package etsy

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitBreaker stops calling the API after a run of server-side failures.
type CircuitBreaker struct {
	consecutiveThreshold int
	rateThreshold        float64
	rateWindow           int
	resetTimeout         time.Duration

	failures            int
	totalRequests       int
	consecutiveFailures int
	isOpen              bool
	lastFailureTime     time.Time

	logger *zap.Logger
	mutex  sync.Mutex
}

// NewCircuitBreaker opens after consecutiveThreshold failures in a row, or
// when half of the requests since the last reset failed (checked once 20
// requests were made).
func NewCircuitBreaker(consecutiveThreshold int, resetTimeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	if consecutiveThreshold <= 0 {
		consecutiveThreshold = 5
	}
	return &CircuitBreaker{
		consecutiveThreshold: consecutiveThreshold,
		rateThreshold:        0.5,
		rateWindow:           20,
		resetTimeout:         resetTimeout,
		logger:               logger,
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.totalRequests++
	cb.consecutiveFailures = 0
}

// RecordFailure records a failed request. Only transport errors (status 0),
// 429 and 5xx count toward opening the breaker.
func (cb *CircuitBreaker) RecordFailure(statusCode int) {
	if statusCode != 0 && statusCode != http.StatusTooManyRequests && statusCode < 500 {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures++
	cb.consecutiveFailures++
	cb.totalRequests++
	cb.lastFailureTime = time.Now()

	if cb.isOpen {
		return
	}
	if cb.consecutiveFailures >= cb.consecutiveThreshold {
		cb.isOpen = true
		cb.logger.Error("CircuitBreaker: open after consecutive failures",
			zap.Int("consecutive_failures", cb.consecutiveFailures),
			zap.Int("status", statusCode),
			zap.Duration("reset_timeout", cb.resetTimeout))
		return
	}
	if cb.totalRequests >= cb.rateWindow {
		failureRate := float64(cb.failures) / float64(cb.totalRequests)
		if failureRate >= cb.rateThreshold {
			cb.isOpen = true
			cb.logger.Error("CircuitBreaker: open on failure rate",
				zap.Float64("failure_rate", failureRate),
				zap.Int("failures", cb.failures),
				zap.Int("total", cb.totalRequests),
				zap.Duration("reset_timeout", cb.resetTimeout))
		}
	}
}

// CanProceed checks if requests are allowed
func (cb *CircuitBreaker) CanProceed() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if !cb.isOpen {
		return true
	}

	if time.Since(cb.lastFailureTime) > cb.resetTimeout {
		cb.logger.Info("CircuitBreaker: half-open, allowing requests again")
		cb.isOpen = false
		cb.failures = 0
		cb.totalRequests = 0
		cb.consecutiveFailures = 0
		return true
	}

	return false
}

// GetStatus returns current circuit breaker status
func (cb *CircuitBreaker) GetStatus() (isOpen bool, failures int, total int) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.isOpen, cb.failures, cb.totalRequests
}
