package jobsync

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/ternarybob/testgen/internal/common"
)

// RetryPolicy decides whether and when a dropped stream connection is
// redialed. It is a pure value with no timers or hidden state, so the
// schedule is testable in isolation.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the production schedule: 1s base doubling to a
// 10s cap, giving up after 5 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   1 * time.Second,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 5,
	}
}

// PolicyFromConfig builds the retry schedule from stream configuration,
// keeping the default for any value left unset
func PolicyFromConfig(cfg *common.StreamConfig) RetryPolicy {
	policy := DefaultRetryPolicy()
	if cfg == nil {
		return policy
	}
	policy.BaseDelay = common.Duration(cfg.ReconnectBaseDelay, policy.BaseDelay)
	policy.MaxDelay = common.Duration(cfg.ReconnectMaxDelay, policy.MaxDelay)
	if cfg.ReconnectMaxTries > 0 {
		policy.MaxAttempts = cfg.ReconnectMaxTries
	}
	return policy
}

// NextDelay returns the backoff before the given attempt. Attempts are
// numbered from 1 after the first failure: base*2^attempt capped at
// MaxDelay, so the defaults yield 2s, 4s, 8s, 10s, 10s.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// ShouldRetry reports whether another dial should follow a close with the
// given code. A normal closure means the server ended the stream
// deliberately; retrying would just reopen a stream the server wants shut.
func (p RetryPolicy) ShouldRetry(closeCode, attempt int) bool {
	if closeCode == websocket.CloseNormalClosure {
		return false
	}
	return attempt <= p.MaxAttempts
}
