package relay

import (
	"math"
	"sync"
	"time"
)

// DefaultReconnectDelay is the backoff applied after an abnormal close before
// the next connection attempt. Clean closes reconnect without delay.
const DefaultReconnectDelay = 2 * time.Second

// ReconnectDelayStrategy decides how long the session waits before retrying a
// connection after an abnormal close. Reset is called after a successful open.
type ReconnectDelayStrategy interface {
	ConnectWaitDuration(url string) time.Duration
	Reset()
}

// FixedDelayStrategy waits the same duration before every retry.
type FixedDelayStrategy struct {
	Delay time.Duration
}

// NewFixedDelayStrategy returns a new FixedDelayStrategy.
func NewFixedDelayStrategy(delay time.Duration) *FixedDelayStrategy {
	if delay < 0 {
		delay = 0
	}
	return &FixedDelayStrategy{Delay: delay}
}

// ConnectWaitDuration returns the configured fixed delay.
func (strategy *FixedDelayStrategy) ConnectWaitDuration(url string) time.Duration {
	if strategy == nil {
		return 0
	}
	return strategy.Delay
}

// Reset executes the exported reset operation.
func (strategy *FixedDelayStrategy) Reset() {
	if strategy == nil {
		return
	}
}

// ExponentialDelayStrategy grows the retry delay per target URL up to MaxDelay.
type ExponentialDelayStrategy struct {
	lock      sync.Mutex
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	attempts  map[string]uint32
}

// NewExponentialDelayStrategy returns a new ExponentialDelayStrategy.
func NewExponentialDelayStrategy(baseDelay time.Duration, maxDelay time.Duration, factor float64) *ExponentialDelayStrategy {
	if baseDelay < 0 {
		baseDelay = 0
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if factor < 1 {
		factor = 2
	}
	return &ExponentialDelayStrategy{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		Factor:    factor,
		attempts:  make(map[string]uint32),
	}
}

// ConnectWaitDuration returns the next delay for the URL and advances the
// attempt counter.
func (strategy *ExponentialDelayStrategy) ConnectWaitDuration(url string) time.Duration {
	if strategy == nil {
		return 0
	}

	strategy.lock.Lock()
	defer strategy.lock.Unlock()

	if url == "" {
		url = "_default"
	}

	attempt := strategy.attempts[url]
	strategy.attempts[url] = attempt + 1

	delay := strategy.BaseDelay
	if attempt > 0 && delay > 0 {
		delayFloat := float64(delay) * math.Pow(strategy.Factor, float64(attempt))
		if delayFloat > float64(strategy.MaxDelay) {
			delayFloat = float64(strategy.MaxDelay)
		}
		delay = time.Duration(delayFloat)
	}
	if delay > strategy.MaxDelay {
		delay = strategy.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Reset executes the exported reset operation.
func (strategy *ExponentialDelayStrategy) Reset() {
	if strategy == nil {
		return
	}
	strategy.lock.Lock()
	strategy.attempts = make(map[string]uint32)
	strategy.lock.Unlock()
}
