package client

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"strings"
	"time"
)

const (
	// DefaultReconnectImmediateRetries controls how many consecutive connection
	// failures are retried without delay before backoff starts.
	DefaultReconnectImmediateRetries = 1
	// DefaultReconnectBaseDelay is the first delayed retry after immediate retries.
	DefaultReconnectBaseDelay = 250 * time.Millisecond
	// DefaultReconnectMaxDelay caps reconnect backoff growth.
	DefaultReconnectMaxDelay = 30 * time.Second
	// DefaultReconnectMultiplier is the exponential growth factor for the delay.
	DefaultReconnectMultiplier = 2.0
	// DefaultReconnectJitter randomizes reconnect delay by +/- this duration.
	DefaultReconnectJitter = 100 * time.Millisecond
)

// ReconnectPolicy configures how a Session re-establishes a lost connection.
// Outstanding wants are re-announced on every new connection.
type ReconnectPolicy struct {
	// Disabled makes Run return the connection error instead of reconnecting.
	Disabled bool
	// ImmediateRetries is the number of consecutive failures retried with zero
	// delay before exponential backoff starts.
	ImmediateRetries int
	// BaseDelay is the first delayed retry duration once immediate retries are exhausted.
	BaseDelay time.Duration
	// MaxDelay caps the reconnect delay.
	MaxDelay time.Duration
	// Multiplier controls exponential growth between delayed retries.
	Multiplier float64
	// Jitter randomizes delay by +/- Jitter.
	Jitter time.Duration
	// MaxFailures stops Run after N consecutive failed connections. Zero or
	// negative means retry forever. A connection that opened resets the count.
	MaxFailures int
}

// DefaultReconnectPolicy returns the policy used when none is configured.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		ImmediateRetries: DefaultReconnectImmediateRetries,
		BaseDelay:        DefaultReconnectBaseDelay,
		MaxDelay:         DefaultReconnectMaxDelay,
		Multiplier:       DefaultReconnectMultiplier,
		Jitter:           DefaultReconnectJitter,
	}
}

// Validate rejects a policy whose backoff would shrink or run backwards. Zero
// fields are valid and take their defaults. A disabled policy is always valid
// since Run never backs off.
func (p ReconnectPolicy) Validate() error {
	if p.Disabled {
		return nil
	}
	switch {
	case p.ImmediateRetries < 0:
		return fmt.Errorf("wantq: reconnect immediate retries must be >= 0, got %d", p.ImmediateRetries)
	case p.BaseDelay < 0, p.MaxDelay < 0, p.Jitter < 0:
		return errors.New("wantq: reconnect delays must be >= 0")
	case math.IsNaN(p.Multiplier), p.Multiplier != 0 && p.Multiplier < 1:
		return fmt.Errorf("wantq: reconnect multiplier must be >= 1, got %v", p.Multiplier)
	}
	return nil
}

// withDefaults fills zero fields of a validated policy. Negative MaxFailures
// collapses to zero (retry forever).
func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.Disabled {
		return ReconnectPolicy{Disabled: true}
	}
	def := DefaultReconnectPolicy()
	if p.BaseDelay == 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Multiplier == 0 {
		p.Multiplier = def.Multiplier
	}
	p.BaseDelay = min(p.BaseDelay, p.MaxDelay)
	p.MaxFailures = max(p.MaxFailures, 0)
	return p
}

// reconnectDelay is the wait before the attempt that follows the given number
// of consecutive failed connections.
func reconnectDelay(failures int, p ReconnectPolicy) time.Duration {
	step := failures - p.ImmediateRetries
	if failures <= 0 || step <= 0 {
		return 0
	}
	grown := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(step-1))
	if grown > float64(p.MaxDelay) {
		grown = float64(p.MaxDelay)
	}
	delay := time.Duration(grown)
	if j := min(p.Jitter, delay); j > 0 {
		delay += time.Duration(rand.Int63n(int64(j)*2+1)) - j
	}
	return min(max(delay, 0), p.MaxDelay)
}

func handlerPanicError(recovered any) error {
	stack := strings.TrimSpace(string(debug.Stack()))
	if stack == "" {
		return fmt.Errorf("wantq: handler panic: %v", recovered)
	}
	return fmt.Errorf("wantq: handler panic: %v\n%s", recovered, stack)
}
