package client

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestReconnectDelayBackoff(t *testing.T) {
	policy := (ReconnectPolicy{
		ImmediateRetries: 2,
		BaseDelay:        100 * time.Millisecond,
		MaxDelay:         time.Second,
		Multiplier:       2,
	}).withDefaults()
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 0},
		{2, 0},
		{3, 100 * time.Millisecond},
		{4, 200 * time.Millisecond},
		{5, 400 * time.Millisecond},
		{6, 800 * time.Millisecond},
		{7, time.Second},
		{50, time.Second},
	}
	for _, tc := range cases {
		if got := reconnectDelay(tc.failures, policy); got != tc.want {
			t.Fatalf("reconnectDelay(%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
}

func TestReconnectDelayJitterBounds(t *testing.T) {
	policy := (ReconnectPolicy{
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  time.Second,
		Jitter:    50 * time.Millisecond,
	}).withDefaults()
	for i := 0; i < 200; i++ {
		got := reconnectDelay(1, policy)
		if got < 150*time.Millisecond || got > 250*time.Millisecond {
			t.Fatalf("delay %v outside jitter window", got)
		}
	}
}

func TestReconnectDelayConstantMultiplier(t *testing.T) {
	policy := (ReconnectPolicy{BaseDelay: 300 * time.Millisecond, MaxDelay: time.Second, Multiplier: 1}).withDefaults()
	for failures := 1; failures < 10; failures++ {
		if got := reconnectDelay(failures, policy); got != 300*time.Millisecond {
			t.Fatalf("reconnectDelay(%d) = %v, want constant 300ms", failures, got)
		}
	}
}

func TestReconnectPolicyWithDefaults(t *testing.T) {
	got := (ReconnectPolicy{
		BaseDelay:   time.Minute,
		MaxDelay:    time.Second,
		MaxFailures: -3,
	}).withDefaults()
	if got.BaseDelay != time.Second || got.Multiplier != DefaultReconnectMultiplier || got.MaxFailures != 0 {
		t.Fatalf("unexpected defaults %+v", got)
	}
	def := (ReconnectPolicy{}).withDefaults()
	if def.BaseDelay != DefaultReconnectBaseDelay || def.MaxDelay != DefaultReconnectMaxDelay || def.Jitter != 0 {
		t.Fatalf("zero policy should take default delays, got %+v", def)
	}
	disabled := (ReconnectPolicy{Disabled: true, MaxFailures: 4, Multiplier: 0.5}).withDefaults()
	if disabled != (ReconnectPolicy{Disabled: true}) {
		t.Fatalf("disabled policy should drop backoff settings, got %+v", disabled)
	}
}

func TestReconnectPolicyValidate(t *testing.T) {
	valid := []ReconnectPolicy{
		{},
		DefaultReconnectPolicy(),
		{Multiplier: 1},
		{MaxFailures: -1},
		{Disabled: true, Multiplier: 0.5, BaseDelay: -time.Second},
	}
	for _, p := range valid {
		if err := p.Validate(); err != nil {
			t.Fatalf("expected %+v to be valid: %v", p, err)
		}
	}
	invalid := map[string]ReconnectPolicy{
		"immediate retries": {ImmediateRetries: -1},
		"base delay":        {BaseDelay: -time.Second},
		"max delay":         {MaxDelay: -time.Second},
		"jitter":            {Jitter: -time.Millisecond},
		"multiplier":        {Multiplier: 0.5},
		"nan multiplier":    {Multiplier: math.NaN()},
	}
	for name, p := range invalid {
		if err := p.Validate(); err == nil {
			t.Fatalf("%s: expected validation error for %+v", name, p)
		}
	}
}

func TestNewSessionRejectsInvalidReconnectPolicy(t *testing.T) {
	_, err := NewSession(newFakeDialer().dial, WithReconnectPolicy(ReconnectPolicy{Multiplier: 0.5}))
	if err == nil || !strings.Contains(err.Error(), "multiplier") {
		t.Fatalf("expected multiplier error, got %v", err)
	}
}

func TestHandlerPanicError(t *testing.T) {
	err := handlerPanicError(errors.New("bad state"))
	if !strings.Contains(err.Error(), "handler panic: bad state") {
		t.Fatalf("unexpected error %v", err)
	}
}
