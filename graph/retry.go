//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"time"

	"trpc.group/trpc-go/trpc-graph-go/log"
)

// RetryCondition determines whether an error is retryable.
type RetryCondition interface {
	Match(err error) bool
}

// RetryConditionFunc adapts a function to RetryCondition.
type RetryConditionFunc func(error) bool

// Match calls f(err).
func (f RetryConditionFunc) Match(err error) bool { return f(err) }

// RetryPolicy retries a failing node inside its task. Attempts include the
// first try: MaxAttempts=3 is one try and up to two retries. Retries happen
// before the step merges, so they never produce extra checkpoints.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
	Jitter          bool
	RetryOn         []RetryCondition
	// MaxElapsedTime bounds the total time spent retrying; 0 disables it.
	MaxElapsedTime time.Duration
	// PerAttemptTimeout bounds each attempt; 0 disables it.
	PerAttemptTimeout time.Duration
}

// NextDelay returns the wait after the given failed attempt, counted from 1.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(p.InitialInterval) * math.Pow(factor, float64(attempt-1))
	ceiling := p.MaxInterval
	if ceiling <= 0 {
		ceiling = p.InitialInterval
	}
	if ceiling > 0 {
		delay = math.Min(delay, float64(ceiling))
	}
	d := time.Duration(delay)
	if p.Jitter && d > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(int64(d))); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return max(d, 0)
}

// ShouldRetry reports whether err matches one of the policy's conditions.
// Interrupts and cancellations are never retried.
func (p RetryPolicy) ShouldRetry(err error) bool {
	if err == nil || IsInterruptError(err) || errors.Is(err, context.Canceled) {
		return false
	}
	for _, cond := range p.RetryOn {
		if cond != nil && cond.Match(err) {
			return true
		}
	}
	return false
}

// RetryOnErrors matches when errors.Is(err, target) for any target.
func RetryOnErrors(targets ...error) RetryCondition {
	return RetryConditionFunc(func(err error) bool {
		for _, t := range targets {
			if t != nil && errors.Is(err, t) {
				return true
			}
		}
		return false
	})
}

// RetryOnPredicate defers matching to match.
func RetryOnPredicate(match func(error) bool) RetryCondition {
	return RetryConditionFunc(match)
}

// DefaultTransientCondition matches deadline errors and network timeouts.
func DefaultTransientCondition() RetryCondition {
	return RetryConditionFunc(func(err error) bool {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		return errors.As(err, &ne) && ne.Timeout()
	})
}

// SimpleRetryPolicy returns a policy with exponential backoff from 500ms up
// to 8s, with jitter, retrying transient errors.
func SimpleRetryPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     max(attempts, 1),
		InitialInterval: 500 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     8 * time.Second,
		Jitter:          true,
		RetryOn:         []RetryCondition{DefaultTransientCondition()},
	}
}

// WithRetryPolicy retries the node function according to policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(node *Node) {
		if node.Function != nil {
			node.Function = Retry(policy, node.Function)
		}
	}
}

// Retry wraps fn so that failed attempts are retried according to policy.
func Retry(policy RetryPolicy, fn NodeFunc) NodeFunc {
	return func(ctx context.Context, state State) (any, error) {
		started := time.Now()
		for attempt := 1; ; attempt++ {
			result, err := runAttempt(ctx, policy.PerAttemptTimeout, fn, state.Clone())
			if err == nil || attempt >= policy.MaxAttempts || !policy.ShouldRetry(err) {
				return result, err
			}
			delay := policy.NextDelay(attempt)
			if policy.MaxElapsedTime > 0 && time.Since(started)+delay > policy.MaxElapsedTime {
				return nil, fmt.Errorf("retry budget of %s exhausted: %w", policy.MaxElapsedTime, err)
			}
			log.Debugf("node attempt %d failed, retrying in %s: %v", attempt, delay, err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, errors.Join(err, ctx.Err())
			case <-timer.C:
			}
		}
	}
}

func runAttempt(ctx context.Context, timeout time.Duration, fn NodeFunc, state State) (any, error) {
	if scope, ok := taskScopeFrom(ctx); ok {
		// Each attempt replays interrupt answers from the first call.
		scope.mu.Lock()
		scope.ordinal = 0
		scope.mu.Unlock()
	}
	if timeout <= 0 {
		return fn(ctx, state)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx, state)
}
