// Package recovery decides what to do about a classified failure.
//
// Strategies are chosen from a table keyed by apperrors.Kind, falling back to the
// error's category for errors that were classified by message only. Each strategy
// returns a tagged Outcome; side effects are performed through the Actions supplied by
// the caller.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/d-kuro/helpdeskauth/pkg/apperrors"
	"github.com/d-kuro/helpdeskauth/pkg/classify"
	"github.com/d-kuro/helpdeskauth/pkg/constants"
	"github.com/d-kuro/helpdeskauth/pkg/events"
	"github.com/d-kuro/helpdeskauth/pkg/metrics"
	"github.com/d-kuro/helpdeskauth/pkg/retry"
	"github.com/d-kuro/helpdeskauth/pkg/tokens"
)

// OperationContext describes the operation that failed.
type OperationContext struct {
	OperationID   string
	Attempt       int // attempts already made
	MaxAttempts   int
	UserInitiated bool
}

// ErrActionUnavailable is returned by NopActions.
var ErrActionUnavailable = errors.New("recovery action unavailable")

// Actions are the side effects a strategy may perform.
type Actions interface {
	// Retry re-runs the original operation once.
	Retry(ctx context.Context, opCtx OperationContext) (*tokens.TokenSet, error)
	// ForceRefresh bypasses the cache and asks the provider for new tokens.
	ForceRefresh(ctx context.Context) (*tokens.TokenSet, error)
	// ClearTokens drops cached tokens, optionally keeping the refresh credential.
	ClearTokens(ctx context.Context, keepRefresh bool) error
	// SignOut ends the session locally and at the provider.
	SignOut(ctx context.Context) error
	// ReloadConfig switches to an alternate configuration source.
	ReloadConfig(ctx context.Context) error
}

// NopActions implements Actions with no capabilities. Embed it to implement a subset.
type NopActions struct{}

func (NopActions) Retry(context.Context, OperationContext) (*tokens.TokenSet, error) {
	return nil, ErrActionUnavailable
}

func (NopActions) ForceRefresh(context.Context) (*tokens.TokenSet, error) {
	return nil, ErrActionUnavailable
}

func (NopActions) ClearTokens(context.Context, bool) error { return nil }

func (NopActions) SignOut(context.Context) error { return ErrActionUnavailable }

func (NopActions) ReloadConfig(context.Context) error { return ErrActionUnavailable }

// Strategy names, used in events and metrics.
const (
	StrategyForceRefresh    = "force_refresh"
	StrategyRevalidate      = "revalidate"
	StrategyProviderBackoff = "provider_backoff"
	StrategyNetworkBackoff  = "network_backoff"
	StrategyReauthenticate  = "reauthenticate"
	StrategySignInRequired  = "sign_in_required"
	StrategyUserCancelled   = "user_cancelled"
	StrategyAlternateConfig = "alternate_config"
	StrategyForceSignOut    = "force_sign_out"
	StrategyNone            = "none"
)

// Phases reported for every recovery attempt.
const (
	PhaseStarted           = "started"
	PhaseSuccess           = "success"
	PhaseFailure           = "failure"
	PhaseFallbackActivated = "fallback_activated"
)

type strategyFunc func(e *Engine, ctx context.Context, ce classify.ClassifiedError, opCtx OperationContext, actions Actions) Outcome

type strategy struct {
	name string
	run  strategyFunc
}

var kindStrategies = map[apperrors.Kind]strategy{
	apperrors.KindTokenExpired:             {StrategyForceRefresh, forceRefresh},
	apperrors.KindNoRefreshToken:           {StrategyForceRefresh, forceRefresh},
	apperrors.KindTokenValidationFailed:    {StrategyRevalidate, revalidate},
	apperrors.KindTokenProviderUnavailable: {StrategyProviderBackoff, backoff},
	apperrors.KindNetworkTimeout:           {StrategyNetworkBackoff, backoff},
	apperrors.KindNetworkUnavailable:       {StrategyNetworkBackoff, backoff},
	apperrors.KindInvalidCredentials:       {StrategyReauthenticate, reauthenticate},
	apperrors.KindTokenExchangeFailed:      {StrategyReauthenticate, reauthenticate},
	apperrors.KindStateMismatch:            {StrategyReauthenticate, reauthenticate},
	apperrors.KindMissingCode:              {StrategyReauthenticate, reauthenticate},
	apperrors.KindUserNotSignedIn:          {StrategySignInRequired, signInRequired},
	apperrors.KindUserCancelled:            {StrategyUserCancelled, userCancelled},
	apperrors.KindConfigFileNotFound:       {StrategyAlternateConfig, alternateConfig},
	apperrors.KindConfigInvalidFormat:      {StrategyAlternateConfig, alternateConfig},
	apperrors.KindConfigMissingKeys:        {StrategyAlternateConfig, alternateConfig},
	apperrors.KindAlreadySignedIn:          {StrategyForceSignOut, forceSignOut},
}

// categoryStrategies apply when the error carries no known kind.
var categoryStrategies = map[classify.Category]strategy{
	classify.CategoryNetwork:        {StrategyNetworkBackoff, backoff},
	classify.CategoryToken:          {StrategyForceRefresh, forceRefresh},
	classify.CategoryAuthentication: {StrategyReauthenticate, reauthenticate},
	classify.CategoryUser:           {StrategyUserCancelled, userCancelled},
	classify.CategoryConfiguration:  {StrategyAlternateConfig, alternateConfig},
}

var noStrategy = strategy{StrategyNone, func(_ *Engine, _ context.Context, ce classify.ClassifiedError, _ OperationContext, _ Actions) Outcome {
	return Failed(ce.Message, ce)
}}

// Engine runs recovery strategies.
type Engine struct {
	events      events.Logger
	metrics     metrics.Recorder
	sleep       retry.SleepFunc
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvents sets the structured event logger.
func WithEvents(l events.Logger) Option {
	return func(e *Engine) {
		e.events = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSleep replaces the backoff sleep (for testing).
func WithSleep(sleep retry.SleepFunc) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// WithBackoff sets the backoff base and maximum delay.
func WithBackoff(base, limit time.Duration) Option {
	return func(e *Engine) {
		e.baseDelay = base
		e.maxDelay = limit
	}
}

// WithMaxAttempts sets the total attempt budget used when OperationContext has none.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		e.maxAttempts = n
	}
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		events:      events.Nop{},
		metrics:     metrics.NewNoopRecorder(),
		sleep:       retry.SleepContext,
		baseDelay:   constants.DefaultBaseDelay,
		maxDelay:    constants.DefaultMaxDelay,
		maxAttempts: constants.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StrategyFor returns the name of the strategy that would handle ce.
func StrategyFor(ce classify.ClassifiedError) string {
	return lookup(ce).name
}

func lookup(ce classify.ClassifiedError) strategy {
	if s, ok := kindStrategies[ce.Kind]; ok {
		return s
	}
	if ce.Kind == "" {
		if s, ok := categoryStrategies[ce.Category]; ok {
			return s
		}
	}
	return noStrategy
}

// Recover runs the strategy for ce. actions may be nil.
func (e *Engine) Recover(ctx context.Context, ce classify.ClassifiedError, opCtx OperationContext, actions Actions) Outcome {
	if actions == nil {
		actions = NopActions{}
	}
	if opCtx.MaxAttempts <= 0 {
		opCtx.MaxAttempts = e.maxAttempts
	}

	s := lookup(ce)
	e.log(s.name, PhaseStarted, ce, opCtx, nil)

	out := s.run(e, ctx, ce, opCtx, actions)

	phase := PhaseFailure
	switch out.Kind {
	case OutcomeRecovered:
		phase = PhaseSuccess
	case OutcomeFallback:
		phase = PhaseFallbackActivated
	}
	e.log(s.name, phase, ce, opCtx, map[string]any{"outcome": out.String()})
	e.metrics.RecordRecovery(s.name, phase)
	return out
}

func (e *Engine) log(name, phase string, ce classify.ClassifiedError, opCtx OperationContext, extra map[string]any) {
	fields := map[string]any{
		"strategy":  name,
		"phase":     phase,
		"operation": opCtx.OperationID,
		"attempt":   opCtx.Attempt,
		"category":  string(ce.Category),
	}
	if ce.Kind != "" {
		fields["kind"] = string(ce.Kind)
	}
	for k, v := range extra {
		fields[k] = v
	}
	e.events.LogEvent(events.CategoryRecovery, fields)
}

func forceRefresh(_ *Engine, ctx context.Context, ce classify.ClassifiedError, _ OperationContext, actions Actions) Outcome {
	set, err := actions.ForceRefresh(ctx)
	if err != nil {
		return afterFailedRefresh(ce, err)
	}
	return Recovered(set, NextActionNone)
}

func revalidate(_ *Engine, ctx context.Context, ce classify.ClassifiedError, _ OperationContext, actions Actions) Outcome {
	if err := actions.ClearTokens(ctx, true); err != nil {
		return Failed("failed to clear tokens", ce)
	}
	set, err := actions.ForceRefresh(ctx)
	if err != nil {
		return afterFailedRefresh(ce, err)
	}
	return Recovered(set, NextActionNone)
}

// afterFailedRefresh sends the user to sign in, unless the refresh could not reach
// the provider at all.
func afterFailedRefresh(ce classify.ClassifiedError, err error) Outcome {
	rc := classify.Classify(err)
	if rc.Category == classify.CategoryNetwork || rc.Kind == apperrors.KindTokenProviderUnavailable {
		return Fallback(FallbackOfflineMode, rc.Message, rc)
	}
	if rc.Kind == apperrors.KindSuperseded {
		return Failed("superseded", rc)
	}
	return UserAction(UserActionSignIn, rc)
}

// backoff retries the original operation until the attempt budget is spent, counting
// the attempts already made by the caller.
func backoff(e *Engine, ctx context.Context, ce classify.ClassifiedError, opCtx OperationContext, actions Actions) Outcome {
	last := ce
	for attempt := opCtx.Attempt; attempt < opCtx.MaxAttempts; attempt++ {
		if err := e.sleep(ctx, retry.Backoff(e.baseDelay, e.maxDelay, max(attempt, 1))); err != nil {
			return Failed("cancelled", classify.Classify(err))
		}

		next := opCtx
		next.Attempt = attempt + 1
		set, err := actions.Retry(ctx, next)
		if err == nil {
			return Recovered(set, NextActionNone)
		}
		if errors.Is(err, ErrActionUnavailable) {
			break
		}

		last = classify.Classify(err)
		if last.Category != classify.CategoryNetwork && last.Kind != apperrors.KindTokenProviderUnavailable {
			if last.Category == classify.CategoryAuthentication || last.Category == classify.CategoryToken {
				return UserAction(UserActionSignIn, last)
			}
			return Failed(last.Message, last)
		}
	}
	return Fallback(FallbackOfflineMode, "retry budget exhausted", last)
}

func reauthenticate(_ *Engine, ctx context.Context, ce classify.ClassifiedError, _ OperationContext, actions Actions) Outcome {
	_ = actions.ClearTokens(ctx, false)
	return UserAction(UserActionRetrySignIn, ce)
}

func signInRequired(_ *Engine, _ context.Context, ce classify.ClassifiedError, _ OperationContext, _ Actions) Outcome {
	return UserAction(UserActionSignIn, ce)
}

func userCancelled(_ *Engine, _ context.Context, ce classify.ClassifiedError, _ OperationContext, _ Actions) Outcome {
	return UserAction(UserActionRetrySignIn, ce)
}

func alternateConfig(_ *Engine, ctx context.Context, ce classify.ClassifiedError, _ OperationContext, actions Actions) Outcome {
	if err := actions.ReloadConfig(ctx); err != nil {
		return Fallback(FallbackDefaultConfiguration, "no alternate configuration source", ce)
	}
	return Recovered(nil, NextActionRetryOriginalOperation)
}

func forceSignOut(_ *Engine, ctx context.Context, ce classify.ClassifiedError, _ OperationContext, actions Actions) Outcome {
	if err := actions.SignOut(ctx); err != nil {
		return Failed("forced sign-out failed", ce)
	}
	return Recovered(nil, NextActionRetryOriginalOperation)
}
