package session

import (
	"context"

	"github.com/d-kuro/helpdeskauth/pkg/apperrors"
	"github.com/d-kuro/helpdeskauth/pkg/auth"
	"github.com/d-kuro/helpdeskauth/pkg/classify"
	"github.com/d-kuro/helpdeskauth/pkg/constants"
	"github.com/d-kuro/helpdeskauth/pkg/events"
	"github.com/d-kuro/helpdeskauth/pkg/recovery"
	"github.com/d-kuro/helpdeskauth/pkg/retry"
	"github.com/d-kuro/helpdeskauth/pkg/tokens"
)

// SignIn runs the interactive sign-in flow and installs the issued tokens. A second
// SignIn started while one is running cancels the first. Signing in over an existing
// session forces a sign-out and retries once.
func (m *Manager) SignIn(ctx context.Context, opts auth.SignInOptions) error {
	return m.signIn(ctx, opts, true)
}

func (m *Manager) signIn(ctx context.Context, opts auth.SignInOptions, allowRetry bool) error {
	if m.flow == nil {
		return ErrNoSignInFlow
	}

	set, err := retry.Execute(ctx, m.orchestrator, OpSignIn, 1, func(ctx context.Context, attempt int) (tokens.TokenSet, error) {
		if m.hasSession() {
			return tokens.TokenSet{}, &apperrors.Error{
				Op:      OpSignIn,
				Kind:    apperrors.KindAlreadySignedIn,
				Code:    constants.ProviderCodeAlreadySignedIn,
				Message: "a user is already signed in",
			}
		}
		return m.flow.StartSignIn(ctx, opts)
	})
	if err != nil {
		m.metrics.RecordSignIn(false)
		ce := classify.Classify(err)
		m.events.LogEvent(events.CategorySignIn, map[string]any{"result": "failure", "error": ce.String()})

		opCtx := recovery.OperationContext{
			OperationID:   OpSignIn,
			Attempt:       retry.AttemptsOf(err),
			MaxAttempts:   1,
			UserInitiated: true,
		}
		out := m.recovery.Recover(ctx, ce, opCtx, &actions{m: m, op: OpSignIn})
		if out.Kind == recovery.OutcomeRecovered {
			if out.Next == recovery.NextActionRetryOriginalOperation && allowRetry {
				return m.signIn(ctx, opts, false)
			}
			out = recovery.Failed(ce.Message, ce)
		}
		m.applyOutcome(out)
		return out.Err()
	}

	if err := m.cache.Install(ctx, set); err != nil {
		m.events.LogEvent(events.CategorySession, map[string]any{"operation": OpSignIn, "action": "persist", "error": err.Error()})
	}
	if !m.setStateIfInstalled(set) {
		m.metrics.RecordSignIn(false)
		return recovery.Failed("superseded", classify.Classify(
			apperrors.New(OpSignIn, apperrors.KindSuperseded, "session ended during sign-in"))).Err()
	}
	m.metrics.RecordSignIn(true)
	m.events.LogEvent(events.CategorySignIn, map[string]any{"result": "success", "subject": set.Subject()})
	return nil
}

// hasSession reports whether the cache holds a session that can still produce tokens.
func (m *Manager) hasSession() bool {
	set := m.cache.Current()
	if set == nil {
		return false
	}
	if set.RefreshToken != "" {
		return true
	}
	return !set.AccessToken.IsZero() && !m.cache.IsExpired(set.AccessToken)
}
