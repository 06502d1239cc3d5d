package session

import (
	"context"

	"github.com/d-kuro/helpdeskauth/pkg/apperrors"
	"github.com/d-kuro/helpdeskauth/pkg/classify"
	"github.com/d-kuro/helpdeskauth/pkg/events"
	"github.com/d-kuro/helpdeskauth/pkg/recovery"
	"github.com/d-kuro/helpdeskauth/pkg/retry"
	"github.com/d-kuro/helpdeskauth/pkg/tokens"
)

// GetIDToken returns a valid ID token. With forceRefresh the provider is always asked
// for a new one.
func (m *Manager) GetIDToken(ctx context.Context, forceRefresh bool) (tokens.Token, error) {
	return m.getToken(ctx, tokens.KindID, OpGetIDToken, forceRefresh)
}

// GetAccessToken returns a valid access token. With forceRefresh the provider is always
// asked for a new one.
func (m *Manager) GetAccessToken(ctx context.Context, forceRefresh bool) (tokens.Token, error) {
	return m.getToken(ctx, tokens.KindAccess, OpGetAccessToken, forceRefresh)
}

// RefreshIfNeeded refreshes the whole token set when either token is near expiry.
func (m *Manager) RefreshIfNeeded(ctx context.Context) error {
	set := m.cache.Current()
	if set == nil {
		return m.recoverError(ctx, OpAllTokens, apperrors.New(OpAllTokens, apperrors.KindUserNotSignedIn, "no session"))
	}

	needed := set.AccessToken.IsZero() || m.cache.IsNearExpiry(set.AccessToken)
	if set.IDToken != nil && m.cache.IsNearExpiry(*set.IDToken) {
		needed = true
	}
	if !needed {
		return nil
	}

	if _, err := m.refresh(ctx, OpAllTokens); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return m.recoverError(ctx, OpAllTokens, err)
	}
	return nil
}

func (m *Manager) getToken(ctx context.Context, kind tokens.Kind, op string, force bool) (tokens.Token, error) {
	set := m.cache.Current()
	if set == nil {
		return tokens.Token{}, m.recoverError(ctx, op, apperrors.New(op, apperrors.KindUserNotSignedIn, "no session"))
	}

	tok, ok := set.Get(kind)
	if !force {
		if ok && !m.cache.IsNearExpiry(tok) {
			return tok, nil
		}
		if !ok || m.cache.IsExpired(tok) {
			return m.getToken(ctx, kind, op, true)
		}

		// Near expiry but still usable: a failed refresh is not fatal.
		refreshed, err := m.refresh(ctx, op)
		if err != nil {
			m.events.LogEvent(events.CategorySession, map[string]any{
				"operation": op,
				"action":    "near_expiry_refresh",
				"error":     classify.Classify(err).String(),
			})
			return tok, nil
		}
		if fresh, ok := refreshed.Get(kind); ok {
			return fresh, nil
		}
		return tok, nil
	}

	refreshed, err := m.refresh(ctx, op)
	if err != nil {
		// The caller gave up; the shared refresh keeps running for everyone else.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return tokens.Token{}, ctxErr
		}
		return m.recoverToken(ctx, kind, op, err)
	}
	fresh, ok := refreshed.Get(kind)
	if !ok {
		return m.recoverToken(ctx, kind, op,
			apperrors.New(op, apperrors.KindTokenValidationFailed, "provider did not return a "+kind.String()+" token"))
	}
	return fresh, nil
}

// refresh performs one single-flight refresh per operation id. Callers that arrive
// while a refresh for the same id is running share its result. The refresh itself is
// detached from the caller's cancellation so that one caller leaving does not fail the
// others; SignOut cancels it through the orchestrator.
func (m *Manager) refresh(ctx context.Context, op string) (*tokens.TokenSet, error) {
	return m.refreshWithin(ctx, op, m.maxAttempts)
}

// refreshWithin is refresh with an explicit attempt budget for a newly started flight.
// A caller joining a running flight shares it regardless of its budget.
func (m *Manager) refreshWithin(ctx context.Context, op string, attempts int) (*tokens.TokenSet, error) {
	ch := m.group.DoChan(op, func() (any, error) {
		return m.doRefresh(context.WithoutCancel(ctx), op, attempts)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*tokens.TokenSet), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, op string, attempts int) (*tokens.TokenSet, error) {
	gen := m.cache.Generation()
	current := m.cache.Current()
	if current == nil {
		return nil, apperrors.New(op, apperrors.KindUserNotSignedIn, "no session")
	}
	if current.RefreshToken == "" {
		return nil, apperrors.New(op, apperrors.KindNoRefreshToken, "session has no refresh token")
	}
	if m.refresher == nil {
		return nil, apperrors.New(op, apperrors.KindTokenProviderUnavailable, "no refresher configured")
	}

	set, err := retry.Execute(ctx, m.orchestrator, op, attempts, func(ctx context.Context, attempt int) (tokens.TokenSet, error) {
		s, err := m.refresher.Refresh(ctx, current.RefreshToken)
		m.metrics.RecordRefresh(op, err == nil)
		return s, err
	})
	if err != nil {
		return nil, err
	}

	installed, err := m.cache.InstallIfGeneration(ctx, gen, set)
	if err != nil {
		m.events.LogEvent(events.CategorySession, map[string]any{"operation": op, "action": "persist", "error": err.Error()})
	}
	if !installed || !m.setStateIfInstalled(set) {
		// The session changed while the refresh was running: signed out, or another
		// refresh or sign-in installed a newer set.
		return m.latestOrSuperseded(op)
	}
	return &set, nil
}

func (m *Manager) latestOrSuperseded(op string) (*tokens.TokenSet, error) {
	if latest := m.cache.Current(); latest != nil && !latest.AccessToken.IsZero() {
		return latest, nil
	}
	return nil, apperrors.New(op, apperrors.KindSuperseded, "session ended during refresh")
}

// recoverToken runs recovery for a failed token fetch and returns the token when the
// recovery produced one.
func (m *Manager) recoverToken(ctx context.Context, kind tokens.Kind, op string, cause error) (tokens.Token, error) {
	out := m.runRecovery(ctx, op, cause)
	if out.Kind != recovery.OutcomeRecovered {
		if out.Cause.Kind == apperrors.KindSuperseded {
			if tok, ok := m.currentValid(kind); ok {
				return tok, nil
			}
		}
		return tokens.Token{}, out.Err()
	}

	set := out.Tokens
	if set == nil {
		set = m.cache.Current()
	}
	if tok, ok := set.Get(kind); ok && !m.cache.IsExpired(tok) {
		return tok, nil
	}
	return tokens.Token{}, recovery.UserAction(recovery.UserActionSignIn, classify.Classify(cause)).Err()
}

// currentValid returns the installed token of kind if it has not expired.
func (m *Manager) currentValid(kind tokens.Kind) (tokens.Token, bool) {
	set := m.cache.Current()
	if set == nil {
		return tokens.Token{}, false
	}
	tok, ok := set.Get(kind)
	if !ok || m.cache.IsExpired(tok) {
		return tokens.Token{}, false
	}
	return tok, true
}

// recoverError runs recovery for a failure that has no token result.
func (m *Manager) recoverError(ctx context.Context, op string, cause error) error {
	return m.runRecovery(ctx, op, cause).Err()
}

func (m *Manager) runRecovery(ctx context.Context, op string, cause error) recovery.Outcome {
	ce := classify.Classify(cause)
	opCtx := recovery.OperationContext{
		OperationID: op,
		Attempt:     retry.AttemptsOf(cause),
		MaxAttempts: m.maxAttempts,
	}
	out := m.recovery.Recover(ctx, ce, opCtx, &actions{m: m, op: op})
	if ctx.Err() == nil {
		m.applyOutcome(out)
	}
	return out
}

// applyOutcome reflects an unrecovered outcome in the session state.
func (m *Manager) applyOutcome(out recovery.Outcome) {
	if out.Kind == recovery.OutcomeRecovered || out.Cause.Kind == apperrors.KindSuperseded {
		return
	}
	cause := out.Cause
	if m.cache.Current() == nil {
		m.setState(State{Status: StatusUnauthenticated, Err: &cause})
		return
	}
	m.setState(State{Status: StatusError, Subject: m.State().Subject, Err: &cause})
}

// actions exposes the manager's side effects to the recovery engine.
type actions struct {
	recovery.NopActions
	m  *Manager
	op string
}

func (a *actions) Retry(ctx context.Context, _ recovery.OperationContext) (*tokens.TokenSet, error) {
	return a.ForceRefresh(ctx)
}

func (a *actions) ForceRefresh(ctx context.Context) (*tokens.TokenSet, error) {
	return a.m.refreshWithin(ctx, a.op, 1)
}

func (a *actions) ClearTokens(ctx context.Context, keepRefresh bool) error {
	if keepRefresh {
		a.m.cache.ClearAccessTokens(ctx)
		return nil
	}
	err := a.m.cache.Clear(ctx)
	a.m.setState(State{Status: StatusUnauthenticated})
	return err
}

func (a *actions) SignOut(ctx context.Context) error {
	return a.m.SignOut(ctx)
}

var _ recovery.Actions = (*actions)(nil)

// IsSignInRequired reports whether err tells the user to sign in.
func IsSignInRequired(err error) bool {
	out, ok := recovery.OutcomeOf(err)
	return ok && out.Kind == recovery.OutcomeUserAction
}

// IsOffline reports whether err asks the application to switch to offline mode.
func IsOffline(err error) bool {
	out, ok := recovery.OutcomeOf(err)
	return ok && out.Kind == recovery.OutcomeFallback && out.Fallback == recovery.FallbackOfflineMode
}
