// Package session owns the signed-in session: it hands out tokens, refreshes them,
// signs in and out, and publishes the session state.
//
// All failures are classified and passed through the recovery engine before they
// reach the caller, who receives either a token or a *recovery.OutcomeError.
package session

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/d-kuro/helpdeskauth/pkg/apperrors"
	"github.com/d-kuro/helpdeskauth/pkg/auth"
	"github.com/d-kuro/helpdeskauth/pkg/cache"
	"github.com/d-kuro/helpdeskauth/pkg/classify"
	"github.com/d-kuro/helpdeskauth/pkg/constants"
	"github.com/d-kuro/helpdeskauth/pkg/events"
	"github.com/d-kuro/helpdeskauth/pkg/metrics"
	"github.com/d-kuro/helpdeskauth/pkg/recovery"
	"github.com/d-kuro/helpdeskauth/pkg/retry"
	"github.com/d-kuro/helpdeskauth/pkg/tokens"
)

// Operation ids used for single-flight, retries and events.
const (
	OpGetIDToken     = "get_id_token"
	OpGetAccessToken = "get_access_token"
	OpAllTokens      = "all_tokens"
	OpSignIn         = "sign_in"
)

var refreshOps = []string{OpGetIDToken, OpGetAccessToken, OpAllTokens}

// Status is the coarse session status shown to the UI.
type Status string

const (
	StatusUnknown         Status = "unknown"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
	StatusError           Status = "error"
)

// State is the observable session state.
type State struct {
	Status  Status
	Subject string
	Err     *classify.ClassifiedError
}

// ErrNoSignInFlow is returned by SignIn when the manager was built without a flow.
var ErrNoSignInFlow = errors.New("session: no sign-in flow configured")

// Manager is the session manager. Construct one per application with NewManager and
// pass it to the components that need tokens.
type Manager struct {
	cache     *cache.Cache
	refresher auth.Refresher
	revoker   auth.Revoker
	flow      auth.SignInFlow

	orchestrator *retry.Orchestrator
	recovery     *recovery.Engine
	events       events.Logger
	metrics      metrics.Recorder
	maxAttempts  int

	retryOpts    []retry.Option
	recoveryOpts []recovery.Option

	group singleflight.Group

	mu          sync.RWMutex
	state       State
	subscribers map[int]chan State
	nextSub     int
}

// Option configures a Manager.
type Option func(*Manager)

// WithRefresher sets the provider refresh call.
func WithRefresher(r auth.Refresher) Option {
	return func(m *Manager) {
		m.refresher = r
	}
}

// WithRevoker sets the provider-side sign-out call.
func WithRevoker(r auth.Revoker) Option {
	return func(m *Manager) {
		m.revoker = r
	}
}

// WithSignInFlow sets the interactive sign-in flow.
func WithSignInFlow(f auth.SignInFlow) Option {
	return func(m *Manager) {
		m.flow = f
	}
}

// WithEvents sets the structured event logger shared with the orchestrator and the
// recovery engine.
func WithEvents(l events.Logger) Option {
	return func(m *Manager) {
		m.events = l
	}
}

// WithMetrics sets the metrics recorder shared with the orchestrator and the recovery
// engine.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) {
		m.metrics = r
	}
}

// WithMaxAttempts sets the total attempt budget for refreshes.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		m.maxAttempts = n
	}
}

// WithRetryOptions passes extra options to the retry orchestrator.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(m *Manager) {
		m.retryOpts = append(m.retryOpts, opts...)
	}
}

// WithRecoveryOptions passes extra options to the recovery engine.
func WithRecoveryOptions(opts ...recovery.Option) Option {
	return func(m *Manager) {
		m.recoveryOpts = append(m.recoveryOpts, opts...)
	}
}

// NewManager creates a Manager around c.
func NewManager(c *cache.Cache, opts ...Option) *Manager {
	m := &Manager{
		cache:       c,
		events:      events.Nop{},
		metrics:     metrics.NewNoopRecorder(),
		maxAttempts: constants.DefaultMaxRetries,
		state:       State{Status: StatusUnknown},
		subscribers: make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(m)
	}

	retryOpts := append([]retry.Option{
		retry.WithRetryable(RefreshRetryable),
		retry.WithEvents(m.events),
		retry.WithMetrics(m.metrics),
	}, m.retryOpts...)
	m.orchestrator = retry.New(retryOpts...)

	recoveryOpts := append([]recovery.Option{
		recovery.WithEvents(m.events),
		recovery.WithMetrics(m.metrics),
		recovery.WithMaxAttempts(m.maxAttempts),
	}, m.recoveryOpts...)
	m.recovery = recovery.NewEngine(recoveryOpts...)

	return m
}

// RefreshRetryable reports whether the orchestrator should retry a failed refresh.
// Only transport and provider-availability failures are worth repeating.
func RefreshRetryable(ce classify.ClassifiedError) bool {
	switch {
	case ce.Category == classify.CategoryNetwork:
		return true
	case ce.Kind == apperrors.KindTokenProviderUnavailable:
		return true
	case ce.Category == classify.CategoryUnknown:
		return true
	default:
		return false
	}
}

// Restore loads a persisted session, if any.
func (m *Manager) Restore(ctx context.Context) error {
	set, err := m.cache.Load(ctx)
	if err != nil {
		m.setState(State{Status: StatusUnauthenticated})
		m.events.LogEvent(events.CategorySession, map[string]any{"action": "restore", "error": err.Error()})
		return err
	}
	if set == nil {
		m.setState(State{Status: StatusUnauthenticated})
		return nil
	}
	m.setState(State{Status: StatusAuthenticated, Subject: set.Subject()})
	return nil
}

// SignOut ends the session. The cache and the store are cleared and in-flight refreshes
// are cancelled before it returns; their results are discarded. The provider-side
// session is revoked on a best-effort basis. Calling SignOut again is a no-op.
func (m *Manager) SignOut(ctx context.Context) error {
	prev := m.cache.Current()
	clearErr := m.cache.Clear(ctx)

	for _, op := range refreshOps {
		m.group.Forget(op)
		m.orchestrator.Cancel(op)
	}
	m.setState(State{Status: StatusUnauthenticated})

	if prev != nil && prev.RefreshToken != "" && m.revoker != nil {
		if err := m.revoker.Revoke(ctx, prev.RefreshToken); err != nil {
			m.events.LogEvent(events.CategorySession, map[string]any{"action": "revoke", "error": err.Error()})
		}
	}
	if prev != nil {
		m.events.LogEvent(events.CategorySession, map[string]any{"action": "sign_out", "subject": prev.Subject()})
	}
	return clearErr
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe returns a channel that receives the latest state on every change, starting
// with the current one. Slow readers only see the most recent state. Call the returned
// function to unsubscribe.
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = ch
	ch <- m.state
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.publishLocked(s)
	m.mu.Unlock()

	m.logState(s, changed)
}

// setStateIfInstalled publishes an authenticated state for set only while set is the
// installed session. SignOut clears the cache before publishing its own state, so a
// sign-out that lands after the install always has the last word.
func (m *Manager) setStateIfInstalled(set tokens.TokenSet) bool {
	s := State{Status: StatusAuthenticated, Subject: set.Subject()}

	m.mu.Lock()
	cur := m.cache.Current()
	if cur == nil || cur.AccessToken.Raw != set.AccessToken.Raw {
		m.mu.Unlock()
		return false
	}
	changed := m.publishLocked(s)
	m.mu.Unlock()

	m.logState(s, changed)
	return true
}

func (m *Manager) publishLocked(s State) bool {
	changed := m.state.Status != s.Status || m.state.Subject != s.Subject
	m.state = s
	for _, ch := range m.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
	return changed
}

func (m *Manager) logState(s State, changed bool) {
	if changed {
		m.events.LogEvent(events.CategorySession, map[string]any{"status": string(s.Status), "subject": s.Subject})
	}
}
