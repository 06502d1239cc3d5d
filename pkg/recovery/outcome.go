package recovery

import (
	"errors"
	"fmt"

	"github.com/d-kuro/helpdeskauth/pkg/classify"
	"github.com/d-kuro/helpdeskauth/pkg/tokens"
)

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	OutcomeRecovered OutcomeKind = iota
	OutcomeUserAction
	OutcomeFallback
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRecovered:
		return "recovered"
	case OutcomeUserAction:
		return "user_action"
	case OutcomeFallback:
		return "fallback"
	default:
		return "failed"
	}
}

// UserActionKind tells the UI what the user has to do.
type UserActionKind string

const (
	UserActionSignIn      UserActionKind = "signIn"
	UserActionRetrySignIn UserActionKind = "retrySignIn"
)

// FallbackStrategy names a degraded mode the application can switch to.
type FallbackStrategy string

const (
	FallbackOfflineMode          FallbackStrategy = "offlineMode"
	FallbackDefaultConfiguration FallbackStrategy = "defaultConfiguration"
)

// NextAction tells the caller what to do after a successful recovery.
type NextAction string

const (
	NextActionNone                   NextAction = ""
	NextActionRetryOriginalOperation NextAction = "retryOriginalOperation"
)

// Outcome is the result of a recovery attempt. Only the fields belonging to Kind are set.
type Outcome struct {
	Kind OutcomeKind

	// Recovered
	Tokens *tokens.TokenSet
	Next   NextAction

	// UserAction
	UserAction UserActionKind

	// Fallback
	Fallback FallbackStrategy

	// Fallback and Failed
	Reason string

	Cause classify.ClassifiedError
}

// Recovered builds a successful outcome. set may be nil.
func Recovered(set *tokens.TokenSet, next NextAction) Outcome {
	return Outcome{Kind: OutcomeRecovered, Tokens: set, Next: next}
}

// UserAction builds an outcome that requires the user to act.
func UserAction(action UserActionKind, cause classify.ClassifiedError) Outcome {
	return Outcome{Kind: OutcomeUserAction, UserAction: action, Cause: cause}
}

// Fallback builds an outcome that switches to a degraded mode.
func Fallback(strategy FallbackStrategy, reason string, cause classify.ClassifiedError) Outcome {
	return Outcome{Kind: OutcomeFallback, Fallback: strategy, Reason: reason, Cause: cause}
}

// Failed builds an unrecovered outcome.
func Failed(reason string, cause classify.ClassifiedError) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason, Cause: cause}
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeRecovered:
		if o.Next != NextActionNone {
			return fmt.Sprintf("Recovered(next=%s)", o.Next)
		}
		return "Recovered"
	case OutcomeUserAction:
		return fmt.Sprintf("UserAction(%s)", o.UserAction)
	case OutcomeFallback:
		return fmt.Sprintf("Fallback(%s)", o.Fallback)
	default:
		return fmt.Sprintf("Failed(%s)", o.Reason)
	}
}

// Message is the single actionable message shown to the user.
func (o Outcome) Message() string {
	switch o.Kind {
	case OutcomeUserAction:
		if o.UserAction == UserActionSignIn {
			return "Please sign in again."
		}
		if o.Cause.Message != "" {
			return o.Cause.Message
		}
		return "Sign-in did not complete. Please try again."
	case OutcomeFallback:
		if o.Fallback == FallbackDefaultConfiguration {
			return "Using the default configuration."
		}
		return "You appear to be offline. Please try again later."
	case OutcomeFailed:
		if o.Cause.Message != "" {
			return o.Cause.Message
		}
		return "Something went wrong. Please try again."
	default:
		return ""
	}
}

// Err returns the outcome as an error, or nil when it is Recovered.
func (o Outcome) Err() error {
	if o.Kind == OutcomeRecovered {
		return nil
	}
	return &OutcomeError{Outcome: o}
}

// OutcomeError is what callers of the session manager receive instead of a raw
// provider error. Error returns the user-facing message; Unwrap exposes the cause.
type OutcomeError struct {
	Outcome Outcome
}

func (e *OutcomeError) Error() string {
	return e.Outcome.Message()
}

func (e *OutcomeError) Unwrap() error {
	return e.Outcome.Cause.Err
}

// OutcomeOf returns the Outcome carried by err.
func OutcomeOf(err error) (Outcome, bool) {
	var oe *OutcomeError
	if errors.As(err, &oe) {
		return oe.Outcome, true
	}
	return Outcome{}, false
}
