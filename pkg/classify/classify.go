// Package classify maps arbitrary errors onto a small, fixed taxonomy that the
// recovery engine and retry orchestrator act on.
package classify

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/d-kuro/helpdeskauth/pkg/apperrors"
	"github.com/d-kuro/helpdeskauth/pkg/constants"
)

// Category is the broad class of a failure.
type Category string

const (
	CategoryConfiguration  Category = "configuration"
	CategoryAuthentication Category = "authentication"
	CategoryToken          Category = "token"
	CategoryNetwork        Category = "network"
	CategoryUser           Category = "user"
	CategoryUnknown        Category = "unknown"
)

// Severity ranks how disruptive a failure is for the user.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityCritical Severity = "critical"
)

// ClassifiedError is the classifier's verdict on an error.
type ClassifiedError struct {
	Category    Category
	Severity    Severity
	Recoverable bool
	Message     string         // user-facing
	Kind        apperrors.Kind // empty when only the message could be matched
	Err         error
}

func (c ClassifiedError) String() string {
	kind := string(c.Kind)
	if kind == "" {
		kind = "-"
	}
	return string(c.Category) + "/" + string(c.Severity) + "/" + kind
}

type rule struct {
	category    Category
	severity    Severity
	recoverable bool
	message     string
}

const (
	msgSignInAgain   = "Your session has ended. Please sign in again."
	msgTryAgain      = "Something went wrong. Please try again."
	msgOffline       = "Unable to reach the server. Check your connection and try again."
	msgConfiguration = "The app is misconfigured. Please update or reinstall it."
)

var kindRules = map[apperrors.Kind]rule{
	apperrors.KindConfigFileNotFound:  {CategoryConfiguration, SeverityCritical, false, msgConfiguration},
	apperrors.KindConfigInvalidFormat: {CategoryConfiguration, SeverityCritical, false, msgConfiguration},
	apperrors.KindConfigMissingKeys:   {CategoryConfiguration, SeverityCritical, false, msgConfiguration},

	apperrors.KindInvalidCredentials:  {CategoryAuthentication, SeverityLow, true, "Sign-in was rejected. Please sign in again."},
	apperrors.KindTokenExchangeFailed: {CategoryAuthentication, SeverityModerate, true, "Sign-in could not be completed. Please try again."},
	apperrors.KindMissingCode:         {CategoryAuthentication, SeverityLow, true, "Sign-in could not be completed. Please try again."},
	apperrors.KindStateMismatch:       {CategoryAuthentication, SeverityModerate, true, "Sign-in could not be verified. Please try again."},
	apperrors.KindAlreadySignedIn:     {CategoryAuthentication, SeverityLow, true, msgTryAgain},

	apperrors.KindUserNotSignedIn:          {CategoryToken, SeverityLow, true, "Please sign in to continue."},
	apperrors.KindTokenExpired:             {CategoryToken, SeverityModerate, true, msgSignInAgain},
	apperrors.KindTokenValidationFailed:    {CategoryToken, SeverityModerate, true, msgSignInAgain},
	apperrors.KindTokenProviderUnavailable: {CategoryToken, SeverityModerate, true, msgOffline},
	apperrors.KindNoRefreshToken:           {CategoryToken, SeverityModerate, true, msgSignInAgain},

	apperrors.KindNetworkTimeout:     {CategoryNetwork, SeverityModerate, true, msgOffline},
	apperrors.KindNetworkUnavailable: {CategoryNetwork, SeverityModerate, true, msgOffline},

	apperrors.KindUserCancelled: {CategoryUser, SeverityLow, true, "Sign-in was cancelled."},
	apperrors.KindSuperseded:    {CategoryUser, SeverityLow, false, "The request was replaced by a newer one."},
}

// credentialErrorCodes are OAuth error codes meaning the grant or client was refused.
var credentialErrorCodes = map[string]bool{
	"invalid_grant":       true,
	"invalid_client":      true,
	"unauthorized_client": true,
	"access_denied":       true,
}

// Classify maps err onto the taxonomy. It is pure: the same error always yields the
// same result. Rules are tried in order and the first match wins:
//
//  1. structured *apperrors.Error kinds
//  2. typed transport and OAuth errors
//  3. the provider's already-signed-in error code
//  4. lower-cased message substrings
func Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{Category: CategoryUnknown, Severity: SeverityLow, Recoverable: true, Message: msgTryAgain}
	}

	if kind, ok := apperrors.KindOf(err); ok {
		if r, ok := kindRules[kind]; ok {
			return r.classified(kind, err)
		}
	}

	if kind, ok := typedKind(err); ok {
		return kindRules[kind].classified(kind, err)
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, constants.ProviderCodeAlreadySignedIn) {
		return kindRules[apperrors.KindAlreadySignedIn].classified(apperrors.KindAlreadySignedIn, err)
	}

	switch {
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection"):
		return ClassifiedError{Category: CategoryNetwork, Severity: SeverityModerate, Recoverable: true, Message: msgOffline, Err: err}
	case strings.Contains(msg, "token"):
		return ClassifiedError{Category: CategoryToken, Severity: SeverityModerate, Recoverable: true, Message: msgSignInAgain, Err: err}
	case strings.Contains(msg, "auth"):
		return ClassifiedError{Category: CategoryAuthentication, Severity: SeverityModerate, Recoverable: true, Message: msgSignInAgain, Err: err}
	default:
		return ClassifiedError{Category: CategoryUnknown, Severity: SeverityModerate, Recoverable: true, Message: msgTryAgain, Err: err}
	}
}

func (r rule) classified(kind apperrors.Kind, err error) ClassifiedError {
	return ClassifiedError{
		Category:    r.category,
		Severity:    r.severity,
		Recoverable: r.recoverable,
		Message:     r.message,
		Kind:        kind,
		Err:         err,
	}
}

func typedKind(err error) (apperrors.Kind, bool) {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return retrieveErrorKind(re), true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.KindNetworkTimeout, true
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.KindUserCancelled, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.KindNetworkTimeout, true
	}

	var opErr *net.OpError
	var urlErr *url.Error
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &urlErr) || errors.As(err, &dnsErr) {
		return apperrors.KindNetworkUnavailable, true
	}
	return "", false
}

// retrieveErrorKind maps a token endpoint failure onto a kind.
func retrieveErrorKind(re *oauth2.RetrieveError) apperrors.Kind {
	switch {
	case re.ErrorCode == constants.ProviderCodeAlreadySignedIn:
		return apperrors.KindAlreadySignedIn
	case credentialErrorCodes[re.ErrorCode]:
		return apperrors.KindInvalidCredentials
	case re.Response != nil && re.Response.StatusCode >= 500:
		return apperrors.KindTokenProviderUnavailable
	default:
		return apperrors.KindTokenExchangeFailed
	}
}

// KindFromRetrieveError exposes the token endpoint mapping to the flow executor so
// that errors it raises carry the same kind the classifier would assign.
func KindFromRetrieveError(re *oauth2.RetrieveError) apperrors.Kind {
	return retrieveErrorKind(re)
}
