package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"testing"

	"golang.org/x/oauth2"

	"github.com/d-kuro/helpdeskauth/pkg/apperrors"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		category    Category
		severity    Severity
		recoverable bool
		kind        apperrors.Kind
	}{
		{
			name:        "token expired",
			err:         apperrors.New("get_id_token", apperrors.KindTokenExpired, ""),
			category:    CategoryToken,
			severity:    SeverityModerate,
			recoverable: true,
			kind:        apperrors.KindTokenExpired,
		},
		{
			name:        "invalid credentials",
			err:         fmt.Errorf("sign in: %w", apperrors.New("exchange_code", apperrors.KindInvalidCredentials, "")),
			category:    CategoryAuthentication,
			severity:    SeverityLow,
			recoverable: true,
			kind:        apperrors.KindInvalidCredentials,
		},
		{
			name:        "config file not found",
			err:         apperrors.New("load_config", apperrors.KindConfigFileNotFound, ""),
			category:    CategoryConfiguration,
			severity:    SeverityCritical,
			recoverable: false,
			kind:        apperrors.KindConfigFileNotFound,
		},
		{
			name:        "config invalid format",
			err:         apperrors.New("load_config", apperrors.KindConfigInvalidFormat, ""),
			category:    CategoryConfiguration,
			severity:    SeverityCritical,
			recoverable: false,
			kind:        apperrors.KindConfigInvalidFormat,
		},
		{
			name:        "config missing keys",
			err:         apperrors.New("load_config", apperrors.KindConfigMissingKeys, ""),
			category:    CategoryConfiguration,
			severity:    SeverityCritical,
			recoverable: false,
			kind:        apperrors.KindConfigMissingKeys,
		},
		{
			name:        "deadline exceeded",
			err:         fmt.Errorf("refresh: %w", context.DeadlineExceeded),
			category:    CategoryNetwork,
			severity:    SeverityModerate,
			recoverable: true,
			kind:        apperrors.KindNetworkTimeout,
		},
		{
			name:        "net timeout",
			err:         &url.Error{Op: "Post", URL: "https://idp.example.com/oauth2/token", Err: timeoutError{}},
			category:    CategoryNetwork,
			severity:    SeverityModerate,
			recoverable: true,
			kind:        apperrors.KindNetworkTimeout,
		},
		{
			name:        "connection refused",
			err:         &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")},
			category:    CategoryNetwork,
			severity:    SeverityModerate,
			recoverable: true,
			kind:        apperrors.KindNetworkUnavailable,
		},
		{
			name: "invalid grant from token endpoint",
			err: &oauth2.RetrieveError{
				Response:  &http.Response{StatusCode: http.StatusBadRequest},
				ErrorCode: "invalid_grant",
			},
			category:    CategoryAuthentication,
			severity:    SeverityLow,
			recoverable: true,
			kind:        apperrors.KindInvalidCredentials,
		},
		{
			name: "token endpoint 503",
			err: &oauth2.RetrieveError{
				Response: &http.Response{StatusCode: http.StatusServiceUnavailable},
			},
			category:    CategoryToken,
			severity:    SeverityModerate,
			recoverable: true,
			kind:        apperrors.KindTokenProviderUnavailable,
		},
		{
			name: "token endpoint other 4xx",
			err: &oauth2.RetrieveError{
				Response:  &http.Response{StatusCode: http.StatusBadRequest},
				ErrorCode: "invalid_request",
			},
			category:    CategoryAuthentication,
			severity:    SeverityModerate,
			recoverable: true,
			kind:        apperrors.KindTokenExchangeFailed,
		},
		{
			name:        "already signed in code",
			err:         errors.New("provider said: already_signed_in"),
			category:    CategoryAuthentication,
			severity:    SeverityLow,
			recoverable: true,
			kind:        apperrors.KindAlreadySignedIn,
		},
		{
			name:        "message mentions network",
			err:         errors.New("Network is unreachable"),
			category:    CategoryNetwork,
			severity:    SeverityModerate,
			recoverable: true,
		},
		{
			name:        "message mentions connection",
			err:         errors.New("connection reset by peer"),
			category:    CategoryNetwork,
			severity:    SeverityModerate,
			recoverable: true,
		},
		{
			name:        "message mentions token",
			err:         errors.New("bad Token"),
			category:    CategoryToken,
			severity:    SeverityModerate,
			recoverable: true,
		},
		{
			name:        "message mentions auth",
			err:         errors.New("AUTH rejected"),
			category:    CategoryAuthentication,
			severity:    SeverityModerate,
			recoverable: true,
		},
		{
			name:        "unknown",
			err:         errors.New("boom"),
			category:    CategoryUnknown,
			severity:    SeverityModerate,
			recoverable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Category != tt.category {
				t.Errorf("Category = %q, want %q", got.Category, tt.category)
			}
			if got.Severity != tt.severity {
				t.Errorf("Severity = %q, want %q", got.Severity, tt.severity)
			}
			if got.Recoverable != tt.recoverable {
				t.Errorf("Recoverable = %v, want %v", got.Recoverable, tt.recoverable)
			}
			if got.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", got.Kind, tt.kind)
			}
			if got.Message == "" {
				t.Error("expected a user-facing message")
			}
			if got.Err != tt.err {
				t.Error("expected the cause to be preserved")
			}
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	err := errors.New("connection token auth")
	first := Classify(err)
	for i := 0; i < 10; i++ {
		if got := Classify(err); got != first {
			t.Fatalf("Classify() changed between calls: %v vs %v", got, first)
		}
	}
	if first.Category != CategoryNetwork {
		t.Errorf("expected network to take priority, got %s", first.Category)
	}
}

func TestStructuredKindBeatsMessage(t *testing.T) {
	err := apperrors.New("refresh", apperrors.KindTokenExpired, "network connection dropped")
	if got := Classify(err); got.Category != CategoryToken {
		t.Errorf("expected structured kind to win, got %s", got.Category)
	}
}

func TestEveryKindHasARule(t *testing.T) {
	kinds := []apperrors.Kind{
		apperrors.KindConfigFileNotFound, apperrors.KindConfigInvalidFormat, apperrors.KindConfigMissingKeys,
		apperrors.KindInvalidCredentials, apperrors.KindTokenExchangeFailed, apperrors.KindMissingCode,
		apperrors.KindStateMismatch, apperrors.KindAlreadySignedIn, apperrors.KindUserNotSignedIn,
		apperrors.KindTokenExpired, apperrors.KindTokenValidationFailed, apperrors.KindTokenProviderUnavailable,
		apperrors.KindNoRefreshToken, apperrors.KindNetworkTimeout, apperrors.KindNetworkUnavailable,
		apperrors.KindUserCancelled, apperrors.KindSuperseded,
	}
	for _, k := range kinds {
		if _, ok := kindRules[k]; !ok {
			t.Errorf("no rule for kind %q", k)
		}
	}
}
