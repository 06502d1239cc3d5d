package constants

import "time"

const (
	LibraryVersion = "0.1.0"
	LibraryName    = "helpdeskauth"

	// SessionKey is the fixed identifier the token set is persisted under.
	SessionKey     = "helpdesk.session"
	KeyringService = "helpdeskauth"
	RedisKeyPrefix = "helpdeskauth:"

	DefaultAuthorizePath  = "/oauth2/authorize"
	DefaultTokenPath      = "/oauth2/token"
	DefaultRevokePath     = "/oauth2/revoke"
	DefaultRedirectURI    = "http://127.0.0.1:53682/callback"
	DefaultCallbackScheme = "http"

	DefaultHTTPTimeout   = 30 * time.Second
	DefaultDialerTimeout = 10 * time.Second
	DefaultUserAgent     = "helpdeskauth/0.1"
	MaxTokenResponseSize = 1 * 1024 * 1024 // 1MB max token endpoint response
	MaxErrorSummaryLen   = 512

	// Connection pool settings for identity-provider calls
	MaxIdleConns        = 20
	MaxIdleConnsPerHost = 5
	MaxConnsPerHost     = 20
	IdleConnTimeout     = 60 * time.Second

	TLSHandshakeTimeout   = 10 * time.Second
	ResponseHeaderTimeout = 30 * time.Second
	ExpectContinueTimeout = 1 * time.Second
	KeepAliveTimeout      = 30 * time.Second

	NearExpiryBuffer = 300 * time.Second

	DefaultMaxRetries = 3
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxDelay   = 8 * time.Second

	TokenRefreshTimeout   = 30 * time.Second
	AuthTimeout           = 5 * time.Minute
	ServerShutdownTimeout = 5 * time.Second
	PKCEVerifierBytes     = 64
	MinTokenLength        = 10
	MaxTokenLength        = 8192

	CodeChallengeMethod = "S256"
	ScreenHintSignIn    = "signin"
	ScreenHintSignUp    = "signup"

	ContentTypeJSON = "application/json"
	ContentTypeForm = "application/x-www-form-urlencoded"

	ValidationErrorEmpty    = "cannot be empty"
	ValidationErrorRequired = "must be provided"
	ValidationErrorInvalid  = "is invalid"
	ConfigErrorPrefix       = "config error in "

	EnvPrefix = "HELPDESK_AUTH_"

	// ProviderCodeAlreadySignedIn is the provider error code for a sign-in attempted
	// while a session already exists.
	ProviderCodeAlreadySignedIn = "already_signed_in"

	AuthSuccessPage = "<html><body><h1>Signed in</h1><p>You can close this window.</p></body></html>"
	AuthFailurePage = "<html><body><h1>Sign-in failed</h1><p>Return to the application and try again.</p></body></html>"
)

var DefaultScopes = []string{"openid", "email", "profile"}

var BrowserCommands = map[string][]string{
	"windows": {"cmd", "/c", "start"},
	"darwin":  {"open"},
	"linux":   {"xdg-open"},
}
