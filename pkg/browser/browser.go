// Package browser presents the provider's sign-in page in the system browser and
// captures the redirect on a loopback HTTP listener.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/d-kuro/helpdeskauth/pkg/apperrors"
	"github.com/d-kuro/helpdeskauth/pkg/constants"
)

// LoopbackPresenter implements auth.Presenter for desktop and CLI clients.
type LoopbackPresenter struct {
	open    func(url string) error
	out     io.Writer
	timeout time.Duration
}

// Option configures a LoopbackPresenter.
type Option func(*LoopbackPresenter)

// WithOpener replaces the function that opens the browser.
func WithOpener(open func(url string) error) Option {
	return func(p *LoopbackPresenter) {
		p.open = open
	}
}

// WithOutput sets where user instructions are printed.
func WithOutput(w io.Writer) Option {
	return func(p *LoopbackPresenter) {
		p.out = w
	}
}

// WithTimeout bounds how long to wait for the redirect.
func WithTimeout(d time.Duration) Option {
	return func(p *LoopbackPresenter) {
		p.timeout = d
	}
}

// NewLoopbackPresenter creates a presenter.
func NewLoopbackPresenter(opts ...Option) *LoopbackPresenter {
	p := &LoopbackPresenter{
		open:    openBrowser,
		out:     os.Stderr,
		timeout: constants.AuthTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PresentAuthSession opens authorizeURL and waits for the provider to redirect back to
// the redirect_uri it carries. The full redirect URL is returned; checking its code
// and state is left to the caller.
func (p *LoopbackPresenter) PresentAuthSession(ctx context.Context, authorizeURL, callbackScheme string) (string, error) {
	redirect, err := redirectURI(authorizeURL)
	if err != nil {
		return "", err
	}
	if redirect.Scheme != callbackScheme && callbackScheme != "" {
		return "", fmt.Errorf("redirect_uri scheme %q does not match callback scheme %q", redirect.Scheme, callbackScheme)
	}

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", redirect.Host, err)
	}

	resultChan := make(chan string, 1)
	server := p.startServer(listener, redirect, resultChan)
	defer shutdown(server)

	_, _ = fmt.Fprintf(p.out, "\nSign-in required.\n")
	_, _ = fmt.Fprintf(p.out, "Opening the sign-in page in your browser...\n")
	_, _ = fmt.Fprintf(p.out, "If the browser doesn't open automatically, visit:\n\n%s\n\n", authorizeURL)

	if err := p.open(authorizeURL); err != nil {
		_, _ = fmt.Fprintf(p.out, "Failed to open browser automatically: %v\n", err)
		_, _ = fmt.Fprintf(p.out, "Please manually open the URL above.\n")
	}

	_, _ = fmt.Fprintln(p.out, "Waiting for sign-in...")

	select {
	case result := <-resultChan:
		return result, nil
	case <-ctx.Done():
		return "", apperrors.Wrap(ctx.Err(), "present_auth_session", apperrors.KindUserCancelled, "sign-in was cancelled")
	case <-time.After(p.timeout):
		return "", apperrors.New("present_auth_session", apperrors.KindUserCancelled, "sign-in timed out")
	}
}

func redirectURI(authorizeURL string) (*url.URL, error) {
	au, err := url.Parse(authorizeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid authorize URL: %w", err)
	}
	raw := au.Query().Get("redirect_uri")
	if raw == "" {
		return nil, errors.New("authorize URL has no redirect_uri")
	}
	ru, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect_uri: %w", err)
	}
	if ru.Scheme != "http" {
		return nil, fmt.Errorf("loopback redirect must use http, got %q", ru.Scheme)
	}
	return ru, nil
}

// startServer serves the redirect path on listener and forwards the first redirect.
func (p *LoopbackPresenter) startServer(listener net.Listener, redirect *url.URL, resultChan chan<- string) *http.Server {
	path := redirect.Path
	if path == "" {
		path = "/"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		received := *redirect
		received.RawQuery = r.URL.RawQuery

		query := r.URL.Query()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if query.Get("error") != "" || query.Get("code") == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, constants.AuthFailurePage)
		} else {
			_, _ = io.WriteString(w, constants.AuthSuccessPage)
		}

		select {
		case resultChan <- received.String():
		default:
		}
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: constants.ServerShutdownTimeout,
	}
	go func() {
		_ = server.Serve(listener)
	}()
	return server
}

// shutdown gracefully shuts down the server.
func shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer cancel()
	_ = server.Shutdown(ctx)
}

// AvailablePort finds a free loopback port, for building a redirect URI.
func AvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// openBrowser opens the given URL in the default browser.
func openBrowser(url string) error {
	var cmd string
	var args []string

	if commands, exists := constants.BrowserCommands[runtime.GOOS]; exists {
		cmd = commands[0]
		if len(commands) > 1 {
			args = commands[1:]
		}
	} else {
		cmd = "xdg-open"
	}
	args = append(args, url)
	return exec.Command(cmd, args...).Start()
}
