package helpdeskauth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/d-kuro/helpdeskauth/pkg/apperrors"
	"github.com/d-kuro/helpdeskauth/pkg/tokens"
)

type fakeTokenSource struct {
	calls  atomic.Int32
	forced atomic.Int32
	err    error
}

func (f *fakeTokenSource) GetAccessToken(_ context.Context, force bool) (tokens.Token, error) {
	n := f.calls.Add(1)
	if force {
		f.forced.Add(1)
	}
	if f.err != nil {
		return tokens.Token{}, f.err
	}
	return tokens.Token{Raw: "token-" + string(rune('0'+n))}, nil
}

func TestNewHTTPClientPooling(t *testing.T) {
	a := NewHTTPClient(&HTTPClientConfig{Timeout: 7 * time.Second, UserAgent: "test/1"})
	b := NewHTTPClient(&HTTPClientConfig{Timeout: 7 * time.Second, UserAgent: "test/1"})
	c := NewHTTPClient(&HTTPClientConfig{Timeout: 8 * time.Second, UserAgent: "test/1"})

	if a != b {
		t.Error("same configuration should share a client")
	}
	if a == c {
		t.Error("different configurations should not share a client")
	}
	if a.Timeout != 7*time.Second {
		t.Errorf("Timeout = %v", a.Timeout)
	}
	if NewHTTPClient(nil) != NewHTTPClient(DefaultHTTPClientConfig()) {
		t.Error("nil configuration should use the defaults")
	}
}

func TestHTTPClientSetsUserAgentAndRefusesRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/redirect" {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
			return
		}
		_, _ = io.WriteString(w, r.Header.Get("User-Agent"))
	}))
	defer server.Close()

	client := NewHTTPClient(&HTTPClientConfig{Timeout: 5 * time.Second, UserAgent: "helpdeskauth-test"})

	resp, err := client.Get(server.URL + "/ua")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "helpdeskauth-test" {
		t.Errorf("User-Agent = %q", body)
	}

	resp, err = client.Get(server.URL + "/redirect")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, redirects must not be followed", resp.StatusCode)
	}
}

func TestAPIClientDo(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []int
		body       func() io.Reader
		wantStatus int
		wantSent   int
		wantForced int32
	}{
		{
			name:       "success",
			statuses:   []int{http.StatusOK},
			wantStatus: http.StatusOK,
			wantSent:   1,
		},
		{
			name:       "refresh after unauthorized",
			statuses:   []int{http.StatusUnauthorized, http.StatusOK},
			wantStatus: http.StatusOK,
			wantSent:   2,
			wantForced: 1,
		},
		{
			name:       "only one refresh",
			statuses:   []int{http.StatusUnauthorized, http.StatusUnauthorized},
			wantStatus: http.StatusUnauthorized,
			wantSent:   2,
			wantForced: 1,
		},
		{
			name:       "replayable body",
			statuses:   []int{http.StatusUnauthorized, http.StatusOK},
			body:       func() io.Reader { return strings.NewReader(`{"subject":"printer"}`) },
			wantStatus: http.StatusOK,
			wantSent:   2,
			wantForced: 1,
		},
		{
			name:       "body that cannot be replayed",
			statuses:   []int{http.StatusUnauthorized},
			body:       func() io.Reader { return io.MultiReader(strings.NewReader("stream")) },
			wantStatus: http.StatusUnauthorized,
			wantSent:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sent atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(sent.Add(1))
				if tt.body != nil {
					if b, _ := io.ReadAll(r.Body); len(b) == 0 {
						t.Errorf("request %d arrived without a body", n)
					}
				}
				if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer token-") {
					t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
				}
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer server.Close()

			src := &fakeTokenSource{}
			api := NewAPIClient(src, WithAPIHTTPClient(server.Client()))

			var body io.Reader
			if tt.body != nil {
				body = tt.body()
			}
			req, err := http.NewRequest(http.MethodPost, server.URL+"/tickets", body)
			if err != nil {
				t.Fatal(err)
			}

			resp, err := api.Do(req)
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			_ = resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if int(sent.Load()) != tt.wantSent {
				t.Errorf("sent = %d, want %d", sent.Load(), tt.wantSent)
			}
			if src.forced.Load() != tt.wantForced {
				t.Errorf("forced refreshes = %d, want %d", src.forced.Load(), tt.wantForced)
			}
		})
	}
}

func TestAPIClientTokenFailure(t *testing.T) {
	src := &fakeTokenSource{err: apperrors.New("get_access_token", apperrors.KindUserNotSignedIn, "no session")}
	api := NewAPIClient(src)

	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/tickets", nil)
	if _, err := api.Do(req); !errors.Is(err, apperrors.ErrUserNotSignedIn) {
		t.Errorf("err = %v", err)
	}
}
