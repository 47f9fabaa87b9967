package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrAuthenticationFailed means the login endpoint rejected the
	// credentials or returned no usable token.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrSessionExpired means an authenticated request came back 401; the
	// cached token has been invalidated as a side effect.
	ErrSessionExpired = errors.New("session expired")
	// ErrNotAuthenticated means an authenticated request was attempted with
	// no cached token.
	ErrNotAuthenticated = errors.New("no cached auth token")
)

// HTTPError is a non-2xx response from the remote service.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Session owns the connection to one Google-Reader-compatible service: base
// URL, credentials, and the cached auth token. It is passed explicitly to
// every operation; there is no ambient shared session.
type Session struct {
	baseURL    string
	login      string
	password   string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu        sync.Mutex
	authToken string
}

func New(baseURL, login, password string, requestsPerSecond float64, httpClient *http.Client) *Session {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	return &Session{
		baseURL:    baseURL,
		login:      login,
		password:   password,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)*2),
	}
}

// Authenticated reports whether a token is cached.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authToken != ""
}

// InvalidateToken drops the cached token; the next sync re-authenticates.
func (s *Session) InvalidateToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authToken = ""
}

func (s *Session) token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authToken
}

// Authenticate performs ClientLogin and caches the extracted Auth token.
func (s *Session) Authenticate(ctx context.Context) error {
	body := url.Values{}
	body.Set("Email", s.login)
	body.Set("Passwd", s.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/accounts/ClientLogin", strings.NewReader(body.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build login request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, data, err := s.issue(ctx, req)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: http %d", ErrAuthenticationFailed, status)
	}
	if status < 200 || status > 299 {
		return &HTTPError{StatusCode: status, Body: snippet(data)}
	}

	token := extractAuthToken(string(data))
	if token == "" {
		return fmt.Errorf("%w: no Auth token in response", ErrAuthenticationFailed)
	}

	s.mu.Lock()
	s.authToken = token
	s.mu.Unlock()
	return nil
}

// extractAuthToken finds the Auth=<token> line in a ClientLogin response.
func extractAuthToken(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Auth=") {
			return strings.TrimPrefix(line, "Auth=")
		}
	}
	return ""
}

// Get issues an authenticated GET for a relative path (query included).
func (s *Session) Get(ctx context.Context, relative string) ([]byte, error) {
	return s.authenticatedDo(ctx, http.MethodGet, relative)
}

// Post issues an authenticated POST for a relative path (query included).
func (s *Session) Post(ctx context.Context, relative string) ([]byte, error) {
	return s.authenticatedDo(ctx, http.MethodPost, relative)
}

func (s *Session) authenticatedDo(ctx context.Context, method, relative string) ([]byte, error) {
	token := s.token()
	if token == "" {
		return nil, ErrNotAuthenticated
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+relative, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %v", relative, err)
	}
	req.Header.Set("Authorization", "GoogleLogin auth="+token)

	status, data, err := s.issue(ctx, req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		s.InvalidateToken()
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, relative)
	}
	if status < 200 || status > 299 {
		return nil, &HTTPError{StatusCode: status, Body: snippet(data)}
	}
	return data, nil
}

func (s *Session) issue(ctx context.Context, req *http.Request) (int, []byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, data, nil
}

func snippet(data []byte) string {
	const max = 200
	s := string(data)
	if len(s) > max {
		return s[:max]
	}
	return s
}

// EscapeStreamID percent-encodes a stream identifier for use as a path
// component, leaving only alphanumerics unescaped.
func EscapeStreamID(streamID string) string {
	var b strings.Builder
	for _, c := range []byte(streamID) {
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
