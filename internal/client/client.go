// Package client keeps the authentication state of a browser-like API client:
// who is logged in, whether that is still being determined, and who wants to
// know when it changes. The session itself lives in an HttpOnly cookie held by
// the client's cookie jar; this package never sees the token.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/patric-chuzhbe/merneats/internal/models"
)

// State of an AuthContext.
type State int

const (
	StateLoading State = iota
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

var (
	// ErrNotAuthenticated is returned by RequireAuth when nobody is logged in.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrClosed is returned by operations on a closed AuthContext.
	ErrClosed = errors.New("auth context is closed")
)

// APIError carries the server's message for a failed call.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Snapshot is a consistent view of the state: User is set exactly when State
// is StateAuthenticated.
type Snapshot struct {
	State State
	User  *models.PublicUser
}

type Option func(*AuthContext)

// WithTimeout bounds every request. There is no timeout by default.
func WithTimeout(timeout time.Duration) Option {
	return func(a *AuthContext) {
		a.http.SetTimeout(timeout)
	}
}

// WithTransport replaces the HTTP transport, e.g. with an httptest server's.
func WithTransport(transport http.RoundTripper) Option {
	return func(a *AuthContext) {
		a.http.SetTransport(transport)
	}
}

// AuthContext is safe for concurrent use. Every state change bumps a
// generation counter; a response that arrives for an older generation, or
// after Close, is discarded.
type AuthContext struct {
	http *resty.Client

	mu          sync.Mutex
	state       State
	user        *models.PublicUser
	generation  uint64
	closed      bool
	settled     chan struct{}
	subscribers map[int]func(Snapshot)
	nextID      int
}

// New creates an AuthContext in StateLoading. Call Init to settle it.
func New(baseURL string, options ...Option) *AuthContext {
	a := &AuthContext{
		http: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Accept", "application/json"),
		state:       StateLoading,
		settled:     make(chan struct{}),
		subscribers: make(map[int]func(Snapshot)),
	}
	for _, option := range options {
		option(a)
	}

	return a
}

// Init asks the server whether the cookie jar holds a valid session and
// settles the state accordingly. A transport failure settles it as
// unauthenticated and is returned.
func (a *AuthContext) Init(ctx context.Context) error {
	return a.Refresh(ctx)
}

// Refresh re-validates the session with one call to validate-token.
func (a *AuthContext) Refresh(ctx context.Context) error {
	generation, err := a.currentGeneration()
	if err != nil {
		return err
	}

	var publicUser models.PublicUser
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&publicUser).
		SetError(&models.ErrorResponse{}).
		Get("/api/auth/validate-token")
	if err != nil {
		a.apply(generation, nil)
		return fmt.Errorf("in internal/client/client.go/Refresh(): error while `validate-token` calling: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		a.apply(generation, nil)
		if resp.StatusCode() == http.StatusUnauthorized {
			return nil
		}
		return apiError(resp)
	}

	a.apply(generation, &publicUser)

	return nil
}

// Login authenticates with email and password. On success the server sets
// the session cookie and the user becomes the current one; on failure the
// state is left alone.
func (a *AuthContext) Login(ctx context.Context, email, password string) (models.PublicUser, error) {
	return a.authenticate(ctx, "/api/auth/login", models.LoginRequest{
		Email:    email,
		Password: password,
	})
}

// Register creates an account and logs it in.
func (a *AuthContext) Register(ctx context.Context, email, password, name string) (models.PublicUser, error) {
	return a.authenticate(ctx, "/api/auth/register", models.RegisterRequest{
		Email:    email,
		Password: password,
		Name:     name,
	})
}

func (a *AuthContext) authenticate(ctx context.Context, path string, body interface{}) (models.PublicUser, error) {
	generation, err := a.currentGeneration()
	if err != nil {
		return models.PublicUser{}, err
	}

	var publicUser models.PublicUser
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&publicUser).
		SetError(&models.ErrorResponse{}).
		Post(path)
	if err != nil {
		return models.PublicUser{}, fmt.Errorf("in internal/client/client.go/authenticate(): error while `%s` calling: %w", path, err)
	}
	if resp.IsError() {
		return models.PublicUser{}, apiError(resp)
	}

	if !a.apply(generation, &publicUser) {
		return models.PublicUser{}, ErrClosed
	}

	return publicUser, nil
}

// Logout clears the local state first and then tells the server to drop the
// cookie. The server call is best effort: its error is returned but the
// context stays logged out.
func (a *AuthContext) Logout(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	notify := a.setLocked(StateUnauthenticated, nil)
	a.mu.Unlock()
	notify()

	resp, err := a.http.R().
		SetContext(ctx).
		SetError(&models.ErrorResponse{}).
		Post("/api/auth/logout")
	if err != nil {
		return fmt.Errorf("in internal/client/client.go/Logout(): error while `logout` calling: %w", err)
	}
	if resp.IsError() {
		return apiError(resp)
	}

	return nil
}

// SetUser replaces the current user, e.g. after the profile was edited.
// A nil user logs the context out locally.
func (a *AuthContext) SetUser(publicUser *models.PublicUser) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	var notify func()
	if publicUser == nil {
		notify = a.setLocked(StateUnauthenticated, nil)
	} else {
		copied := *publicUser
		notify = a.setLocked(StateAuthenticated, &copied)
	}
	a.mu.Unlock()
	notify()
}

// User returns a copy of the current user or nil.
func (a *AuthContext) User() *models.PublicUser {
	return a.Snapshot().User
}

func (a *AuthContext) IsAuthenticated() bool {
	return a.Snapshot().State == StateAuthenticated
}

func (a *AuthContext) IsLoading() bool {
	return a.Snapshot().State == StateLoading
}

// Snapshot returns the state and user read together.
func (a *AuthContext) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.snapshotLocked()
}

// Subscribe registers fn for every state change and returns a function that
// unregisters it. fn is called outside the lock, possibly from the goroutine
// that completed a request.
func (a *AuthContext) Subscribe(fn func(Snapshot)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextID
	a.nextID++
	a.subscribers[id] = fn

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subscribers, id)
	}
}

// RequireAuth gates a protected operation. While the state is loading it
// waits for it to settle or for ctx to end; then it returns the user or
// ErrNotAuthenticated.
func (a *AuthContext) RequireAuth(ctx context.Context) (models.PublicUser, error) {
	a.mu.Lock()
	settled := a.settled
	a.mu.Unlock()

	select {
	case <-settled:
	case <-ctx.Done():
		return models.PublicUser{}, ctx.Err()
	}

	snapshot := a.Snapshot()
	if snapshot.State != StateAuthenticated {
		return models.PublicUser{}, ErrNotAuthenticated
	}

	return *snapshot.User, nil
}

// Close tears the context down. Requests still in flight are ignored when
// they complete, subscribers are dropped and waiters in RequireAuth are
// released as unauthenticated.
func (a *AuthContext) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.closed = true
	a.generation++
	a.state = StateUnauthenticated
	a.user = nil
	a.subscribers = map[int]func(Snapshot){}
	a.settleLocked()
}

func (a *AuthContext) currentGeneration() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}

	return a.generation, nil
}

// apply stores a request result unless the state moved on since the request
// started. It reports whether the result was kept.
func (a *AuthContext) apply(generation uint64, publicUser *models.PublicUser) bool {
	a.mu.Lock()
	if a.closed || generation != a.generation {
		a.mu.Unlock()
		return false
	}

	var notify func()
	if publicUser == nil {
		notify = a.setLocked(StateUnauthenticated, nil)
	} else {
		notify = a.setLocked(StateAuthenticated, publicUser)
	}
	a.mu.Unlock()
	notify()

	return true
}

func (a *AuthContext) setLocked(state State, publicUser *models.PublicUser) func() {
	a.generation++
	a.state = state
	a.user = publicUser
	a.settleLocked()

	snapshot := a.snapshotLocked()
	subscribers := make([]func(Snapshot), 0, len(a.subscribers))
	for _, fn := range a.subscribers {
		subscribers = append(subscribers, fn)
	}

	return func() {
		for _, fn := range subscribers {
			fn(snapshot)
		}
	}
}

func (a *AuthContext) settleLocked() {
	select {
	case <-a.settled:
	default:
		close(a.settled)
	}
}

func (a *AuthContext) snapshotLocked() Snapshot {
	snapshot := Snapshot{State: a.state}
	if a.user != nil {
		copied := *a.user
		snapshot.User = &copied
	}

	return snapshot
}

func apiError(resp *resty.Response) error {
	message := http.StatusText(resp.StatusCode())
	if body, ok := resp.Error().(*models.ErrorResponse); ok && body.Message != "" {
		message = body.Message
	}

	return &APIError{StatusCode: resp.StatusCode(), Message: message}
}
