// Package auth drives sign-in: credentials, the optional second factor,
// and sign-out. It is the only writer of a new session into the store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jmcleod/strongbox/apierr"
	"github.com/jmcleod/strongbox/gateway"
	"github.com/jmcleod/strongbox/internal/util"
	"github.com/jmcleod/strongbox/session"
)

const (
	loginPath    = "/api/auth/login/"
	logoutPath   = "/api/auth/logout/"
	registerPath = "/api/auth/register/"
)

var (
	// ErrTransitionInProgress is returned when a login or verification is
	// attempted while another one is still running.
	ErrTransitionInProgress = errors.New("another sign-in step is in progress")
	// ErrNoChallenge is returned by VerifyMFA when no second-factor
	// challenge is pending, including when it was cancelled mid-flight.
	ErrNoChallenge = errors.New("no second-factor challenge is pending")
	// ErrSignedOut is returned by Login when Logout ran while the login
	// request was in flight. Nothing is stored.
	ErrSignedOut = errors.New("signed out during sign-in")
)

// Credential is an email and password pair. It is never persisted.
type Credential struct {
	Email    string
	Password string
}

// challenge is the opaque login context kept while a second factor is
// outstanding. Its tokens are provisional and never reach the store
// unless verification succeeds.
type challenge struct {
	user     session.User
	tokens   session.TokenPair
	issuedAt time.Time
}

// Challenge describes a pending second-factor challenge.
type Challenge struct {
	Email    string
	IssuedAt time.Time
}

// Machine is the authentication state machine. It is safe for concurrent
// use; overlapping Login and VerifyMFA calls are rejected.
type Machine struct {
	gw     *gateway.Gateway
	store  *session.Store
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	busy      bool
	challenge *challenge
	// signOuts counts Logout calls; a transition commits only if it has
	// not changed since the transition began.
	signOuts uint64
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// New creates a Machine that signs in through gw and records the session
// in store.
func New(gw *gateway.Gateway, store *session.Store, opts ...Option) *Machine {
	m := &Machine{
		gw:    gw,
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return m
}

// State reports the current authentication state.
func (m *Machine) State() session.State {
	return m.store.State()
}

// Challenge returns the pending second-factor challenge, if any.
func (m *Machine) Challenge() (Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.challenge == nil {
		return Challenge{}, false
	}
	return Challenge{Email: m.challenge.user.Email, IssuedAt: m.challenge.issuedAt}, true
}

// begin marks a transition as running. It fails if one already is.
func (m *Machine) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return ErrTransitionInProgress
	}
	m.busy = true
	return nil
}

func (m *Machine) end() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
}

type loginResponse struct {
	Status      string             `json:"status"`
	Message     string             `json:"message"`
	User        session.User       `json:"user"`
	Tokens      *session.TokenPair `json:"tokens"`
	RequiresMFA bool               `json:"requires_mfa"`
}

// Login signs in with cred. Any existing session is discarded first. When
// the account has a second factor the machine moves to MFARequired and
// the store stays empty until VerifyMFA succeeds.
func (m *Machine) Login(ctx context.Context, cred Credential) (session.State, error) {
	email := util.NormalizeIdentifier(cred.Email)
	if email == "" {
		return m.State(), &apierr.ValidationError{Field: "email", Message: "is required"}
	}
	if cred.Password == "" {
		return m.State(), &apierr.ValidationError{Field: "password", Message: "is required"}
	}
	if err := m.begin(); err != nil {
		return m.State(), err
	}
	defer m.end()

	m.mu.Lock()
	m.challenge = nil
	gen := m.signOuts
	m.mu.Unlock()
	if err := m.store.Clear(); err != nil {
		m.logger.Warn("clearing previous session", slog.String("error", err.Error()))
	}
	m.store.SetState(session.Authenticating)

	req, err := gateway.NewJSONRequest(http.MethodPost, loginPath, map[string]string{
		"email":    email,
		"password": cred.Password,
	})
	if err != nil {
		m.store.SetState(session.Unauthenticated)
		return session.Unauthenticated, err
	}
	req.Anonymous = true

	var body loginResponse
	if _, err := m.gw.Do(ctx, req, &body); err != nil {
		m.store.SetState(session.Unauthenticated)
		m.logger.Info("login failed", slog.String("error", err.Error()))
		return session.Unauthenticated, err
	}
	if body.Tokens == nil || body.Tokens.Access == "" || body.Tokens.Refresh == "" {
		m.store.SetState(session.Unauthenticated)
		return session.Unauthenticated, fmt.Errorf("login response carried no tokens")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signOuts != gen {
		m.store.SetState(session.Unauthenticated)
		m.logger.Info("login discarded after sign-out", slog.Int64("user_id", body.User.ID))
		return session.Unauthenticated, ErrSignedOut
	}

	if body.RequiresMFA {
		m.challenge = &challenge{user: body.User, tokens: *body.Tokens, issuedAt: m.now()}
		m.store.SetState(session.MFARequired)
		m.logger.Info("second factor required", slog.Int64("user_id", body.User.ID))
		return session.MFARequired, nil
	}

	if err := m.store.Set(*body.Tokens, body.User); err != nil {
		m.store.SetState(session.Unauthenticated)
		return session.Unauthenticated, fmt.Errorf("storing session: %w", err)
	}
	m.gw.Reset()
	m.logger.Info("signed in", slog.Int64("user_id", body.User.ID))
	return session.Authenticated, nil
}

// VerifyMFA completes a pending challenge with a six-digit code. A code
// that is not six digits is rejected without contacting the server. A
// rejected code leaves the machine in MFARequired so the caller can try
// again.
func (m *Machine) VerifyMFA(ctx context.Context, code string) (session.State, error) {
	code, err := checkCode(code)
	if err != nil {
		return m.State(), err
	}
	if err := m.begin(); err != nil {
		return m.State(), err
	}
	defer m.end()

	m.mu.Lock()
	ch := m.challenge
	m.mu.Unlock()
	if ch == nil || m.store.State() != session.MFARequired {
		return m.State(), ErrNoChallenge
	}
	m.store.SetState(session.MFAVerifying)

	req, err := gateway.NewJSONRequest(http.MethodPost, mfaVerifyPath, map[string]string{"code": code})
	if err != nil {
		m.store.SetState(session.MFARequired)
		return session.MFARequired, err
	}
	// The server requires an authenticated caller; present the provisional
	// token without involving the store.
	req.Bearer = ch.tokens.Access

	_, err = m.gw.Do(ctx, req, nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.challenge != ch {
		// Cancelled while the request was in flight.
		return m.store.State(), ErrNoChallenge
	}
	if err != nil {
		var auth *apierr.AuthError
		if errors.As(err, &auth) {
			// The provisional token is no longer accepted; start over.
			m.challenge = nil
			m.store.SetState(session.Unauthenticated)
			return session.Unauthenticated, &apierr.AuthError{
				Kind:    apierr.AuthRequired,
				Message: "second-factor challenge expired; sign in again",
				Err:     err,
			}
		}
		m.store.SetState(session.MFARequired)
		var server *apierr.ServerError
		if errors.As(err, &server) && server.StatusCode == http.StatusBadRequest {
			return session.MFARequired, &apierr.AuthError{Kind: apierr.MFAFailed, Message: server.Message, Err: err}
		}
		return session.MFARequired, err
	}

	if err := m.store.Set(ch.tokens, ch.user); err != nil {
		m.store.SetState(session.MFARequired)
		return session.MFARequired, fmt.Errorf("storing session: %w", err)
	}
	m.challenge = nil
	m.gw.Reset()
	m.logger.Info("second factor verified", slog.Int64("user_id", ch.user.ID))
	return session.Authenticated, nil
}

// CancelMFA discards a pending challenge and returns to Unauthenticated.
func (m *Machine) CancelMFA() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.challenge == nil {
		return
	}
	m.challenge = nil
	if st := m.store.State(); st == session.MFARequired || st == session.MFAVerifying {
		m.store.SetState(session.Unauthenticated)
	}
}

// Logout revokes the refresh token on the server and clears the session.
// The server call is best effort: its failure is logged, and the local
// session is cleared regardless. Only a failure to clear local state is
// returned. A Login or VerifyMFA still in flight will not store a session.
func (m *Machine) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.challenge = nil
	m.signOuts++
	m.mu.Unlock()

	if pair, ok := m.store.Tokens(); ok {
		req, err := gateway.NewJSONRequest(http.MethodPost, logoutPath, map[string]string{"refresh_token": pair.Refresh})
		if err == nil {
			_, err = m.gw.Do(ctx, req, nil)
		}
		if err != nil {
			m.logger.Warn("server logout failed", slog.String("error", err.Error()))
		}
	}

	if err := m.store.Clear(); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	m.logger.Info("signed out")
	return nil
}

// Registration is a new account request.
type Registration struct {
	Email           string `json:"email"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	FullName        string `json:"full_name"`
	PhoneNumber     string `json:"phone_number,omitempty"`
}

func (r Registration) validate() error {
	switch {
	case r.Email == "":
		return &apierr.ValidationError{Field: "email", Message: "is required"}
	case r.Username == "":
		return &apierr.ValidationError{Field: "username", Message: "is required"}
	case r.FullName == "":
		return &apierr.ValidationError{Field: "full_name", Message: "is required"}
	case r.Password == "":
		return &apierr.ValidationError{Field: "password", Message: "is required"}
	case r.Password != r.ConfirmPassword:
		return &apierr.ValidationError{Field: "confirm_password", Message: "passwords do not match"}
	}
	return nil
}

// Register creates an account. It does not sign in. Field errors reported
// by the server are returned as an *apierr.ServerError keyed by field.
func (m *Machine) Register(ctx context.Context, reg Registration) (*session.User, error) {
	reg.Email = util.NormalizeIdentifier(reg.Email)
	reg.Username = util.NormalizeIdentifier(reg.Username)
	if err := reg.validate(); err != nil {
		return nil, err
	}

	req, err := gateway.NewJSONRequest(http.MethodPost, registerPath, reg)
	if err != nil {
		return nil, err
	}
	req.Anonymous = true

	var body struct {
		User session.User `json:"user"`
	}
	if _, err := m.gw.Do(ctx, req, &body); err != nil {
		return nil, err
	}
	return &body.User, nil
}
