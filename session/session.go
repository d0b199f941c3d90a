// Package session holds the process-wide authenticated session: the
// current token pair, the signed-in user and the authentication state.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
)

var (
	// ErrNoSession is returned by UpdateTokens when nothing is signed in.
	ErrNoSession = errors.New("no active session")
	// ErrInvalidTokens is returned when a token pair is missing a half.
	ErrInvalidTokens = errors.New("token pair requires both access and refresh tokens")
)

// State is the authentication state of the client.
type State int

const (
	Unauthenticated State = iota
	Authenticating
	MFARequired
	MFAVerifying
	Authenticated
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case MFARequired:
		return "mfa_required"
	case MFAVerifying:
		return "mfa_verifying"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TokenPair is an access/refresh bearer pair. Both halves are opaque.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func (p TokenPair) valid() bool {
	return p.Access != "" && p.Refresh != ""
}

// User is the identity record returned by the login endpoint.
type User struct {
	ID          int64  `json:"user_id"`
	Email       string `json:"email"`
	Username    string `json:"username,omitempty"`
	FullName    string `json:"full_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Session is a snapshot of the store.
type Session struct {
	User   User
	Tokens TokenPair
	State  State
}

// Store is the single holder of session state for a client process. The
// token pair is sealed as one unit in a memguard Enclave and replaced
// wholesale, so readers observe either the old pair or the new one.
type Store struct {
	mu      sync.RWMutex
	tokens  *memguard.Enclave
	user    *User
	state   State
	persist *persister
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for persistence warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates an in-memory Store. Sessions are lost when the process exits.
func New(opts ...Option) *Store {
	s := &Store{state: Unauthenticated}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s
}

// Set replaces the session with a freshly authenticated one.
func (s *Store) Set(pair TokenPair, user User) error {
	if !pair.valid() {
		return ErrInvalidTokens
	}
	enclave, err := sealPair(pair)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persist != nil {
		if err := s.persist.save(pair, &user); err != nil {
			return fmt.Errorf("persisting session: %w", err)
		}
	}
	s.tokens = enclave
	u := user
	s.user = &u
	s.state = Authenticated
	return nil
}

// Get returns the current session, or false when no tokens are held.
func (s *Store) Get() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens == nil {
		return Session{State: s.state}, false
	}
	pair, err := openPair(s.tokens)
	if err != nil {
		s.logger.Warn("session: unable to open token enclave", "error", err)
		return Session{State: s.state}, false
	}
	sess := Session{Tokens: pair, State: s.state}
	if s.user != nil {
		sess.User = *s.user
	}
	return sess, true
}

// Tokens returns the current token pair.
func (s *Store) Tokens() (TokenPair, bool) {
	sess, ok := s.Get()
	return sess.Tokens, ok
}

// UpdateTokens atomically swaps the token pair of the current session,
// discarding the previous pair.
func (s *Store) UpdateTokens(pair TokenPair) error {
	if !pair.valid() {
		return ErrInvalidTokens
	}
	enclave, err := sealPair(pair)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens == nil {
		return ErrNoSession
	}
	if s.persist != nil {
		if err := s.persist.save(pair, nil); err != nil {
			return fmt.Errorf("persisting tokens: %w", err)
		}
	}
	s.tokens = enclave
	return nil
}

// Clear removes every trace of the session, including the cached user and
// any persisted copy. It is safe to call with no session. The in-memory
// state is always cleared; a persistence failure is reported afterwards.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = nil
	s.user = nil
	s.state = Unauthenticated
	if s.persist != nil {
		if err := s.persist.clear(); err != nil {
			return fmt.Errorf("clearing persisted session: %w", err)
		}
	}
	return nil
}

// State reports the authentication state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState records an authentication state transition. Authenticated
// cannot be entered without tokens; use Set for that.
func (s *Store) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == Authenticated && s.tokens == nil {
		return
	}
	s.state = state
}

// Close wipes key material held for persistence and detaches the store
// from its repository. In-memory state is kept.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persist != nil {
		s.persist.close()
		s.persist = nil
	}
}

func sealPair(pair TokenPair) (*memguard.Enclave, error) {
	data, err := json.Marshal(pair)
	if err != nil {
		return nil, fmt.Errorf("encoding token pair: %w", err)
	}
	// NewEnclave wipes data.
	return memguard.NewEnclave(data), nil
}

func openPair(enclave *memguard.Enclave) (TokenPair, error) {
	buf, err := enclave.Open()
	if err != nil {
		return TokenPair{}, err
	}
	defer buf.Destroy()
	var pair TokenPair
	if err := json.Unmarshal(buf.Bytes(), &pair); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}
