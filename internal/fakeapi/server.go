// Package fakeapi is an in-process stand-in for the Strongbox REST API.
// It implements the authentication, second-factor and file endpoints
// with the same request and response shapes as the real server, and
// exposes controls that let tests expire tokens, count refresh calls and
// inject failures. `strongbox dev-server` serves it for local trials.
package fakeapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// MaxFileSize is the largest upload the server accepts.
	MaxFileSize    = 100 << 20
	maxJSONBody    = 1 << 20
	multipartInRAM = 32 << 20
)

// AllowedExtensions are the file types the server accepts.
var AllowedExtensions = []string{".pdf", ".doc", ".docx", ".txt", ".jpg", ".png"}

var (
	// ErrUserExists is returned by AddUser for a duplicate email.
	ErrUserExists = errors.New("user already exists")
	// ErrUnknownUser is returned by controls that name a missing user.
	ErrUnknownUser = errors.New("unknown user")
)

type account struct {
	ID            int64
	Email         string
	Username      string
	FullName      string
	PhoneNumber   string
	passwordHash  []byte
	MFAEnabled    bool
	totpSecret    string
	pendingSecret string
}

type accessToken struct {
	userID  int64
	expired bool
}

type refreshToken struct {
	userID  int64
	revoked bool
}

type share struct {
	userID      int64
	sharedBy    int64
	createdAt   time.Time
	expiresAt   string
	accessCount int
}

type storedFile struct {
	ID        string
	Name      string
	OwnerID   int64
	Data      []byte
	Salt      []byte
	Nonce     []byte
	Hash      string
	CreatedAt time.Time
	UpdatedAt time.Time
	shares    []*share
}

// Server holds the fake API's state. It is safe for concurrent use.
type Server struct {
	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger

	nextUserID int64
	users      map[string]*account
	usersByID  map[int64]*account
	access     map[string]*accessToken
	refresh    map[string]*refreshToken
	files      map[string]*storedFile
	fileOrder  []string
	throttle   *loginThrottle

	hits           map[string]int
	refreshCalls   int
	refreshDelay   time.Duration
	refreshFailure int
	staleRefresh   bool
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the time source used for TOTP checks and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates an empty Server.
func New(opts ...Option) *Server {
	s := &Server{
		now:       time.Now,
		users:     make(map[string]*account),
		usersByID: make(map[int64]*account),
		access:    make(map[string]*accessToken),
		refresh:   make(map[string]*refreshToken),
		files:     make(map[string]*storedFile),
		hits:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s.throttle = newLoginThrottle(s.now)
	return s
}

// Router returns the chi router serving every endpoint.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.countHits)

	r.Post("/api/auth/register/", s.register)
	r.Post("/api/auth/login/", s.login)
	r.Post("/api/auth/token/refresh/", s.refreshTokens)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/api/auth/logout/", s.logout)

		r.Post("/api/mfa/setup/", s.setupMFA)
		r.Post("/api/mfa/verify/", s.verifyMFA)
		r.Post("/api/mfa/disable/", s.disableMFA)
		r.Get("/api/mfa/status/", s.mfaStatus)

		r.Get("/api/files/files/", s.listFiles)
		r.Post("/api/files/files/upload/", s.uploadFile)
		r.Get("/api/files/files/{fileID}/", s.getFile)
		r.Delete("/api/files/files/{fileID}/", s.deleteFile)
		r.Get("/api/files/files/{fileID}/download/", s.downloadFile)
		r.Post("/api/files/files/share/{fileID}", s.shareFile)
	})
	return r
}

// countHits records one hit per matched route pattern.
func (s *Server) countHits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		s.mu.Lock()
		s.hits[r.Method+" "+pattern]++
		s.mu.Unlock()

		s.logger.Debug("fakeapi request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("request_id", r.Header.Get("X-Request-ID")))
	})
}

// User describes an account to seed with AddUser.
type User struct {
	Email       string
	Password    string
	Username    string
	FullName    string
	PhoneNumber string
}

// AddUser creates an account and returns its numeric ID.
func (s *Server) AddUser(u User) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.MinCost)
	if err != nil {
		return 0, fmt.Errorf("hashing password: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if _, ok := s.users[email]; ok {
		return 0, ErrUserExists
	}
	username := u.Username
	if username == "" {
		username = strings.SplitN(email, "@", 2)[0]
	}
	s.nextUserID++
	acct := &account{
		ID:           s.nextUserID,
		Email:        email,
		Username:     username,
		FullName:     u.FullName,
		PhoneNumber:  u.PhoneNumber,
		passwordHash: hash,
	}
	s.users[email] = acct
	s.usersByID[acct.ID] = acct
	return acct.ID, nil
}

// EnableMFA turns on the second factor for email and returns the TOTP
// secret an authenticator would hold.
func (s *Server) EnableMFA(email string) (string, error) {
	secret, err := generateTOTPSecret()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.users[strings.ToLower(email)]
	if !ok {
		return "", ErrUnknownUser
	}
	acct.MFAEnabled = true
	acct.totpSecret = secret
	return secret, nil
}

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.access {
		tok.expired = true
	}
}

// SetRefreshDelay makes the refresh endpoint wait d before answering.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// FailRefresh makes the refresh endpoint answer with status. Zero restores
// normal behaviour.
func (s *Server) FailRefresh(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFailure = status
}

// SetStaleRefresh makes the refresh endpoint hand out access tokens that
// are already expired.
func (s *Server) SetStaleRefresh(stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleRefresh = stale
}

// RefreshCalls reports how many times the refresh endpoint was called.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// Hits reports how many requests matched method and route pattern, for
// example Hits("POST", "/api/files/files/upload/").
func (s *Server) Hits(method, pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+pattern]
}

// RefreshTokenRevoked reports whether token has been consumed or revoked.
func (s *Server) RefreshTokenRevoked(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.refresh[token]
	return !ok || rt.revoked
}

// StoredFile returns a copy of the ciphertext stored for id together with
// the salt and nonce it was uploaded with.
func (s *Server) StoredFile(id string) (data, salt, nonce []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, nil, nil, false
	}
	return append([]byte(nil), f.Data...), append([]byte(nil), f.Salt...), append([]byte(nil), f.Nonce...), true
}

// issueTokens mints a fresh pair for userID. s.mu must be held.
func (s *Server) issueTokens(userID int64, expired bool) tokenPair {
	pair := tokenPair{
		Access:  "access-" + uuid.NewString(),
		Refresh: "refresh-" + uuid.NewString(),
	}
	s.access[pair.Access] = &accessToken{userID: userID, expired: expired}
	s.refresh[pair.Refresh] = &refreshToken{userID: userID}
	return pair
}

type tokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type userView struct {
	UserID      int64  `json:"user_id"`
	Email       string `json:"email"`
	FullName    string `json:"full_name"`
	PhoneNumber string `json:"phone_number"`
	Username    string `json:"username"`
}

func (a *account) view() userView {
	return userView{
		UserID:      a.ID,
		Email:       a.Email,
		FullName:    a.FullName,
		PhoneNumber: a.PhoneNumber,
		Username:    a.Username,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	result := "success"
	if status >= 400 {
		result = "error"
	}
	writeJSON(w, status, map[string]any{"status": result, "message": msg})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeFieldErrors(w http.ResponseWriter, errs map[string][]string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "errors": errs})
}

func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if r.Body == nil {
		return v, true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(&v); err != nil && !errors.Is(err, io.EOF) {
		writeDetail(w, http.StatusBadRequest, "JSON parse error - "+err.Error())
		return v, false
	}
	return v, true
}
