package fakeapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const userKey contextKey = iota

// tokenNotValid mirrors the body the real server sends for an expired or
// unknown bearer token.
var tokenNotValid = map[string]any{
	"detail": "Given token not valid for any token type",
	"code":   "token_not_valid",
	"messages": []map[string]string{{
		"token_class": "AccessToken",
		"token_type":  "access",
		"message":     "Token is invalid or expired",
	}},
}

// authenticate resolves the bearer token to an account.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
			return
		}

		s.mu.Lock()
		tok, found := s.access[token]
		var acct *account
		if found && !tok.expired {
			acct = s.usersByID[tok.userID]
		}
		s.mu.Unlock()

		if acct == nil {
			writeJSON(w, http.StatusUnauthorized, tokenNotValid)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, acct.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// currentUser returns the caller's account. s.mu must be held.
func (s *Server) currentUser(r *http.Request) *account {
	id, _ := r.Context().Value(userKey).(int64)
	return s.usersByID[id]
}

type registerRequest struct {
	Email           string `json:"email"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	FullName        string `json:"full_name"`
	PhoneNumber     string `json:"phone_number"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[registerRequest](w, r)
	if !ok {
		return
	}

	errs := map[string][]string{}
	required := map[string]string{
		"email":            req.Email,
		"username":         req.Username,
		"password":         req.Password,
		"confirm_password": req.ConfirmPassword,
		"full_name":        req.FullName,
	}
	for field, value := range required {
		if strings.TrimSpace(value) == "" {
			errs[field] = []string{"This field is required."}
		}
	}
	if len(errs) > 0 {
		writeFieldErrors(w, errs)
		return
	}
	if req.Password != req.ConfirmPassword {
		writeFieldErrors(w, map[string][]string{"password": {"Passwords do not match."}})
		return
	}

	s.mu.Lock()
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, taken := s.users[email]; taken {
		errs["email"] = []string{"This email is already registered."}
	}
	for _, acct := range s.users {
		if acct.Username == req.Username {
			errs["username"] = []string{"This username is already taken."}
		}
	}
	s.mu.Unlock()
	if len(errs) > 0 {
		writeFieldErrors(w, errs)
		return
	}

	id, err := s.AddUser(User{
		Email:       email,
		Password:    req.Password,
		Username:    req.Username,
		FullName:    req.FullName,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		writeFieldErrors(w, map[string][]string{"email": {"This email is already registered."}})
		return
	}

	s.mu.Lock()
	view := s.usersByID[id].view()
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":  "success",
		"message": "User registered successfully",
		"user":    view,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[loginRequest](w, r)
	if !ok {
		return
	}
	errs := map[string][]string{}
	if req.Email == "" {
		errs["email"] = []string{"This field is required."}
	}
	if req.Password == "" {
		errs["password"] = []string{"This field is required."}
	}
	if len(errs) > 0 {
		writeFieldErrors(w, errs)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if blocked, retryAfter := s.throttle.check(email); blocked {
		writeThrottled(w, retryAfter)
		return
	}

	s.mu.Lock()
	acct, found := s.users[email]
	s.mu.Unlock()
	if !found || bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(req.Password)) != nil {
		s.throttle.recordFailure(email)
		writeFieldErrors(w, map[string][]string{"non_field_errors": {"Invalid email or password"}})
		return
	}
	s.throttle.recordSuccess(email)

	s.mu.Lock()
	pair := s.issueTokens(acct.ID, false)
	view := acct.view()
	requiresMFA := acct.MFAEnabled
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"message":      "Login successful",
		"user":         view,
		"tokens":       pair,
		"requires_mfa": requiresMFA,
	})
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

func (s *Server) refreshTokens(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[refreshRequest](w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	s.refreshCalls++
	delay := s.refreshDelay
	failure := s.refreshFailure
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if failure != 0 {
		writeJSON(w, failure, map[string]string{
			"detail": "Token is invalid or expired",
			"code":   "token_not_valid",
		})
		return
	}
	if req.Refresh == "" {
		writeFieldErrors(w, map[string][]string{"refresh": {"This field is required."}})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old, found := s.refresh[req.Refresh]
	if !found || old.revoked {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "Token is blacklisted",
			"code":   "token_not_valid",
		})
		return
	}
	old.revoked = true
	pair := s.issueTokens(old.userID, s.staleRefresh)
	writeJSON(w, http.StatusOK, map[string]any{"tokens": pair})
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[logoutRequest](w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	if rt, found := s.refresh[req.RefreshToken]; found {
		rt.revoked = true
	}
	s.mu.Unlock()
	writeStatus(w, http.StatusOK, "Successfully logged out")
}
