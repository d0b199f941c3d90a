package fakeapi

import (
	"encoding/base64"
	"net/http"
	"strings"
)

type codeRequest struct {
	Code *string `json:"code"`
}

// setupMFA begins enrollment when no code is sent and confirms it when one
// is. The qr_code field carries the base64 provisioning URL rather than a
// rendered image.
func (s *Server) setupMFA(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[codeRequest](w, r)
	if !ok {
		return
	}

	if req.Code != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		acct := s.currentUser(r)
		if acct.pendingSecret == "" {
			writeStatus(w, http.StatusBadRequest, "Setup process not initiated")
			return
		}
		if !verifyTOTPCode(acct.pendingSecret, strings.TrimSpace(*req.Code), s.now()) {
			writeStatus(w, http.StatusBadRequest, "Invalid code")
			return
		}
		acct.totpSecret = acct.pendingSecret
		acct.pendingSecret = ""
		acct.MFAEnabled = true
		writeStatus(w, http.StatusOK, "MFA enabled successfully")
		return
	}

	secret, err := generateTOTPSecret()
	if err != nil {
		writeStatus(w, http.StatusInternalServerError, "Failed to generate QR code")
		return
	}
	s.mu.Lock()
	acct := s.currentUser(r)
	acct.pendingSecret = secret
	provisioning := otpAuthURL(secret, acct.Email)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"qr_code":    base64.StdEncoding.EncodeToString([]byte(provisioning)),
		"secret_key": provisioning,
	})
}

func (s *Server) verifyMFA(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[codeRequest](w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.currentUser(r)
	if !acct.MFAEnabled {
		writeStatus(w, http.StatusBadRequest, "MFA is not enabled")
		return
	}
	if req.Code == nil || *req.Code == "" {
		writeStatus(w, http.StatusBadRequest, "Code is required")
		return
	}
	if !verifyTOTPCode(acct.totpSecret, *req.Code, s.now()) {
		writeStatus(w, http.StatusBadRequest, "Invalid code")
		return
	}
	writeStatus(w, http.StatusOK, "MFA verified successfully")
}

func (s *Server) disableMFA(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.currentUser(r)
	if !acct.MFAEnabled {
		writeStatus(w, http.StatusBadRequest, "MFA is not enabled")
		return
	}
	acct.MFAEnabled = false
	acct.totpSecret = ""
	acct.pendingSecret = ""
	writeStatus(w, http.StatusOK, "MFA disabled successfully")
}

func (s *Server) mfaStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	acct := s.currentUser(r)
	enabled := acct.MFAEnabled
	s.mu.Unlock()

	devices := 0
	if enabled {
		devices = 1
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"mfa_enabled":   enabled,
		"devices_count": devices,
	})
}
