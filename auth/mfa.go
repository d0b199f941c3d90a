package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jmcleod/strongbox/apierr"
	"github.com/jmcleod/strongbox/gateway"
	"github.com/jmcleod/strongbox/internal/util"
)

const (
	mfaSetupPath   = "/api/mfa/setup/"
	mfaVerifyPath  = "/api/mfa/verify/"
	mfaDisablePath = "/api/mfa/disable/"
	mfaStatusPath  = "/api/mfa/status/"
)

// Enrollment is the server's answer to a request to add a second factor.
type Enrollment struct {
	// QRCode is the base64 encoded provisioning image.
	QRCode string `json:"qr_code"`
	// SecretKey is the otpauth:// provisioning URL.
	SecretKey string `json:"secret_key"`
}

// QRCodeImage decodes QRCode.
func (e *Enrollment) QRCodeImage() ([]byte, error) {
	return util.Base64Decode(e.QRCode)
}

// MFAStatus reports second-factor enrollment for the signed-in user.
type MFAStatus struct {
	Enabled      bool `json:"mfa_enabled"`
	DevicesCount int  `json:"devices_count"`
}

func (m *Machine) requireSession() error {
	if _, ok := m.store.Tokens(); !ok {
		return &apierr.AuthError{Kind: apierr.AuthRequired, Message: "not signed in"}
	}
	return nil
}

// post sends an authenticated JSON POST to path and decodes the reply into
// out. A 400 is reported as a rejected second factor.
func (m *Machine) post(ctx context.Context, path string, body, out any) error {
	if err := m.requireSession(); err != nil {
		return err
	}
	req, err := gateway.NewJSONRequest(http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if _, err := m.gw.Do(ctx, req, out); err != nil {
		var server *apierr.ServerError
		if errors.As(err, &server) && server.StatusCode == http.StatusBadRequest {
			return &apierr.AuthError{Kind: apierr.MFAFailed, Message: server.Message, Err: err}
		}
		return err
	}
	return nil
}

// BeginEnrollment starts adding a second factor. The returned secret must
// be confirmed with ConfirmEnrollment before it takes effect.
func (m *Machine) BeginEnrollment(ctx context.Context) (*Enrollment, error) {
	var out struct {
		Enrollment
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := m.post(ctx, mfaSetupPath, nil, &out); err != nil {
		return nil, fmt.Errorf("beginning enrollment: %w", err)
	}
	if out.SecretKey == "" {
		return nil, fmt.Errorf("beginning enrollment: response carried no secret")
	}
	return &out.Enrollment, nil
}

// ConfirmEnrollment activates the second factor started by
// BeginEnrollment using a code from the authenticator.
func (m *Machine) ConfirmEnrollment(ctx context.Context, code string) error {
	code, err := checkCode(code)
	if err != nil {
		return err
	}
	if err := m.post(ctx, mfaSetupPath, map[string]string{"code": code}, nil); err != nil {
		return fmt.Errorf("confirming enrollment: %w", err)
	}
	m.logger.Info("second factor enrolled")
	return nil
}

// DisableMFA removes the second factor from the account.
func (m *Machine) DisableMFA(ctx context.Context) error {
	if err := m.post(ctx, mfaDisablePath, nil, nil); err != nil {
		return fmt.Errorf("disabling second factor: %w", err)
	}
	m.logger.Info("second factor disabled")
	return nil
}

// MFAStatus queries second-factor enrollment.
func (m *Machine) MFAStatus(ctx context.Context) (*MFAStatus, error) {
	if err := m.requireSession(); err != nil {
		return nil, err
	}
	var out MFAStatus
	if _, err := m.gw.Do(ctx, &gateway.Request{Method: http.MethodGet, Path: mfaStatusPath}, &out); err != nil {
		return nil, fmt.Errorf("querying second factor status: %w", err)
	}
	return &out, nil
}
