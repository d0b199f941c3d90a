package apierr

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/strongbox/crypto"
)

func TestFromResponse_Success(t *testing.T) {
	assert.NoError(t, FromResponse(http.StatusOK, nil))
	assert.NoError(t, FromResponse(http.StatusNoContent, []byte("ignored")))
}

func TestFromResponse_TokenInvalid(t *testing.T) {
	raw := []byte(`{"detail":"Given token not valid for any token type","code":"token_not_valid"}`)

	err := FromResponse(http.StatusUnauthorized, raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "Given token not valid")
	assert.True(t, IsTokenInvalid(http.StatusUnauthorized, raw))
}

func TestFromResponse_OtherUnauthorized(t *testing.T) {
	raw := []byte(`{"detail":"Authentication credentials were not provided."}`)

	err := FromResponse(http.StatusUnauthorized, raw)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, IsTokenInvalid(http.StatusUnauthorized, raw))
	assert.Equal(t, Reauthenticate, Classify(err))
}

func TestIsTokenInvalid_RequiresStatus401(t *testing.T) {
	raw := []byte(`{"code":"token_not_valid"}`)
	assert.False(t, IsTokenInvalid(http.StatusForbidden, raw))
	assert.False(t, IsTokenInvalid(http.StatusUnauthorized, []byte("not json")))
}

func TestFromResponse_FieldErrors(t *testing.T) {
	raw := []byte(`{"status":"error","errors":{"email":["This email is already registered."],"password":"Passwords do not match."}}`)

	err := FromResponse(http.StatusBadRequest, raw)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.IsValidation())
	assert.Equal(t, []string{"This email is already registered."}, se.Fields["email"])
	assert.Equal(t, []string{"Passwords do not match."}, se.Fields["password"])
	assert.Equal(t, FixInput, Classify(err))
	assert.Contains(t, err.Error(), "email: This email is already registered.")
}

func TestFromResponse_BareSerializerErrors(t *testing.T) {
	raw := []byte(`{"file":["File type not supported."]}`)

	err := FromResponse(http.StatusBadRequest, raw)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []string{"File type not supported."}, se.Fields["file"])
	assert.Equal(t, "validation failed", se.Message)
}

func TestFromResponse_Messages(t *testing.T) {
	tests := []struct {
		name   string
		status int
		raw    string
		want   string
	}{
		{"message", 400, `{"status":"error","message":"Invalid code"}`, "Invalid code"},
		{"detail", 404, `{"detail":"Not found."}`, "Not found."},
		{"error string", 400, `{"error":"user_id is required"}`, "user_id is required"},
		{"plain text", 502, "Bad Gateway from proxy", "Bad Gateway from proxy"},
		{"empty", 503, "", http.StatusText(503)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := FromResponse(tc.status, []byte(tc.raw))
			var se *ServerError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.status, se.StatusCode)
			assert.Equal(t, tc.want, se.Message)
			assert.False(t, se.IsValidation())
		})
	}
}

func TestAuthError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("send: %w", &AuthError{Kind: RefreshFailed, Err: io.ErrUnexpectedEOF})

	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, "refresh failed: unexpected EOF", errors.Unwrap(err).Error())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Disposition
	}{
		{"nil", nil, Fatal},
		{"local validation", &ValidationError{Field: "code", Message: "must be 6 digits"}, FixInput},
		{"network", &NetworkError{Op: "POST /api/auth/login/", Err: io.EOF}, Retry},
		{"wrapped network", fmt.Errorf("upload: %w", &NetworkError{Op: "upload", Err: io.EOF}), Retry},
		{"refresh failed", &AuthError{Kind: RefreshFailed}, Reauthenticate},
		{"auth required", ErrAuthRequired, Reauthenticate},
		{"token invalid twice", &AuthError{Kind: TokenInvalid}, Reauthenticate},
		{"mfa failed", &AuthError{Kind: MFAFailed}, FixInput},
		{"mfa required", ErrMFARequired, FixInput},
		{"server 400", &ServerError{StatusCode: 400}, FixInput},
		{"server 413", &ServerError{StatusCode: 413}, FixInput},
		{"server 429", &ServerError{StatusCode: 429}, Retry},
		{"server 500", &ServerError{StatusCode: 500}, Retry},
		{"server 403", &ServerError{StatusCode: 403}, Fatal},
		{"server 404", &ServerError{StatusCode: 404}, Fatal},
		{"integrity", &crypto.DecryptionError{Err: crypto.ErrIntegrity}, Fatal},
		{"unknown", errors.New("boom"), Fatal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestDispositionString(t *testing.T) {
	assert.Equal(t, "retry", Retry.String())
	assert.Equal(t, "reauthenticate", Reauthenticate.String())
	assert.Equal(t, "fix_input", FixInput.String())
	assert.Equal(t, "fatal", Fatal.String())
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "invalid code: must be 6 digits", (&ValidationError{Field: "code", Message: "must be 6 digits"}).Error())
	assert.Equal(t, "invalid input: empty", (&ValidationError{Message: "empty"}).Error())
	assert.Equal(t, "network error during GET /x: EOF", (&NetworkError{Op: "GET /x", Err: io.EOF}).Error())
	assert.Equal(t, "second factor rejected: Invalid code", (&AuthError{Kind: MFAFailed, Message: "Invalid code"}).Error())
}
