package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/strongbox/apierr"
	"github.com/jmcleod/strongbox/gateway"
	"github.com/jmcleod/strongbox/internal/fakeapi"
	"github.com/jmcleod/strongbox/session"
)

const (
	testEmail    = "a@b.com"
	testPassword = "x"
)

type harness struct {
	api   *fakeapi.Server
	srv   *httptest.Server
	store *session.Store
	gw    *gateway.Gateway
	m     *Machine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api := fakeapi.New()
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	store := session.New()
	gw, err := gateway.New(srv.URL, store, gateway.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = api.AddUser(fakeapi.User{Email: testEmail, Password: testPassword, FullName: "A B"})
	require.NoError(t, err)
	return &harness{api: api, srv: srv, store: store, gw: gw, m: New(gw, store)}
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	state, err := h.m.Login(context.Background(), Credential{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	require.Equal(t, session.Authenticated, state)
}

// wrongCode returns a six-digit code that differs from the current one.
func wrongCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := fakeapi.TOTPCode(secret, time.Now())
	require.NoError(t, err)
	b := []byte(code)
	b[5] = '0' + (b[5]-'0'+5)%10
	return string(b)
}

func TestLogin_WithoutMFA(t *testing.T) {
	h := newHarness(t)

	state, err := h.m.Login(context.Background(), Credential{Email: "  " + testEmail + " ", Password: testPassword})
	require.NoError(t, err)
	assert.Equal(t, session.Authenticated, state)
	assert.Equal(t, session.Authenticated, h.m.State())

	sess, ok := h.store.Get()
	require.True(t, ok)
	assert.NotEmpty(t, sess.Tokens.Access)
	assert.NotEmpty(t, sess.Tokens.Refresh)
	assert.Equal(t, testEmail, sess.User.Email)
	assert.Equal(t, "A B", sess.User.FullName)

	_, pending := h.m.Challenge()
	assert.False(t, pending)
}

func TestLogin_ExpiredTokenRefreshesTransparently(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.api.ExpireAccessTokens()

	status, err := h.m.MFAStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Enabled)
	assert.Equal(t, 1, h.api.RefreshCalls())
}

func TestLogin_InvalidCredentials(t *testing.T) {
	h := newHarness(t)

	state, err := h.m.Login(context.Background(), Credential{Email: testEmail, Password: "wrong"})
	require.Error(t, err)
	assert.Equal(t, session.Unauthenticated, state)
	assert.Equal(t, session.Unauthenticated, h.m.State())

	var se *apierr.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []string{"Invalid email or password"}, se.Fields["non_field_errors"])
	assert.Equal(t, apierr.FixInput, apierr.Classify(err))

	_, ok := h.store.Get()
	assert.False(t, ok)
}

func TestLogin_LocalValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.m.Login(context.Background(), Credential{Email: " ", Password: testPassword})
	var ve *apierr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "email", ve.Field)

	_, err = h.m.Login(context.Background(), Credential{Email: testEmail})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "password", ve.Field)

	assert.Zero(t, h.api.Hits(http.MethodPost, loginPath))
}

func TestLogin_RejectsOverlappingTransition(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.begin())

	_, err := h.m.Login(context.Background(), Credential{Email: testEmail, Password: testPassword})
	assert.ErrorIs(t, err, ErrTransitionInProgress)
	assert.Zero(t, h.api.Hits(http.MethodPost, loginPath))

	h.m.end()
	h.login(t)
}

func TestLogin_ReplacesExistingSession(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	first, _ := h.store.Tokens()

	h.login(t)
	second, ok := h.store.Tokens()
	require.True(t, ok)
	assert.NotEqual(t, first.Access, second.Access)
}

func TestLogin_ResetsTerminatedGateway(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.api.FailRefresh(http.StatusUnauthorized)
	h.api.ExpireAccessTokens()

	_, err := h.m.MFAStatus(context.Background())
	require.ErrorIs(t, err, apierr.ErrRefreshFailed)
	require.True(t, h.gw.Terminated())
	assert.Equal(t, session.Unauthenticated, h.m.State())

	h.api.FailRefresh(0)
	h.login(t)
	assert.False(t, h.gw.Terminated())

	_, err = h.m.MFAStatus(context.Background())
	assert.NoError(t, err)
}

func TestMFAGate(t *testing.T) {
	h := newHarness(t)
	secret, err := h.api.EnableMFA(testEmail)
	require.NoError(t, err)
	ctx := context.Background()

	state, err := h.m.Login(ctx, Credential{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	assert.Equal(t, session.MFARequired, state)
	_, ok := h.store.Get()
	assert.False(t, ok, "tokens must not be stored before the second factor")

	ch, pending := h.m.Challenge()
	require.True(t, pending)
	assert.Equal(t, testEmail, ch.Email)

	// Malformed codes never reach the server.
	for _, bad := range []string{"12345", "1234567", "12a456", ""} {
		state, err = h.m.VerifyMFA(ctx, bad)
		var ve *apierr.ValidationError
		require.ErrorAs(t, err, &ve, bad)
		assert.Equal(t, session.MFARequired, state)
	}
	assert.Zero(t, h.api.Hits(http.MethodPost, mfaVerifyPath))

	state, err = h.m.VerifyMFA(ctx, wrongCode(t, secret))
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrMFAFailed)
	assert.Contains(t, err.Error(), "Invalid code")
	assert.Equal(t, session.MFARequired, state)
	assert.Equal(t, session.MFARequired, h.m.State())
	_, ok = h.store.Get()
	assert.False(t, ok)

	code, err := fakeapi.TOTPCode(secret, time.Now())
	require.NoError(t, err)
	state, err = h.m.VerifyMFA(ctx, code[:3]+" "+code[3:])
	require.NoError(t, err)
	assert.Equal(t, session.Authenticated, state)

	sess, ok := h.store.Get()
	require.True(t, ok)
	assert.NotEmpty(t, sess.Tokens.Access)
	assert.Equal(t, testEmail, sess.User.Email)
	_, pending = h.m.Challenge()
	assert.False(t, pending)
}

func TestCancelMFA(t *testing.T) {
	h := newHarness(t)
	secret, err := h.api.EnableMFA(testEmail)
	require.NoError(t, err)
	ctx := context.Background()

	state, err := h.m.Login(ctx, Credential{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	require.Equal(t, session.MFARequired, state)

	h.m.CancelMFA()
	assert.Equal(t, session.Unauthenticated, h.m.State())
	_, pending := h.m.Challenge()
	assert.False(t, pending)

	code, err := fakeapi.TOTPCode(secret, time.Now())
	require.NoError(t, err)
	_, err = h.m.VerifyMFA(ctx, code)
	assert.ErrorIs(t, err, ErrNoChallenge)
	_, ok := h.store.Get()
	assert.False(t, ok)
}

func TestVerifyMFA_WithoutLogin(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.VerifyMFA(context.Background(), "123456")
	assert.ErrorIs(t, err, ErrNoChallenge)
	assert.Zero(t, h.api.Hits(http.MethodPost, mfaVerifyPath))
}

func TestVerifyMFA_ExpiredChallenge(t *testing.T) {
	h := newHarness(t)
	secret, err := h.api.EnableMFA(testEmail)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.m.Login(ctx, Credential{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	h.api.ExpireAccessTokens()

	code, err := fakeapi.TOTPCode(secret, time.Now())
	require.NoError(t, err)
	state, err := h.m.VerifyMFA(ctx, code)
	assert.ErrorIs(t, err, apierr.ErrAuthRequired)
	assert.Equal(t, session.Unauthenticated, state)
	assert.Zero(t, h.api.RefreshCalls())
	_, pending := h.m.Challenge()
	assert.False(t, pending)
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	pair, _ := h.store.Tokens()

	require.NoError(t, h.m.Logout(context.Background()))
	assert.Equal(t, session.Unauthenticated, h.m.State())
	_, ok := h.store.Get()
	assert.False(t, ok)
	assert.True(t, h.api.RefreshTokenRevoked(pair.Refresh))
	assert.Equal(t, 1, h.api.Hits(http.MethodPost, logoutPath))
}

func TestLogout_ClearsEvenWhenServerFails(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.srv.Close()

	require.NoError(t, h.m.Logout(context.Background()))
	_, ok := h.store.Get()
	assert.False(t, ok)
	assert.Equal(t, session.Unauthenticated, h.m.State())
}

func TestLogout_WithoutSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Logout(context.Background()))
	assert.Zero(t, h.api.Hits(http.MethodPost, logoutPath))
}

func TestEnrollment(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	ctx := context.Background()

	status, err := h.m.MFAStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.Enabled)

	err = h.m.ConfirmEnrollment(ctx, "123456")
	assert.ErrorIs(t, err, apierr.ErrMFAFailed, "confirming before beginning")

	enrollment, err := h.m.BeginEnrollment(ctx)
	require.NoError(t, err)
	assert.Contains(t, enrollment.SecretKey, "otpauth://totp/")
	img, err := enrollment.QRCodeImage()
	require.NoError(t, err)
	assert.NotEmpty(t, img)

	secret, err := fakeapi.SecretFromURL(enrollment.SecretKey)
	require.NoError(t, err)

	err = h.m.ConfirmEnrollment(ctx, wrongCode(t, secret))
	assert.ErrorIs(t, err, apierr.ErrMFAFailed)

	code, err := fakeapi.TOTPCode(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, h.m.ConfirmEnrollment(ctx, code))

	status, err = h.m.MFAStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.Equal(t, 1, status.DevicesCount)

	require.NoError(t, h.m.DisableMFA(ctx))
	status, err = h.m.MFAStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.Enabled)

	assert.ErrorIs(t, h.m.DisableMFA(ctx), apierr.ErrMFAFailed)
}

func TestEnrollment_RequiresSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.BeginEnrollment(ctx)
	assert.ErrorIs(t, err, apierr.ErrAuthRequired)
	_, err = h.m.MFAStatus(ctx)
	assert.ErrorIs(t, err, apierr.ErrAuthRequired)

	var ve *apierr.ValidationError
	assert.ErrorAs(t, h.m.ConfirmEnrollment(ctx, "abc"), &ve)
	assert.Zero(t, h.api.Hits(http.MethodPost, mfaSetupPath))
}

func TestRegister(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg := Registration{
		Email:           "new@b.com",
		Username:        "newuser",
		Password:        "secret",
		ConfirmPassword: "secret",
		FullName:        "New User",
	}

	user, err := h.m.Register(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, "new@b.com", user.Email)
	assert.NotZero(t, user.ID)
	assert.Equal(t, session.Unauthenticated, h.m.State())

	_, err = h.m.Register(ctx, reg)
	var se *apierr.ServerError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.IsValidation())
	assert.Equal(t, []string{"This email is already registered."}, se.Fields["email"])
	assert.Equal(t, []string{"This username is already taken."}, se.Fields["username"])

	reg.ConfirmPassword = "other"
	_, err = h.m.Register(ctx, reg)
	var ve *apierr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "confirm_password", ve.Field)
	assert.Equal(t, 2, h.api.Hits(http.MethodPost, registerPath))
}

func TestCheckCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"123456", "123456", true},
		{" 123 456 ", "123456", true},
		{"000000", "000000", true},
		{"12345", "", false},
		{"1234567", "", false},
		{"12345a", "", false},
		{"１２３４５６", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		got, err := checkCode(tc.in)
		if tc.ok {
			assert.NoError(t, err, tc.in)
			assert.Equal(t, tc.want, got)
		} else {
			assert.Error(t, err, tc.in)
		}
	}
}

// newGatedHarness holds every login request until release is closed.
func newGatedHarness(t *testing.T) (h *harness, entered <-chan struct{}, release chan struct{}) {
	t.Helper()
	api := fakeapi.New()
	router := api.Router()
	in := make(chan struct{}, 1)
	release = make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == loginPath {
			in <- struct{}{}
			<-release
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	store := session.New()
	gw, err := gateway.New(srv.URL, store, gateway.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	_, err = api.AddUser(fakeapi.User{Email: testEmail, Password: testPassword, FullName: "A B"})
	require.NoError(t, err)
	return &harness{api: api, srv: srv, store: store, gw: gw, m: New(gw, store)}, in, release
}

func TestLogout_DuringLoginWins(t *testing.T) {
	tests := []struct {
		name string
		mfa  bool
	}{
		{"direct sign-in", false},
		{"second factor pending", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, entered, release := newGatedHarness(t)
			if tt.mfa {
				_, err := h.api.EnableMFA(testEmail)
				require.NoError(t, err)
			}

			type result struct {
				state session.State
				err   error
			}
			done := make(chan result, 1)
			go func() {
				state, err := h.m.Login(context.Background(), Credential{Email: testEmail, Password: testPassword})
				done <- result{state, err}
			}()
			<-entered

			require.NoError(t, h.m.Logout(context.Background()))
			close(release)

			res := <-done
			require.ErrorIs(t, res.err, ErrSignedOut)
			assert.Equal(t, session.Unauthenticated, res.state)
			assert.Equal(t, session.Unauthenticated, h.m.State())
			_, ok := h.store.Get()
			assert.False(t, ok)
			_, pending := h.m.Challenge()
			assert.False(t, pending)

			// A later sign-in is unaffected.
			if !tt.mfa {
				h.login(t)
			}
		})
	}
}
