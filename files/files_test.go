package files

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/strongbox/apierr"
	"github.com/jmcleod/strongbox/auth"
	"github.com/jmcleod/strongbox/crypto"
	"github.com/jmcleod/strongbox/gateway"
	"github.com/jmcleod/strongbox/internal/fakeapi"
	"github.com/jmcleod/strongbox/session"
)

// fastEngine keeps the key derivation cheap; the wire format is the same.
func fastEngine() *crypto.Engine {
	return crypto.NewEngine(crypto.WithKDFParams(crypto.KDFParams{Iterations: 1000, Hash: "SHA-256", KeyLen: 32}))
}

type client struct {
	store *session.Store
	gw    *gateway.Gateway
	auth  *auth.Machine
	svc   *Service
}

func newClient(t *testing.T, srv *httptest.Server, email, password string, opts ...Option) *client {
	t.Helper()
	store := session.New()
	gw, err := gateway.New(srv.URL, store, gateway.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	m := auth.New(gw, store)
	state, err := m.Login(context.Background(), auth.Credential{Email: email, Password: password})
	require.NoError(t, err)
	require.Equal(t, session.Authenticated, state)

	opts = append([]Option{WithEngine(fastEngine())}, opts...)
	return &client{store: store, gw: gw, auth: m, svc: New(gw, opts...)}
}

func newServer(t *testing.T) (*fakeapi.Server, *httptest.Server) {
	t.Helper()
	api := fakeapi.New()
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	_, err := api.AddUser(fakeapi.User{Email: "a@b.com", Password: "x", FullName: "A B"})
	require.NoError(t, err)
	return api, srv
}

func TestUpload_ExpiredTokenSucceedsAfterOneRefresh(t *testing.T) {
	api, srv := newServer(t)
	c := newClient(t, srv, "a@b.com", "x")
	before, _ := c.store.Tokens()
	api.ExpireAccessTokens()

	content := []byte("quarterly report")
	f, err := c.svc.Upload(context.Background(), "report.pdf", bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", f.Name)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, "a@b.com", f.Owner.Email)

	assert.Equal(t, 1, api.RefreshCalls())
	assert.Equal(t, 2, api.Hits(http.MethodPost, uploadPath))
	after, _ := c.store.Tokens()
	assert.NotEqual(t, before.Access, after.Access)

	data, salt, nonce, ok := api.StoredFile(f.ID)
	require.True(t, ok)
	assert.NotContains(t, string(data), "quarterly")
	assert.Len(t, salt, crypto.SaltSize)
	assert.Len(t, nonce, crypto.NonceSize)
	assert.Equal(t, int64(len(data)), f.FileSize)

	plain, err := fastEngine().Decrypt(data, f.EncryptionSalt, f.EncryptionNonce, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, content, plain)
}

func TestUpload_LocalValidation(t *testing.T) {
	api, srv := newServer(t)
	c := newClient(t, srv, "a@b.com", "x", WithMaxSize(8))
	ctx := context.Background()

	tests := []struct {
		name  string
		file  string
		body  string
		size  int64
		field string
	}{
		{"unsupported type", "run.exe", "x", 1, "file"},
		{"no extension", "README", "x", 1, "file"},
		{"blank name", "  ", "x", 1, "name"},
		{"empty name", "", "x", 1, "name"},
		{"root only", "/", "x", 1, "name"},
		{"directory only", "docs/..", "x", 1, "name"},
		{"declared too large", "a.txt", "123456789", 9, "file"},
		{"unknown size too large", "a.txt", "123456789", -1, "file"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.svc.Upload(ctx, tc.file, strings.NewReader(tc.body), tc.size)
			var ve *apierr.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
			assert.Equal(t, apierr.FixInput, apierr.Classify(err))
		})
	}
	assert.Zero(t, api.Hits(http.MethodPost, uploadPath))

	_, err := c.svc.Upload(ctx, "UPPER.TXT", strings.NewReader("12345678"), -1)
	assert.NoError(t, err)
}

func TestUpload_ReadFailure(t *testing.T) {
	api, srv := newServer(t)
	c := newClient(t, srv, "a@b.com", "x")

	_, err := c.svc.Upload(context.Background(), "a.txt", iotest.ErrReader(iotest.ErrTimeout), -1)
	var ee *crypto.EncryptionError
	require.ErrorAs(t, err, &ee)
	assert.ErrorIs(t, err, iotest.ErrTimeout)
	assert.Zero(t, api.Hits(http.MethodPost, uploadPath))
}

func TestUpload_FreshSaltAndNonce(t *testing.T) {
	_, srv := newServer(t)
	c := newClient(t, srv, "a@b.com", "x")
	ctx := context.Background()

	a, err := c.svc.Upload(ctx, "same.txt", strings.NewReader("same"), 4)
	require.NoError(t, err)
	b, err := c.svc.Upload(ctx, "same.txt", strings.NewReader("same"), 4)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.EncryptionSalt, b.EncryptionSalt)
	assert.NotEqual(t, a.EncryptionNonce, b.EncryptionNonce)
	assert.NotEqual(t, a.FileHash, b.FileHash)
}

func TestUpload_Progress(t *testing.T) {
	_, srv := newServer(t)
	var calls [][2]int64
	c := newClient(t, srv, "a@b.com", "x", WithProgress(func(sent, total int64) {
		calls = append(calls, [2]int64{sent, total})
	}))

	content := bytes.Repeat([]byte("z"), 3*progressChunk/2)
	_, err := c.svc.Upload(context.Background(), "big.doc", bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)

	total := int64(len(content) + crypto.TagSize)
	require.Len(t, calls, 2)
	assert.Equal(t, [2]int64{progressChunk, total}, calls[0])
	assert.Equal(t, [2]int64{total, total}, calls[1])
}

func TestListDownloadDelete(t *testing.T) {
	api, srv := newServer(t)
	c := newClient(t, srv, "a@b.com", "x")
	ctx := context.Background()

	first, err := c.svc.Upload(ctx, "one.txt", strings.NewReader("first"), -1)
	require.NoError(t, err)
	second, err := c.svc.Upload(ctx, "two.png", strings.NewReader("second"), -1)
	require.NoError(t, err)

	list, err := c.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Equal(t, first.ID, list[1].ID)
	assert.False(t, list[0].CreatedAt.IsZero())

	got, err := c.svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "one.txt", got.Name)

	ciphertext, err := c.svc.Download(ctx, first.ID)
	require.NoError(t, err)
	stored, _, _, _ := api.StoredFile(first.ID)
	assert.Equal(t, stored, ciphertext)

	plain, err := c.svc.DownloadDecrypted(ctx, first.ID, "one.txt", first.EncryptionSalt, first.EncryptionNonce)
	require.NoError(t, err)
	assert.Equal(t, "first", string(plain))

	_, err = c.svc.DownloadDecrypted(ctx, first.ID, "two.png", first.EncryptionSalt, first.EncryptionNonce)
	var de *crypto.DecryptionError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, crypto.ErrIntegrity)
	assert.Equal(t, apierr.Fatal, apierr.Classify(err))

	require.NoError(t, c.svc.Delete(ctx, first.ID))
	list, err = c.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = c.svc.Download(ctx, first.ID)
	var se *apierr.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestShare(t *testing.T) {
	api, srv := newServer(t)
	bobID, err := api.AddUser(fakeapi.User{Email: "bob@b.com", Password: "y", FullName: "Bob"})
	require.NoError(t, err)
	alice := newClient(t, srv, "a@b.com", "x")
	bob := newClient(t, srv, "bob@b.com", "y")
	ctx := context.Background()

	f, err := alice.svc.Upload(ctx, "notes.txt", strings.NewReader("shared secret"), -1)
	require.NoError(t, err)

	list, err := bob.svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = bob.svc.Download(ctx, f.ID)
	var se *apierr.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)

	res, err := alice.svc.Share(ctx, f.ID, bobID)
	require.NoError(t, err)
	assert.Equal(t, "File shared successfully", res.Message)
	assert.Equal(t, bobID, res.SharedWith.UserID)
	assert.Equal(t, "bob@b.com", res.SharedWith.Email)

	list, err = bob.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].SharedWithCount)

	plain, err := bob.svc.DownloadDecrypted(ctx, f.ID, "notes.txt", f.EncryptionSalt, f.EncryptionNonce)
	require.NoError(t, err)
	assert.Equal(t, "shared secret", string(plain))

	_, err = alice.svc.Share(ctx, f.ID, bobID)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, "File already shared with this user", se.Message)

	_, err = alice.svc.Share(ctx, f.ID, 9999)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)

	_, err = bob.svc.Share(ctx, f.ID, bobID)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)

	err = bob.svc.Delete(ctx, f.ID)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
}

func TestLocalArgumentChecks(t *testing.T) {
	api, srv := newServer(t)
	c := newClient(t, srv, "a@b.com", "x")
	ctx := context.Background()
	var ve *apierr.ValidationError

	_, err := c.svc.Download(ctx, "")
	assert.ErrorAs(t, err, &ve)
	_, err = c.svc.Get(ctx, " ")
	assert.ErrorAs(t, err, &ve)
	assert.ErrorAs(t, c.svc.Delete(ctx, ""), &ve)
	_, err = c.svc.Share(ctx, "abc", 0)
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, "user_id", ve.Field)

	assert.Zero(t, api.Hits(http.MethodPost, "/api/files/files/share/{fileID}"))
}

func TestRequiresSignIn(t *testing.T) {
	_, srv := newServer(t)
	gw, err := gateway.New(srv.URL, session.New(), gateway.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	svc := New(gw, WithEngine(fastEngine()))

	_, err = svc.List(context.Background())
	assert.ErrorIs(t, err, apierr.ErrUnauthorized)
	assert.Equal(t, apierr.Reauthenticate, apierr.Classify(err))
}
