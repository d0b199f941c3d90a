package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/strongbox/apierr"
	"github.com/jmcleod/strongbox/session"
)

var (
	errTerminated = &apierr.AuthError{
		Kind:    apierr.AuthRequired,
		Message: "session ended after a failed token refresh; sign in again",
	}
	errSessionChanged = &apierr.AuthError{
		Kind:    apierr.AuthRequired,
		Message: "session ended while its token was being refreshed",
	}
)

// refreshState is the shared record of the in-flight refresh. The flight
// itself lives in group, keyed by the refresh token it consumes. mu
// serialises joining a flight with publishing its outcome to the store,
// so a caller either joins the live flight or sees the tokens it produced.
type refreshState struct {
	group      singleflight.Group
	mu         sync.Mutex
	terminated bool
}

// Terminated reports whether a refresh has failed since the last Reset.
// While terminated, authenticated requests fail without being sent.
func (g *Gateway) Terminated() bool {
	g.refresh.mu.Lock()
	defer g.refresh.mu.Unlock()
	return g.refresh.terminated
}

// Reset clears the terminated flag. It is called after a new sign-in.
func (g *Gateway) Reset() {
	g.refresh.mu.Lock()
	defer g.refresh.mu.Unlock()
	g.refresh.terminated = false
}

// renew returns an access token newer than stale, refreshing the pair if
// no newer token is available yet. The caller's ctx only bounds how long
// it waits; the refresh itself runs to completion for the other waiters.
func (g *Gateway) renew(ctx context.Context, stale string) (string, error) {
	g.refresh.mu.Lock()
	if g.refresh.terminated {
		g.refresh.mu.Unlock()
		return "", errTerminated
	}
	pair, ok := g.store.Tokens()
	if !ok {
		g.refresh.mu.Unlock()
		return "", &apierr.AuthError{Kind: apierr.AuthRequired, Message: "no session to refresh"}
	}
	if pair.Access != stale {
		// Already refreshed for this expiry.
		g.refresh.mu.Unlock()
		return pair.Access, nil
	}
	ch := g.refresh.group.DoChan(pair.Refresh, func() (any, error) {
		return g.runRefresh(context.WithoutCancel(ctx), pair.Refresh)
	})
	g.refresh.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(session.TokenPair).Access, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// runRefresh performs the refresh call and publishes the outcome: on
// success the store gets the new pair, on failure the store is cleared and
// the gateway is marked terminated. The outcome is only published while
// the store still holds refreshToken; a session replaced or cleared during
// the call is left alone and the waiters get errSessionChanged.
func (g *Gateway) runRefresh(ctx context.Context, refreshToken string) (session.TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, g.refreshTimeout)
	defer cancel()

	g.logger.Info("refreshing access token")
	pair, err := g.callRefresh(ctx, refreshToken)

	g.refresh.mu.Lock()
	defer g.refresh.mu.Unlock()
	if current, ok := g.store.Tokens(); !ok || current.Refresh != refreshToken {
		g.logger.Info("discarding refresh outcome for a session that has ended", slog.Bool("refreshed", err == nil))
		return session.TokenPair{}, errSessionChanged
	}
	if err == nil {
		if uerr := g.store.UpdateTokens(pair); uerr != nil {
			err = &apierr.AuthError{Kind: apierr.RefreshFailed, Message: "storing refreshed tokens", Err: uerr}
		}
	}
	if err != nil {
		g.refresh.terminated = true
		if cerr := g.store.Clear(); cerr != nil {
			g.logger.Warn("clearing session after refresh failure", slog.String("error", cerr.Error()))
		}
		g.logger.Warn("token refresh failed", slog.String("error", err.Error()))
		return session.TokenPair{}, err
	}
	g.logger.Info("access token refreshed")
	return pair, nil
}

type refreshResponse struct {
	Tokens  *session.TokenPair `json:"tokens"`
	Access  string             `json:"access"`
	Refresh string             `json:"refresh"`
}

func (g *Gateway) callRefresh(ctx context.Context, refreshToken string) (session.TokenPair, error) {
	req, err := NewJSONRequest(http.MethodPost, RefreshPath, map[string]string{"refresh": refreshToken})
	if err != nil {
		return session.TokenPair{}, &apierr.AuthError{Kind: apierr.RefreshFailed, Err: err}
	}
	req.Anonymous = true

	resp, err := g.dispatch(ctx, &attempt{req: req})
	if err != nil {
		return session.TokenPair{}, &apierr.AuthError{Kind: apierr.RefreshFailed, Err: err}
	}
	if err := resp.Err(); err != nil {
		return session.TokenPair{}, &apierr.AuthError{Kind: apierr.RefreshFailed, Err: err}
	}

	var body refreshResponse
	if err := resp.Decode(&body); err != nil {
		return session.TokenPair{}, &apierr.AuthError{Kind: apierr.RefreshFailed, Err: err}
	}
	pair := session.TokenPair{Access: body.Access, Refresh: body.Refresh}
	if body.Tokens != nil {
		pair = *body.Tokens
	}
	if pair.Refresh == "" {
		// Servers that do not rotate refresh tokens only return access.
		pair.Refresh = refreshToken
	}
	if pair.Access == "" {
		return session.TokenPair{}, &apierr.AuthError{
			Kind: apierr.RefreshFailed,
			Err:  errors.New("refresh response carried no access token"),
		}
	}
	return pair, nil
}
