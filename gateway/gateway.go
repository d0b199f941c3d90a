// Package gateway sends API requests on behalf of the signed-in session.
//
// Every authenticated request carries the session's current access token.
// When the server answers with the token-not-valid signal the gateway
// refreshes the token pair and dispatches the request exactly once more.
// Concurrent requests that hit the same expired token share a single
// refresh call.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/strongbox/apierr"
	"github.com/jmcleod/strongbox/session"
)

const (
	// DefaultRefreshTimeout bounds a refresh call so a hung server cannot
	// block every waiter indefinitely.
	DefaultRefreshTimeout = 15 * time.Second
	// DefaultRequestTimeout is the http.Client timeout used when no client
	// is supplied.
	DefaultRequestTimeout = 60 * time.Second

	// RefreshPath is the token refresh endpoint.
	RefreshPath = "/api/auth/token/refresh/"

	requestIDHeader = "X-Request-ID"
	userAgent       = "strongbox-client/1.0"
)

// Gateway dispatches requests and coordinates token refresh. It is safe
// for concurrent use.
type Gateway struct {
	baseURL        string
	client         *http.Client
	store          *session.Store
	logger         *slog.Logger
	refreshTimeout time.Duration
	refresh        refreshState
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient sets the HTTP client used for every call.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		g.client = c
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithRefreshTimeout bounds each refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.refreshTimeout = d
		}
	}
}

// New creates a Gateway for the API at baseURL backed by store.
func New(baseURL string, store *session.Store, opts ...Option) (*Gateway, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base URL %q: missing host", baseURL)
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}

	g := &Gateway{
		baseURL:        strings.TrimRight(u.String(), "/"),
		store:          store,
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.client == nil {
		g.client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return g, nil
}

// BaseURL returns the API root every request path is joined to.
func (g *Gateway) BaseURL() string {
	return g.baseURL
}

// Send dispatches req and returns the response. Responses other than the
// token-not-valid signal are returned unchanged, whatever their status.
// A token-not-valid response triggers one shared refresh followed by a
// single retry; a second token-not-valid response is returned as an
// apierr.AuthError of kind TokenInvalid.
func (g *Gateway) Send(ctx context.Context, req *Request) (*Response, error) {
	if req.Anonymous || req.Bearer != "" {
		return g.dispatch(ctx, &attempt{req: req, token: req.Bearer})
	}
	if g.Terminated() {
		return nil, errTerminated
	}

	at := &attempt{req: req}
	if pair, ok := g.store.Tokens(); ok {
		at.token = pair.Access
	}
	for {
		resp, err := g.dispatch(ctx, at)
		if err != nil {
			return nil, err
		}
		if !apierr.IsTokenInvalid(resp.StatusCode, resp.Body) {
			return resp, nil
		}
		if at.retried {
			g.logger.Warn("access token rejected after refresh",
				slog.String("method", req.Method),
				slog.String("path", req.Path))
			return nil, &apierr.AuthError{
				Kind:    apierr.TokenInvalid,
				Message: "access token rejected after refresh",
			}
		}
		token, err := g.renew(ctx, at.token)
		if err != nil {
			return nil, err
		}
		at.token = token
		at.retried = true
	}
}

// Do sends req, converts non-2xx responses into errors and decodes a JSON
// body into out when out is non-nil.
func (g *Gateway) Do(ctx context.Context, req *Request, out any) (*Response, error) {
	resp, err := g.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := resp.Decode(out); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

func (g *Gateway) dispatch(ctx context.Context, at *attempt) (*Response, error) {
	req := at.req
	target := g.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building %s %s: %w", req.Method, req.Path, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	requestID := uuid.NewString()
	httpReq.Header.Set(requestIDHeader, requestID)
	if at.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+at.token)
	}

	start := time.Now()
	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		g.logger.Debug("request failed",
			slog.String("method", req.Method),
			slog.String("path", req.Path),
			slog.String("request_id", requestID),
			slog.Int("attempt", at.number()),
			slog.String("error", err.Error()))
		return nil, &apierr.NetworkError{Op: req.Method + " " + req.Path, Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &apierr.NetworkError{Op: "reading " + req.Method + " " + req.Path, Err: err}
	}
	g.logger.Debug("request",
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Int("status", httpResp.StatusCode),
		slog.String("request_id", requestID),
		slog.Int("attempt", at.number()),
		slog.Duration("elapsed", time.Since(start)))

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       raw,
	}, nil
}
