package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jmcleod/strongbox/apierr"
)

// Request describes one outbound API call. Body is held in memory so the
// call can be dispatched a second time after a token refresh.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Header      http.Header
	Body        []byte
	ContentType string

	// Anonymous requests carry no bearer token and never trigger a refresh.
	Anonymous bool
	// Bearer, when set, is presented instead of the session's access token
	// and disables the refresh protocol for this request.
	Bearer string
}

// NewJSONRequest builds a request whose body is v encoded as JSON. A nil v
// yields an empty JSON object.
func NewJSONRequest(method, path string, v any) (*Request, error) {
	if v == nil {
		v = struct{}{}
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s %s body: %w", method, path, err)
	}
	return &Request{
		Method:      method,
		Path:        path,
		Body:        body,
		ContentType: "application/json",
	}, nil
}

// attempt threads a request through Send together with its retry state.
// A request is dispatched at most twice: once with the token it started
// with and, after a refresh, once more with retried set.
type attempt struct {
	req     *Request
	token   string
	retried bool
}

func (a *attempt) number() int {
	if a.retried {
		return 2
	}
	return 1
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Err converts a non-2xx response into an apierr error.
func (r *Response) Err() error {
	err := apierr.FromResponse(r.StatusCode, r.Body)
	var serr *apierr.ServerError
	if errors.As(err, &serr) {
		serr.RetryAfter = retryAfter(r.Header.Get("Retry-After"), time.Now())
	}
	return err
}

// retryAfter parses a Retry-After value given in seconds or as an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding response (status %d): %w", r.StatusCode, err)
	}
	return nil
}
