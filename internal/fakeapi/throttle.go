package fakeapi

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	// maxLoginFailures is the number of consecutive failures before lockout begins.
	maxLoginFailures = 5
	baseLockout      = time.Minute
	maxLockout       = 15 * time.Minute
	// attemptExpiry is how long a failure record lives after its last failure.
	attemptExpiry = time.Hour
)

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// loginThrottle counts failed logins per email and locks the account out
// with exponential backoff once maxLoginFailures is reached.
type loginThrottle struct {
	mu       sync.Mutex
	now      func() time.Time
	attempts map[string]*attemptRecord
}

func newLoginThrottle(now func() time.Time) *loginThrottle {
	return &loginThrottle{now: now, attempts: make(map[string]*attemptRecord)}
}

// check reports whether email is locked out and for how long.
func (t *loginThrottle) check(email string) (blocked bool, retryAfter time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.attempts[email]
	if !ok {
		return false, 0
	}
	now := t.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(t.attempts, email)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (t *loginThrottle) recordFailure(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.attempts[email]
	if !ok {
		rec = &attemptRecord{}
		t.attempts[email] = rec
	}
	rec.failures++
	rec.lastFailure = t.now()

	if rec.failures >= maxLoginFailures {
		lockout := baseLockout
		for i := 0; i < rec.failures-maxLoginFailures; i++ {
			lockout *= 2
			if lockout > maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = rec.lastFailure.Add(lockout)
	}
}

func (t *loginThrottle) recordSuccess(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, email)
}

// writeThrottled sends the 429 body the real server's throttling produces.
func writeThrottled(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeDetail(w, http.StatusTooManyRequests, fmt.Sprintf("Request was throttled. Expected available in %d seconds.", secs))
}
