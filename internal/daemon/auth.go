package daemon

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"bundlebridge/internal/clock"
	"bundlebridge/internal/config"
)

const (
	sessionCookie     = "bb_session"
	nonceHeader       = "X-BB-Nonce"
	defaultSessionTTL = 12 * time.Hour
)

type identityKey struct{}

// identity names the authenticated caller; it keys the rate limiter.
func identity(ctx context.Context) string {
	if v, ok := ctx.Value(identityKey{}).(string); ok {
		return v
	}
	return ""
}

type authenticator struct {
	token     string
	passwords map[string]string
	secret    []byte
	ttl       time.Duration
	clock     clock.Clock
}

func newAuthenticator(cfg config.API) *authenticator {
	a := &authenticator{
		token:     cfg.Token,
		passwords: cfg.AppPasswords,
		ttl:       time.Duration(cfg.SessionTTLHours) * time.Hour,
		clock:     clock.Real{},
	}
	if a.ttl <= 0 {
		a.ttl = defaultSessionTTL
	}
	if cfg.NonceSecret != "" {
		a.secret = []byte(cfg.NonceSecret)
	}
	return a
}

// open reports whether no credential of any kind is configured, in which
// case callers are identified by their remote address.
func (a *authenticator) open() bool {
	return a.token == "" && len(a.passwords) == 0 && len(a.secret) == 0
}

// identify returns the caller identity for r, or false when r carries no
// valid credential.
func (a *authenticator) identify(r *http.Request) (string, bool) {
	if a.open() {
		return "anonymous:" + remoteHost(r), true
	}
	auth := r.Header.Get("Authorization")
	if a.token != "" && strings.HasPrefix(auth, "Bearer ") {
		if equal(strings.TrimPrefix(auth, "Bearer "), a.token) {
			return "token", true
		}
		return "", false
	}
	if user, ok := a.basicUser(r); ok {
		return "user:" + user, true
	}
	if user, ok := a.sessionUser(r); ok {
		return "session:" + user, true
	}
	return "", false
}

// basicUser validates Basic credentials against the application passwords.
func (a *authenticator) basicUser(r *http.Request) (string, bool) {
	user, password, ok := r.BasicAuth()
	if !ok || len(a.passwords) == 0 {
		return "", false
	}
	want, known := a.passwords[user]
	if !known || want == "" {
		return "", false
	}
	return user, equal(strings.ReplaceAll(password, " ", ""), want)
}

// sessionUser validates the session cookie against its nonce and expiry.
// The cookie value is base64url(user).<expiry unix>.<uuid>; the nonce signs
// all of it.
func (a *authenticator) sessionUser(r *http.Request) (string, bool) {
	if len(a.secret) == 0 {
		return "", false
	}
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	nonce := r.Header.Get(nonceHeader)
	if nonce == "" || !equal(nonce, a.nonce(cookie.Value)) {
		return "", false
	}
	parts := strings.Split(cookie.Value, ".")
	if len(parts) != 3 {
		return "", false
	}
	expiry, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || !a.clock.Now().Before(time.Unix(expiry, 0)) {
		return "", false
	}
	user, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(user) == 0 {
		return "", false
	}
	return string(user), true
}

// issueSession mints a session cookie value for user, its nonce and the
// time both stop being accepted.
func (a *authenticator) issueSession(user string) (value, nonce string, expires time.Time, ok bool) {
	if len(a.secret) == 0 {
		return "", "", time.Time{}, false
	}
	expires = a.clock.Now().Add(a.ttl).Truncate(time.Second)
	value = base64.RawURLEncoding.EncodeToString([]byte(user)) + "." +
		strconv.FormatInt(expires.Unix(), 10) + "." + uuid.NewString()
	return value, a.nonce(value), expires, true
}

func (a *authenticator) nonce(value string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authMiddleware rejects requests without a valid credential and records the
// caller identity on the request context.
func (s *apiServer) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, ok := s.auth.identify(r)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "bundlebridge_unauthorized", "Authentication required.")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, who)))
	}
}

// rateLimited applies the per-caller limiter before next.
func (s *apiServer) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allowed, retry := s.limiter.Allow(identity(r.Context()))
		if !allowed {
			seconds := int((retry + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			s.writeError(w, http.StatusTooManyRequests, "bundlebridge_rate_limited",
				fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", seconds))
			return
		}
		next(w, r)
	}
}
