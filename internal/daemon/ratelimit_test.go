package daemon

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"bundlebridge/internal/clock"
	"bundlebridge/internal/config"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := newRateLimiter(3, time.Minute, fake)

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("user:a"); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
		fake.Advance(10 * time.Second)
	}
	ok, retry := l.Allow("user:a")
	if ok {
		t.Fatal("fourth request inside the window must be limited")
	}
	if retry != 30*time.Second {
		t.Fatalf("retry = %v, want 30s", retry)
	}
	if ok, _ := l.Allow("user:b"); !ok {
		t.Fatal("callers are limited independently")
	}

	fake.Advance(31 * time.Second)
	if ok, _ := l.Allow("user:a"); !ok {
		t.Fatal("oldest request left the window; next request should pass")
	}
	if ok, _ := l.Allow("user:a"); ok {
		t.Fatal("window holds three requests again")
	}
}

func TestRateLimiterRetryIsAtLeastOneSecond(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := newRateLimiter(1, time.Second, fake)
	l.Allow("x")
	fake.Advance(900 * time.Millisecond)
	ok, retry := l.Allow("x")
	if ok || retry != time.Second {
		t.Fatalf("ok=%v retry=%v", ok, retry)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	l := newRateLimiter(0, time.Minute, nil)
	for i := 0; i < 50; i++ {
		if ok, _ := l.Allow("x"); !ok {
			t.Fatal("a zero limit disables limiting")
		}
	}
}

func TestAuthenticatorIdentities(t *testing.T) {
	a := newAuthenticator(config.API{
		Token:        "tok",
		AppPasswords: map[string]string{"editor": "abcdabcdabcd"},
		NonceSecret:  "secret",
	})

	bearer := httptest.NewRequest("GET", "/", nil)
	bearer.Header.Set("Authorization", "Bearer tok")
	if who, ok := a.identify(bearer); !ok || who != "token" {
		t.Fatalf("bearer identity = %q %v", who, ok)
	}

	spaced := httptest.NewRequest("GET", "/", nil)
	spaced.SetBasicAuth("editor", "abcd abcd abcd")
	if who, ok := a.identify(spaced); !ok || who != "user:editor" {
		t.Fatalf("app passwords are accepted with display spaces: %q %v", who, ok)
	}

	wrong := httptest.NewRequest("GET", "/", nil)
	wrong.SetBasicAuth("editor", "nope")
	if _, ok := a.identify(wrong); ok {
		t.Fatal("wrong password must be rejected")
	}

	value, nonce, _, ok := a.issueSession("editor")
	if !ok {
		t.Fatal("session signing is configured")
	}
	other, _, _, _ := a.issueSession("editor")
	if other == value {
		t.Fatal("each session gets a fresh cookie value")
	}
	cookie := httptest.NewRequest("GET", "/", nil)
	cookie.Header.Set("Cookie", sessionCookie+"="+value)
	cookie.Header.Set(nonceHeader, nonce)
	if who, ok := a.identify(cookie); !ok || who != "session:editor" {
		t.Fatalf("session identity = %q %v", who, ok)
	}

	open := newAuthenticator(config.API{})
	anon := httptest.NewRequest("GET", "/", nil)
	anon.RemoteAddr = "10.1.2.3:5555"
	if who, ok := open.identify(anon); !ok || who != "anonymous:10.1.2.3" {
		t.Fatalf("open identity = %q %v", who, ok)
	}
	if _, _, _, ok := open.issueSession("editor"); ok {
		t.Fatal("sessions need a nonce secret")
	}
}

func TestSessionExpires(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a := newAuthenticator(config.API{NonceSecret: "secret", SessionTTLHours: 2})
	a.clock = fake

	value, nonce, expires, ok := a.issueSession("editor")
	if !ok {
		t.Fatal("session signing is configured")
	}
	if want := fake.Now().Add(2 * time.Hour); !expires.Equal(want) {
		t.Fatalf("expires = %v, want %v", expires, want)
	}
	request := func(cookieValue, nonce string) *http.Request {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Cookie", sessionCookie+"="+cookieValue)
		r.Header.Set(nonceHeader, nonce)
		return r
	}

	fake.Advance(2*time.Hour - time.Second)
	if _, ok := a.identify(request(value, nonce)); !ok {
		t.Fatal("session must be valid before expiry")
	}
	fake.Advance(time.Second)
	if _, ok := a.identify(request(value, nonce)); ok {
		t.Fatal("expired session must be rejected")
	}

	// Moving the expiry forward breaks the signature.
	parts := strings.Split(value, ".")
	extended := parts[0] + "." + strconv.FormatInt(fake.Now().Add(time.Hour).Unix(), 10) + "." + parts[2]
	if _, ok := a.identify(request(extended, nonce)); ok {
		t.Fatal("tampered expiry must be rejected")
	}
}
