package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/invoicesync/internal/ledger"
)

func signClaims(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	signingInput := header + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyTokenAcceptsClaimVariants(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name       string
		claims     map[string]any
		wantScopes []string
	}{
		{
			name:       "audience list and scope array",
			claims:     map[string]any{"sub": "ops", "aud": []string{"billing", tokenAudience}, "exp": now.Unix() + 60, "scopes": []string{"risk:read", ""}},
			wantScopes: []string{"risk:read"},
		},
		{
			name:       "space separated scopes",
			claims:     map[string]any{"sub": "ops", "aud": tokenAudience, "exp": float64(now.Unix() + 60), "scopes": "risk:read sync:read"},
			wantScopes: []string{"risk:read", "sync:read"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			who, err := verifyToken(signClaims(t, testSecret, tc.claims), testSecret, now)
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if who.subject != "ops" {
				t.Fatalf("expected subject ops, got %q", who.subject)
			}
			if len(who.scopes) != len(tc.wantScopes) {
				t.Fatalf("expected scopes %v, got %v", tc.wantScopes, who.scopes)
			}
			for _, scope := range tc.wantScopes {
				if !who.can(scope) {
					t.Fatalf("expected scope %s in %v", scope, who.scopes)
				}
			}
		})
	}
}

func TestVerifyTokenRejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	valid := map[string]any{"sub": "ops", "aud": tokenAudience, "exp": now.Unix() + 60, "scopes": []string{"risk:read"}}
	without := func(key string) map[string]any {
		out := map[string]any{}
		for k, v := range valid {
			if k != key {
				out[k] = v
			}
		}
		return out
	}
	cases := map[string]string{
		"no subject":       signClaims(t, testSecret, without("sub")),
		"no exp":           signClaims(t, testSecret, without("exp")),
		"no audience":      signClaims(t, testSecret, without("aud")),
		"expired at now":   signClaims(t, testSecret, map[string]any{"sub": "ops", "aud": tokenAudience, "exp": now.Unix(), "scopes": "risk:read"}),
		"two segments":     "abc.def",
		"tampered payload": signClaims(t, testSecret, valid)[1:],
		"none algorithm":   base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`)) + ".e30.",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := verifyToken(token, testSecret, now); err == nil {
				t.Fatalf("expected %s to be rejected", name)
			}
		})
	}
}

func TestRouteScopes(t *testing.T) {
	server := NewServerWithConfig(ledger.NewMemoryStore(), &fakeSync{}, ServerConfig{JWTSecret: testSecret})
	future := time.Now().Add(time.Hour)
	readOnly := "Bearer " + mustTestJWT(t, testSecret, "viewer", []string{scopeRiskRead, scopeSyncRead, scopeInvoicesRead}, future)

	for key, route := range apiRoutes {
		if route.name == "sync_feed" {
			continue
		}
		method, path, _ := strings.Cut(key, " ")
		rec := doRequest(t, server, request{
			method:  method,
			path:    path,
			headers: map[string]string{"Authorization": readOnly},
		})

		writeRoute := route.scope == scopeRiskWrite || route.scope == scopeSyncTrigger
		switch {
		case writeRoute && rec.Code != http.StatusForbidden:
			t.Fatalf("%s: expected 403 for a read-only token, got %d", key, rec.Code)
		case !writeRoute && rec.Code == http.StatusForbidden:
			t.Fatalf("%s: read-only token was refused: %s", key, rec.Body.String())
		}
	}
}

func TestRateLimitIsPerSubject(t *testing.T) {
	server := NewServerWithConfig(ledger.NewMemoryStore(), &fakeSync{}, ServerConfig{
		JWTSecret:       testSecret,
		RateLimitMax:    1,
		RateLimitWindow: time.Minute,
	})
	future := time.Now().Add(time.Hour)
	alice := "Bearer " + mustTestJWT(t, testSecret, "alice", []string{scopeInvoicesRead}, future)
	bob := "Bearer " + mustTestJWT(t, testSecret, "bob", []string{scopeInvoicesRead}, future)

	call := func(token string) int {
		return doRequest(t, server, request{
			method:  http.MethodGet,
			path:    "/invoices",
			headers: map[string]string{"Authorization": token},
		}).Code
	}
	if code := call(alice); code != http.StatusOK {
		t.Fatalf("alice first call: expected 200, got %d", code)
	}
	if code := call(alice); code != http.StatusTooManyRequests {
		t.Fatalf("alice second call: expected 429, got %d", code)
	}
	if code := call(bob); code != http.StatusOK {
		t.Fatalf("a second subject on the same address has its own budget, got %d", code)
	}
}
