package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"
)

// tokenAudience is the aud value every API token must carry.
const tokenAudience = "invoicesync"

const (
	scopeInvoicesRead = "invoices:read"
	scopeRiskRead     = "risk:read"
	scopeRiskWrite    = "risk:write"
	scopeSyncRead     = "sync:read"
	scopeSyncTrigger  = "sync:trigger"
)

// apiRoute is a protected endpoint: its metrics label and the scope a
// caller needs to reach it.
type apiRoute struct {
	name  string
	scope string
}

var apiRoutes = map[string]apiRoute{
	"GET /invoices":          {name: "invoices", scope: scopeInvoicesRead},
	"GET /risk/anomalies":    {name: "risk_anomalies", scope: scopeRiskRead},
	"GET /risk/vendors":      {name: "risk_vendors", scope: scopeRiskRead},
	"POST /risk/recalculate": {name: "risk_recalculate", scope: scopeRiskWrite},
	"GET /dashboard/summary": {name: "dashboard_summary", scope: scopeRiskRead},
	"POST /sync/run":         {name: "sync_run", scope: scopeSyncTrigger},
	"GET /sync/status":       {name: "sync_status", scope: scopeSyncRead},
	"GET /sync/feed":         {name: "sync_feed", scope: scopeSyncRead},
}

func lookupRoute(r *http.Request) (apiRoute, bool) {
	route, ok := apiRoutes[r.Method+" "+r.URL.Path]
	return route, ok
}

// caller is the identity behind an authenticated request.
type caller struct {
	subject string
	scopes  []string
}

func (c caller) can(scope string) bool {
	return slices.Contains(c.scopes, scope)
}

// rateKey buckets requests per token subject so that callers sharing a
// proxy address are limited separately.
func (c caller) rateKey() string {
	return "sub:" + c.subject
}

type authFailure struct {
	status  int
	code    string
	message string
}

func unauthorized(message string) *authFailure {
	return &authFailure{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

// authorize resolves the caller for route. Tokens are HS256 JWTs signed with
// secret and issued for tokenAudience.
func authorize(r *http.Request, route apiRoute, secret string, now time.Time) (caller, *authFailure) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return caller{}, unauthorized("missing or invalid bearer token")
	}
	who, err := verifyToken(strings.TrimSpace(token), secret, now)
	if err != nil {
		return caller{}, unauthorized(err.Error())
	}
	if !who.can(route.scope) {
		return caller{}, &authFailure{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "token lacks scope " + route.scope,
		}
	}
	return who, nil
}

// apiClaims is the payload this API reads. aud may be a string or a list
// and scopes may be a list or a space separated string.
type apiClaims struct {
	Subject  string      `json:"sub"`
	Audience stringList  `json:"aud"`
	Expiry   json.Number `json:"exp"`
	Scopes   stringList  `json:"scopes"`
}

type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = strings.Fields(single)
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = slices.DeleteFunc(many, func(s string) bool { return s == "" })
	return nil
}

func verifyToken(token, secret string, now time.Time) (caller, error) {
	signingInput, signature, ok := cutLast(token, ".")
	if !ok || strings.Count(signingInput, ".") != 1 {
		return caller{}, errors.New("token is not a compact JWT")
	}
	headerSeg, payloadSeg, _ := strings.Cut(signingInput, ".")

	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(headerSeg, &header); err != nil {
		return caller{}, errors.New("token header is unreadable")
	}
	if header.Alg != "HS256" {
		return caller{}, errors.New("token must be signed with HS256")
	}

	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return caller{}, errors.New("token signature is unreadable")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return caller{}, errors.New("token signature does not verify")
	}

	var claims apiClaims
	if err := decodeSegment(payloadSeg, &claims); err != nil {
		return caller{}, errors.New("token claims are unreadable")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return caller{}, errors.New("token has no subject")
	}
	exp, err := claims.Expiry.Float64()
	if err != nil {
		return caller{}, errors.New("token has no usable exp")
	}
	if now.Unix() >= int64(exp) {
		return caller{}, errors.New("token expired")
	}
	if !slices.Contains(claims.Audience, tokenAudience) {
		return caller{}, errors.New("token was not issued for " + tokenAudience)
	}
	return caller{subject: claims.Subject, scopes: claims.Scopes}, nil
}

func decodeSegment(seg string, out any) error {
	data, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
