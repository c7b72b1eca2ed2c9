package relayhub

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func signedToken(t *testing.T, header, body any) string {
	t.Helper()
	h, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	enc := base64.RawURLEncoding
	input := enc.EncodeToString(h) + "." + enc.EncodeToString(b)
	return input + "." + enc.EncodeToString(signHS256(testSecret, input))
}

func TestAuthorizeBearerRejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	hs256 := map[string]string{"alg": "HS256"}
	claims := func(edit func(map[string]any)) map[string]any {
		c := map[string]any{"sub": "agent-1", "aud": tokenAudience, "exp": now.Add(time.Hour).Unix(), "scopes": []string{scopeChannelsRead}}
		if edit != nil {
			edit(c)
		}
		return c
	}

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"no bearer prefix", "Token abc", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
		{"two segments", "Bearer a.b", http.StatusUnauthorized},
		{"wrong algorithm", "Bearer " + signedToken(t, map[string]string{"alg": "none"}, claims(nil)), http.StatusUnauthorized},
		{"no subject", "Bearer " + signedToken(t, hs256, claims(func(c map[string]any) { delete(c, "sub") })), http.StatusUnauthorized},
		{"other audience", "Bearer " + signedToken(t, hs256, claims(func(c map[string]any) { c["aud"] = "relayfile" })), http.StatusUnauthorized},
		{"missing expiry", "Bearer " + signedToken(t, hs256, claims(func(c map[string]any) { delete(c, "exp") })), http.StatusUnauthorized},
		{"expired", "Bearer " + signedToken(t, hs256, claims(func(c map[string]any) { c["exp"] = now.Unix() })), http.StatusUnauthorized},
		{"no scopes", "Bearer " + signedToken(t, hs256, claims(func(c map[string]any) { c["scopes"] = []string{} })), http.StatusForbidden},
		{"missing scope", "Bearer " + signedToken(t, hs256, claims(nil)), http.StatusForbidden},
	}
	for _, tc := range cases {
		_, authErr := authorizeBearer(tc.header, testSecret, scopeEntitiesWrite, now)
		if authErr == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
		if authErr.status != tc.status {
			t.Fatalf("%s: expected status %d, got %d (%s)", tc.name, tc.status, authErr.status, authErr.message)
		}
	}
}

func TestAuthorizeBearerAcceptsSpaceSeparatedScopes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token := signedToken(t, map[string]string{"alg": "HS256"}, map[string]any{
		"sub":    "agent-1",
		"aud":    tokenAudience,
		"exp":    now.Add(time.Minute).Unix(),
		"scopes": "channels:read entities:write",
	})
	claims, authErr := authorizeBearer("Bearer "+token, testSecret, scopeEntitiesWrite, now)
	if authErr != nil {
		t.Fatalf("expected token to be accepted, got %v", authErr)
	}
	if claims.Subject != "agent-1" || len(claims.Scopes) != 2 {
		t.Fatalf("unexpected claims %+v", claims)
	}

	anon, authErr := authorizeBearer("", "", scopeEntitiesWrite, now)
	if authErr != nil || anon.Subject != anonymousSubject {
		t.Fatalf("expected anonymous access without a secret, got %+v %v", anon, authErr)
	}
}
