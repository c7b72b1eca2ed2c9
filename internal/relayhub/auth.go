package relayhub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	tokenAudience = "relaydraft"

	scopeChannelsRead  = "channels:read"
	scopeChannelsWrite = "channels:write"
	scopeEntitiesWrite = "entities:write"
	anonymousSubject   = "anonymous"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func denied(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

type tokenClaims struct {
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

// claimSet is the token body as issued by IssueToken. Scopes may also be a
// space separated string.
type claimSet struct {
	Sub    string          `json:"sub"`
	Aud    string          `json:"aud"`
	Exp    json.Number     `json:"exp"`
	Scopes json.RawMessage `json:"scopes"`
}

// authorizeBearer checks the HS256 token in authHeader and that it grants
// requiredScope. An empty secret turns authentication off.
func authorizeBearer(authHeader, secret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	if secret == "" {
		return tokenClaims{Subject: anonymousSubject}, nil
	}
	claims, err := parseBearer(authHeader, secret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if _, ok := claims.Scopes[requiredScope]; requiredScope != "" && !ok {
		return tokenClaims{}, forbidden("token lacks scope " + requiredScope)
	}
	return claims, nil
}

func parseBearer(authHeader, secret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return tokenClaims{}, denied("bearer token required")
	}
	body, authErr := verifySignature(strings.TrimSpace(raw), secret)
	if authErr != nil {
		return tokenClaims{}, authErr
	}

	var set claimSet
	if err := json.Unmarshal(body, &set); err != nil {
		return tokenClaims{}, denied("token body is not valid json")
	}
	switch {
	case strings.TrimSpace(set.Sub) == "":
		return tokenClaims{}, denied("token has no subject")
	case set.Aud != tokenAudience:
		return tokenClaims{}, denied("token is for another audience")
	}
	exp, err := set.Exp.Int64()
	if err != nil {
		return tokenClaims{}, denied("token expiry is not a number")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, denied("token expired")
	}
	scopes := parseScopes(set.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("token grants no scopes")
	}
	return tokenClaims{Subject: set.Sub, Scopes: scopes, Exp: exp}, nil
}

// verifySignature checks the header algorithm and the HS256 signature of a
// compact token and returns its decoded body.
func verifySignature(token, secret string) ([]byte, *authError) {
	header, body, sig, ok := splitToken(token)
	if !ok {
		return nil, denied("token is not three base64url segments")
	}
	var alg struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(header, &alg); err != nil || alg.Alg != "HS256" {
		return nil, denied("token must be signed with HS256")
	}
	signingInput := token[:strings.LastIndexByte(token, '.')]
	if !hmac.Equal(sig, signHS256(secret, signingInput)) {
		return nil, denied("token signature does not verify")
	}
	return body, nil
}

func splitToken(token string) (header, body, sig []byte, ok bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, nil, nil, false
	}
	decoded := make([][]byte, len(parts))
	for i, part := range parts {
		b, err := base64.RawURLEncoding.DecodeString(part)
		if err != nil {
			return nil, nil, nil, false
		}
		decoded[i] = b
	}
	return decoded[0], decoded[1], decoded[2], true
}

func signHS256(secret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

// IssueToken mints a token this hub accepts. The client binary uses it when
// it is given the shared secret instead of a token.
func IssueToken(secret, subject string, scopes []string, exp time.Time) (string, error) {
	if secret == "" || strings.TrimSpace(subject) == "" {
		return "", errors.New("secret and subject are required")
	}
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(map[string]any{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    tokenAudience,
	})
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(header) + "." + enc.EncodeToString(body)
	return signingInput + "." + enc.EncodeToString(signHS256(secret, signingInput)), nil
}

func parseScopes(raw json.RawMessage) map[string]struct{} {
	out := map[string]struct{}{}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var joined string
		if json.Unmarshal(raw, &joined) != nil {
			return out
		}
		list = strings.Fields(joined)
	}
	for _, scope := range list {
		if scope = strings.TrimSpace(scope); scope != "" {
			out[scope] = struct{}{}
		}
	}
	return out
}
