// Package identity is the boundary to whatever issues opaque user ids. The
// coordinator only ever needs "give me a stable anonymous id"; how that id
// is minted is this package's concern.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v4"
)

// Provider issues an opaque, stable user id for the current device. The
// caller imposes its own timeout via ctx; implementations should not add
// bounds of their own.
type Provider interface {
	SignInAnonymously(ctx context.Context) (string, error)
}

// HTTPProvider exchanges an empty POST for a signed anonymous-identity token
// and returns the token's subject claim as the user id.
type HTTPProvider struct {
	endpoint string
	secret   []byte
	client   *http.Client
}

// NewHTTPProvider creates a provider against the given token endpoint. The
// secret verifies the HMAC signature of issued tokens.
func NewHTTPProvider(endpoint, secret string) *HTTPProvider {
	return &HTTPProvider{
		endpoint: endpoint,
		secret:   []byte(secret),
		client:   &http.Client{},
	}
}

type tokenResponse struct {
	Token string `json:"token"`
}

// SignInAnonymously requests a fresh anonymous identity.
func (p *HTTPProvider) SignInAnonymously(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", fmt.Errorf("failed to build sign-in request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("anonymous sign-in failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anonymous sign-in failed: status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode sign-in response: %w", err)
	}
	return p.subjectOf(tr.Token)
}

// subjectOf verifies the token signature and extracts the subject claim.
func (p *HTTPProvider) subjectOf(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid identity token: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("identity token carries no subject")
	}
	return claims.Subject, nil
}

// Unavailable is a provider with no backing service; every sign-in fails.
// It puts the coordinator on its local-id fallback path immediately, which
// is the right behavior for deployments that never configured identity.
type Unavailable struct{}

func (Unavailable) SignInAnonymously(context.Context) (string, error) {
	return "", fmt.Errorf("no identity provider configured")
}
