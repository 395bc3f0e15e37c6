package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const testSecret = "test-secret"

func issueToken(t *testing.T, subject string, method jwt.SigningMethod, key interface{}) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func tokenEndpoint(t *testing.T, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSignInAnonymously(t *testing.T) {
	token := issueToken(t, "anon-abc123", jwt.SigningMethodHS256, []byte(testSecret))
	srv := tokenEndpoint(t, token)

	provider := NewHTTPProvider(srv.URL, testSecret)
	id, err := provider.SignInAnonymously(context.Background())
	if err != nil {
		t.Fatalf("SignInAnonymously failed: %v", err)
	}
	if id != "anon-abc123" {
		t.Errorf("got id %q, want anon-abc123", id)
	}
}

func TestSignInRejectsBadSignature(t *testing.T) {
	token := issueToken(t, "anon-abc123", jwt.SigningMethodHS256, []byte("wrong-secret"))
	srv := tokenEndpoint(t, token)

	provider := NewHTTPProvider(srv.URL, testSecret)
	if _, err := provider.SignInAnonymously(context.Background()); err == nil {
		t.Fatal("token signed with the wrong secret must be rejected")
	}
}

func TestSignInRejectsMissingSubject(t *testing.T) {
	token := issueToken(t, "", jwt.SigningMethodHS256, []byte(testSecret))
	srv := tokenEndpoint(t, token)

	provider := NewHTTPProvider(srv.URL, testSecret)
	if _, err := provider.SignInAnonymously(context.Background()); err == nil {
		t.Fatal("token without subject must be rejected")
	}
}

func TestSignInRejectsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	provider := NewHTTPProvider(srv.URL, testSecret)
	if _, err := provider.SignInAnonymously(context.Background()); err == nil {
		t.Fatal("server error must surface as sign-in failure")
	}
}

func TestSignInHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	provider := NewHTTPProvider(srv.URL, testSecret)
	if _, err := provider.SignInAnonymously(ctx); err == nil {
		t.Fatal("expired context must abort sign-in")
	}
}

func TestUnavailableAlwaysFails(t *testing.T) {
	if _, err := (Unavailable{}).SignInAnonymously(context.Background()); err == nil {
		t.Fatal("Unavailable must never sign in")
	}
}
