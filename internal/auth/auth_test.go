package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestVerifier(t *testing.T, opts ...Option) *Verifier {
	t.Helper()
	v, err := NewVerifier("test-secret", "https://id.skillvergence.test", "skv-cert", opts...)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestSignAndVerify(t *testing.T) {
	v := newTestVerifier(t)
	tok, err := v.Sign(Principal{UserID: "admin-1", Role: RoleAdmin, Name: "Grace"}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	p, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.UserID != "admin-1" || !p.IsAdmin() || p.Name != "Grace" {
		t.Errorf("unexpected principal %+v", p)
	}
	if !p.CanActFor("anyone") {
		t.Error("admin should act for any learner")
	}
}

func TestLearnerDefaultsAndScope(t *testing.T) {
	v := newTestVerifier(t)
	tok, _ := v.Sign(Principal{UserID: "user-1"}, time.Hour)
	p, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Role != RoleLearner {
		t.Errorf("role = %q, want learner", p.Role)
	}
	if !p.CanActFor("user-1") || p.CanActFor("user-2") {
		t.Error("learner scope is wrong")
	}
}

func TestVerifyRejects(t *testing.T) {
	v := newTestVerifier(t)
	ctx := context.Background()

	if _, err := v.Verify(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("empty token: %v", err)
	}

	expired, _ := v.Sign(Principal{UserID: "u"}, -time.Minute)
	if _, err := v.Verify(ctx, expired); !errors.Is(err, ErrExpired) {
		t.Errorf("expired token: %v", err)
	}

	other, _ := NewVerifier("test-secret", "https://elsewhere", "skv-cert")
	foreign, _ := other.Sign(Principal{UserID: "u"}, time.Hour)
	if _, err := v.Verify(ctx, foreign); !errors.Is(err, ErrInvalid) {
		t.Errorf("wrong issuer: %v", err)
	}

	wrongKey, _ := NewVerifier("another-secret", "https://id.skillvergence.test", "skv-cert")
	forged, _ := wrongKey.Sign(Principal{UserID: "u"}, time.Hour)
	if _, err := v.Verify(ctx, forged); !errors.Is(err, ErrInvalid) {
		t.Errorf("bad signature: %v", err)
	}

	noSub, _ := v.Sign(Principal{}, time.Hour)
	if _, err := v.Verify(ctx, noSub); !errors.Is(err, ErrInvalid) {
		t.Errorf("missing subject: %v", err)
	}

	if _, err := NewVerifier("", "i", "a"); err == nil {
		t.Error("empty secret accepted")
	}
}

func TestEdDSAViaJWKS(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		json.NewEncoder(w).Encode(jwkSet{Keys: []jwk{{
			Kty: "OKP", Crv: "Ed25519", Alg: "EdDSA", Kid: "k1",
			X: base64.RawURLEncoding.EncodeToString(pub),
		}}})
	}))
	defer srv.Close()

	v := newTestVerifier(t, WithJWKS(srv.URL))
	mint := func(kid string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-9",
				Issuer:    "https://id.skillvergence.test",
				Audience:  jwt.ClaimStrings{"skv-cert"},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		tok.Header["kid"] = kid
		s, err := tok.SignedString(priv)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p, err := v.Verify(ctx, mint("k1"))
		if err != nil {
			t.Fatalf("Verify EdDSA: %v", err)
		}
		if p.UserID != "user-9" {
			t.Errorf("subject = %q", p.UserID)
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("JWKS fetched %d times, want 1 (cached)", got)
	}

	if _, err := v.Verify(ctx, mint("unknown")); !errors.Is(err, ErrInvalid) {
		t.Errorf("unknown kid: %v", err)
	}

	plain := newTestVerifier(t)
	if _, err := plain.Verify(ctx, mint("k1")); !errors.Is(err, ErrInvalid) {
		t.Errorf("EdDSA without JWKS: %v", err)
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{UserID: "u"})
	p, ok := FromContext(ctx)
	if !ok || p.UserID != "u" {
		t.Errorf("FromContext = %+v, %v", p, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Error("empty context yielded a principal")
	}
}
