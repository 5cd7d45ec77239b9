package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func fixedClock(at int64) func() time.Time {
	return func() time.Time { return time.Unix(at, 0).UTC() }
}

func TestTokenIssuerIssuesSessionTokens(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "barrage-auth",
		Audience:      "barrage-api",
		TokenTTL:      30 * time.Minute,
		Clock:         fixedClock(1700000600),
	})

	tokenString, expiresIn, err := issuer.IssueToken(context.Background(), "owner-123", "device-a")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &sessionClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	}, jwt.WithTimeFunc(fixedClock(1700000700)))
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "owner-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Device != "device-a" {
		t.Fatalf("unexpected device claim %s", claims.Device)
	}
	if claims.Issuer != "barrage-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "barrage-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		Issuer:   "barrage-auth",
		Audience: "barrage-api",
	})

	if _, _, err := issuer.IssueToken(context.Background(), "owner-123", "device-a"); err == nil {
		t.Fatalf("expected issuance error for missing secret")
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "barrage-auth",
		Audience:      "barrage-api",
		TokenTTL:      15 * time.Minute,
		Clock:         fixedClock(1700000600),
	})

	tokenString, _, err := issuer.IssueToken(context.Background(), "owner-321", "device-b")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	session, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if session.OwnerID != "owner-321" {
		t.Fatalf("unexpected owner %s", session.OwnerID)
	}
	if session.DeviceID != "device-b" {
		t.Fatalf("unexpected device %s", session.DeviceID)
	}

	if _, err := issuer.ValidateToken("invalid.token"); err == nil {
		t.Fatalf("expected validation failure for malformed token")
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("rotating-secret"),
		Issuer:        "barrage-auth",
		Audience:      "barrage-api",
		TokenTTL:      time.Minute,
		Clock:         fixedClock(1700000600),
	})

	tokenString, _, err := issuer.IssueToken(context.Background(), "owner-9", "device-c")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	expired := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("rotating-secret"),
		Issuer:        "barrage-auth",
		Audience:      "barrage-api",
		TokenTTL:      time.Minute,
		Clock:         fixedClock(1700000600 + 120),
	})
	if _, err := expired.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected validation failure after expiry")
	}
}

func TestTokenIssuerRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("first-secret"),
		Issuer:        "barrage-auth",
		Audience:      "barrage-api",
		Clock:         fixedClock(1700000600),
	})

	tokenString, _, err := issuer.IssueToken(context.Background(), "owner-7", "device-d")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("second-secret"),
		Issuer:        "barrage-auth",
		Audience:      "barrage-api",
		Clock:         fixedClock(1700000600),
	})
	if _, err := other.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected validation failure for wrong secret")
	}
}
