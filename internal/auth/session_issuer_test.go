package auth

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/readers"
)

func TestSessionIssuerRoundTripsThroughValidator(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		TTL:           30 * time.Minute,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	signed, expiresAt, err := issuer.Issue(readers.Reader{ID: testSessionReaderID, Role: readers.RoleAdmin})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	claims, err := newTestValidator(t, clockNow.Add(10*time.Minute)).ValidateToken(signed)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.ReaderID != testSessionReaderID || !claims.IsAdmin() || claims.Issuer != DefaultSessionIssuer {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := newTestValidator(t, clockNow.Add(time.Hour)).ValidateToken(signed); err == nil {
		t.Fatalf("expected token to expire after its ttl")
	}
}

func TestSessionIssuerDefaultsAndValidation(t *testing.T) {
	if _, err := NewSessionIssuer(SessionIssuerConfig{}); err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}

	issuer, err := NewSessionIssuer(SessionIssuerConfig{SigningSecret: []byte("secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if issuer.TTL() != DefaultSessionTTL {
		t.Fatalf("expected default ttl, got %v", issuer.TTL())
	}
	if _, _, err := issuer.Issue(readers.Reader{}); err == nil {
		t.Fatalf("expected error for reader without id")
	}
}
