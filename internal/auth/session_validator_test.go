package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "ides_session"
	testSessionReaderID      = "reader-123"
)

func newTestValidator(t *testing.T, now time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock: func() time.Time {
			return now
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signClaims(t *testing.T, claims SessionClaims, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func readerClaims(now time.Time, issuer, role string) SessionClaims {
	return SessionClaims{
		ReaderID: testSessionReaderID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   testSessionReaderID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestNewSessionValidatorRequiresSecretAndCookie(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{CookieName: testSessionCookieName}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing signing key, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("x"), CookieName: " "}); !errors.Is(err, ErrMissingSessionCookieName) {
		t.Fatalf("expected missing cookie name, got %v", err)
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	claims, err := validator.ValidateToken(signClaims(t, readerClaims(clockNow, DefaultSessionIssuer, "admin"), testSessionSigningSecret))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.ReaderID != testSessionReaderID || !claims.IsAdmin() {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestSessionValidatorRejectsBadTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	expired := readerClaims(clockNow, DefaultSessionIssuer, "reader")
	expired.IssuedAt = jwt.NewNumericDate(clockNow.Add(-2 * time.Hour))
	expired.NotBefore = nil
	expired.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))

	missingReader := readerClaims(clockNow, DefaultSessionIssuer, "reader")
	missingReader.ReaderID = ""

	testCases := []struct {
		name   string
		token  string
		target error
	}{
		{name: "empty", token: " ", target: ErrMissingSessionToken},
		{name: "expired", token: signClaims(t, expired, testSessionSigningSecret), target: ErrExpiredSessionToken},
		{name: "wrong secret", token: signClaims(t, readerClaims(clockNow, DefaultSessionIssuer, "reader"), "other"), target: ErrInvalidSessionToken},
		{name: "wrong issuer", token: signClaims(t, readerClaims(clockNow, "someone-else", "reader"), testSessionSigningSecret), target: ErrInvalidSessionToken},
		{name: "unknown role", token: signClaims(t, readerClaims(clockNow, DefaultSessionIssuer, "owner"), testSessionSigningSecret), target: ErrInvalidSessionToken},
		{name: "missing reader", token: signClaims(t, missingReader, testSessionSigningSecret), target: ErrMissingSessionSubject},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(testCase.token); !errors.Is(err, testCase.target) {
				t.Fatalf("expected %v, got %v", testCase.target, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequestUsesCookie(t *testing.T) {
	validator := newTestValidator(t, time.Now())
	signed := signClaims(t, readerClaims(time.Now(), DefaultSessionIssuer, "reader"), testSessionSigningSecret)

	request := httptest.NewRequest(http.MethodGet, "/book", http.NoBody)
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token without cookie, got %v", err)
	}

	request.AddCookie(&http.Cookie{
		Name:  testSessionCookieName,
		Value: signed,
	})
	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.ReaderID != testSessionReaderID || claims.IsAdmin() {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}
