package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/readers"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultSessionIssuer is the iss claim stamped on session tokens.
	DefaultSessionIssuer = "ides"
	// DefaultSessionTTL bounds how long a login stays valid.
	DefaultSessionTTL = 12 * time.Hour
)

var (
	errMissingSigningSecret = errors.New("session issuer: signing secret required")
	errMissingReaderID      = errors.New("session issuer: reader id required")
)

// SessionIssuerConfig configures session token minting.
type SessionIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TTL           time.Duration
	Clock         func() time.Time
}

// SessionIssuer mints HS256 session tokens for authenticated readers.
type SessionIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewSessionIssuer constructs a SessionIssuer, filling issuer and TTL defaults.
func NewSessionIssuer(cfg SessionIssuerConfig) (*SessionIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultSessionIssuer
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// TTL reports the lifetime of minted tokens.
func (i *SessionIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a session token for the reader and returns it with its expiry.
func (i *SessionIssuer) Issue(reader readers.Reader) (string, time.Time, error) {
	if strings.TrimSpace(reader.ID) == "" {
		return "", time.Time{}, errMissingReaderID
	}
	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)

	claims := SessionClaims{
		ReaderID: reader.ID,
		Role:     string(reader.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   reader.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
