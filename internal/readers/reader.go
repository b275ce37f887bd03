package readers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/errs"
	"github.com/google/uuid"
)

// Role decides which surfaces a reader may use.
type Role string

const (
	RoleReader Role = "reader"
	RoleAdmin  Role = "admin"
)

const (
	tokenEntropyBytes = 66
	maxNameLength     = 190
)

// ParseRole validates a role name.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleReader:
		return RoleReader, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", errs.ErrInvalidInput, raw)
	}
}

// Reader is a token holder allowed to read the book.
type Reader struct {
	ID          string     `gorm:"column:id;primaryKey;size:64;not null"`
	Name        string     `gorm:"column:name;size:190;not null"`
	Role        Role       `gorm:"column:role;size:16;not null"`
	TokenDigest string     `gorm:"column:token_digest;size:64;not null;uniqueIndex"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	RevokedAt   *time.Time `gorm:"column:revoked_at"`
}

// TableName provides the explicit table binding for GORM.
func (Reader) TableName() string {
	return "readers"
}

// IsAdmin reports whether the reader may use admin operations.
func (r Reader) IsAdmin() bool {
	return r.Role == RoleAdmin
}

// Token is an opaque bearer secret. Only its digest is ever stored.
type Token string

// NewToken draws a fresh random token.
func NewToken() (Token, error) {
	buffer := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return Token(base64.RawURLEncoding.EncodeToString(buffer)), nil
}

// Digest returns the hex SHA-256 of the token.
func (t Token) Digest() string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}

// String hides the secret so tokens never leak into logs by accident.
func (t Token) String() string {
	return "Token([sensitive value omitted])"
}

// Reveal returns the secret value for the one time it is shown to an admin.
func (t Token) Reveal() string {
	return string(t)
}

// IDProvider issues reader identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func normalizeName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("%w: empty reader name", errs.ErrInvalidInput)
	}
	if len(name) > maxNameLength {
		return "", fmt.Errorf("%w: reader name exceeds %d characters", errs.ErrInvalidInput, maxNameLength)
	}
	return name, nil
}
