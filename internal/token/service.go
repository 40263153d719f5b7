// Package token issues, verifies, rotates, and revokes the bearer
// credentials carried on every authenticated frame. Access and refresh
// tokens are RS256-signed JWTs sharing one RSA keypair; refresh validity is
// additionally anchored in the repository by jti so rotation and logout can
// revoke what signatures alone cannot.
package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/seenspeak/seenspeak/internal/db"
)

// TokenType distinguishes access tokens from refresh tokens.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Verification failures. Each maps 1:1 onto a wire error code.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("token expired")
	ErrWrongType        = errors.New("wrong token type")
	ErrRevoked          = errors.New("token revoked")
	ErrUserMismatch     = errors.New("token user mismatch")
)

// Claims are the JWT claims for seenspeak tokens.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string    `json:"user_id"`
	TokenType TokenType `json:"type"`
}

// Pair is an issued access/refresh credential pair.
type Pair struct {
	Access  string
	Refresh string
}

// Service signs and verifies tokens and tracks refresh jtis in the
// repository.
type Service struct {
	key           *rsa.PrivateKey
	database      *db.DB
	accessExpiry  time.Duration
	refreshExpiry time.Duration
}

// NewService creates a token service with the given signing key and TTLs.
func NewService(key *rsa.PrivateKey, database *db.DB, accessExpiry, refreshExpiry time.Duration) *Service {
	return &Service{
		key:           key,
		database:      database,
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
	}
}

// Issue creates a fresh access/refresh pair for the user and records the
// refresh jti as valid.
func (s *Service) Issue(userID string) (Pair, error) {
	access, err := s.sign(userID, TokenTypeAccess, "")
	if err != nil {
		return Pair{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	jti := uuid.New().String()
	refresh, err := s.sign(userID, TokenTypeRefresh, jti)
	if err != nil {
		return Pair{}, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	now := time.Now()
	err = s.database.InsertRefreshToken(db.RefreshToken{
		JTI:       jti,
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshExpiry),
	})
	if err != nil {
		return Pair{}, err
	}

	return Pair{Access: access, Refresh: refresh}, nil
}

// VerifyAccess checks signature, type, expiry, and that the token belongs to
// expectedUserID. Returns one of the sentinel errors above on failure.
func (s *Service) VerifyAccess(tokenString, expectedUserID string) error {
	claims, err := s.parse(tokenString)
	if err != nil {
		return err
	}
	if claims.TokenType != TokenTypeAccess {
		return ErrWrongType
	}
	if claims.UserID != expectedUserID {
		return ErrUserMismatch
	}
	return nil
}

// Rotate exchanges a valid refresh token for a fresh access/refresh pair.
// The presented jti is revoked atomically with the validity check; if the
// token or that check fails, no tokens are issued and the jti keeps whatever
// state it had. Revoking and issuing the new pair are separate writes: if
// issuing fails after the check, no tokens are issued and the presented jti
// stays revoked.
func (s *Service) Rotate(refreshToken string) (string, Pair, error) {
	claims, err := s.parse(refreshToken)
	if err != nil {
		return "", Pair{}, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return "", Pair{}, ErrWrongType
	}
	if claims.ID == "" {
		return "", Pair{}, ErrWrongType
	}

	ok, err := s.database.ConsumeRefreshToken(claims.ID, time.Now())
	if err != nil {
		return "", Pair{}, err
	}
	if !ok {
		return "", Pair{}, ErrRevoked
	}

	pair, err := s.Issue(claims.UserID)
	if err != nil {
		return "", Pair{}, err
	}
	return claims.UserID, pair, nil
}

// RevokeAll invalidates every outstanding refresh token for the user.
func (s *Service) RevokeAll(userID string) error {
	return s.database.RevokeAllRefreshTokens(userID)
}

func (s *Service) sign(userID string, tokenType TokenType, jti string) (string, error) {
	expiry := s.accessExpiry
	if tokenType == TokenTypeRefresh {
		expiry = s.refreshExpiry
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "seenspeak",
			Subject:   userID,
			ID:        jti,
		},
		UserID:    userID,
		TokenType: tokenType,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.key)
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &s.key.PublicKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalidSignature
	}
	if !token.Valid {
		return nil, ErrInvalidSignature
	}
	return claims, nil
}

// LoadPrivateKey reads an RSA private key from a PEM file (PKCS#1 or PKCS#8).
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key in %s is not RSA", path)
	}
	return key, nil
}

// GenerateKey creates an ephemeral 2048-bit signing key. Tokens signed with
// it do not survive a restart; intended for development and tests.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}
