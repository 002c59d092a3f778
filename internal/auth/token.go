// ABOUTME: JWT issue and verification for user and guest sessions
// ABOUTME: Uses HS256 signing with the configured secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest accepted signing secret
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("jwt secret too short")
)

// Claims is the identity carried by a session token
type Claims struct {
	Subject string
	Role    string
	Guest   bool
}

// TokenVerifier verifies session tokens
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier issues and verifies HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier. The secret must be at least
// MinSecretLength bytes.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts sub, role and guest claims
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := mc["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	claims := &Claims{Subject: sub}
	claims.Role, _ = mc["role"].(string)
	claims.Guest, _ = mc["guest"].(bool)
	return claims, nil
}

// Generate signs a token for a registered user
func (v *JWTVerifier) Generate(userID, role string, expiresIn time.Duration) (string, error) {
	return v.sign(jwt.MapClaims{"sub": userID, "role": role}, expiresIn)
}

// GenerateGuest signs a token for an anonymous guest session
func (v *JWTVerifier) GenerateGuest(guestID string, expiresIn time.Duration) (string, error) {
	return v.sign(jwt.MapClaims{"sub": guestID, "guest": true}, expiresIn)
}

func (v *JWTVerifier) sign(claims jwt.MapClaims, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(expiresIn).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
