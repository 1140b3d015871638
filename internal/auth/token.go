// ABOUTME: JWT token verification for authenticating agent connections
// ABOUTME: Uses HS256 signing with configurable secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// AgentIdentity is the verified identity attached to an agent connection.
type AgentIdentity struct {
	UserID    string
	CompanyID string
	Role      string
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*AgentIdentity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the agent identity from its claims.
// Any failure (expired, malformed, wrong signature, missing claims) is a
// hard rejection; there is no downgrade to a visitor classification.
func (v *JWTVerifier) Verify(tokenString string) (*AgentIdentity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	companyID, ok := claims["company_id"].(string)
	if !ok || companyID == "" {
		return nil, fmt.Errorf("%w: company_id", ErrMissingClaim)
	}

	role, _ := claims["role"].(string)
	if role == "" {
		role = "agent"
	}

	return &AgentIdentity{
		UserID:    sub,
		CompanyID: companyID,
		Role:      role,
	}, nil
}

// Generate creates a new JWT token for the given agent with expiration
func (v *JWTVerifier) Generate(identity *AgentIdentity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":        identity.UserID,
		"company_id": identity.CompanyID,
		"role":       identity.Role,
		"iat":        now.Unix(),
		"exp":        now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
