// Package auth mints and validates the per-instance tokens the in-VM agent
// uses to authenticate heartbeats.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AgentClaims bind a token to one provider instance and its logical identity.
// Tokens are minted at provision time and die with the instance.
type AgentClaims struct {
	InstanceID string `json:"instance_id"`
	LogicalID  string `json:"logical_id"`
	jwt.RegisteredClaims
}

func MintAgentToken(instanceID, logicalID, jwtSecret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &AgentClaims{
		InstanceID: instanceID,
		LogicalID:  logicalID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   instanceID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign agent token: %w", err)
	}
	return signed, nil
}

func ValidateAgentToken(tokenString, jwtSecret string) (*AgentClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AgentClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*AgentClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}
