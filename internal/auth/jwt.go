package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	accessTokenTTL   = 15 * time.Minute
	trackingTokenTTL = 24 * time.Hour
)

// Claims identify the caller and its role. OrderID is set only on tracking
// tokens, which grant read access to a single order.
type Claims struct {
	UserID  uuid.UUID `json:"user_id"`
	Role    string    `json:"role"`
	OrderID uuid.UUID `json:"order_id,omitempty"`
	jwt.RegisteredClaims
}

// CanTrack reports whether the claims were issued for orderID specifically.
func (c *Claims) CanTrack(orderID uuid.UUID) bool {
	return c.OrderID != uuid.Nil && c.OrderID == orderID
}

func GenerateToken(secret string, userID uuid.UUID, role string) (string, error) {
	return sign(secret, Claims{UserID: userID, Role: role}, accessTokenTTL)
}

// GenerateTrackingToken issues a token a customer can use to follow one order.
func GenerateTrackingToken(secret string, userID, orderID uuid.UUID, role string) (string, error) {
	return sign(secret, Claims{UserID: userID, Role: role, OrderID: orderID}, trackingTokenTTL)
}

func sign(secret string, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.UserID.String(),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ValidateToken(secret, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Role == "" || claims.UserID == uuid.Nil {
		return nil, fmt.Errorf("token missing identity")
	}
	return claims, nil
}
