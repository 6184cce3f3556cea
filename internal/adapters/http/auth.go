package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dkeye/Mesh/internal/adapters/signal"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

var errNoToken = errors.New("token required")

// Claims carries the participant identity. Identity wins over the subject when both are set.
type Claims struct {
	Identity string `json:"identity,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) identity() string {
	if c.Identity != "" {
		return c.Identity
	}
	return c.Subject
}

// bearerToken reads "Authorization: Bearer <token>" or, for browsers that cannot set
// headers on a WebSocket upgrade, the token query parameter.
func bearerToken(c *gin.Context) (string, error) {
	if h := c.GetHeader("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", errors.New("invalid authorization header format")
		}
		return parts[1], nil
	}
	if q := c.Query("token"); q != "" {
		return q, nil
	}
	return "", errNoToken
}

// ParseIdentity validates tokenString with an HMAC secret and returns the identity claim.
func ParseIdentity(tokenString, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.identity() == "" {
		return "", errors.New("invalid token claims")
	}
	return claims.identity(), nil
}

// JWTAuth rejects requests without a valid token and stores the identity under signal.IdentityKey.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := bearerToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		identity, err := ParseIdentity(raw, secret)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(signal.IdentityKey, identity)
		c.Next()
	}
}
