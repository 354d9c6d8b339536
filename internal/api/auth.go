package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"pass-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const identityKey = "identity"

// Claims are the access-token claims this service reads. Subject carries the
// user id.
type Claims struct {
	Role  string `json:"role"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 access token for who.
func IssueToken(secret string, who service.Identity, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role:  who.Role,
		Email: who.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(who.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// JWTAuth validates the bearer token and stores the caller's Identity in the
// gin context.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		var claims Claims
		tok, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), &claims,
			func(t *jwt.Token) (interface{}, error) { return []byte(secret), nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !tok.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		userID, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
			return
		}

		c.Set(identityKey, service.Identity{UserID: userID, Role: claims.Role, Email: claims.Email})
		c.Next()
	}
}

func identity(c *gin.Context) service.Identity {
	v, _ := c.Get(identityKey)
	who, _ := v.(service.Identity)
	return who
}
