package middleware

import (
	"net/http"
	"strings"

	"riboost/print-relay/internal/auth"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewJWTMiddleware guards protected HTTP routes. A missing or invalid
// session token is fatal here, unlike on websocket connections where
// dashboards just degrade to anonymous.
func NewJWTMiddleware(gate *auth.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.MustGet("requestID").(string)

		tokenStr, err := c.Cookie("auth_token")
		if err != nil {
			// SPA clients use the cookie, API clients send a bearer header
			h := c.GetHeader("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":     "No auth_token cookie or bearer token",
					"requestID": requestID,
				})
				return
			}

			tokenStr = strings.TrimPrefix(h, "Bearer ")
		}

		claims, err := gate.VerifySession(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":     "token_invalid",
				"requestID": requestID,
			})

			zap.L().Debug("Rejected session token", zap.Error(err), zap.String("requestID", requestID))
			return
		}

		c.Set("userID", claims.UserID)
		if claims.RestaurantID != "" {
			c.Set("restaurantID", claims.RestaurantID)
		}

		c.Next()
	}
}
