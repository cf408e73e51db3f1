package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// Bearer token authentication. Reads API_AUTH_TOKEN from the environment; if
// set, protected routes require Authorization: Bearer <token>. The public
// verification routes stay open so external verifiers need no credential.

// AuthMiddleware returns a Gin middleware that validates bearer tokens.
// If API_AUTH_TOKEN is not set, all requests are allowed (dev mode).
// WARNING: in GIN_MODE=release, leaving API_AUTH_TOKEN unset exposes the
// attestation-run and proof routes to the public internet.
func AuthMiddleware() gin.HandlerFunc {
	token := os.Getenv("API_AUTH_TOKEN")

	if token == "" && os.Getenv("GIN_MODE") == "release" {
		log.Println("[SECURITY WARNING] API_AUTH_TOKEN is not set in release mode. " +
			"All protected endpoints are publicly accessible. " +
			"Set API_AUTH_TOKEN in your environment to enforce authentication.")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "VALIDATION_ERROR",
					"message": "missing Authorization header",
					"details": gin.H{"hint": "use: Authorization: Bearer <API_AUTH_TOKEN>"},
				},
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{
				"error": gin.H{"code": "VALIDATION_ERROR", "message": "invalid Authorization header format"},
			})
			c.Abort()
			return
		}

		// Constant-time comparison prevents timing-based token enumeration.
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{
				"error": gin.H{"code": "VALIDATION_ERROR", "message": "invalid or expired token"},
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
