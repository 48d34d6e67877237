package middleware

import (
	"crypto/subtle"
	"net/http"

	"notiflow/internal/common"

	"github.com/gin-gonic/gin"
)

const apiKeyHeader = "X-API-Key"

// Auth validates the caller's API key. Browsers cannot set headers on a
// websocket handshake, so the api_key query parameter is accepted as well.
func Auth(validKeys []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(apiKeyHeader)
		if apiKey == "" {
			apiKey = c.Query("api_key")
		}
		if apiKey == "" {
			common.Error(c, http.StatusUnauthorized, "missing X-API-Key header")
			c.Abort()
			return
		}

		if !isValidKey(apiKey, validKeys) {
			common.Error(c, http.StatusUnauthorized, "invalid API key")
			c.Abort()
			return
		}

		c.Next()
	}
}

// isValidKey compares in constant time against every configured key.
func isValidKey(key string, validKeys []string) bool {
	ok := 0
	for _, valid := range validKeys {
		ok |= subtle.ConstantTimeCompare([]byte(key), []byte(valid))
	}
	return ok == 1
}
