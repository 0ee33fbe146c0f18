package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/character-chat/internal/common"
	"golang.org/x/crypto/bcrypt"
)

const AdminTokenHeader = "X-Admin-Token"

// AdminRequired checks X-Admin-Token against a bcrypt hash. An empty hash
// leaves the route open.
func AdminRequired(tokenHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenHash == "" {
			c.Next()
			return
		}
		token := c.GetHeader(AdminTokenHeader)
		if token == "" || bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)) != nil {
			common.Fail(c, http.StatusForbidden, 40310, "admin token required")
			return
		}
		c.Next()
	}
}
