package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chatsync/server/common/transport/httpresp"
)

type tokenAuth interface {
	ParseAuthContext(token string) (userID, role string, err error)
}

// AuthRequired accepts the token from the Authorization header, or from
// access_token for websocket upgrades that cannot set headers.
func AuthRequired(auth tokenAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
			return
		}
		userID, role, err := auth.ParseAuthContext(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
			return
		}
		c.Set("auth_user_id", userID)
		c.Set("auth_role", role)
		c.Next()
	}
}

func BearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token, true
		}
	}
	token := strings.TrimSpace(c.Query("access_token"))
	return token, token != ""
}
