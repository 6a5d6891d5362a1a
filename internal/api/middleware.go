package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/amigochat/realtime/internal/account"
)

const (
	// SessionCookie carries the access token for browser clients.
	SessionCookie = "amigochat-session"

	claimsKey = "claims"
)

// tokenFrom returns the access token from the Authorization bearer header,
// the x-access-token header, or the session cookie, in that order.
func tokenFrom(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if t := c.GetHeader("x-access-token"); t != "" {
		return t
	}
	if t, err := c.Cookie(SessionCookie); err == nil {
		return t
	}
	return ""
}

// RequireAuth rejects requests without a valid access token and stores the
// token claims in the context.
func (h *Handler) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFrom(c)
		if token == "" {
			abortMessage(c, http.StatusForbidden, "No token provided!")
			return
		}
		claims, err := h.tokens.Verify(c.Request.Context(), token)
		if err != nil {
			abortMessage(c, http.StatusUnauthorized, "Unauthorized!")
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole rejects authenticated requests whose token lacks role. It
// must run after RequireAuth.
func (h *Handler) RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := claimsFrom(c)
		if claims == nil || !lo.Contains(claims.Roles, role) {
			abortMessage(c, http.StatusForbidden, "Unauthorized: You don't have permission to access this content.")
			return
		}
		c.Next()
	}
}

func claimsFrom(c *gin.Context) *account.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*account.Claims)
	return claims
}
