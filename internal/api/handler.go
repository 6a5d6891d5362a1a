// Package api is the REST surface next to the WebSocket server: account
// signup and signin, role-gated content boards, profile lookup with online
// status, and direct-message history.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/amigochat/realtime/internal/account"
	"github.com/amigochat/realtime/internal/message"
	"github.com/amigochat/realtime/internal/ratelimit"
)

// UserStore is the account persistence the handlers need.
type UserStore interface {
	Create(ctx context.Context, nu account.NewUser) (*account.User, error)
	Authenticate(ctx context.Context, username, password string) (*account.User, error)
	FindByID(ctx context.Context, id uuid.UUID) (*account.User, error)
}

// Tokens issues and checks access tokens.
type Tokens interface {
	Issue(u *account.User) (string, *account.Claims, error)
	Verify(ctx context.Context, token string) (*account.Claims, error)
	Revoke(ctx context.Context, claims *account.Claims) error
}

// History reads stored direct messages.
type History interface {
	Conversation(ctx context.Context, a, b string, limit int) ([]message.Message, error)
}

// Presence reports which connection, if any, a user is online on.
type Presence interface {
	OnlineConnection(ctx context.Context, userID string) (string, error)
}

// Limiter throttles signin attempts per client IP.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// Handler holds the API dependencies. Presence and Limiter are optional.
type Handler struct {
	users    UserStore
	tokens   Tokens
	history  History
	presence Presence
	limiter  Limiter
}

// NewHandler creates a Handler.
func NewHandler(users UserStore, tokens Tokens, history History) *Handler {
	return &Handler{users: users, tokens: tokens, history: history}
}

// SetPresence enables the online flag on user lookups.
func (h *Handler) SetPresence(p Presence) { h.presence = p }

// SetLimiter enables signin rate limiting.
func (h *Handler) SetLimiter(l Limiter) { h.limiter = l }

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers the API routes on r.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Welcome to the AmigoChat API"})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := r.Group("/api/auth")
	auth.POST("/signup", h.signup)
	auth.POST("/signin", h.signin)
	auth.POST("/signout", h.signout)

	boards := r.Group("/api/test")
	boards.GET("/all", h.allAccess)
	boards.GET("/user", h.RequireAuth(), h.userBoard)
	boards.GET("/mod", h.RequireAuth(), h.RequireRole(account.RoleModerator), h.moderatorBoard)
	boards.GET("/admin", h.RequireAuth(), h.RequireRole(account.RoleAdmin), h.adminBoard)

	api := r.Group("/api")
	api.Use(h.RequireAuth())
	api.GET("/users/me", h.me)
	api.GET("/users/:id", h.userByID)
	api.GET("/messages/:peerID", h.conversation)

	for _, route := range r.Routes() {
		log.Printf("[api] route %s %s", route.Method, route.Path)
	}
}

func abortMessage(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"message": msg})
}
