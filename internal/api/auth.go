package api

import (
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/amigochat/realtime/internal/account"
	"github.com/amigochat/realtime/internal/ratelimit"
)

type signupRequest struct {
	Username string   `json:"username" binding:"required,min=3,max=64"`
	Email    string   `json:"email" binding:"required,email"`
	Password string   `json:"password" binding:"required,min=8"`
	Roles    []string `json:"roles"`
}

type signinRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type signinResponse struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	AccessToken string   `json:"accessToken"`
}

func (h *Handler) signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	_, err := h.users.Create(c.Request.Context(), account.NewUser{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Roles:    req.Roles,
	})
	switch {
	case errors.Is(err, account.ErrUserExists):
		c.JSON(http.StatusBadRequest, gin.H{"message": "Failed! Username or email is already in use!"})
		return
	case errors.Is(err, account.ErrUnknownRole):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	case err != nil:
		log.Printf("[api] signup %s: %v", req.Username, err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "User registered successfully!"})
}

func (h *Handler) signin(c *gin.Context) {
	if h.limiter != nil {
		allowed, _ := h.limiter.Allow(c.Request.Context(), c.ClientIP(), ratelimit.RuleSignin)
		if !allowed {
			retry, err := h.limiter.RetryAfter(c.Request.Context(), c.ClientIP(), ratelimit.RuleSignin)
			if err != nil || retry <= 0 {
				retry = ratelimit.RuleSignin.Window
			}
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			c.JSON(http.StatusTooManyRequests, gin.H{"message": "Too many signin attempts, try again later."})
			return
		}
	}

	var req signinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	u, err := h.users.Authenticate(c.Request.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, account.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "User Not found."})
		return
	case errors.Is(err, account.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"accessToken": nil, "message": "Invalid Password!"})
		return
	case err != nil:
		log.Printf("[api] signin %s: %v", req.Username, err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	token, claims, err := h.tokens.Issue(u)
	if err != nil {
		log.Printf("[api] issue token for %s: %v", u.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "could not issue token"})
		return
	}

	maxAge := int(claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, token, maxAge, "/", "", false, true)

	c.JSON(http.StatusOK, signinResponse{
		ID:          u.ID.String(),
		Username:    u.Username,
		Email:       u.Email,
		Roles:       u.Authorities(),
		AccessToken: token,
	})
}

// signout clears the session cookie and, when the request carries a valid
// token, revokes it.
func (h *Handler) signout(c *gin.Context) {
	if token := tokenFrom(c); token != "" {
		if claims, err := h.tokens.Verify(c.Request.Context(), token); err == nil {
			if err := h.tokens.Revoke(c.Request.Context(), claims); err != nil {
				log.Printf("[api] revoke token %s: %v", claims.ID, err)
			}
		}
	}

	c.SetCookie(SessionCookie, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"message": "You've been signed out!"})
}
