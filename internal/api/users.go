package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/amigochat/realtime/internal/account"
)

type userResponse struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Online   *bool    `json:"online,omitempty"`
	Message  string   `json:"message,omitempty"`
}

func profile(u *account.User) userResponse {
	return userResponse{
		ID:       u.ID.String(),
		Username: u.Username,
		Email:    u.Email,
		Roles:    u.Authorities(),
	}
}

// currentUser loads the account behind the request's token. On failure it
// writes the response and returns nil.
func (h *Handler) currentUser(c *gin.Context) *account.User {
	claims := claimsFrom(c)
	if claims == nil {
		abortMessage(c, http.StatusUnauthorized, "Unauthorized!")
		return nil
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		abortMessage(c, http.StatusUnauthorized, "Unauthorized!")
		return nil
	}
	u, err := h.users.FindByID(c.Request.Context(), id)
	if errors.Is(err, account.ErrNotFound) {
		abortMessage(c, http.StatusNotFound, "User Not found.")
		return nil
	}
	if err != nil {
		log.Printf("[api] load user %s: %v", id, err)
		abortMessage(c, http.StatusInternalServerError, err.Error())
		return nil
	}
	return u
}

func (h *Handler) allAccess(c *gin.Context) {
	c.String(http.StatusOK, "Public Content.")
}

func (h *Handler) userBoard(c *gin.Context) {
	if u := h.currentUser(c); u != nil {
		c.JSON(http.StatusOK, profile(u))
	}
}

func (h *Handler) moderatorBoard(c *gin.Context) {
	if u := h.currentUser(c); u != nil {
		resp := profile(u)
		resp.Message = "Moderator Content: This is the content for moderators."
		c.JSON(http.StatusOK, resp)
	}
}

func (h *Handler) adminBoard(c *gin.Context) {
	if u := h.currentUser(c); u != nil {
		resp := profile(u)
		resp.Message = "Admin Content: This is the content for administrators."
		c.JSON(http.StatusOK, resp)
	}
}

func (h *Handler) me(c *gin.Context) {
	if u := h.currentUser(c); u != nil {
		c.JSON(http.StatusOK, profile(u))
	}
}

// userByID returns another user's public profile and, when presence is
// available, whether they are online.
func (h *Handler) userByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid user id"})
		return
	}
	u, err := h.users.FindByID(c.Request.Context(), id)
	if errors.Is(err, account.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "User Not found."})
		return
	}
	if err != nil {
		log.Printf("[api] load user %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	resp := userResponse{ID: u.ID.String(), Username: u.Username}
	if h.presence != nil {
		connID, err := h.presence.OnlineConnection(c.Request.Context(), u.ID.String())
		if err != nil {
			log.Printf("[api] presence lookup %s: %v", u.ID, err)
		} else {
			online := connID != ""
			resp.Online = &online
		}
	}
	c.JSON(http.StatusOK, resp)
}

// conversation returns the caller's message history with peerID, newest
// first.
func (h *Handler) conversation(c *gin.Context) {
	claims := claimsFrom(c)
	if claims == nil {
		abortMessage(c, http.StatusUnauthorized, "Unauthorized!")
		return
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid limit"})
			return
		}
		limit = n
	}

	msgs, err := h.history.Conversation(c.Request.Context(), claims.UserID, c.Param("peerID"), limit)
	if err != nil {
		log.Printf("[api] conversation %s/%s: %v", claims.UserID, c.Param("peerID"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "could not load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
