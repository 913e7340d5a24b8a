package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
)

// AccountHandlers serves registration and login.
type AccountHandlers struct {
	auth *auth.Service
	log  *zerolog.Logger
}

// NewAccountHandlers creates the account endpoints.
func NewAccountHandlers(authService *auth.Service, logger *zerolog.Logger) *AccountHandlers {
	return &AccountHandlers{auth: authService, log: logger}
}

// Credentials is the body of both /api/register and /api/login. Length rules
// are enforced by auth.Service.
type Credentials struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse carries an issued token.
type TokenResponse struct {
	Token string `json:"token"`
}

// ErrorResponse is the body of every failed REST call.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Register creates a user and returns a token for it.
// POST /api/register
func (h *AccountHandlers) Register(c *gin.Context) {
	h.issue(c, "register", http.StatusCreated, h.auth.Register)
}

// Login exchanges credentials for a token.
// POST /api/login
func (h *AccountHandlers) Login(c *gin.Context) {
	h.issue(c, "login", http.StatusOK, h.auth.Login)
}

func (h *AccountHandlers) issue(c *gin.Context, action string, okStatus int, fn func(ctx context.Context, username, password string) (string, error)) {
	var req Credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Str("action", action).Msg("invalid credentials body")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	token, err := fn(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		status, msg := accountErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.log.Error().Err(err).Str("action", action).Str("username", req.Username).Msg("account request failed")
		}
		c.JSON(status, ErrorResponse{Error: msg})
		return
	}

	h.log.Info().Str("action", action).Str("username", req.Username).Msg("token issued")
	c.JSON(okStatus, TokenResponse{Token: token})
}

func accountErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUserExists):
		return http.StatusConflict, "user already exists"
	case errors.Is(err, auth.ErrInvalidUsername), errors.Is(err, auth.ErrInvalidPassword):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	}
	return http.StatusInternalServerError, "internal server error"
}
