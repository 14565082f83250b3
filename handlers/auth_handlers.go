package handlers

import (
	"net/http"

	"cdr.dev/slog/v3"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"checkin/live/models"
	"checkin/live/utils"
)

// AdminCredentials is the configured operator account. PasswordHash is a
// bcrypt hash; an empty hash disables admin login.
type AdminCredentials struct {
	Username     string
	PasswordHash []byte
}

type AuthHandlers struct {
	Admin  AdminCredentials
	Issuer *utils.TokenIssuer
	Log    slog.Logger
}

func NewAuthHandlers(admin AdminCredentials, issuer *utils.TokenIssuer, log slog.Logger) *AuthHandlers {
	return &AuthHandlers{Admin: admin, Issuer: issuer, Log: log}
}

// AdminLogin checks the operator credentials and issues an admin token,
// both in the body and as the jwt_token cookie.
func (h *AuthHandlers) AdminLogin(c *gin.Context) {
	var req models.AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return
	}

	ctx := c.Request.Context()
	if len(h.Admin.PasswordHash) == 0 || req.Username != h.Admin.Username {
		h.Log.Info(ctx, "admin login refused", slog.F("username", req.Username))
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword(h.Admin.PasswordHash, []byte(req.Password)); err != nil {
		h.Log.Info(ctx, "admin login refused: password mismatch", slog.F("username", req.Username))
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid credentials"})
		return
	}

	token, err := h.Issuer.Issue(models.Principal{
		Subject:   req.Username,
		Role:      models.RoleAdmin,
		SessionID: utils.GenerateSessionID(),
	})
	if err != nil {
		h.Log.Error(ctx, "failed to issue admin token", slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to generate authentication token"})
		return
	}

	c.SetCookie("jwt_token", token, int(h.Issuer.TTL().Seconds()), "/", "", false, true)
	h.Log.Info(ctx, "admin logged in", slog.F("username", req.Username))
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}

func (h *AuthHandlers) Logout(c *gin.Context) {
	c.SetCookie("jwt_token", "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
