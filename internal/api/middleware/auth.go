package middleware

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lisan-5/file-processing-api/internal/db"
)

const (
	sessionCookie  = "fileproc_session"
	sessionTTL     = 24 * time.Hour
	tokenIssuer    = "fileprocd"
	tokenSubject   = "operator"
	minPasswordLen = 8
)

// Auth protects the API with one operator password. Sessions are HS256
// tokens carried in a cookie or an Authorization: Bearer header.
type Auth struct {
	key    []byte
	secure bool
	now    func() time.Time
}

type credentials struct {
	Password string `json:"password" binding:"required"`
}

type passwordChange struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

type StatusResponse struct {
	Authenticated bool `json:"authenticated"`
	SetupRequired bool `json:"setup_required"`
}

// NewAuth signs sessions with key. secureCookie is off only when the API is
// served over plain http.
func NewAuth(key []byte, secureCookie bool) *Auth {
	return &Auth{key: key, secure: secureCookie, now: time.Now}
}

// RegisterRoutes mounts the session endpoints. Password changes need a
// session, the rest do not.
func (a *Auth) RegisterRoutes(public, protected *gin.RouterGroup) {
	public.GET("/status", a.Status)
	public.POST("/setup", a.Setup)
	public.POST("/login", a.Login)
	public.POST("/logout", a.Logout)
	protected.PUT("/password", a.ChangePassword)
}

// Require rejects requests without a valid session.
func (a *Auth) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := sessionToken(c)
		if raw == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		if err := a.verify(raw); err != nil {
			abort(c, http.StatusUnauthorized, "unauthorized", "session expired or invalid")
			return
		}
		c.Next()
	}
}

func (a *Auth) Status(c *gin.Context) {
	if raw := sessionToken(c); raw != "" && a.verify(raw) == nil {
		c.JSON(http.StatusOK, StatusResponse{Authenticated: true})
		return
	}
	_, configured, err := storedHash(c)
	if err != nil {
		a.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{SetupRequired: !configured})
}

// Setup sets the first password. Once one exists it can only be changed
// through ChangePassword.
func (a *Auth) Setup(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	hash, ok := hashPassword(c, req.Password)
	if !ok {
		return
	}
	created, err := db.Settings.CreateSetting(c.Request.Context(), db.SettingPasswordHash, hash, false)
	if err != nil {
		a.internal(c, err)
		return
	}
	if !created {
		abort(c, http.StatusConflict, "already_configured", "a password is already set")
		return
	}
	a.startSession(c)
}

func (a *Auth) Login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	hash, configured, err := storedHash(c)
	if err != nil {
		a.internal(c, err)
		return
	}
	if !configured {
		abort(c, http.StatusForbidden, "setup_required", "set a password through /auth/setup first")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		abort(c, http.StatusUnauthorized, "invalid_credentials", "wrong password")
		return
	}
	a.startSession(c)
}

func (a *Auth) Logout(c *gin.Context) {
	a.setCookie(c, "", -1)
	c.JSON(http.StatusOK, StatusResponse{})
}

// ChangePassword replaces the password and issues a fresh session.
// Sessions issued before the change stay valid until they expire.
func (a *Auth) ChangePassword(c *gin.Context) {
	var req passwordChange
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	hash, configured, err := storedHash(c)
	if err != nil {
		a.internal(c, err)
		return
	}
	if !configured || bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.CurrentPassword)) != nil {
		abort(c, http.StatusUnauthorized, "invalid_credentials", "current password is wrong")
		return
	}
	next, ok := hashPassword(c, req.NewPassword)
	if !ok {
		return
	}
	if err := db.Settings.SetSetting(c.Request.Context(), db.SettingPasswordHash, next, false); err != nil {
		a.internal(c, err)
		return
	}
	a.startSession(c)
}

func (a *Auth) startSession(c *gin.Context) {
	token, err := a.sign()
	if err != nil {
		a.internal(c, err)
		return
	}
	a.setCookie(c, token, int(sessionTTL.Seconds()))
	c.JSON(http.StatusOK, StatusResponse{Authenticated: true})
}

func (a *Auth) sign() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    tokenIssuer,
		Subject:   tokenSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign session: %w", err)
	}
	return token, nil
}

func (a *Auth) verify(raw string) error {
	_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return a.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(tokenSubject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	return err
}

func (a *Auth) setCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(sessionCookie, value, maxAge, "/", "", a.secure, true)
}

func (a *Auth) internal(c *gin.Context, err error) {
	c.Error(err)
	abort(c, http.StatusInternalServerError, "internal_error", "authentication backend failed")
}

func sessionToken(c *gin.Context) string {
	if v, err := c.Cookie(sessionCookie); err == nil && v != "" {
		return v
	}
	if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// storedHash returns the bcrypt hash and whether setup has happened.
func storedHash(c *gin.Context) (string, bool, error) {
	s, err := db.Settings.GetSetting(c.Request.Context(), db.SettingPasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s.Value, true, nil
}

// hashPassword enforces the length rule and aborts the request on failure.
func hashPassword(c *gin.Context, password string) (string, bool) {
	if len(password) < minPasswordLen {
		abort(c, http.StatusBadRequest, "validation_error",
			fmt.Sprintf("password must be at least %d characters", minPasswordLen))
		return "", false
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		c.Error(err)
		abort(c, http.StatusBadRequest, "validation_error", "password cannot be hashed")
		return "", false
	}
	return string(hash), true
}
