package handler

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/sniplink/sniplink/internal"
	"github.com/sniplink/sniplink/internal/auth"
	"github.com/sniplink/sniplink/internal/repo"
)

const passwordSpecials = "!@#$%^&*()<>?:,.;{}|"

type AuthHandler struct {
	users  *repo.UsersRepo
	auther *auth.Authenticator
}

func NewAuthHandler(users *repo.UsersRepo, auther *auth.Authenticator) *AuthHandler {
	return &AuthHandler{users: users, auther: auther}
}

type SignupRequest struct {
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

func (r *SignupRequest) Validate() error {
	r.Username = strings.ReplaceAll(r.Username, " ", "")

	if len(r.FirstName) < 3 || len(r.LastName) < 3 {
		return errors.New("first and last name must each be at least 3 characters")
	}
	if err := validateUsername(r.Username); err != nil {
		return err
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return errors.New("invalid email address")
	}
	return validatePassword(r.Password)
}

func (h *AuthHandler) Signup(c echo.Context) error {
	ctx := c.Request().Context()

	var req SignupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Error().Err(err).Msg("failed to hash password")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to sign up")
	}

	if _, err := h.users.Create(ctx, req.FirstName, req.LastName, req.Username, req.Email, hash); err != nil {
		if errors.Is(err, internal.ErrUsernameTaken) || errors.Is(err, internal.ErrEmailTaken) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		log.Error().Err(err).Str("username", req.Username).Msg("failed to create user")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to sign up")
	}

	return c.JSON(http.StatusCreated, map[string]string{"detail": "user signed up successfully"})
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (h *AuthHandler) Login(c echo.Context) error {
	ctx := c.Request().Context()

	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	token, err := h.auther.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	return c.JSON(http.StatusOK, TokenResponse{AccessToken: token, TokenType: "bearer"})
}

type ProfileResponse struct {
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Username  string `json:"username"`
	Email     string `json:"email"`
}

func (h *AuthHandler) GetProfile(c echo.Context) error {
	ctx := c.Request().Context()

	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return echo.ErrUnauthorized
	}

	user, err := h.users.ByID(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, internal.ErrUserNotFound) {
			return echo.ErrUnauthorized
		}
		log.Error().Err(err).Int64("user_id", identity.UserID).Msg("failed to load profile")
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, ProfileResponse{
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Username:  user.Username,
		Email:     user.Email,
	})
}

type UpdateProfileRequest struct {
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Username  string `json:"username"`
	Email     string `json:"email"`
}

func (r *UpdateProfileRequest) Validate() error {
	r.Username = strings.ReplaceAll(r.Username, " ", "")

	if len(r.FirstName) < 3 || len(r.LastName) < 3 {
		return errors.New("first and last name must each be at least 3 characters")
	}
	if err := validateUsername(r.Username); err != nil {
		return err
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return errors.New("invalid email address")
	}
	return nil
}

func (h *AuthHandler) UpdateProfile(c echo.Context) error {
	ctx := c.Request().Context()

	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return echo.ErrUnauthorized
	}

	var req UpdateProfileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	user, err := h.users.UpdateDetails(ctx, identity.UserID, req.FirstName, req.LastName, req.Username, req.Email)
	if err != nil {
		if errors.Is(err, internal.ErrUsernameTaken) || errors.Is(err, internal.ErrEmailTaken) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		log.Error().Err(err).Int64("user_id", identity.UserID).Msg("failed to update profile")
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, ProfileResponse{
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Username:  user.Username,
		Email:     user.Email,
	})
}

type ResetPasswordRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

func (r *ResetPasswordRequest) Validate() error {
	if r.Username == "" || r.Email == "" {
		return errors.New("username and email are required")
	}
	if r.NewPassword != r.ConfirmPassword {
		return errors.New("passwords do not match")
	}
	return validatePassword(r.NewPassword)
}

func (h *AuthHandler) ResetPassword(c echo.Context) error {
	ctx := c.Request().Context()

	var req ResetPasswordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	user, err := h.users.ByUsername(ctx, req.Username)
	if err != nil || user.Email != req.Email {
		return echo.NewHTTPError(http.StatusNotFound, internal.ErrUserNotFound.Error())
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		log.Error().Err(err).Msg("failed to hash password")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to reset password")
	}

	if err := h.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		log.Error().Err(err).Int64("user_id", user.ID).Msg("failed to reset password")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to reset password")
	}

	return c.JSON(http.StatusOK, map[string]string{"detail": "password reset successfully"})
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (r *ChangePasswordRequest) Validate() error {
	if r.CurrentPassword == "" {
		return errors.New("current password is required")
	}
	return validatePassword(r.NewPassword)
}

// ChangePassword replaces the caller's password. Unlike the reset
// flow it requires a valid token and proof of the current password.
func (h *AuthHandler) ChangePassword(c echo.Context) error {
	ctx := c.Request().Context()

	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return echo.ErrUnauthorized
	}

	var req ChangePasswordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if _, err := h.auther.Authenticate(ctx, identity.Username, req.CurrentPassword); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid password")
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		log.Error().Err(err).Msg("failed to hash password")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to change password")
	}

	if err := h.users.UpdatePassword(ctx, identity.UserID, hash); err != nil {
		log.Error().Err(err).Int64("user_id", identity.UserID).Msg("failed to change password")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to change password")
	}

	return c.JSON(http.StatusOK, map[string]string{"detail": "password updated successfully"})
}

// DeleteAccount removes the account and, through the cascade, every
// link it owns.
func (h *AuthHandler) DeleteAccount(c echo.Context) error {
	ctx := c.Request().Context()

	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return echo.ErrUnauthorized
	}

	if err := h.users.Delete(ctx, identity.UserID); err != nil {
		if errors.Is(err, internal.ErrUserNotFound) {
			return echo.ErrUnauthorized
		}
		log.Error().Err(err).Int64("user_id", identity.UserID).Msg("failed to delete account")
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.NoContent(http.StatusNoContent)
}

func validateUsername(username string) error {
	if len(username) < 8 {
		return errors.New("username must be at least 8 characters")
	}
	if len(username) > 15 {
		return errors.New("username must be at most 15 characters")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 8 {
		return errors.New("password must contain at least 8 characters")
	}
	hasUpper := false
	for _, r := range password {
		if unicode.IsUpper(r) {
			hasUpper = true
			break
		}
	}
	if !hasUpper {
		return errors.New("password must contain at least one upper-case character")
	}
	if !strings.ContainsAny(password, passwordSpecials) {
		return errors.New("password must contain at least one special character")
	}
	return nil
}
