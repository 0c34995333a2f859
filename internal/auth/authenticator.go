package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/sniplink/sniplink/internal/repo"
)

const tokenExpiry = 24 * time.Hour

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the verified (username, user id) pair attached to every
// authenticated request.
type Identity struct {
	Username string
	UserID   int64
}

type claims struct {
	UserID int64 `json:"uid"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	users     *repo.UsersRepo
	jwtSecret string
}

func NewAuthenticator(users *repo.UsersRepo, jwtSecret string) *Authenticator {
	return &Authenticator{users: users, jwtSecret: jwtSecret}
}

// Authenticate checks the credentials against the users store and
// issues a bearer token. Unknown usernames and wrong passwords are
// indistinguishable to the caller.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (string, error) {
	user, err := a.users.ByUsername(ctx, username)
	if err != nil {
		return "", ErrUnauthorized
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", ErrUnauthorized
	}

	return a.signToken(user.Username, user.ID)
}

// Verify parses and validates a bearer token and returns the identity
// it carries.
func (a *Authenticator) Verify(tokenStr string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.jwtSecret), nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("failed to parse token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid || c.Subject == "" || c.UserID == 0 {
		return Identity{}, errors.New("invalid token claims")
	}

	return Identity{Username: c.Subject, UserID: c.UserID}, nil
}

func (a *Authenticator) signToken(username string, userID int64) (string, error) {
	now := time.Now()
	c := &claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString([]byte(a.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
