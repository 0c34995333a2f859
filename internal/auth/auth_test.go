package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sniplink/sniplink/internal/auth"
	"github.com/sniplink/sniplink/internal/db"
	"github.com/sniplink/sniplink/internal/repo"
)

func newTestAuthenticator(t *testing.T) (*auth.Authenticator, *repo.UsersRepo) {
	t.Helper()

	conn, err := db.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	users := repo.NewUsersRepo(conn)
	return auth.NewAuthenticator(users, "test-secret"), users
}

func createUser(t *testing.T, users *repo.UsersRepo, username, password string) *repo.User {
	t.Helper()

	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	user, err := users.Create(context.Background(), "Test", "Person", username, username+"@example.com", hash)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func TestAuthenticateAndVerify(t *testing.T) {
	auther, users := newTestAuthenticator(t)
	user := createUser(t, users, "tokenuser", "Sup3rSecret!")

	token, err := auther.Authenticate(context.Background(), "tokenuser", "Sup3rSecret!")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	identity, err := auther.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.Username != "tokenuser" || identity.UserID != user.ID {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	auther, users := newTestAuthenticator(t)
	createUser(t, users, "tokenuser", "Sup3rSecret!")

	if _, err := auther.Authenticate(context.Background(), "tokenuser", "wrong"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("wrong password: expected ErrUnauthorized, got %v", err)
	}
	if _, err := auther.Authenticate(context.Background(), "nobody", "Sup3rSecret!"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("unknown user: expected ErrUnauthorized, got %v", err)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	auther, users := newTestAuthenticator(t)
	createUser(t, users, "tokenuser", "Sup3rSecret!")

	token, err := auther.Authenticate(context.Background(), "tokenuser", "Sup3rSecret!")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	other := auth.NewAuthenticator(users, "different-secret")
	if _, err := other.Verify(token); err == nil {
		t.Fatal("token signed with another secret was accepted")
	}

	if _, err := auther.Verify("not.a.token"); err == nil {
		t.Fatal("malformed token was accepted")
	}
}
