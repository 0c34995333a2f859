package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/rs/zerolog/log"

	"github.com/sniplink/sniplink/internal"
)

type User struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"firstname"`
	LastName     string `json:"lastname"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	CreatedAt    Date   `json:"created_at"`
}

type userRow struct {
	ID           int64  `db:"id" goqu:"skipinsert,skipupdate"`
	FirstName    string `db:"first_name"`
	LastName     string `db:"last_name"`
	Username     string `db:"username"`
	Email        string `db:"email"`
	PasswordHash string `db:"password_hash"`
	CreatedAt    Date   `db:"created_at" goqu:"skipupdate"`
}

var userCols = []any{
	"id", "first_name", "last_name", "username", "email", "password_hash", "created_at",
}

type UsersRepo struct {
	db *sql.DB
}

func NewUsersRepo(db *sql.DB) *UsersRepo {
	return &UsersRepo{db: db}
}

// Create registers a new account. Username and email are each unique
// across all users.
func (r *UsersRepo) Create(ctx context.Context, firstName, lastName, username, email, passwordHash string) (*User, error) {
	executor := goqu.New("sqlite", r.db)

	if err := r.checkAvailable(ctx, executor, username, email); err != nil {
		return nil, err
	}

	now := Date(time.Now().UTC())
	query := executor.Insert("users").
		Cols("first_name", "last_name", "username", "email", "password_hash", "created_at").
		Vals([]any{firstName, lastName, username, email, passwordHash, now}).
		Returning(userCols...)

	var row userRow
	found, err := query.Executor().ScanStructContext(ctx, &row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, userConflictError(err)
		}
		log.Error().Err(err).Str("username", username).Msg("failed to create user")
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("user creation returned no rows")
	}

	user := row.toDomain()
	log.Info().Int64("id", user.ID).Str("username", user.Username).Msg("user created")

	return user, nil
}

func (r *UsersRepo) ByUsername(ctx context.Context, username string) (*User, error) {
	executor := goqu.New("sqlite", r.db)
	return r.scanUser(ctx, executor, goqu.Ex{"username": username})
}

func (r *UsersRepo) ByID(ctx context.Context, id int64) (*User, error) {
	executor := goqu.New("sqlite", r.db)
	return r.scanUser(ctx, executor, goqu.Ex{"id": id})
}

// UpdateDetails replaces the profile fields of the user. The new
// username and email must not belong to anyone else.
func (r *UsersRepo) UpdateDetails(ctx context.Context, id int64, firstName, lastName, username, email string) (*User, error) {
	executor := goqu.New("sqlite", r.db)

	var conflict userRow
	found, err := executor.From("users").
		Where(goqu.Or(goqu.Ex{"username": username}, goqu.Ex{"email": email}), goqu.C("id").Neq(id)).
		Select(userCols...).
		ScanStructContext(ctx, &conflict)
	if err != nil {
		return nil, fmt.Errorf("failed to check profile uniqueness: %w", err)
	}
	if found {
		if conflict.Username == username {
			return nil, internal.ErrUsernameTaken
		}
		return nil, internal.ErrEmailTaken
	}

	_, err = executor.Update("users").
		Set(goqu.Record{
			"first_name": firstName,
			"last_name":  lastName,
			"username":   username,
			"email":      email,
		}).
		Where(goqu.C("id").Eq(id)).
		Executor().ExecContext(ctx)
	if err != nil {
		return nil, err
	}

	return r.ByID(ctx, id)
}

// UpdatePassword stores a new password hash for the user.
func (r *UsersRepo) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	executor := goqu.New("sqlite", r.db)

	res, err := executor.Update("users").
		Set(goqu.Record{"password_hash": passwordHash}).
		Where(goqu.C("id").Eq(id)).
		Executor().ExecContext(ctx)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return internal.ErrUserNotFound
	}
	return nil
}

// Delete removes the account. The foreign key cascade deletes every
// link the user owns.
func (r *UsersRepo) Delete(ctx context.Context, id int64) error {
	executor := goqu.New("sqlite", r.db)

	res, err := executor.Delete("users").
		Where(goqu.C("id").Eq(id)).
		Executor().ExecContext(ctx)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return internal.ErrUserNotFound
	}

	log.Info().Int64("id", id).Msg("user deleted")
	return nil
}

// userConflictError maps a UNIQUE violation on the users table to the
// sentinel of the column that fired.
func userConflictError(err error) error {
	if strings.Contains(err.Error(), "users.email") {
		return internal.ErrEmailTaken
	}
	return internal.ErrUsernameTaken
}

func (r *UsersRepo) checkAvailable(ctx context.Context, executor *goqu.Database, username, email string) error {
	var existing userRow
	found, err := executor.From("users").
		Where(goqu.Or(goqu.Ex{"username": username}, goqu.Ex{"email": email})).
		Select(userCols...).
		ScanStructContext(ctx, &existing)
	if err != nil {
		return fmt.Errorf("failed to check user uniqueness: %w", err)
	}
	if !found {
		return nil
	}
	if existing.Username == username {
		return internal.ErrUsernameTaken
	}
	return internal.ErrEmailTaken
}

func (r *UsersRepo) scanUser(ctx context.Context, executor *goqu.Database, where goqu.Ex) (*User, error) {
	var row userRow
	found, err := executor.From("users").Where(where).Select(userCols...).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, internal.ErrUserNotFound
	}
	return row.toDomain(), nil
}

func (r *userRow) toDomain() *User {
	return &User{
		ID:           r.ID,
		FirstName:    r.FirstName,
		LastName:     r.LastName,
		Username:     r.Username,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		CreatedAt:    r.CreatedAt,
	}
}
