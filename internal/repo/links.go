package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/sniplink/sniplink/internal"
)

// codeLength is the number of hex digits kept from the digest.
// Twelve digits keep truncation collisions vanishingly rare while
// staying short enough for a link.
const codeLength = 12

// DeriveCode maps a URL to its short code: a truncated hex-encoded
// sha256 digest. Deterministic, so re-submitting the same URL surfaces
// the existing link instead of minting a duplicate.
func DeriveCode(originalURL string) string {
	sum := sha256.Sum256([]byte(originalURL))
	return hex.EncodeToString(sum[:])[:codeLength]
}

type Link struct {
	ID             int64    `json:"id"`
	OwnerID        int64    `json:"-"`
	OriginalURL    string   `json:"original_url"`
	ShortCode      string   `json:"short_code"`
	CustomAlias    string   `json:"custom_alias,omitempty"`
	ClickCount     int64    `json:"click_count"`
	LastClickedAt  *Date    `json:"last_clicked_at"`
	ClickLocations []string `json:"click_locations"`
	QRImage        []byte   `json:"-"`
	CreatedAt      Date     `json:"created_at"`
}

type linkRow struct {
	ID             int64          `db:"id" goqu:"skipinsert,skipupdate"`
	UserID         int64          `db:"user_id"`
	OriginalURL    string         `db:"original_url"`
	ShortCode      string         `db:"short_code"`
	CustomAlias    sql.NullString `db:"custom_alias"`
	ClickCount     int64          `db:"click_count"`
	LastClickedAt  *Date          `db:"last_clicked_at"`
	ClickLocations Locations      `db:"click_locations"`
	QRImage        []byte         `db:"qr_image"`
	CreatedAt      Date           `db:"created_at" goqu:"skipupdate"`
}

var linkCols = []any{
	"id", "user_id", "original_url", "short_code", "custom_alias",
	"click_count", "last_clicked_at", "click_locations", "qr_image", "created_at",
}

// matchCode is the one lookup predicate for links: a code identifies a
// link when it equals either the short code or the custom alias. Every
// lookup in the repo goes through it, never a single-column filter.
func matchCode(code string) goqu.Expression {
	return goqu.Or(
		goqu.C("short_code").Eq(code),
		goqu.C("custom_alias").Eq(code),
	)
}

type LinksRepo struct {
	db *sql.DB
}

func NewLinksRepo(db *sql.DB) *LinksRepo {
	return &LinksRepo{db: db}
}

// Create shortens originalURL for the given owner. Re-submitting a URL
// the owner already shortened returns the existing link unchanged. A
// derived code already held by another link is a hard failure; the
// UNIQUE constraint on short_code is the authoritative guard and the
// pre-check only an optimization.
func (r *LinksRepo) Create(ctx context.Context, ownerID int64, originalURL string) (*Link, error) {
	executor := goqu.New("sqlite", r.db)

	var existing linkRow
	found, err := executor.From("links").
		Where(goqu.Ex{"user_id": ownerID, "original_url": originalURL}).
		Select(linkCols...).
		ScanStructContext(ctx, &existing)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing link: %w", err)
	}
	if found {
		log.Debug().Int64("id", existing.ID).Str("code", existing.ShortCode).Msg("url already shortened, reusing link")
		return existing.toDomain(), nil
	}

	code := DeriveCode(originalURL)

	taken, err := codeTaken(ctx, executor, code, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to check code uniqueness: %w", err)
	}
	if taken {
		log.Warn().Str("code", code).Msg("derived code collides with an existing link")
		return nil, internal.ErrCodeCollision
	}

	now := Date(time.Now().UTC())
	query := executor.Insert("links").
		Cols("user_id", "original_url", "short_code", "click_count", "click_locations", "created_at").
		Vals([]any{ownerID, originalURL, code, 0, Locations{}, now}).
		Returning(linkCols...)

	var row linkRow
	found, err = query.Executor().ScanStructContext(ctx, &row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, internal.ErrCodeCollision
		}
		log.Error().Err(err).Str("code", code).Msg("failed to create link")
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("link creation returned no rows")
	}

	link := row.toDomain()
	log.Info().Int64("id", link.ID).Str("code", link.ShortCode).Msg("link created")

	return link, nil
}

// ByCode resolves a link by either identifier, regardless of owner.
// This is the anonymous redirect path.
func (r *LinksRepo) ByCode(ctx context.Context, code string) (*Link, error) {
	executor := goqu.New("sqlite", r.db)
	return scanLink(ctx, executor.From("links").Where(matchCode(code)))
}

// ByCodeForUser resolves a link by either identifier, scoped to its
// owner. A code held by another user is indistinguishable from a
// missing one.
func (r *LinksRepo) ByCodeForUser(ctx context.Context, ownerID int64, code string) (*Link, error) {
	executor := goqu.New("sqlite", r.db)
	return scanLink(ctx, executor.From("links").
		Where(goqu.C("user_id").Eq(ownerID), matchCode(code)))
}

func (r *LinksRepo) ListByOwner(ctx context.Context, ownerID int64) ([]*Link, error) {
	executor := goqu.New("sqlite", r.db)

	var rows []linkRow
	err := executor.From("links").
		Where(goqu.C("user_id").Eq(ownerID)).
		Select(linkCols...).
		Order(goqu.C("created_at").Desc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}

	links := make([]*Link, len(rows))
	for i, row := range rows {
		links[i] = row.toDomain()
	}
	return links, nil
}

// SetCustomAlias assigns alias to the owner's link identified by code.
// The alias shares one namespace with every short code and every other
// alias; any collision fails the call and leaves the link unmodified.
func (r *LinksRepo) SetCustomAlias(ctx context.Context, ownerID int64, code, alias string) (*Link, error) {
	executor := goqu.New("sqlite", r.db)

	tx, err := executor.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	var link *Link
	err = tx.Wrap(func() error {
		row, err := scanLinkRow(ctx, tx.From("links").
			Where(goqu.C("user_id").Eq(ownerID), matchCode(code)))
		if err != nil {
			return err
		}

		taken, err := codeTaken(ctx, tx, alias, row.ID)
		if err != nil {
			return fmt.Errorf("failed to check alias uniqueness: %w", err)
		}
		if taken {
			return internal.ErrAliasTaken
		}

		_, err = tx.Update("links").
			Set(goqu.Record{"custom_alias": alias}).
			Where(goqu.C("id").Eq(row.ID)).
			Executor().ExecContext(ctx)
		if err != nil {
			if isUniqueViolation(err) {
				return internal.ErrAliasTaken
			}
			return err
		}

		row.CustomAlias = sql.NullString{String: alias, Valid: true}
		link = row.toDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Int64("id", link.ID).Str("alias", alias).Msg("custom alias set")
	return link, nil
}

// AttachQR stores the QR image for the owner's link. A second attach
// is rejected with ErrQRExists and leaves the stored bytes untouched.
func (r *LinksRepo) AttachQR(ctx context.Context, ownerID int64, code string, image []byte) error {
	executor := goqu.New("sqlite", r.db)

	tx, err := executor.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	return tx.Wrap(func() error {
		row, err := scanLinkRow(ctx, tx.From("links").
			Where(goqu.C("user_id").Eq(ownerID), matchCode(code)))
		if err != nil {
			return err
		}

		if len(row.QRImage) > 0 {
			return internal.ErrQRExists
		}

		_, err = tx.Update("links").
			Set(goqu.Record{"qr_image": image}).
			Where(goqu.C("id").Eq(row.ID)).
			Executor().ExecContext(ctx)
		return err
	})
}

// Delete removes the owner's link identified by code.
func (r *LinksRepo) Delete(ctx context.Context, ownerID int64, code string) error {
	executor := goqu.New("sqlite", r.db)

	res, err := executor.Delete("links").
		Where(goqu.C("user_id").Eq(ownerID), matchCode(code)).
		Executor().ExecContext(ctx)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return internal.ErrLinkNotFound
	}

	log.Info().Int64("user_id", ownerID).Str("code", code).Msg("link deleted")
	return nil
}

// RecordClick applies one click to the link identified by code:
// increment the count, stamp the click time and append the location
// label when one was obtained. An empty location means the lookup
// failed or was skipped; the click still counts. The update is a
// single relative statement so concurrent clicks serialize instead of
// tripping over each other's snapshots.
func (r *LinksRepo) RecordClick(ctx context.Context, code, location string) (*Link, error) {
	executor := goqu.New("sqlite", r.db)

	record := goqu.Record{
		"click_count":     goqu.L("click_count + 1"),
		"last_clicked_at": Date(time.Now().UTC()),
	}
	if location != "" {
		record["click_locations"] = goqu.L("json_insert(click_locations, '$[#]', ?)", location)
	}

	res, err := executor.Update("links").
		Set(record).
		Where(matchCode(code)).
		Executor().ExecContext(ctx)
	if err != nil {
		return nil, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, internal.ErrLinkNotFound
	}

	link, err := scanLink(ctx, executor.From("links").Where(matchCode(code)))
	if err != nil {
		return nil, err
	}

	log.Debug().Int64("id", link.ID).Int64("clicks", link.ClickCount).Msg("click recorded")
	return link, nil
}

// database is the slice of goqu.Database / goqu.TxDatabase the
// uniqueness check needs, so it runs both inside and outside a tx.
type database interface {
	From(from ...any) *goqu.SelectDataset
}

func codeTaken(ctx context.Context, db database, code string, excludeID int64) (bool, error) {
	query := db.From("links").Where(matchCode(code))
	if excludeID != 0 {
		query = query.Where(goqu.C("id").Neq(excludeID))
	}
	count, err := query.CountContext(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func scanLink(ctx context.Context, query *goqu.SelectDataset) (*Link, error) {
	row, err := scanLinkRow(ctx, query)
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func scanLinkRow(ctx context.Context, query *goqu.SelectDataset) (*linkRow, error) {
	var row linkRow
	found, err := query.Select(linkCols...).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, internal.ErrLinkNotFound
	}
	return &row, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *linkRow) toDomain() *Link {
	link := &Link{
		ID:             r.ID,
		OwnerID:        r.UserID,
		OriginalURL:    r.OriginalURL,
		ShortCode:      r.ShortCode,
		ClickCount:     r.ClickCount,
		LastClickedAt:  r.LastClickedAt,
		ClickLocations: r.ClickLocations,
		QRImage:        r.QRImage,
		CreatedAt:      r.CreatedAt,
	}
	if r.CustomAlias.Valid {
		link.CustomAlias = r.CustomAlias.String
	}
	if link.ClickLocations == nil {
		link.ClickLocations = []string{}
	}
	return link
}
