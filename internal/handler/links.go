package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/sniplink/sniplink/internal"
	"github.com/sniplink/sniplink/internal/auth"
	"github.com/sniplink/sniplink/internal/geo"
	"github.com/sniplink/sniplink/internal/qr"
	"github.com/sniplink/sniplink/internal/repo"
)

const geoTimeout = 2 * time.Second

type LinkHandler struct {
	links   *repo.LinksRepo
	locator geo.Locator
	baseURL *url.URL
}

func NewLinkHandler(links *repo.LinksRepo, locator geo.Locator, baseURL *url.URL) *LinkHandler {
	return &LinkHandler{
		links:   links,
		locator: locator,
		baseURL: baseURL,
	}
}

type CreateLinkRequest struct {
	URL string `json:"url"`
}

func (r *CreateLinkRequest) Validate() error {
	if r.URL == "" {
		return errors.New("url is required")
	}
	if !isValidURL(r.URL) {
		return errors.New("url must be absolute with a scheme and a host")
	}
	return nil
}

type LinkResponse struct {
	ID          int64  `json:"id"`
	OriginalURL string `json:"original_url"`
	ShortCode   string `json:"short_code"`
	ShortURL    string `json:"short_url"`
	CustomAlias string `json:"custom_alias,omitempty"`
	CreatedAt   any    `json:"created_at"`
}

type AnalysisResponse struct {
	OriginalURL    string   `json:"original_url"`
	ShortCode      string   `json:"short_code"`
	ShortURL       string   `json:"short_url"`
	CustomAlias    string   `json:"custom_alias,omitempty"`
	ClickCount     int64    `json:"click_count"`
	LastClickedAt  any      `json:"last_clicked_at"`
	ClickLocations []string `json:"click_locations"`
}

type CreateLinkResponse struct {
	Link LinkResponse `json:"link"`
}

type ListLinksResponse struct {
	Links []LinkResponse `json:"links"`
}

func (h *LinkHandler) CreateLink(c echo.Context) error {
	ctx := c.Request().Context()

	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return echo.ErrUnauthorized
	}

	var req CreateLinkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	link, err := h.links.Create(ctx, identity.UserID, req.URL)
	if err != nil {
		if errors.Is(err, internal.ErrCodeCollision) {
			return echo.NewHTTPError(http.StatusConflict, internal.ErrCodeCollision.Error())
		}
		log.Error().Err(err).Str("url", req.URL).Msg("failed to create link")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create link, please retry")
	}

	return c.JSON(http.StatusCreated, CreateLinkResponse{Link: h.toResponse(link)})
}

func (h *LinkHandler) ListLinks(c echo.Context) error {
	ctx := c.Request().Context()

	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return echo.ErrUnauthorized
	}

	links, err := h.links.ListByOwner(ctx, identity.UserID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", identity.UserID).Msg("failed to list links")
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	responses := lo.Map(links, func(link *repo.Link, _ int) LinkResponse {
		return h.toResponse(link)
	})

	return c.JSON(http.StatusOK, ListLinksResponse{Links: responses})
}

// GetOriginal resolves a short code or custom alias back to the
// original URL, scoped to the caller's own links.
func (h *LinkHandler) GetOriginal(c echo.Context) error {
	link, err := h.ownedLink(c)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"original_url": link.OriginalURL})
}

type CustomizeRequest struct {
	Code   string `json:"code"`
	Domain string `json:"domain"`
}

func (r *CustomizeRequest) Validate() error {
	if r.Code == "" {
		return errors.New("code is required")
	}
	if r.Domain == "" {
		return errors.New("domain is required")
	}
	return nil
}

// Customize builds a custom alias for the link by swapping the domain
// label of its short URL, keeping the generated path segment.
func (h *LinkHandler) Customize(c echo.Context) error {
	ctx := c.Request().Context()

	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return echo.ErrUnauthorized
	}

	var req CustomizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	link, err := h.links.ByCodeForUser(ctx, identity.UserID, req.Code)
	if err != nil {
		return h.linkError(err, req.Code)
	}

	alias, err := h.buildAlias(req.Domain, link.ShortCode)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	link, err = h.links.SetCustomAlias(ctx, identity.UserID, req.Code, alias)
	if err != nil {
		if errors.Is(err, internal.ErrAliasTaken) {
			return echo.NewHTTPError(http.StatusConflict, internal.ErrAliasTaken.Error())
		}
		return h.linkError(err, req.Code)
	}

	return c.JSON(http.StatusOK, CreateLinkResponse{Link: h.toResponse(link)})
}

// GenerateQR renders and stores the QR image for a link. A second
// request is a no-op reported as informational, not a failure.
func (h *LinkHandler) GenerateQR(c echo.Context) error {
	ctx := c.Request().Context()

	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return echo.ErrUnauthorized
	}

	link, err := h.ownedLink(c)
	if err != nil {
		return err
	}

	image, err := qr.Encode(h.shortURL(link))
	if err != nil {
		log.Error().Err(err).Str("code", link.ShortCode).Msg("failed to encode qr image")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate qr code")
	}

	if err := h.links.AttachQR(ctx, identity.UserID, link.ShortCode, image); err != nil {
		if errors.Is(err, internal.ErrQRExists) {
			return c.JSON(http.StatusOK, map[string]string{"detail": "qr code already generated"})
		}
		return h.linkError(err, link.ShortCode)
	}

	return c.JSON(http.StatusCreated, map[string]string{"detail": "qr code generated"})
}

func (h *LinkHandler) GetQR(c echo.Context) error {
	link, err := h.ownedLink(c)
	if err != nil {
		return err
	}

	if len(link.QRImage) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, internal.ErrQRNotFound.Error())
	}

	return c.Blob(http.StatusOK, "image/png", link.QRImage)
}

// Analysis returns the current metrics of the caller's link.
func (h *LinkHandler) Analysis(c echo.Context) error {
	link, err := h.ownedLink(c)
	if err != nil {
		return err
	}

	resp := AnalysisResponse{
		OriginalURL:    link.OriginalURL,
		ShortCode:      link.ShortCode,
		ShortURL:       h.shortURL(link),
		CustomAlias:    link.CustomAlias,
		ClickCount:     link.ClickCount,
		ClickLocations: link.ClickLocations,
	}
	if link.LastClickedAt != nil {
		resp.LastClickedAt = link.LastClickedAt
	}
	if resp.ClickLocations == nil {
		resp.ClickLocations = []string{}
	}

	return c.JSON(http.StatusOK, resp)
}

func (h *LinkHandler) DeleteLink(c echo.Context) error {
	ctx := c.Request().Context()

	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return echo.ErrUnauthorized
	}

	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}

	if err := h.links.Delete(ctx, identity.UserID, code); err != nil {
		return h.linkError(err, code)
	}

	return c.NoContent(http.StatusNoContent)
}

// Redirect is the anonymous resolution path: it records the click
// (count, time, best-effort location) atomically and forwards to the
// original URL.
func (h *LinkHandler) Redirect(c echo.Context) error {
	ctx := c.Request().Context()
	code := c.Param("code")

	// Unknown codes must not pay for the location lookup.
	if _, err := h.links.ByCode(ctx, code); err != nil {
		if errors.Is(err, internal.ErrLinkNotFound) {
			log.Warn().Str("code", code).Msg("link not found")
			return echo.NewHTTPError(http.StatusNotFound, internal.ErrLinkNotFound.Error())
		}
		log.Error().Err(err).Str("code", code).Msg("failed to resolve link")
		return echo.NewHTTPError(http.StatusInternalServerError, "temporary failure, please retry")
	}

	location := h.lookupLocation(ctx, getClientIP(c.Request()))

	link, err := h.links.RecordClick(ctx, code, location)
	if err != nil {
		if errors.Is(err, internal.ErrLinkNotFound) {
			log.Warn().Str("code", code).Msg("link not found")
			return echo.NewHTTPError(http.StatusNotFound, internal.ErrLinkNotFound.Error())
		}
		log.Error().Err(err).Str("code", code).Msg("failed to record click")
		return echo.NewHTTPError(http.StatusInternalServerError, "temporary failure, please retry")
	}

	log.Info().Str("code", code).Int64("clicks", link.ClickCount).Msg("redirecting link")
	return c.Redirect(http.StatusMovedPermanently, link.OriginalURL)
}

// lookupLocation resolves the client address to a coarse label. It is
// bounded by geoTimeout and any failure yields an empty label.
func (h *LinkHandler) lookupLocation(ctx context.Context, addr string) string {
	ctx, cancel := context.WithTimeout(ctx, geoTimeout)
	defer cancel()

	location, err := h.locator.Locate(ctx, addr)
	if err != nil {
		log.Debug().Str("addr", addr).Msg("no location for click")
		return ""
	}
	return location
}

// ownedLink resolves the ?code= query parameter against the caller's
// own links.
func (h *LinkHandler) ownedLink(c echo.Context) (*repo.Link, error) {
	ctx := c.Request().Context()

	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		return nil, echo.ErrUnauthorized
	}

	code := c.QueryParam("code")
	if code == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}

	link, err := h.links.ByCodeForUser(ctx, identity.UserID, code)
	if err != nil {
		return nil, h.linkError(err, code)
	}
	return link, nil
}

// linkError maps repo errors to HTTP responses. Not-found never
// reveals whether the code exists under another owner.
func (h *LinkHandler) linkError(err error, code string) error {
	if errors.Is(err, internal.ErrLinkNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, internal.ErrLinkNotFound.Error())
	}
	log.Error().Err(err).Str("code", code).Msg("link operation failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "temporary failure, please retry")
}

func (h *LinkHandler) toResponse(link *repo.Link) LinkResponse {
	return LinkResponse{
		ID:          link.ID,
		OriginalURL: link.OriginalURL,
		ShortCode:   link.ShortCode,
		ShortURL:    h.shortURL(link),
		CustomAlias: link.CustomAlias,
		CreatedAt:   link.CreatedAt,
	}
}

func (h *LinkHandler) shortURL(link *repo.Link) string {
	u := *h.baseURL
	u.Path = "/" + link.ShortCode
	return u.String()
}

// buildAlias substitutes the domain label of the short URL while
// keeping the generated path segment. The domain may be given bare
// ("example.org") or as a URL.
func (h *LinkHandler) buildAlias(domain, code string) (string, error) {
	host := strings.TrimSpace(domain)
	if strings.Contains(host, "://") {
		parsed, err := url.Parse(host)
		if err != nil || parsed.Host == "" {
			return "", errors.New("invalid alias domain")
		}
		host = parsed.Host
	}
	host = strings.Trim(host, "/")

	candidate := url.URL{
		Scheme: h.baseURL.Scheme,
		Host:   host,
		Path:   "/" + code,
	}

	if !isValidURL(candidate.String()) || strings.ContainsAny(host, " /?#") {
		return "", errors.New("invalid alias domain")
	}
	return candidate.String(), nil
}

// isValidURL is a syntax-only check: scheme and host must be present.
func isValidURL(raw string) bool {
	parsed, err := url.Parse(raw)
	return err == nil && parsed.Scheme != "" && parsed.Host != ""
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	// Try X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return xri
		}
	}

	// Fall back to RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}
