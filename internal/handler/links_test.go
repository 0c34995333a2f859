package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/sniplink/sniplink/internal/auth"
	"github.com/sniplink/sniplink/internal/db"
	"github.com/sniplink/sniplink/internal/geo"
	"github.com/sniplink/sniplink/internal/handler"
	"github.com/sniplink/sniplink/internal/repo"
)

// fixedLocator always reports the same label, or none when empty.
type fixedLocator struct {
	label string
}

func (l fixedLocator) Locate(context.Context, string) (string, error) {
	if l.label == "" {
		return "", geo.ErrUnavailable
	}
	return l.label, nil
}

// countingLocator records how many lookups were attempted.
type countingLocator struct {
	calls *int32
}

func (l countingLocator) Locate(context.Context, string) (string, error) {
	atomic.AddInt32(l.calls, 1)
	return "", geo.ErrUnavailable
}

func newTestServer(t *testing.T, locator geo.Locator) *httptest.Server {
	t.Helper()

	conn, err := db.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	baseURL, _ := url.Parse("http://snip.test")

	usersRepo := repo.NewUsersRepo(conn)
	linksRepo := repo.NewLinksRepo(conn)
	authenticator := auth.NewAuthenticator(usersRepo, "test-secret")
	authHandler := handler.NewAuthHandler(usersRepo, authenticator)
	linkHandler := handler.NewLinkHandler(linksRepo, locator, baseURL)

	e := echo.New()
	e.POST("/auth/signup", authHandler.Signup)
	e.POST("/auth/login", authHandler.Login)
	e.POST("/auth/reset-password", authHandler.ResetPassword)

	api := e.Group("/api", auth.NewMiddleware(authenticator))
	api.POST("/links", linkHandler.CreateLink)
	api.GET("/links", linkHandler.ListLinks)
	api.GET("/links/original", linkHandler.GetOriginal)
	api.PUT("/links/customize", linkHandler.Customize)
	api.POST("/links/qr", linkHandler.GenerateQR)
	api.GET("/links/qr", linkHandler.GetQR)
	api.GET("/links/analysis", linkHandler.Analysis)
	api.DELETE("/links", linkHandler.DeleteLink)
	api.GET("/me", authHandler.GetProfile)
	api.PUT("/me", authHandler.UpdateProfile)
	api.PUT("/me/password", authHandler.ChangePassword)
	api.DELETE("/me", authHandler.DeleteAccount)

	e.GET("/:code", linkHandler.Redirect)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, rawURL, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, rawURL, buf)
	if err != nil {
		t.Fatalf("%s %s: %v", method, rawURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, rawURL, err)
	}
	data, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()
	return res, data
}

func signupAndLogin(t *testing.T, base, username, email string) string {
	t.Helper()

	res, data := doJSON(t, http.MethodPost, base+"/auth/signup", "", map[string]string{
		"firstname": "Test",
		"lastname":  "Person",
		"username":  username,
		"email":     email,
		"password":  "Sup3rSecret!",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("signup: status %d, body %s", res.StatusCode, data)
	}

	res, data = doJSON(t, http.MethodPost, base+"/auth/login", "", map[string]string{
		"username": username,
		"password": "Sup3rSecret!",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d, body %s", res.StatusCode, data)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if body.AccessToken == "" || body.TokenType != "bearer" {
		t.Fatalf("unexpected token response: %s", data)
	}
	return body.AccessToken
}

func createLink(t *testing.T, base, token, target string) handler.LinkResponse {
	t.Helper()

	res, data := doJSON(t, http.MethodPost, base+"/api/links", token, map[string]string{"url": target})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create link: status %d, body %s", res.StatusCode, data)
	}

	var body handler.CreateLinkResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode link: %v", err)
	}
	return body.Link
}

func TestShortenAndRedirect(t *testing.T) {
	srv := newTestServer(t, fixedLocator{label: "Lagos, Nigeria"})
	token := signupAndLogin(t, srv.URL, "clickuser", "click@example.com")

	link := createLink(t, srv.URL, token, "https://example.com/a")
	if len(link.ShortCode) != 12 {
		t.Fatalf("expected 12-character code, got %q", link.ShortCode)
	}
	if link.ShortURL != "http://snip.test/"+link.ShortCode {
		t.Fatalf("unexpected short url %q", link.ShortURL)
	}

	// Re-submitting the same URL returns the same code.
	again := createLink(t, srv.URL, token, "https://example.com/a")
	if again.ShortCode != link.ShortCode {
		t.Fatalf("resubmission changed the code: %q vs %q", again.ShortCode, link.ShortCode)
	}

	noFollow := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	for i := 0; i < 3; i++ {
		res, err := noFollow.Get(srv.URL + "/" + link.ShortCode)
		if err != nil {
			t.Fatalf("redirect request: %v", err)
		}
		_ = res.Body.Close()
		if res.StatusCode != http.StatusMovedPermanently {
			t.Fatalf("expected redirect, got %d", res.StatusCode)
		}
		if loc := res.Header.Get("Location"); loc != "https://example.com/a" {
			t.Fatalf("unexpected redirect target %q", loc)
		}
	}

	res, data := doJSON(t, http.MethodGet, srv.URL+"/api/links/analysis?code="+link.ShortCode, token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analysis: status %d, body %s", res.StatusCode, data)
	}

	var analysis handler.AnalysisResponse
	if err := json.Unmarshal(data, &analysis); err != nil {
		t.Fatalf("decode analysis: %v", err)
	}
	if analysis.ClickCount != 3 {
		t.Fatalf("expected 3 clicks, got %d", analysis.ClickCount)
	}
	if analysis.LastClickedAt == nil {
		t.Fatal("last_clicked_at not set")
	}
	if len(analysis.ClickLocations) > 3 {
		t.Fatalf("more locations than clicks: %v", analysis.ClickLocations)
	}
}

func TestAnalysisDefaultsToEmptyLocations(t *testing.T) {
	srv := newTestServer(t, fixedLocator{})
	token := signupAndLogin(t, srv.URL, "quietuser", "quiet@example.com")

	link := createLink(t, srv.URL, token, "https://example.com/quiet")

	res, data := doJSON(t, http.MethodGet, srv.URL+"/api/links/analysis?code="+link.ShortCode, token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analysis: status %d, body %s", res.StatusCode, data)
	}

	var analysis handler.AnalysisResponse
	if err := json.Unmarshal(data, &analysis); err != nil {
		t.Fatalf("decode analysis: %v", err)
	}
	if analysis.ClickCount != 0 || analysis.LastClickedAt != nil {
		t.Fatalf("fresh link has click state: %s", data)
	}
	if analysis.ClickLocations == nil || len(analysis.ClickLocations) != 0 {
		t.Fatalf("expected empty locations array, got %v", analysis.ClickLocations)
	}
}

func TestCustomizeAndResolveByAlias(t *testing.T) {
	srv := newTestServer(t, fixedLocator{})
	token := signupAndLogin(t, srv.URL, "aliasuser", "alias@example.com")

	link := createLink(t, srv.URL, token, "https://example.com/a")

	res, data := doJSON(t, http.MethodPut, srv.URL+"/api/links/customize", token, map[string]string{
		"code":   link.ShortCode,
		"domain": "coding.example",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("customize: status %d, body %s", res.StatusCode, data)
	}

	var body handler.CreateLinkResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode customize: %v", err)
	}
	wantAlias := "http://coding.example/" + link.ShortCode
	if body.Link.CustomAlias != wantAlias {
		t.Fatalf("expected alias %q, got %q", wantAlias, body.Link.CustomAlias)
	}

	// The alias is a first-class identifier for owner-scoped lookups.
	res, data = doJSON(t, http.MethodGet, srv.URL+"/api/links/original?code="+url.QueryEscape(wantAlias), token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("original by alias: status %d, body %s", res.StatusCode, data)
	}
	var original map[string]string
	if err := json.Unmarshal(data, &original); err != nil {
		t.Fatalf("decode original: %v", err)
	}
	if original["original_url"] != "https://example.com/a" {
		t.Fatalf("alias resolved wrong url: %s", data)
	}

	other := createLink(t, srv.URL, token, "https://example.com/b")
	res, data = doJSON(t, http.MethodPut, srv.URL+"/api/links/customize", token, map[string]string{
		"code":   other.ShortCode,
		"domain": "bad domain",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid domain, got %d (%s)", res.StatusCode, data)
	}
}

func TestQRGenerationIsIdempotent(t *testing.T) {
	srv := newTestServer(t, fixedLocator{})
	token := signupAndLogin(t, srv.URL, "qrtestuser", "qr@example.com")

	link := createLink(t, srv.URL, token, "https://example.com/a")

	res, data := doJSON(t, http.MethodGet, srv.URL+"/api/links/qr?code="+link.ShortCode, token, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before generation, got %d (%s)", res.StatusCode, data)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/api/links/qr?code="+link.ShortCode, token, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("generate qr: status %d, body %s", res.StatusCode, data)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/api/links/qr?code="+link.ShortCode, token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected informational 200 on regeneration, got %d (%s)", res.StatusCode, data)
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/api/links/qr?code="+link.ShortCode, token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fetch qr: status %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}
	if len(data) == 0 {
		t.Fatal("empty qr image")
	}
}

func TestOwnershipAndDeletion(t *testing.T) {
	srv := newTestServer(t, fixedLocator{})
	tokenA := signupAndLogin(t, srv.URL, "firstowner", "first@example.com")
	tokenB := signupAndLogin(t, srv.URL, "secondowner", "second@example.com")

	link := createLink(t, srv.URL, tokenA, "https://example.com/a")

	// Owner B sees nothing, and cannot tell the code exists at all.
	res, data := doJSON(t, http.MethodGet, srv.URL+"/api/links/original?code="+link.ShortCode, tokenB, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign owner, got %d (%s)", res.StatusCode, data)
	}

	res, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/links?code="+link.ShortCode, tokenB, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign owner deleted the link: %d", res.StatusCode)
	}

	res, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/links?code="+link.ShortCode, tokenA, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status %d", res.StatusCode)
	}

	noFollow := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := noFollow.Get(srv.URL + "/" + link.ShortCode)
	if err != nil {
		t.Fatalf("redirect request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestRedirectUnknownCodeSkipsLocationLookup(t *testing.T) {
	var calls int32
	srv := newTestServer(t, countingLocator{calls: &calls})

	res, err := http.Get(srv.URL + "/doesnotexist")
	if err != nil {
		t.Fatalf("redirect request: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("location lookup ran %d times for an unknown code", n)
	}
}

func TestChangePassword(t *testing.T) {
	srv := newTestServer(t, fixedLocator{})
	token := signupAndLogin(t, srv.URL, "passworduser", "pass@example.com")

	res, data := doJSON(t, http.MethodPut, srv.URL+"/api/me/password", token, map[string]string{
		"current_password": "wrong",
		"new_password":     "N3wSecret!",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong current password: expected 401, got %d (%s)", res.StatusCode, data)
	}

	res, data = doJSON(t, http.MethodPut, srv.URL+"/api/me/password", token, map[string]string{
		"current_password": "Sup3rSecret!",
		"new_password":     "weak",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("weak new password: expected 400, got %d (%s)", res.StatusCode, data)
	}

	res, data = doJSON(t, http.MethodPut, srv.URL+"/api/me/password", token, map[string]string{
		"current_password": "Sup3rSecret!",
		"new_password":     "N3wSecret!",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("change password: status %d, body %s", res.StatusCode, data)
	}

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/auth/login", "", map[string]string{
		"username": "passworduser",
		"password": "Sup3rSecret!",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old password still accepted: %d", res.StatusCode)
	}

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/auth/login", "", map[string]string{
		"username": "passworduser",
		"password": "N3wSecret!",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("new password rejected: %d", res.StatusCode)
	}
}

func TestEndpointsRequireBearerToken(t *testing.T) {
	srv := newTestServer(t, fixedLocator{})

	res, _ := doJSON(t, http.MethodGet, srv.URL+"/api/links", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/api/links", "not-a-token", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a bad token, got %d", res.StatusCode)
	}
}

func TestSignupValidation(t *testing.T) {
	srv := newTestServer(t, fixedLocator{})

	cases := []struct {
		name string
		body map[string]string
	}{
		{"weak password", map[string]string{
			"firstname": "Test", "lastname": "Person",
			"username": "validname1", "email": "v@example.com", "password": "alllower1!",
		}},
		{"short username", map[string]string{
			"firstname": "Test", "lastname": "Person",
			"username": "short", "email": "v@example.com", "password": "Sup3rSecret!",
		}},
		{"bad email", map[string]string{
			"firstname": "Test", "lastname": "Person",
			"username": "validname1", "email": "not-an-email", "password": "Sup3rSecret!",
		}},
	}

	for _, tc := range cases {
		res, data := doJSON(t, http.MethodPost, srv.URL+"/auth/signup", "", tc.body)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d (%s)", tc.name, res.StatusCode, data)
		}
	}

	// Duplicate username conflicts.
	ok := map[string]string{
		"firstname": "Test", "lastname": "Person",
		"username": "validname1", "email": "v@example.com", "password": "Sup3rSecret!",
	}
	if res, data := doJSON(t, http.MethodPost, srv.URL+"/auth/signup", "", ok); res.StatusCode != http.StatusCreated {
		t.Fatalf("signup: status %d, body %s", res.StatusCode, data)
	}
	dup := map[string]string{
		"firstname": "Test", "lastname": "Person",
		"username": "validname1", "email": "other@example.com", "password": "Sup3rSecret!",
	}
	if res, _ := doJSON(t, http.MethodPost, srv.URL+"/auth/signup", "", dup); res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate username, got %d", res.StatusCode)
	}
}

func TestCreateRejectsInvalidURL(t *testing.T) {
	srv := newTestServer(t, fixedLocator{})
	token := signupAndLogin(t, srv.URL, "urlchecker", "check@example.com")

	for _, bad := range []string{"", "not a url", "example.com/missing-scheme"} {
		res, data := doJSON(t, http.MethodPost, srv.URL+"/api/links", token, map[string]string{"url": bad})
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("url %q: expected 400, got %d (%s)", bad, res.StatusCode, data)
		}
	}
}
