// Package geo resolves client addresses to coarse location labels.
// The lookup is best-effort telemetry: every failure collapses into
// ErrUnavailable and must never affect the request it decorates.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrUnavailable means no location could be determined for the
// address. It is the expected result for loopback and private
// addresses and for any upstream failure.
var ErrUnavailable = errors.New("location unavailable")

type Locator interface {
	Locate(ctx context.Context, addr string) (string, error)
}

// Client looks up addresses against an ip-api compatible JSON
// endpoint. Requests are bounded by the client timeout.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
}

type lookupResponse struct {
	Status  string `json:"status"`
	Country string `json:"country"`
	City    string `json:"city"`
}

func (c *Client) Locate(ctx context.Context, addr string) (string, error) {
	ip := net.ParseIP(addr)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return "", ErrUnavailable
	}

	url := fmt.Sprintf("%s/%s?fields=status,country,city", c.baseURL, ip.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", ErrUnavailable
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("addr", addr).Msg("geo lookup failed")
		return "", ErrUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", ErrUnavailable
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Debug().Err(err).Str("addr", addr).Msg("geo response unreadable")
		return "", ErrUnavailable
	}
	if body.Status != "success" || body.Country == "" {
		return "", ErrUnavailable
	}

	if body.City != "" {
		return body.City + ", " + body.Country, nil
	}
	return body.Country, nil
}

// Noop is a Locator that never finds a location. Used when no lookup
// endpoint is configured.
type Noop struct{}

func (Noop) Locate(context.Context, string) (string, error) {
	return "", ErrUnavailable
}
