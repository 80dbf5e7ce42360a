// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package sunstrong is a client for the SunStrong Connect mobile-app API.
// It fetches the current power of one site over GraphQL and keeps the
// bearer token fresh using the account's username and password when they
// are configured.
package sunstrong

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/soothill/sunstrong-data-logger/monitoring"
	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
	"github.com/soothill/sunstrong-data-logger/pkg/logger"
	"github.com/soothill/sunstrong-data-logger/pkg/metrics"
)

const (
	DefaultAuthURL    = "https://edp-api.edp.sunstrongmonitoring.com/v1/auth/okta/signin"
	DefaultGraphQLURL = "https://edp-api-graphql.mysunstrong.com/graphql"
	DefaultUserAgent  = "SunStrongConnect/10825 CFNetwork/3860.200.71 Darwin/25.1.0"
	DefaultTimeout    = 30 * time.Second

	// refreshLeeway refreshes a token this long before its exp claim.
	refreshLeeway = 60 * time.Second
	maxBodyBytes  = 1 << 20

	clientName    = "SunStrongConnectMobile"
	clientVersion = "1.1.2"

	currentPowerQuery = "query FetchCurrentPower($siteKey: String!) { " +
		"currentPower(siteKey: $siteKey) { " +
		"production consumption storage grid timestamp } }"
)

// ClientConfig holds the session credentials and endpoints.
type ClientConfig struct {
	SiteKey    string
	Token      string
	Username   string
	Password   string
	AuthURL    string
	GraphQLURL string
	UserAgent  string
	Timeout    time.Duration

	// MinRefreshInterval is the minimum spacing between token refresh
	// attempts. Zero disables the limit.
	MinRefreshInterval time.Duration

	// HTTPClient overrides the default client; its Timeout wins over Timeout.
	HTTPClient *http.Client
}

// Client talks to the SunStrong API. It is not safe for concurrent use; the
// poll loop is its only caller.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time

	token          string
	expiry         time.Time
	hasExpiry      bool
	lastRefreshErr error
}

// NewClient validates the credentials and creates a client. It makes no
// network calls.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.SiteKey == "" {
		return nil, apperrors.NewConfigError("sunstrong.site_key", "", apperrors.ErrMissingCredentials)
	}
	if cfg.Token == "" && (cfg.Username == "" || cfg.Password == "") {
		return nil, apperrors.NewConfigError("sunstrong.token", "",
			fmt.Errorf("%w: set a token or both username and password", apperrors.ErrMissingCredentials))
	}

	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.GraphQLURL == "" {
		cfg.GraphQLURL = DefaultGraphQLURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		now:        time.Now,
	}
	if cfg.MinRefreshInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(cfg.MinRefreshInterval), 1)
	}
	c.setToken(cfg.Token)
	return c, nil
}

// CanRefresh reports whether username and password are configured.
func (c *Client) CanRefresh() bool {
	return c.cfg.Username != "" && c.cfg.Password != ""
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	return c.token
}

// TokenExpiry returns the token's exp claim, if it has one.
func (c *Client) TokenExpiry() (time.Time, bool) {
	return c.expiry, c.hasExpiry
}

func (c *Client) setToken(token string) {
	c.token = token
	c.expiry, c.hasExpiry = tokenExpiry(token)
}

// NeedsRefresh is true when there is no token or it expires within the
// refresh leeway. Opaque tokens without an exp claim never need one.
func (c *Client) NeedsRefresh() bool {
	if c.token == "" {
		return true
	}
	return c.hasExpiry && !c.now().Before(c.expiry.Add(-refreshLeeway))
}

// FetchCurrentPower issues one currentPower query with the current token
// and returns the reading. It never refreshes the token itself.
func (c *Client) FetchCurrentPower(ctx context.Context) (*monitoring.Reading, error) {
	const op = "fetch current power"

	payload, err := json.Marshal(map[string]any{
		"operationName": "FetchCurrentPower",
		"variables":     map[string]string{"siteKey": c.cfg.SiteKey},
		"query":         currentPowerQuery,
	})
	if err != nil {
		return nil, apperrors.NewParseError(op, fmt.Errorf("failed to marshal query: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GraphQLURL, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.NewTransientError(op, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Originatingfrom", "MOBILE")
	req.Header.Set("Apollographql-Client-Version", clientVersion)
	req.Header.Set("Apollographql-Client-Name", clientName)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Authorization", "Bearer "+c.token)

	polledAt := c.now().UTC()
	status, body, err := c.do(req)
	if err != nil {
		return nil, apperrors.NewTransientError(op, 0, err)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, apperrors.NewAuthError(op, status, fmt.Errorf("request rejected: %s", snippet(body)))
	case status < 200 || status > 299:
		return nil, apperrors.NewTransientError(op, status, fmt.Errorf("unexpected status: %s", snippet(body)))
	}

	return decodeCurrentPower(body, c.cfg.SiteKey, polledAt)
}

// RefreshToken signs in with username and password and replaces the bearer
// token on success.
func (c *Client) RefreshToken(ctx context.Context) error {
	err := c.refresh(ctx)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(metrics.ResultError).Inc()
		if !errors.Is(err, apperrors.ErrRefreshRateLimited) {
			c.lastRefreshErr = err
		}
		return err
	}
	metrics.TokenRefreshes.WithLabelValues(metrics.ResultSuccess).Inc()
	c.lastRefreshErr = nil
	logger.Info().Bool("has_expiry", c.hasExpiry).Time("expiry", c.expiry).Msg("Access token refreshed")
	return nil
}

func (c *Client) refresh(ctx context.Context) error {
	const op = "refresh token"

	if !c.CanRefresh() {
		return apperrors.NewAuthError(op, 0, apperrors.ErrRefreshNotConfigured)
	}
	if c.limiter != nil && !c.limiter.AllowN(c.now(), 1) {
		cause := apperrors.ErrRefreshRateLimited
		if c.lastRefreshErr != nil {
			return apperrors.NewAuthError(op, 0, fmt.Errorf("%w (last attempt: %v)", cause, c.lastRefreshErr))
		}
		return apperrors.NewAuthError(op, 0, cause)
	}

	payload, err := json.Marshal(map[string]string{
		"remember": "true",
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})
	if err != nil {
		return apperrors.NewParseError(op, fmt.Errorf("failed to marshal credentials: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, bytes.NewReader(payload))
	if err != nil {
		return apperrors.NewTransientError(op, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Authorization", "Bearer undefined")
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	status, body, err := c.do(req)
	if err != nil {
		return apperrors.NewTransientError(op, 0, err)
	}

	switch {
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.NewAuthError(op, status, fmt.Errorf("credentials rejected: %s", snippet(body)))
	case status < 200 || status > 299:
		return apperrors.NewTransientError(op, status, fmt.Errorf("unexpected status: %s", snippet(body)))
	}

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return apperrors.NewParseError(op, fmt.Errorf("auth response is not JSON: %w", err))
	}
	if resp.AccessToken == "" {
		return apperrors.NewParseError(op, fmt.Errorf("auth response missing access_token"))
	}

	c.setToken(resp.AccessToken)
	return nil
}

// do sends the request and reads at most maxBodyBytes of the response.
func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// snippet trims a response body for error messages.
func snippet(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
