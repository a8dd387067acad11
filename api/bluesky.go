package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultPDSURL          = "https://bsky.social"
	defaultAPIURL          = "https://api.bsky.social"
	defaultRequestsPerMin  = 300
	maxFeedLimit           = 100 // max number of posts per getAuthorFeed request
	defaultRequestTimeout  = 30 * time.Second
	maxLoggedPayloadLength = 4096
)

// Config holds the endpoints and limits of the client
type Config struct {
	PDSURL               string // createSession, resolveHandle
	APIURL               string // feeds, threads, profiles
	MaxRequestsPerMinute int
	UserAgent            string
	Timeout              time.Duration
}

// Client is a Bluesky XRPC client. Every call blocks until a response or an error is available.
type Client struct {
	pdsURL     string
	apiURL     string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logrus.Logger

	rateHeadersMutex   sync.RWMutex
	rateLimitCached    int
	rateRemainingCache int
	rateResetCached    time.Time
}

// NewClient creates a new Bluesky API client
func NewClient(cfg Config, log *logrus.Logger) *Client {
	if cfg.PDSURL == "" {
		cfg.PDSURL = defaultPDSURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = defaultRequestsPerMin
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}

	// 95% of the allowed rate, no burst
	perSecond := float64(cfg.MaxRequestsPerMinute) / 60.0 * 0.95

	return &Client{
		pdsURL:             strings.TrimRight(cfg.PDSURL, "/"),
		apiURL:             strings.TrimRight(cfg.APIURL, "/"),
		userAgent:          cfg.UserAgent,
		httpClient:         &http.Client{Timeout: cfg.Timeout},
		limiter:            rate.NewLimiter(rate.Limit(perSecond), 1),
		log:                log,
		rateRemainingCache: -1,
	}
}

// GetRateLimitStatus returns the last seen limit, remaining requests and reset time
func (c *Client) GetRateLimitStatus() (int, int, time.Time) {
	c.rateHeadersMutex.RLock()
	defer c.rateHeadersMutex.RUnlock()
	return c.rateLimitCached, c.rateRemainingCache, c.rateResetCached
}

// CreateSession exchanges an identifier and password for an access token
func (c *Client) CreateSession(ctx context.Context, identifier, password string) (*Session, error) {
	payload, err := json.Marshal(map[string]string{
		"identifier": identifier,
		"password":   password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session request: %w", err)
	}

	endpoint := c.pdsURL + "/xrpc/com.atproto.server.createSession"
	var session Session
	if err := c.do(ctx, "createSession", http.MethodPost, endpoint, "", payload, &session); err != nil {
		return nil, err
	}
	if session.AccessJwt == "" {
		return nil, &AuthError{Op: "createSession", Message: "no access token in response"}
	}

	c.log.WithFields(logrus.Fields{
		"did":    session.DID,
		"handle": session.Handle,
	}).Info("Created Bluesky session")
	return &session, nil
}

// ResolveHandle resolves a handle to its DID
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	endpoint := fmt.Sprintf("%s/xrpc/com.atproto.identity.resolveHandle?handle=%s",
		c.pdsURL, url.QueryEscape(handle))

	var resp struct {
		DID string `json:"did"`
	}
	if err := c.do(ctx, "resolveHandle", http.MethodGet, endpoint, "", nil, &resp); err != nil {
		return "", err
	}
	if resp.DID == "" {
		return "", fmt.Errorf("handle %s did not resolve to a did", handle)
	}
	return resp.DID, nil
}

// GetProfile fetches the public profile of an actor
func (c *Client) GetProfile(ctx context.Context, token, actor string) (*Profile, error) {
	endpoint := fmt.Sprintf("%s/xrpc/app.bsky.actor.getProfile?actor=%s",
		c.apiURL, url.QueryEscape(actor))

	var profile Profile
	if err := c.do(ctx, "getProfile", http.MethodGet, endpoint, token, nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetAuthorFeed fetches one page of an actor's feed, paginating backward from cursor
func (c *Client) GetAuthorFeed(ctx context.Context, token, actor string, limit int, cursor string) (*FeedResponse, error) {
	if limit <= 0 || limit > maxFeedLimit {
		limit = maxFeedLimit
	}

	query := url.Values{}
	query.Set("actor", actor)
	query.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	endpoint := c.apiURL + "/xrpc/app.bsky.feed.getAuthorFeed?" + query.Encode()

	c.log.WithFields(logrus.Fields{
		"actor":  actor,
		"cursor": cursor,
		"limit":  limit,
	}).Debug("Fetching author feed page")

	var feed FeedResponse
	if err := c.do(ctx, "getAuthorFeed", http.MethodGet, endpoint, token, nil, &feed); err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"actor":       actor,
		"item_count":  len(feed.Feed),
		"cursor":      cursor,
		"next_cursor": feed.Cursor,
	}).Debug("Fetched author feed page")

	return &feed, nil
}

// GetPostThread fetches a post and exactly one level of its replies
func (c *Client) GetPostThread(ctx context.Context, token, uri string) (*ThreadResponse, error) {
	query := url.Values{}
	query.Set("parentHeight", "0")
	query.Set("depth", "1")
	query.Set("uri", uri)
	endpoint := c.apiURL + "/xrpc/app.bsky.feed.getPostThread?" + query.Encode()

	var thread ThreadResponse
	if err := c.do(ctx, "getPostThread", http.MethodGet, endpoint, token, nil, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

// do executes a request and classifies its failure
func (c *Client) do(ctx context.Context, op, method, endpoint, token string, body []byte, out interface{}) error {
	if err := c.wait(ctx); err != nil {
		return &TransportError{Op: op, Err: err}
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.updateRateLimits(resp)

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return &AuthError{Op: op, Message: errorMessage(payload)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.WithFields(logrus.Fields{
			"op":            op,
			"status_code":   resp.StatusCode,
			"response_body": truncate(payload),
		}).Error("Bluesky API error response")
		return &ServerError{Op: op, StatusCode: resp.StatusCode, Body: errorMessage(payload)}
	}

	if err := json.Unmarshal(payload, out); err != nil {
		c.log.WithFields(logrus.Fields{
			"op":      op,
			"payload": truncate(payload),
		}).WithError(err).Error("Failed to decode Bluesky API response")
		return &DecodingError{Op: op, Payload: payload, Err: err}
	}

	return nil
}

// wait blocks on the client-side limiter and, when the server reported an
// exhausted window, until that window resets
func (c *Client) wait(ctx context.Context) error {
	_, remaining, reset := c.GetRateLimitStatus()
	if remaining == 0 && time.Now().Before(reset) {
		delay := time.Until(reset)
		c.log.WithField("wait", delay.String()).Warn("Rate limit exhausted, waiting for reset")

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	return c.limiter.Wait(ctx)
}

// updateRateLimits caches the rate limit headers of a response
func (c *Client) updateRateLimits(resp *http.Response) {
	// RateLimit-Limit: requests allowed in the current window
	// RateLimit-Remaining: requests left in the current window
	// RateLimit-Reset: unix timestamp at which the window resets
	limit := getHeaderAsInt(resp.Header, "RateLimit-Limit")
	remaining := getHeaderAsInt(resp.Header, "RateLimit-Remaining")
	reset := getHeaderAsInt(resp.Header, "RateLimit-Reset")

	// skip if we didn't get valid headers
	if limit == 0 && reset == 0 {
		return
	}

	c.rateHeadersMutex.Lock()
	c.rateLimitCached = limit
	c.rateRemainingCache = remaining
	c.rateResetCached = time.Unix(int64(reset), 0)
	c.rateHeadersMutex.Unlock()

	c.log.WithFields(logrus.Fields{
		"limit":     limit,
		"remaining": remaining,
		"reset":     reset,
	}).Debug("Updated rate limit status from Bluesky headers")
}

func getHeaderAsInt(header http.Header, name string) int {
	value := header.Get(name)
	if value == "" {
		return 0
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}

	return intValue
}

// errorMessage extracts the XRPC error message from a payload, falling back to the raw body
func errorMessage(payload []byte) string {
	var xrpcErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &xrpcErr); err == nil && xrpcErr.Error != "" {
		if xrpcErr.Message != "" {
			return xrpcErr.Error + ": " + xrpcErr.Message
		}
		return xrpcErr.Error
	}
	return string(truncate(payload))
}

func truncate(payload []byte) string {
	if len(payload) > maxLoggedPayloadLength {
		return string(payload[:maxLoggedPayloadLength]) + "..."
	}
	return string(payload)
}
