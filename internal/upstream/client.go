// Package upstream implements the HTTP client for the hosted record API.
// Every call is gated by a rate-limiter acquire before touching the network.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/statforge/matchminer/internal/match"
	"github.com/statforge/matchminer/internal/metrics"
	"github.com/statforge/matchminer/internal/ratelimit"
)

const apiKeyHeader = "X-Api-Key"

// Limiter is the slice of the rate limiter the client needs.
type Limiter interface {
	Acquire(ctx context.Context, scope string, class ratelimit.Class, maxWait time.Duration) error
}

// Config holds client connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// SmoothRPS optionally spaces requests inside a granted window to avoid
	// hammering the upstream in bursts. Zero disables smoothing.
	SmoothRPS float64
	// Class is the budget class charged for this client's calls.
	Class ratelimit.Class
	// MaxWait optionally bounds each acquire; zero blocks indefinitely.
	MaxWait time.Duration
}

// Client performs the two upstream calls: list match IDs for a player, and
// fetch full match detail.
type Client struct {
	cfg      Config
	http     *http.Client
	limiter  Limiter
	smoother *rate.Limiter
	hasher   match.Hasher
	logger   *zap.Logger
}

// New constructs a Client. The limiter is mandatory: an ungated client
// would let the crawler blow through the shared budget.
func New(cfg Config, limiter Limiter, hasher match.Hasher, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream base url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("upstream api key is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Class == "" {
		cfg.Class = ratelimit.ClassBulk
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	smoothLimit := rate.Inf
	if cfg.SmoothRPS > 0 {
		smoothLimit = rate.Limit(cfg.SmoothRPS)
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  limiter,
		smoother: rate.NewLimiter(smoothLimit, 1),
		hasher:   hasher,
		logger:   logger,
	}, nil
}

type listResponse struct {
	MatchIDs []string `json:"match_ids"`
}

type matchResponse struct {
	ID           string `json:"id"`
	EndedAt      int64  `json:"ended_at"` // unix seconds
	DurationSecs int64  `json:"duration_seconds"`
	Participants []struct {
		PlayerID string `json:"player_id"`
		Win      bool   `json:"win"`
	} `json:"participants"`
}

// ListMatchIDs returns recent match IDs for a player, optionally bounded by
// a trailing time window and a result cap.
func (c *Client) ListMatchIDs(ctx context.Context, region match.Region, player match.PlayerID, opts match.ListOptions) ([]match.MatchID, error) {
	q := url.Values{}
	if opts.Count > 0 {
		q.Set("count", strconv.Itoa(opts.Count))
	}
	if opts.Since > 0 {
		q.Set("start_time", strconv.FormatInt(time.Now().Add(-opts.Since).Unix(), 10))
	}
	path := fmt.Sprintf("/v1/%s/players/%s/matches", region, url.PathEscape(string(player)))

	body, err := c.get(ctx, region, "list", path, q)
	if err != nil {
		return nil, err
	}
	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode match list: %w", err)
	}
	ids := make([]match.MatchID, 0, len(resp.MatchIDs))
	for _, id := range resp.MatchIDs {
		ids = append(ids, match.MatchID(id))
	}
	return ids, nil
}

// GetMatch fetches the full record for one match ID. The raw payload is
// retained alongside the parsed fields, with a content hash for integrity.
func (c *Client) GetMatch(ctx context.Context, region match.Region, id match.MatchID) (match.Record, error) {
	path := fmt.Sprintf("/v1/%s/matches/%s", region, url.PathEscape(string(id)))

	body, err := c.get(ctx, region, "detail", path, nil)
	if err != nil {
		return match.Record{}, err
	}
	var resp matchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return match.Record{}, fmt.Errorf("decode match %s: %w", id, err)
	}

	rec := match.Record{
		ID:       match.MatchID(resp.ID),
		Region:   region,
		EndedAt:  time.Unix(resp.EndedAt, 0).UTC(),
		Duration: time.Duration(resp.DurationSecs) * time.Second,
		Payload:  body,
	}
	if rec.ID == "" {
		rec.ID = id
	}
	for _, p := range resp.Participants {
		rec.Participants = append(rec.Participants, match.Participant{
			Player: match.PlayerID(p.PlayerID),
			Win:    p.Win,
		})
	}
	if c.hasher != nil {
		hash, err := c.hasher.Hash(body)
		if err != nil {
			return match.Record{}, fmt.Errorf("hash match payload: %w", err)
		}
		rec.PayloadHash = hash
	}
	return rec, nil
}

func (c *Client) get(ctx context.Context, region match.Region, endpoint, path string, q url.Values) ([]byte, error) {
	if err := c.limiter.Acquire(ctx, string(region), c.cfg.Class, c.cfg.MaxWait); err != nil {
		return nil, fmt.Errorf("acquire rate budget: %w", err)
	}
	if err := c.smoother.Wait(ctx); err != nil {
		return nil, fmt.Errorf("request smoothing wait: %w", err)
	}

	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveUpstreamRequest(string(region), endpoint, "transport")
		if ctx.Err() != nil {
			return nil, fmt.Errorf("upstream request: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	metrics.ObserveUpstreamRequest(string(region), endpoint, strconv.Itoa(resp.StatusCode))
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, path)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d on %s", ErrTransient, resp.StatusCode, path)
	default:
		return nil, fmt.Errorf("upstream status %d on %s", resp.StatusCode, path)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}
	return body, nil
}
