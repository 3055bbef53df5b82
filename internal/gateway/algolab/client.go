// Package algolab is the rate-limited, circuit-broken client for the
// AlgoLab brokerage REST API. Every outbound call in the process funnels
// through one Client so the broker's per-credential limit is never
// exceeded, whatever mix of interactive commands and background jobs is
// running.
package algolab

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"galata/internal/config"
	"galata/internal/logger"
	"galata/internal/pkg/brokererr"
	"galata/internal/pkg/circuit"
	"galata/internal/session"
)

// CredentialSource supplies the consistent {token, hash} pair for a user.
// Satisfied by session.Manager.
type CredentialSource interface {
	Snapshot(userID string) (session.Credentials, bool)
}

// ErrNotAuthenticated is returned for account-scoped calls when the user has
// no live session. The call never reaches the wire. It matches
// session.ErrNotAuthenticated under errors.Is so callers need one check.
var ErrNotAuthenticated = fmt.Errorf("%w: no live broker session", session.ErrNotAuthenticated)

// Client wraps the AlgoLab REST API. One instance per process.
type Client struct {
	baseURL    *url.URL
	hostname   string
	apiKey     string
	aesKey     []byte
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuit.CircuitBreaker
	creds      CredentialSource

	retryAttempts int
	retryBase     time.Duration
	retryMax      time.Duration

	// notifySMS/notifyEmail are echoed into SendOrder so the broker's own
	// confirmations stay off by default.
	notifySMS   bool
	notifyEmail bool
}

// NewClient constructs the AlgoLab client from configuration.
func NewClient(cfg config.BrokerConfig, creds CredentialSource) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("broker.base_url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing broker.base_url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("broker.base_url %q has no host", raw)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	aesKey, err := aesKeyFromAPIKey(apiKey)
	if err != nil {
		return nil, fmt.Errorf("broker.api_key: %w", err)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
		} else {
			transport.TLSClientConfig.InsecureSkipVerify = true // #nosec G402
		}
	}

	interval := time.Duration(cfg.RateIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}
	cooldown := time.Duration(cfg.BreakerCooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	return &Client{
		baseURL:       parsed,
		hostname:      parsed.Host,
		apiKey:        apiKey,
		aesKey:        aesKey,
		httpClient:    &http.Client{Timeout: timeout, Transport: transport},
		limiter:       rate.NewLimiter(rate.Every(interval), burst),
		breaker:       circuit.NewCircuitBreaker("algolab", cfg.BreakerWindow, cfg.BreakerRatio, cooldown),
		creds:         creds,
		retryAttempts: cfg.RetryMaxAttempts,
		retryBase:     time.Duration(cfg.RetryBaseMs) * time.Millisecond,
		retryMax:      time.Duration(cfg.RetryMaxMs) * time.Millisecond,
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *circuit.CircuitBreaker {
	return c.breaker
}

// hashFor resolves the session hash for an account-scoped call.
func (c *Client) hashFor(userID string) (string, error) {
	if c.creds == nil {
		return "", ErrNotAuthenticated
	}
	snap, ok := c.creds.Snapshot(userID)
	if !ok || snap.Hash == "" {
		return "", fmt.Errorf("%w for %s", ErrNotAuthenticated, userID)
	}
	return snap.Hash, nil
}

// post performs one signed POST through the limiter and the breaker and
// unwraps the response envelope. hash is empty only for the two login
// steps. It returns the envelope's content plus the full response body for
// auditing.
func (c *Client) post(ctx context.Context, endpoint string, payload any, hash string) (gjson.Result, []byte, error) {
	// The checker must cover the exact bytes sent, except that AlgoLab
	// hashes the empty string for bodyless calls while still expecting a
	// "{}" body on the wire.
	var (
		body        []byte
		checkerBody []byte
		err         error
	)
	if payload == nil {
		body = []byte("{}")
	} else {
		body, err = json.Marshal(payload)
		if err != nil {
			return gjson.Result{}, nil, fmt.Errorf("marshalling %s request: %w", endpoint, err)
		}
		checkerBody = body
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, nil, fmt.Errorf("%w: %s", brokererr.ErrRateLimitWait, endpoint)
	}
	if !c.breaker.Allow() {
		return gjson.Result{}, nil, brokererr.ErrCircuitOpen
	}

	target := *c.baseURL
	target.Path = strings.TrimSuffix(target.Path, "/") + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, nil, fmt.Errorf("building %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("APIKEY", c.apiKey)
	req.Header.Set("Checker", makeChecker(c.apiKey, c.hostname, endpoint, checkerBody))
	if hash != "" {
		req.Header.Set("Authorization", hash)
	}

	logger.LogWireRequest(endpoint, http.MethodPost, string(body))
	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		nerr := &brokererr.NetworkError{Endpoint: endpoint, Timeout: isTimeout(err), Err: err}
		logger.LogWireResponse(endpoint, fmt.Sprintf("transport error after %s: %v", time.Since(started).Round(time.Millisecond), err), "")
		return gjson.Result{}, nil, nerr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.breaker.RecordFailure()
		return gjson.Result{}, nil, &brokererr.NetworkError{Endpoint: endpoint, Timeout: isTimeout(err), Err: err}
	}
	logger.LogWireResponse(endpoint, fmt.Sprintf("%s in %s", resp.Status, time.Since(started).Round(time.Millisecond)), string(data))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// The service answered; this is a session problem, not an outage.
		c.breaker.RecordSuccess()
		return gjson.Result{}, data, &brokererr.BrokerError{
			Endpoint: endpoint,
			Code:     brokererr.CodeAuthExpired,
			Message:  fmt.Sprintf("broker returned %s", resp.Status),
		}
	case resp.StatusCode >= 300:
		c.breaker.RecordFailure()
		return gjson.Result{}, data, &brokererr.NetworkError{
			Endpoint: endpoint,
			Err:      fmt.Errorf("broker returned %s: %s", resp.Status, strings.TrimSpace(string(data))),
		}
	}

	content, err := parseEnvelope(endpoint, data)
	if err != nil {
		if brokererr.IsRejection(err) {
			// Delivered and understood: the breaker only tracks transport
			// health, so a refusal counts as a healthy call.
			c.breaker.RecordSuccess()
			return gjson.Result{}, data, err
		}
		c.breaker.RecordFailure()
		return gjson.Result{}, data, err
	}
	c.breaker.RecordSuccess()
	return content, data, nil
}

// postRetry wraps post with bounded exponential backoff for calls that are
// safe to repeat. Reads retry on any transport failure including timeouts;
// writes must pass retryUncertain=false so an unknown outcome surfaces to
// the caller instead of being papered over.
func (c *Client) postRetry(ctx context.Context, endpoint string, payload any, hash string, retryUncertain bool) (gjson.Result, []byte, error) {
	attempts := c.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		content gjson.Result
		raw     []byte
		err     error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if werr := sleepBackoff(ctx, c.retryBase, c.retryMax, attempt); werr != nil {
				return content, raw, err
			}
			logger.Debugf("broker %s: retry %d/%d after %v", endpoint, attempt, attempts-1, err)
		}
		content, raw, err = c.post(ctx, endpoint, payload, hash)
		if err == nil {
			return content, raw, nil
		}
		if !brokererr.IsNetwork(err) {
			return content, raw, err
		}
		if brokererr.IsUncertain(err) && !retryUncertain {
			return content, raw, err
		}
	}
	return content, raw, err
}

// sleepBackoff waits base*2^(attempt-1) plus up to 25% jitter, capped at max.
func sleepBackoff(ctx context.Context, base, max time.Duration, attempt int) error {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	d := base << (attempt - 1)
	if max > 0 && d > max {
		d = max
	}
	d += time.Duration(rand.Int63n(int64(d)/4 + 1))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
