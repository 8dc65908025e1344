// Package directory resolves device tokens and notification preferences from
// the user service, with a read-through cache in front of it.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/pushrelay/internal/metrics"
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultCacheTTL = 300 * time.Second
)

// Cache is the store the client reads through. A nil Cache disables caching.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Close() error
}

// Preferences are a user's channel opt-ins.
//
// Push is always resolved: when the user service omits it, or cannot be
// reached, it is true. A missing preference never suppresses a notification.
// Email and SMS are nil when not reported.
type Preferences struct {
	Push  bool  `json:"push"`
	Email *bool `json:"email,omitempty"`
	SMS   *bool `json:"sms,omitempty"`
}

// DefaultPreferences is the fail-open answer.
func DefaultPreferences() Preferences {
	return Preferences{Push: true}
}

type wirePreferences struct {
	Push  *bool `json:"push"`
	Email *bool `json:"email"`
	SMS   *bool `json:"sms"`
}

func (w wirePreferences) resolve() Preferences {
	p := Preferences{Push: true, Email: w.Email, SMS: w.SMS}
	if w.Push != nil {
		p.Push = *w.Push
	}
	return p
}

// Config configures the client.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Client talks to the user directory.
type Client struct {
	baseURL string
	http    *http.Client
	cache   Cache
	ttl     time.Duration
	logger  *zap.Logger
}

// New creates a directory client.
func New(cfg Config, cache Cache, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		cache:   cache,
		ttl:     cfg.CacheTTL,
		logger:  logger,
	}
}

func tokenKey(userID string) string { return "user_device_token:" + userID }
func prefsKey(userID string) string { return "user_preferences:" + userID }

// DeviceToken returns the user's push token. ok is false when the user has
// none or the lookup failed; failures are logged, never returned.
func (c *Client) DeviceToken(ctx context.Context, userID string) (token string, ok bool) {
	if cached, hit := c.cacheGet(ctx, tokenKey(userID)); hit && cached != "" {
		metrics.RecordCacheLookup("device_token", true)
		c.logger.Debug("device token served from cache", zap.String("user_id", userID))
		return cached, true
	}
	metrics.RecordCacheLookup("device_token", false)

	var body struct {
		Data struct {
			PushToken string `json:"push_token"`
		} `json:"data"`
	}
	if err := c.fetch(ctx, userID, "device-token", &body); err != nil {
		c.logger.Error("failed to fetch device token",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return "", false
	}

	if body.Data.PushToken == "" {
		c.logger.Warn("no device token found for user", zap.String("user_id", userID))
		return "", false
	}

	c.cacheSet(ctx, tokenKey(userID), body.Data.PushToken)
	return body.Data.PushToken, true
}

// Preferences returns the user's preferences, or DefaultPreferences when
// they cannot be fetched.
func (c *Client) Preferences(ctx context.Context, userID string) Preferences {
	if cached, hit := c.cacheGet(ctx, prefsKey(userID)); hit {
		var w wirePreferences
		if err := json.Unmarshal([]byte(cached), &w); err == nil {
			metrics.RecordCacheLookup("preferences", true)
			return w.resolve()
		}
		c.logger.Warn("discarding unreadable cached preferences", zap.String("user_id", userID))
	}
	metrics.RecordCacheLookup("preferences", false)

	var body struct {
		Data wirePreferences `json:"data"`
	}
	if err := c.fetch(ctx, userID, "preferences", &body); err != nil {
		c.logger.Error("failed to fetch user preferences, defaulting to push enabled",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return DefaultPreferences()
	}

	prefs := body.Data.resolve()
	if encoded, err := json.Marshal(prefs); err == nil {
		c.cacheSet(ctx, prefsKey(userID), string(encoded))
	}
	return prefs
}

// Close releases the cache connection.
func (c *Client) Close() error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Close()
}

func (c *Client) fetch(ctx context.Context, userID, resource string, out any) error {
	endpoint := fmt.Sprintf("%s/api/v1/users/%s/%s", c.baseURL, url.PathEscape(userID), resource)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("user service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("user service returned status %d: %s", resp.StatusCode, string(preview))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode user service response: %w", err)
	}
	return nil
}

func (c *Client) cacheGet(ctx context.Context, key string) (string, bool) {
	if c.cache == nil {
		return "", false
	}
	val, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("directory cache read failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return val, ok
}

func (c *Client) cacheSet(ctx context.Context, key, value string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, key, value, c.ttl); err != nil {
		c.logger.Warn("directory cache write failed", zap.String("key", key), zap.Error(err))
	}
}
