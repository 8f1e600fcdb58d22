// Package remote talks to the remote authority: cached-result lookups,
// mutation delivery, feature flag administration and health probes.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/placesync/placesync/internal/circuit"
	"github.com/placesync/placesync/pkg/errors"
	"github.com/placesync/placesync/pkg/retry"
	"github.com/placesync/placesync/pkg/types"
	"github.com/placesync/placesync/pkg/utils"
)

const maxResponseBytes = 8 << 20

// Observer receives the latency and outcome of every remote call.
type Observer interface {
	ObserveRemote(operation string, d time.Duration, err error)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	HealthPath string

	// Retry, when set, retries idempotent reads (lookups, flag fetches).
	Retry *retry.Retryer
	// Breaker, when set, guards every call.
	Breaker  *circuit.Breaker
	Observer Observer

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is the HTTP client for the remote authority.
type Client struct {
	base    *url.URL
	config  ClientConfig
	http    *http.Client
	logger  *zap.Logger
	retryer *retry.Retryer
}

// NewClient creates a client for cfg.Endpoint.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New(errors.ErrCodeMissingConfig, "remote endpoint is required").WithComponent("remote")
	}
	base, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil || base.Host == "" {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "invalid remote endpoint %q", cfg.Endpoint).WithComponent("remote")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	retryer := cfg.Retry
	if retryer == nil {
		retryer = retry.New(retry.Config{MaxAttempts: 1})
	}
	return &Client{
		base:    base,
		config:  cfg,
		http:    httpClient,
		logger:  utils.OrNop(cfg.Logger).Named("remote"),
		retryer: retryer,
	}, nil
}

type lookupResponse struct {
	Value     json.RawMessage `json:"value"`
	Freshness types.Freshness `json:"freshness"`
	ServedAt  time.Time       `json:"served_at"`
}

// Lookup fetches the authority's cached result for key.
func (c *Client) Lookup(ctx context.Context, key string) (types.RemoteRecord, error) {
	var rec types.RemoteRecord
	err := c.retryer.Do(ctx, func(ctx context.Context) error {
		return c.guard(ctx, "lookup", func(ctx context.Context) error {
			body, err := c.do(ctx, http.MethodGet, c.resolve("/cache/"+url.PathEscape(key)), nil, nil)
			if err != nil {
				return err
			}
			var resp lookupResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return errors.Wrap(err, errors.ErrCodeMalformedPayload, "decode cache record").
					WithComponent("remote").WithOperation("lookup")
			}
			if !resp.Freshness.Valid() || len(resp.Value) == 0 || !json.Valid(resp.Value) {
				return errors.Newf(errors.ErrCodeMalformedPayload, "invalid cache record (freshness %q)", resp.Freshness).
					WithComponent("remote").WithOperation("lookup")
			}
			rec = types.RemoteRecord{Value: resp.Value, Freshness: resp.Freshness, ServedAt: resp.ServedAt}
			return nil
		})
	})
	return rec, err
}

// Send delivers a mutation. 2xx is success.
func (c *Client) Send(ctx context.Context, req types.Request) error {
	return c.guard(ctx, "send", func(ctx context.Context) error {
		target, err := c.target(req.URL)
		if err != nil {
			return err
		}
		_, err = c.do(ctx, req.Method, target, req.Body, req.Headers)
		return err
	})
}

// CheckTarget rejects mutation targets outside the authority's origin.
func (c *Client) CheckTarget(target string) error {
	_, err := c.target(target)
	return err
}

// FetchFlags loads every feature flag.
func (c *Client) FetchFlags(ctx context.Context) ([]types.FeatureFlag, error) {
	var flags []types.FeatureFlag
	err := c.retryer.Do(ctx, func(ctx context.Context) error {
		return c.guard(ctx, "fetch_flags", func(ctx context.Context) error {
			body, err := c.do(ctx, http.MethodGet, c.resolve("/flags"), nil, nil)
			if err != nil {
				return err
			}
			var out []types.FeatureFlag
			if err := json.Unmarshal(body, &out); err != nil {
				return errors.Wrap(err, errors.ErrCodeMalformedPayload, "decode flags").
					WithComponent("remote").WithOperation("fetch_flags")
			}
			flags = out
			return nil
		})
	})
	return flags, err
}

// CreateFlag creates a flag. Authorization is enforced by the authority.
func (c *Client) CreateFlag(ctx context.Context, flag types.FeatureFlag) (types.FeatureFlag, error) {
	return c.flagCall(ctx, "create_flag", http.MethodPost, "/flags", flag)
}

// UpdateFlag applies a partial update.
func (c *Client) UpdateFlag(ctx context.Context, name string, patch types.FlagPatch) (types.FeatureFlag, error) {
	return c.flagCall(ctx, "update_flag", http.MethodPatch, "/flags/"+url.PathEscape(name), patch)
}

// ToggleFlag flips the enabled state of a flag.
func (c *Client) ToggleFlag(ctx context.Context, name string) (types.FeatureFlag, error) {
	return c.flagCall(ctx, "toggle_flag", http.MethodPost, "/flags/"+url.PathEscape(name)+"/toggle", nil)
}

// Ping checks the authority's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, c.resolve(c.config.HealthPath), nil, nil)
	return err
}

func (c *Client) flagCall(ctx context.Context, op, method, path string, payload interface{}) (types.FeatureFlag, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return types.FeatureFlag{}, errors.Wrap(err, errors.ErrCodeInvalidMutation, "encode flag payload")
		}
		body = b
	}

	var flag types.FeatureFlag
	err := c.guard(ctx, op, func(ctx context.Context) error {
		resp, err := c.do(ctx, method, c.resolve(path), body, map[string]string{"Content-Type": "application/json"})
		if err != nil {
			return err
		}
		if err := json.Unmarshal(resp, &flag); err != nil {
			return errors.Wrap(err, errors.ErrCodeMalformedPayload, "decode flag").
				WithComponent("remote").WithOperation(op)
		}
		return nil
	})
	return flag, err
}

// guard applies the breaker and observer around fn.
func (c *Client) guard(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	var err error
	if c.config.Breaker != nil {
		err = c.config.Breaker.Execute(ctx, fn)
	} else {
		err = fn(ctx)
	}
	if c.config.Observer != nil {
		c.config.Observer.ObserveRemote(op, time.Since(start), err)
	}
	if err != nil {
		c.logger.Debug("remote call failed", zap.String("operation", op), zap.Error(err))
	}
	return err
}

// target resolves a caller supplied URL. Absolute URLs must share the
// endpoint's scheme and host since every request carries the API key.
func (c *Client) target(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInvalidMutation, "parse target url").
			WithComponent("remote").WithContext("target", raw)
	}
	if !u.IsAbs() && u.Host == "" {
		return c.resolve(raw), nil
	}
	if !strings.EqualFold(u.Scheme, c.base.Scheme) || !strings.EqualFold(u.Host, c.base.Host) {
		return "", errors.Newf(errors.ErrCodeInvalidMutation, "target %s is outside %s://%s", raw, c.base.Scheme, c.base.Host).
			WithComponent("remote")
	}
	return raw, nil
}

func (c *Client) resolve(target string) string {
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return c.base.String() + target
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, headers map[string]string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidMutation, "build request").WithComponent("remote")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, method, target)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeNetworkError, "read response").WithComponent("remote")
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, classifyStatus(resp.StatusCode, data, method, target)
}

func classifyTransportError(err error, method, target string) error {
	code := errors.ErrCodeNetworkError
	var netErr net.Error
	switch {
	case stderr.Is(err, context.DeadlineExceeded):
		code = errors.ErrCodeOperationTimeout
	case stderr.Is(err, context.Canceled):
		code = errors.ErrCodeOperationCanceled
	case stderr.As(err, &netErr) && netErr.Timeout():
		code = errors.ErrCodeConnectionTimeout
	}
	return errors.Wrap(err, code, fmt.Sprintf("%s %s", method, target)).WithComponent("remote")
}

// classifyStatus maps non-2xx responses. 404 means the authority has no
// record, other 4xx are rejections except 408 and 429 which are transient.
func classifyStatus(status int, body []byte, method, target string) error {
	msg := fmt.Sprintf("%s %s: status %d", method, target, status)
	if snippet := strings.TrimSpace(string(body)); snippet != "" {
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		msg += ": " + snippet
	}

	var e *errors.SyncError
	switch {
	case status == http.StatusNotFound:
		e = errors.New(errors.ErrCodeEntryNotFound, msg)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		e = errors.New(errors.ErrCodeRemoteUnavailable, msg)
	case status >= 400 && status < 500:
		e = errors.New(errors.ErrCodeRemoteRejected, msg)
	default:
		e = errors.New(errors.ErrCodeRemoteUnavailable, msg)
	}
	return e.WithComponent("remote").WithDetail("status", status)
}
