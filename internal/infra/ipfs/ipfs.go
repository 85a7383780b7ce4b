// Package ipfs fetches immutable content from an IPFS HTTP gateway.
package ipfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/vietddude/graphnode/internal/indexing/metrics"
)

var (
	ErrNotFound   = errors.New("content not found")
	ErrInvalidCID = errors.New("invalid content identifier")
	ErrTooLarge   = errors.New("content exceeds size limit")
	ErrDisabled   = errors.New("no ipfs gateway configured")
)

// cidPattern accepts CIDv0/v1 in their base58/base32 text forms plus an
// optional path inside the object.
var cidPattern = regexp.MustCompile(`^[A-Za-z0-9]{46,128}(/[A-Za-z0-9._-]+)*$`)

// Config holds gateway settings.
type Config struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxSize  int64         `yaml:"max_size"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Cache stores fetched content. Content is immutable so entries never need
// invalidation.
type Cache interface {
	Get(ctx context.Context, id string) ([]byte, bool, error)
	Set(ctx context.Context, id string, data []byte) error
}

// Fetcher returns the bytes behind a CID.
type Fetcher interface {
	Cat(ctx context.Context, cid string) ([]byte, error)
}

// Client is a gateway-backed Fetcher.
type Client struct {
	cfg    Config
	http   *http.Client
	cache  Cache
	logger *slog.Logger
}

// NewClient creates a gateway client. cache may be nil.
func NewClient(cfg Config, cache Cache, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 16 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
		logger: logger.With("component", "ipfs"),
	}
}

// NormalizeCID strips the accepted prefixes (ipfs://, /ipfs/) and validates
// what is left.
func NormalizeCID(cid string) (string, error) {
	cid = strings.TrimSpace(cid)
	cid = strings.TrimPrefix(cid, "ipfs://")
	cid = strings.TrimPrefix(cid, "/ipfs/")
	if !cidPattern.MatchString(cid) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCID, cid)
	}
	for _, seg := range strings.Split(cid, "/") {
		if seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidCID, cid)
		}
	}
	return cid, nil
}

// Cat fetches content by CID.
func (c *Client) Cat(ctx context.Context, cid string) ([]byte, error) {
	cid, err := NormalizeCID(cid)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		data, ok, err := c.cache.Get(ctx, cid)
		switch {
		case err != nil:
			metrics.ContentCacheRequests.WithLabelValues("error").Inc()
			c.logger.Warn("content cache read failed", "cid", cid, "error", err)
		case ok:
			metrics.ContentCacheRequests.WithLabelValues("hit").Inc()
			return data, nil
		default:
			metrics.ContentCacheRequests.WithLabelValues("miss").Inc()
		}
	}

	if c.cfg.URL == "" {
		return nil, ErrDisabled
	}

	data, err := c.fetch(ctx, cid)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, cid, data); err != nil {
			c.logger.Warn("content cache write failed", "cid", cid, "error", err)
		}
	}
	return data, nil
}

func (c *Client) fetch(ctx context.Context, cid string) ([]byte, error) {
	url := strings.TrimRight(c.cfg.URL, "/") + "/ipfs/" + cid
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", cid, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cid)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s: unexpected status %d", cid, resp.StatusCode)
	case resp.ContentLength > c.cfg.MaxSize:
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, cid, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", cid, err)
	}
	if int64(len(data)) > c.cfg.MaxSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, cid)
	}

	c.logger.Debug("fetched content", "cid", cid, "bytes", len(data), "took", time.Since(start))
	return data, nil
}
