package webbridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Variant identifies which bridge generation a base URL is running.
type Variant string

const (
	// VariantLegacy answers on /ping.
	VariantLegacy Variant = "legacy"
	// VariantModern answers on /health.
	VariantModern Variant = "modern"
)

// ErrVariantUndetected is returned when neither health endpoint responds.
var ErrVariantUndetected = errors.New("bridge variant undetected: neither /ping nor /health responded")

// VariantDetector probes a bridge's health endpoints once and caches the
// live variant, so per-send calls skip the probe. Invalidate drops the
// cached entry after a bridge upgrade or migration.
type VariantDetector struct {
	rdb    *redis.Client
	client *http.Client
	ttl    time.Duration
}

// NewVariantDetector creates a detector caching results in redis for ttl.
func NewVariantDetector(rdb *redis.Client, probeTimeout, ttl time.Duration) *VariantDetector {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &VariantDetector{
		rdb:    rdb,
		client: &http.Client{Timeout: probeTimeout},
		ttl:    ttl,
	}
}

func variantKey(baseURL string) string {
	return "bridge:variant:" + strings.TrimRight(baseURL, "/")
}

// Detect returns the bridge variant for baseURL, probing only on a
// cache miss. Legacy is checked first; a bridge answering both is
// treated as legacy.
func (d *VariantDetector) Detect(ctx context.Context, baseURL string) (Variant, error) {
	key := variantKey(baseURL)
	if d.rdb != nil {
		cached, err := d.rdb.Get(ctx, key).Result()
		if err == nil {
			switch Variant(cached) {
			case VariantLegacy, VariantModern:
				return Variant(cached), nil
			}
		} else if !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("variant cache read: %w", err)
		}
	}

	variant, err := d.probe(ctx, baseURL)
	if err != nil {
		return "", err
	}
	if d.rdb != nil {
		if err := d.rdb.Set(ctx, key, string(variant), d.ttl).Err(); err != nil {
			return "", fmt.Errorf("variant cache write: %w", err)
		}
	}
	return variant, nil
}

// Invalidate drops the cached variant for baseURL.
func (d *VariantDetector) Invalidate(ctx context.Context, baseURL string) error {
	if d.rdb == nil {
		return nil
	}
	return d.rdb.Del(ctx, variantKey(baseURL)).Err()
}

func (d *VariantDetector) probe(ctx context.Context, baseURL string) (Variant, error) {
	base := strings.TrimRight(baseURL, "/")
	if d.alive(ctx, base+"/ping") {
		return VariantLegacy, nil
	}
	if d.alive(ctx, base+"/health") {
		return VariantModern, nil
	}
	return "", ErrVariantUndetected
}

func (d *VariantDetector) alive(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
