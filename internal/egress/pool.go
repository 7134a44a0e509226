package egress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clipstash/importd/internal/domain"
	"github.com/clipstash/importd/internal/repository"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/samber/lo"
)

const (
	cacheTTL     = 5 * time.Minute
	fetchTimeout = 10 * time.Second
)

// fallbackIdentities are used when the admin API is unreachable. Their
// results are never reported back.
var fallbackIdentities = []domain.Identity{
	{ID: domain.FallbackIdentityPrefix + "1", URL: "", Priority: 0, SuccessRate: 0},
}

type adminIdentity struct {
	ID          string  `json:"id"`
	URL         string  `json:"url"`
	Host        string  `json:"host"`
	Port        int     `json:"port"`
	Username    string  `json:"username"`
	Password    string  `json:"password"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	Priority    int     `json:"priority"`
	SuccessRate float64 `json:"successRate"`
}

// Pool serves the sorted egress identity list, cached for five minutes, and
// forwards per-attempt results to the admin service's health accounting.
type Pool struct {
	adminURL    string
	adminSecret string
	client      *http.Client
	cache       repository.EgressCache
	logger      *slog.Logger

	mu        sync.Mutex
	memCache  []domain.Identity
	fetchedAt time.Time
}

func NewPool(adminURL, adminSecret string, cache repository.EgressCache, logger *slog.Logger) *Pool {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = fetchTimeout
	rc.Logger = nil

	return &Pool{
		adminURL:    strings.TrimRight(adminURL, "/"),
		adminSecret: adminSecret,
		client:      rc.StandardClient(),
		cache:       cache,
		logger:      logger.With("component", "egress_pool"),
	}
}

// List returns identities ordered by (priority desc, success_rate desc).
// Readers may observe a list up to five minutes stale.
func (p *Pool) List(ctx context.Context) ([]domain.Identity, error) {
	p.mu.Lock()
	if len(p.memCache) > 0 && time.Since(p.fetchedAt) < cacheTTL {
		cached := append([]domain.Identity(nil), p.memCache...)
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	if p.cache != nil {
		if identities, ok, err := p.cache.Get(ctx); err == nil && ok && len(identities) > 0 {
			p.store(identities)
			return identities, nil
		}
	}

	identities, err := p.fetchAdmin(ctx)
	if err != nil {
		p.logger.Warn("egress admin fetch failed, using fallback identities", "error", err)
		return append([]domain.Identity(nil), fallbackIdentities...), nil
	}

	p.store(identities)
	if p.cache != nil {
		if err := p.cache.Set(ctx, identities, cacheTTL); err != nil {
			p.logger.Warn("egress cache write failed", "error", err)
		}
	}
	return identities, nil
}

// ReportResult forwards one attempt outcome to the admin service. Fallback
// identities are skipped; delivery failures are logged and dropped.
func (p *Pool) ReportResult(ctx context.Context, identityURL string, success bool, responseMS int64) {
	if p.adminURL == "" || identityURL == "" {
		return
	}
	if identity, found := p.lookup(identityURL); found && identity.IsFallback() {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"url":        identityURL,
		"success":    success,
		"responseMs": responseMS,
	})
	if err != nil {
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost,
		p.adminURL+"/api/internal/proxies/report", strings.NewReader(string(payload)))
	if err != nil {
		return
	}
	req.Header.Set("x-internal-secret", p.adminSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("egress result report failed", "identity", identityURL, "error", err)
		return
	}
	_ = resp.Body.Close()
}

func (p *Pool) fetchAdmin(ctx context.Context) ([]domain.Identity, error) {
	if p.adminURL == "" {
		return nil, fmt.Errorf("no egress admin configured")
	}

	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, p.adminURL+"/api/internal/proxies", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-internal-secret", p.adminSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("admin returned %d", resp.StatusCode)
	}

	var raw []adminIdentity
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode identities: %w", err)
	}

	active := lo.Filter(raw, func(a adminIdentity, _ int) bool {
		return a.Status == "" || a.Status == "active"
	})
	identities := lo.Map(active, func(a adminIdentity, _ int) domain.Identity {
		return domain.Identity{
			ID:          a.ID,
			URL:         identityURL(a),
			Priority:    a.Priority,
			SuccessRate: a.SuccessRate,
		}
	})

	SortIdentities(identities)
	if len(identities) == 0 {
		return nil, fmt.Errorf("admin returned no active identities")
	}
	return identities, nil
}

// SortIdentities orders by priority desc, then success rate desc. Stable so
// equal identities keep admin order.
func SortIdentities(identities []domain.Identity) {
	sort.SliceStable(identities, func(i, j int) bool {
		if identities[i].Priority != identities[j].Priority {
			return identities[i].Priority > identities[j].Priority
		}
		return identities[i].SuccessRate > identities[j].SuccessRate
	})
}

func identityURL(a adminIdentity) string {
	if a.URL != "" {
		return a.URL
	}
	scheme := a.Type
	if scheme == "" {
		scheme = "http"
	}
	if a.Username != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%d", scheme, a.Username, a.Password, a.Host, a.Port)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, a.Host, a.Port)
}

func (p *Pool) store(identities []domain.Identity) {
	p.mu.Lock()
	p.memCache = append([]domain.Identity(nil), identities...)
	p.fetchedAt = time.Now()
	p.mu.Unlock()
}

func (p *Pool) lookup(identityURL string) (domain.Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, identity := range p.memCache {
		if identity.URL == identityURL {
			return identity, true
		}
	}
	return domain.Identity{}, false
}
