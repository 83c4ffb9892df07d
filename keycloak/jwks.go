package keycloak

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/sync/singleflight"
)

// DefaultJWKSCacheTTL bounds how long a fetched key set is reused.
const DefaultJWKSCacheTTL = time.Hour

// KeyCache fetches and caches JWKS documents per URL. Stale reads are
// safe; concurrent misses for the same URL collapse into a single
// fetch so a cold cache cannot stampede the identity provider.
//
// Now and Fetch may be replaced before first use to make TTL expiry
// deterministic in tests.
type KeyCache struct {
	TTL   time.Duration
	Now   func() time.Time
	Fetch func(ctx context.Context, url string) (jose.JSONWebKeySet, error)

	group singleflight.Group
	mu    sync.RWMutex
	sets  map[string]cachedKeySet
}

type cachedKeySet struct {
	set       jose.JSONWebKeySet
	fetchedAt time.Time
}

// NewKeyCache constructs a cache backed by HTTP fetches with client.
// A nil client gets a 10s timeout, matching the bound we accept for
// one outbound call to the identity provider.
func NewKeyCache(ttl time.Duration, client *http.Client) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultJWKSCacheTTL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeyCache{
		TTL: ttl,
		Now: time.Now,
		Fetch: func(ctx context.Context, url string) (jose.JSONWebKeySet, error) {
			return fetchJWKS(ctx, client, url)
		},
		sets: make(map[string]cachedKeySet),
	}
}

// Get returns the cached key set for url, refreshing it when the TTL
// has elapsed or nothing is cached yet. Fetch failures surface as a
// TokenError of kind ErrKeySetUnavailable and leave any previous
// entry untouched.
func (kc *KeyCache) Get(ctx context.Context, url string) (jose.JSONWebKeySet, error) {
	kc.mu.RLock()
	cached, ok := kc.sets[url]
	kc.mu.RUnlock()
	if ok && kc.Now().Sub(cached.fetchedAt) < kc.TTL {
		return cached.set, nil
	}

	res, err, _ := kc.group.Do(url, func() (any, error) {
		kc.mu.RLock()
		cached, ok := kc.sets[url]
		kc.mu.RUnlock()
		if ok && kc.Now().Sub(cached.fetchedAt) < kc.TTL {
			return cached.set, nil
		}

		set, err := kc.Fetch(ctx, url)
		if err != nil {
			return jose.JSONWebKeySet{}, newTokenError(ErrKeySetUnavailable, "key set unavailable: %v", err)
		}

		kc.mu.Lock()
		kc.sets[url] = cachedKeySet{set: set, fetchedAt: kc.Now()}
		kc.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return res.(jose.JSONWebKeySet), nil
}

func fetchJWKS(ctx context.Context, client *http.Client, url string) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch %s: %s", url, resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}
	return set, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for i := range set.Keys {
		if set.Keys[i].KeyID == kid {
			return &set.Keys[i]
		}
	}
	return nil
}
