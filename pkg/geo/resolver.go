// Package geo resolves attacker IP addresses to coarse geolocation using a
// cached, rate-limited upstream (ip-api.com by default).
//
// Lookups are cache-first and never return an error: the caller either gets
// a location or proceeds without one. Private and loopback addresses are
// rejected synchronously without touching the network or the cache.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/credtrap/credtrap/internal/logger"
)

// Location is a resolved geolocation entry.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Region    string  `json:"region"`

	// FetchedAt records when the upstream lookup succeeded.
	FetchedAt time.Time `json:"fetched_at"`
}

// Config controls the resolver.
type Config struct {
	// APIURL is the upstream endpoint; %s is replaced with the IP.
	// Default: http://ip-api.com/json/%s
	APIURL string

	// CacheFile is where the cache is persisted as JSON.
	// Empty disables persistence.
	CacheFile string

	// RequestsPerMinute caps upstream calls. Default 45 (ip-api free tier).
	RequestsPerMinute int

	// PrefetchQueueSize bounds the async prefetch queue. Default 256.
	PrefetchQueueSize int

	// SaveDebounce is the minimum interval between cache file writes.
	// Default 5 minutes.
	SaveDebounce time.Duration

	// RequestTimeout bounds a single upstream HTTP call. Default 10s.
	RequestTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.APIURL == "" {
		c.APIURL = "http://ip-api.com/json/%s"
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 45
	}
	if c.PrefetchQueueSize <= 0 {
		c.PrefetchQueueSize = 256
	}
	if c.SaveDebounce <= 0 {
		c.SaveDebounce = 5 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Resolver is a thread-safe IP geolocation cache with a rate-limited
// upstream and a background prefetch worker.
type Resolver struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter

	mu       sync.RWMutex
	cache    map[string]Location
	lastSave time.Time
	dirty    bool

	prefetch chan string
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewResolver creates a resolver and starts its prefetch worker.
// If cfg.CacheFile exists, the cache is warmed from it.
func NewResolver(cfg Config) *Resolver {
	cfg.applyDefaults()

	r := &Resolver{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
		cache:    make(map[string]Location),
		prefetch: make(chan string, cfg.PrefetchQueueSize),
		done:     make(chan struct{}),
	}

	if cfg.CacheFile != "" {
		if err := r.loadCache(); err != nil {
			logger.Warn("Could not load geolocation cache", "file", cfg.CacheFile, "error", err)
		}
	}

	r.wg.Add(1)
	go r.prefetchWorker()

	return r
}

// Lookup returns the location for ip, consulting the cache first and the
// upstream on a miss. Private, loopback, and unparseable addresses return
// (zero, false) without any I/O.
func (r *Resolver) Lookup(ip string) (Location, bool) {
	if !publicIP(ip) {
		return Location{}, false
	}

	r.mu.RLock()
	loc, ok := r.cache[ip]
	r.mu.RUnlock()
	if ok {
		return loc, true
	}

	return r.fetch(ip)
}

// Prefetch enqueues ip for background resolution so that a later Lookup
// hits the cache. Fire and forget: a full queue drops the request.
func (r *Resolver) Prefetch(ip string) {
	if !publicIP(ip) {
		return
	}
	r.mu.RLock()
	_, ok := r.cache[ip]
	r.mu.RUnlock()
	if ok {
		return
	}
	select {
	case r.prefetch <- ip:
	default:
		logger.Debug("Geolocation prefetch queue full", "ip", ip)
	}
}

// Close stops the prefetch worker and flushes the cache file.
func (r *Resolver) Close() {
	r.once.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	if r.cfg.CacheFile != "" {
		if err := r.saveCache(true); err != nil {
			logger.Warn("Could not save geolocation cache", "error", err)
		}
	}
}

func (r *Resolver) prefetchWorker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case ip := <-r.prefetch:
			r.mu.RLock()
			_, ok := r.cache[ip]
			r.mu.RUnlock()
			if !ok {
				r.fetch(ip)
			}
		}
	}
}

// apiResponse matches the ip-api.com JSON payload.
type apiResponse struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Country    string  `json:"country"`
	City       string  `json:"city"`
	RegionName string  `json:"regionName"`
}

// fetch performs the upstream call. The rate limiter and HTTP request run
// outside the cache lock.
func (r *Resolver) fetch(ip string) (Location, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout+30*time.Second)
	defer cancel()
	if err := r.limiter.Wait(ctx); err != nil {
		return Location{}, false
	}

	url := fmt.Sprintf(r.cfg.APIURL, ip)
	resp, err := r.client.Get(url)
	if err != nil {
		logger.Warn("Geolocation upstream request failed", "ip", ip, "error", err)
		return Location{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("Geolocation upstream returned non-200", "ip", ip, "status", resp.StatusCode)
		return Location{}, false
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		logger.Warn("Geolocation response unparseable", "ip", ip, "error", err)
		return Location{}, false
	}
	if body.Status != "success" {
		logger.Warn("Geolocation upstream reported failure", "ip", ip, "message", body.Message)
		return Location{}, false
	}

	loc := Location{
		Latitude:  body.Lat,
		Longitude: body.Lon,
		Country:   body.Country,
		City:      body.City,
		Region:    body.RegionName,
		FetchedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.cache[ip] = loc
	r.dirty = true
	shouldSave := r.cfg.CacheFile != "" && time.Since(r.lastSave) >= r.cfg.SaveDebounce
	r.mu.Unlock()

	if shouldSave {
		if err := r.saveCache(false); err != nil {
			logger.Warn("Could not save geolocation cache", "error", err)
		}
	}

	return loc, true
}

// publicIP reports whether ip is a routable unicast address worth looking
// up. RFC1918, loopback, link-local, and multicast ranges are not.
func publicIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() {
		return false
	}
	return true
}
