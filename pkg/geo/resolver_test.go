package geo

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUpstream(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"status":"success","lat":51.5,"lon":-0.1,"country":"United Kingdom","city":"London","regionName":"England"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPrivateAddressesShortCircuit(t *testing.T) {
	var hits atomic.Int32
	upstream := newUpstream(t, &hits)

	r := NewResolver(Config{APIURL: upstream.URL + "/%s"})
	defer r.Close()

	for _, ip := range []string{
		"127.0.0.1", "10.0.0.5", "192.168.1.1", "172.16.0.9",
		"169.254.1.1", "0.0.0.0", "::1", "not-an-ip", "",
	} {
		loc, ok := r.Lookup(ip)
		assert.False(t, ok, "ip %q must not resolve", ip)
		assert.Zero(t, loc)
	}
	assert.Equal(t, int32(0), hits.Load(), "no upstream call for private addresses")
}

func TestLookupCachesUpstreamResult(t *testing.T) {
	var hits atomic.Int32
	upstream := newUpstream(t, &hits)

	r := NewResolver(Config{
		APIURL:            upstream.URL + "/%s",
		RequestsPerMinute: 6000,
	})
	defer r.Close()

	loc, ok := r.Lookup("198.51.100.77")
	require.True(t, ok)
	assert.Equal(t, "United Kingdom", loc.Country)
	assert.Equal(t, "London", loc.City)
	assert.Equal(t, "England", loc.Region)
	assert.InDelta(t, 51.5, loc.Latitude, 0.001)

	// Second lookup hits the cache.
	_, ok = r.Lookup("198.51.100.77")
	require.True(t, ok)
	assert.Equal(t, int32(1), hits.Load())
}

func TestUpstreamFailureReturnsNoLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"fail","message":"reserved range"}`)
	}))
	defer srv.Close()

	r := NewResolver(Config{APIURL: srv.URL + "/%s", RequestsPerMinute: 6000})
	defer r.Close()

	_, ok := r.Lookup("198.51.100.78")
	assert.False(t, ok)
}

func TestPrefetchWarmsCache(t *testing.T) {
	var hits atomic.Int32
	upstream := newUpstream(t, &hits)

	r := NewResolver(Config{
		APIURL:            upstream.URL + "/%s",
		RequestsPerMinute: 6000,
	})
	defer r.Close()

	r.Prefetch("203.0.113.99")
	require.Eventually(t, func() bool {
		return hits.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Lookup is now a cache hit.
	loc, ok := r.Lookup("203.0.113.99")
	require.True(t, ok)
	assert.Equal(t, "London", loc.City)
	assert.Equal(t, int32(1), hits.Load())
}

func TestCacheFileRoundTrip(t *testing.T) {
	var hits atomic.Int32
	upstream := newUpstream(t, &hits)
	cacheFile := filepath.Join(t.TempDir(), "geoip_cache.json")

	r := NewResolver(Config{
		APIURL:            upstream.URL + "/%s",
		CacheFile:         cacheFile,
		RequestsPerMinute: 6000,
	})
	_, ok := r.Lookup("198.51.100.80")
	require.True(t, ok)
	r.Close() // flushes the cache file

	// A fresh resolver warms from the file and never calls upstream.
	r2 := NewResolver(Config{
		APIURL:            upstream.URL + "/%s",
		CacheFile:         cacheFile,
		RequestsPerMinute: 6000,
	})
	defer r2.Close()

	loc, ok := r2.Lookup("198.51.100.80")
	require.True(t, ok)
	assert.Equal(t, "United Kingdom", loc.Country)
	assert.Equal(t, int32(1), hits.Load())
}
