package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credtrap/credtrap/pkg/capture"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{URL: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var lastID uint
	for i := 0; i < 5; i++ {
		attempt := &capture.Attempt{
			Protocol:  capture.ProtocolSSH,
			Username:  "root",
			Password:  "toor",
			ClientIP:  "198.51.100.10",
			Timestamp: time.Now().UTC(),
		}
		require.NoError(t, s.Append(ctx, attempt))
		require.Greater(t, attempt.ID, lastID)
		lastID = attempt.ID
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestRecentAttemptsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append(ctx, &capture.Attempt{
			Protocol:  capture.ProtocolFTP,
			Username:  fmt.Sprintf("user%d", i),
			Password:  "guest",
			ClientIP:  "203.0.113.5",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	attempts, err := s.RecentAttempts(ctx, 3)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, "user9", attempts[0].Username)
	assert.Equal(t, "user8", attempts[1].Username)
	assert.Equal(t, "user7", attempts[2].Username)

	all, err := s.RecentAttempts(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestGeolocationFieldsPersist(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	lat, lon := 48.85, 2.35
	country, city, region := "France", "Paris", "Ile-de-France"
	require.NoError(t, s.Append(ctx, &capture.Attempt{
		Protocol:  capture.ProtocolSMTP,
		Username:  "admin",
		Password:  "s3cret",
		ClientIP:  "192.0.2.200",
		Timestamp: time.Now().UTC(),
		Latitude:  &lat,
		Longitude: &lon,
		Country:   &country,
		City:      &city,
		Region:    &region,
	}))

	// A row without geolocation keeps every geo column NULL.
	require.NoError(t, s.Append(ctx, &capture.Attempt{
		Protocol:  capture.ProtocolSMTP,
		Username:  "admin",
		Password:  "s3cret",
		ClientIP:  "10.0.0.1",
		Timestamp: time.Now().UTC(),
	}))

	attempts, err := s.RecentAttempts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 2)

	var located, unlocated *capture.Attempt
	for i := range attempts {
		if attempts[i].ClientIP == "192.0.2.200" {
			located = &attempts[i]
		} else {
			unlocated = &attempts[i]
		}
	}
	require.NotNil(t, located)
	require.NotNil(t, unlocated)

	require.NotNil(t, located.Country)
	assert.Equal(t, "France", *located.Country)
	require.NotNil(t, located.Latitude)
	assert.InDelta(t, 48.85, *located.Latitude, 0.001)

	assert.Nil(t, unlocated.Country)
	assert.Nil(t, unlocated.Latitude)
	assert.Nil(t, unlocated.Longitude)
}

func TestSQLiteURLPrefixStripped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefixed.db")
	s, err := Open(Config{URL: "sqlite:///" + path})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(context.Background(), &capture.Attempt{
		Protocol:  capture.ProtocolMySQL,
		Username:  "root",
		Password:  "[Password Null]",
		ClientIP:  "198.51.100.44",
		Timestamp: time.Now().UTC(),
	}))
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
