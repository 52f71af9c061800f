package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credtrap/credtrap/pkg/geo"
)

type fakeStore struct {
	mu       sync.Mutex
	attempts []Attempt
	err      error
}

func (f *fakeStore) Append(ctx context.Context, attempt *Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	attempt.ID = uint(len(f.attempts) + 1)
	f.attempts = append(f.attempts, *attempt)
	return nil
}

type fakeHub struct {
	mu     sync.Mutex
	events []Attempt
}

func (f *fakeHub) Broadcast(attempt *Attempt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *attempt)
}

type fakeGeo struct {
	locations map[string]geo.Location
}

func (f *fakeGeo) Lookup(ip string) (geo.Location, bool) {
	loc, ok := f.locations[ip]
	return loc, ok
}

type fakeSched struct {
	mu      sync.Mutex
	touched []string
}

func (f *fakeSched) Touch(clientIP string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, clientIP)
}

func TestRecordPersistsAndBroadcasts(t *testing.T) {
	st := &fakeStore{}
	h := &fakeHub{}
	g := &fakeGeo{locations: map[string]geo.Location{
		"198.51.100.1": {Latitude: 51.5, Longitude: -0.1, Country: "United Kingdom", City: "London", Region: "England"},
	}}
	sched := &fakeSched{}

	p := NewPipeline(g, st, h, sched, nil)
	p.Record(context.Background(), ProtocolSSH, "root", "toor", "198.51.100.1")

	require.Len(t, st.attempts, 1)
	stored := st.attempts[0]
	assert.Equal(t, ProtocolSSH, stored.Protocol)
	assert.Equal(t, "root", stored.Username)
	assert.Equal(t, "toor", stored.Password)
	assert.Equal(t, "198.51.100.1", stored.ClientIP)
	assert.WithinDuration(t, time.Now().UTC(), stored.Timestamp, 5*time.Second)

	require.NotNil(t, stored.Country)
	assert.Equal(t, "United Kingdom", *stored.Country)
	require.NotNil(t, stored.Latitude)
	assert.InDelta(t, 51.5, *stored.Latitude, 0.001)

	require.Len(t, h.events, 1)
	assert.Equal(t, stored.Username, h.events[0].Username)

	assert.Equal(t, []string{"198.51.100.1"}, sched.touched)
}

func TestRecordWithoutLocationLeavesGeoNil(t *testing.T) {
	st := &fakeStore{}
	p := NewPipeline(&fakeGeo{}, st, &fakeHub{}, &fakeSched{}, nil)

	p.Record(context.Background(), ProtocolTelnet, "admin", "admin", "10.0.0.5")

	require.Len(t, st.attempts, 1)
	assert.Nil(t, st.attempts[0].Latitude)
	assert.Nil(t, st.attempts[0].Longitude)
	assert.Nil(t, st.attempts[0].Country)
	assert.Nil(t, st.attempts[0].City)
	assert.Nil(t, st.attempts[0].Region)
}

func TestStoreFailureStillBroadcasts(t *testing.T) {
	st := &fakeStore{err: errors.New("disk full")}
	h := &fakeHub{}
	p := NewPipeline(&fakeGeo{}, st, h, &fakeSched{}, nil)

	p.Record(context.Background(), ProtocolFTP, "anonymous", "guest@", "203.0.113.10")

	require.Len(t, h.events, 1)
	assert.Equal(t, "anonymous", h.events[0].Username)
	assert.Zero(t, h.events[0].ID, "broadcast carries the in-memory attempt with ID unset")
}

func TestRecordTruncatesOverlongCredentials(t *testing.T) {
	st := &fakeStore{}
	p := NewPipeline(&fakeGeo{}, st, &fakeHub{}, &fakeSched{}, nil)

	longUser := strings.Repeat("u", MaxUsernameLen+100)
	longPass := strings.Repeat("p", MaxPasswordLen+100)
	p.Record(context.Background(), ProtocolRDP, longUser, longPass, "203.0.113.11")

	require.Len(t, st.attempts, 1)
	assert.Len(t, st.attempts[0].Username, MaxUsernameLen)
	assert.Len(t, st.attempts[0].Password, MaxPasswordLen)
}

type countingCaptureMetrics struct {
	mu     sync.Mutex
	counts map[Protocol]int
}

func (m *countingCaptureMetrics) RecordCapture(p Protocol) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[Protocol]int)
	}
	m.counts[p]++
}

func TestRecordCountsPerProtocol(t *testing.T) {
	m := &countingCaptureMetrics{}
	p := NewPipeline(&fakeGeo{}, &fakeStore{}, &fakeHub{}, &fakeSched{}, m)

	p.Record(context.Background(), ProtocolSIP, "2000", "[FROM_HEADER]", "203.0.113.12")
	p.Record(context.Background(), ProtocolSIP, "2001", "[URI]", "203.0.113.12")
	p.Record(context.Background(), ProtocolMySQL, "root", "hunter2", "203.0.113.13")

	assert.Equal(t, 2, m.counts[ProtocolSIP])
	assert.Equal(t, 1, m.counts[ProtocolMySQL])
}

func TestProtocolValidation(t *testing.T) {
	for _, p := range Protocols() {
		assert.True(t, p.Valid(), "protocol %s", p)
	}
	assert.False(t, Protocol("http").Valid())
	assert.False(t, Protocol("").Valid())
}
