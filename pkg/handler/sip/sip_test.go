package sip

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credtrap/credtrap/pkg/handler"
)

type recorder struct {
	mu       sync.Mutex
	username string
	password string
	count    int
}

func (r *recorder) record(ctx context.Context, username, password, clientIP string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.username, r.password = username, password
	r.count++
}

func process(t *testing.T, message string) (*recorder, string) {
	t.Helper()
	rec := &recorder{}
	resp := Process(context.Background(), []byte(message), "198.51.100.1", handler.Env{Record: rec.record})
	return rec, string(resp)
}

const registerRequest = "REGISTER sip:sip.example.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 203.0.113.9:5060;branch=z9hG4bK776asdhds\r\n" +
	"From: <sip:2000@sip.example.com>;tag=49583\r\n" +
	"To: <sip:2000@sip.example.com>\r\n" +
	"Call-ID: 843817637684230@998sdasdh09\r\n" +
	"CSeq: 1826 REGISTER\r\n" +
	"Contact: <sip:2000@203.0.113.9:5060>\r\n" +
	"Content-Length: 0\r\n\r\n"

func TestRegisterChallengedWithDigest(t *testing.T) {
	rec, resp := process(t, registerRequest)

	assert.Equal(t, 1, rec.count)
	assert.Equal(t, "2000", rec.username)
	assert.Equal(t, "[FROM_HEADER]", rec.password)

	require.True(t, strings.HasPrefix(resp, "SIP/2.0 401 Unauthorized\r\n"))
	assert.Contains(t, resp, "Via: SIP/2.0/UDP 203.0.113.9:5060;branch=z9hG4bK776asdhds\r\n")
	assert.Contains(t, resp, "From: <sip:2000@sip.example.com>;tag=49583\r\n")
	assert.Contains(t, resp, "To: <sip:2000@sip.example.com>\r\n")
	assert.Contains(t, resp, "Call-ID: 843817637684230@998sdasdh09\r\n")
	assert.Contains(t, resp, "CSeq: 1826 REGISTER\r\n")
	assert.True(t, strings.HasSuffix(resp, "Content-Length: 0\r\n\r\n"))

	nonceRe := regexp.MustCompile(`WWW-Authenticate: Digest realm="sip\.honeypot\.com", nonce="([0-9a-f]{32})", algorithm=MD5`)
	m := nonceRe.FindStringSubmatch(resp)
	require.NotNil(t, m, "challenge missing or malformed: %q", resp)

	_, resp2 := process(t, registerRequest)
	m2 := nonceRe.FindStringSubmatch(resp2)
	require.NotNil(t, m2)
	assert.NotEqual(t, m[1], m2[1], "nonce must be fresh per challenge")
}

func TestDigestAuthorizationWins(t *testing.T) {
	message := "REGISTER sip:sip.example.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 203.0.113.9:5060\r\n" +
		"From: <sip:bob@sip.example.com>\r\n" +
		"To: <sip:bob@sip.example.com>\r\n" +
		"Authorization: Digest username=\"bob\", realm=\"sip.honeypot.com\", " +
		"nonce=\"deadbeef\", uri=\"sip:sip.example.com\", response=\"abc\"\r\n" +
		"Call-ID: 1@203.0.113.9\r\n" +
		"CSeq: 2 REGISTER\r\n\r\n"

	rec, resp := process(t, message)

	assert.Equal(t, "bob", rec.username)
	assert.Equal(t, "abc", rec.password)
	assert.Contains(t, resp, "401 Unauthorized")
}

func TestURIFallbackWhenFromHasNoUser(t *testing.T) {
	message := "INVITE sip:alice@sip.example.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 203.0.113.9:5060\r\n" +
		"From: Anonymous <sip:203.0.113.9>\r\n" +
		"To: <sip:203.0.113.50>\r\n" +
		"Call-ID: 2@203.0.113.9\r\n" +
		"CSeq: 1 INVITE\r\n\r\n"

	rec, resp := process(t, message)

	assert.Equal(t, "alice", rec.username)
	assert.Equal(t, "[URI]", rec.password)
	assert.Contains(t, resp, "401 Unauthorized")
}

func TestOptionsAnswered(t *testing.T) {
	message := "OPTIONS sip:sip.example.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 203.0.113.9:5060\r\n" +
		"Call-ID: 3@203.0.113.9\r\n" +
		"CSeq: 1 OPTIONS\r\n\r\n"

	rec, resp := process(t, message)

	assert.Zero(t, rec.count)
	assert.True(t, strings.HasPrefix(resp, "SIP/2.0 200 OK\r\n"))
	assert.Contains(t, resp, "Allow: INVITE, ACK, CANCEL, BYE")
}

func TestByeAnswered(t *testing.T) {
	message := "BYE sip:2000@sip.example.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 203.0.113.9:5060\r\n" +
		"CSeq: 3 BYE\r\n\r\n"

	_, resp := process(t, message)
	assert.True(t, strings.HasPrefix(resp, "SIP/2.0 200 OK\r\n"))
}

func TestAckTakesNoResponse(t *testing.T) {
	rec := &recorder{}
	resp := Process(context.Background(),
		[]byte("ACK sip:2000@sip.example.com SIP/2.0\r\nCSeq: 2 ACK\r\n\r\n"),
		"198.51.100.1", handler.Env{Record: rec.record})
	assert.Nil(t, resp)
}

func TestEmptyDatagramIgnored(t *testing.T) {
	rec := &recorder{}
	resp := Process(context.Background(), []byte("  \r\n"), "198.51.100.1", handler.Env{Record: rec.record})
	assert.Nil(t, resp)
	assert.Zero(t, rec.count)
}
