package telnet

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

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

func startSession(t *testing.T) (net.Conn, *recorder, chan struct{}) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	rec := &recorder{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		Descriptor.Handle(context.Background(), server, "198.51.100.1", handler.Env{Record: rec.record})
	}()
	return client, rec, done
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

// drainGreeting consumes the server's option negotiation and login banner.
func drainGreeting(t *testing.T, conn net.Conn) {
	t.Helper()
	negotiation := readExactly(t, conn, 9)
	assert.Equal(t, []byte{
		cmdIAC, cmdWILL, optEcho,
		cmdIAC, cmdWILL, optSuppressGoAhead,
		cmdIAC, cmdWONT, optLinemode,
	}, negotiation)
	readExactly(t, conn, len(banner))
}

func TestPlainLoginCapture(t *testing.T) {
	client, rec, done := startSession(t)
	drainGreeting(t, client)

	_, err := client.Write([]byte("root\r\n"))
	require.NoError(t, err)
	readExactly(t, client, len(passwordAsk))

	_, err = client.Write([]byte("toor\r\n"))
	require.NoError(t, err)
	readExactly(t, client, len(loginFailed))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not terminate after capture")
	}

	assert.Equal(t, 1, rec.count)
	assert.Equal(t, "root", rec.username)
	assert.Equal(t, "toor", rec.password)
}

func TestNegotiationIsInert(t *testing.T) {
	// Option commands interleaved with input must not corrupt the
	// captured credentials, and DO must be answered with WONT.
	client, rec, done := startSession(t)
	drainGreeting(t, client)

	_, err := client.Write([]byte{cmdIAC, cmdDO, optEcho})
	require.NoError(t, err)
	assert.Equal(t, []byte{cmdIAC, cmdWONT, optEcho}, readExactly(t, client, 3))

	_, err = client.Write([]byte("root\r\n"))
	require.NoError(t, err)
	readExactly(t, client, len(passwordAsk))

	_, err = client.Write([]byte{cmdIAC, cmdWILL, optLinemode})
	require.NoError(t, err)
	assert.Equal(t, []byte{cmdIAC, cmdDONT, optLinemode}, readExactly(t, client, 3))

	_, err = client.Write([]byte("toor\r\n"))
	require.NoError(t, err)
	readExactly(t, client, len(loginFailed))
	<-done

	assert.Equal(t, "root", rec.username)
	assert.Equal(t, "toor", rec.password)
}

func TestSubnegotiationSkipped(t *testing.T) {
	client, rec, done := startSession(t)
	drainGreeting(t, client)

	// SB <terminal-type payload> IAC SE wrapped around real input.
	_, err := client.Write([]byte{cmdIAC, cmdSB, 24, 0, 'x', 't', 'e', 'r', 'm', cmdIAC, cmdSE})
	require.NoError(t, err)
	_, err = client.Write([]byte("admin\r\n"))
	require.NoError(t, err)
	readExactly(t, client, len(passwordAsk))

	_, err = client.Write([]byte("letmein\r\n"))
	require.NoError(t, err)
	readExactly(t, client, len(loginFailed))
	<-done

	assert.Equal(t, "admin", rec.username)
	assert.Equal(t, "letmein", rec.password)
}
