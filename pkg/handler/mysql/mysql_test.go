package mysql

import (
	"bytes"
	"context"
	"encoding/binary"
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

func readFramed(t *testing.T, conn net.Conn) (seq byte, payload []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var header [4]byte
	_, err := io.ReadFull(conn, header[:])
	require.NoError(t, err)
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16

	payload = make([]byte, length)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return header[3], payload
}

func writeFramed(t *testing.T, conn net.Conn, seq byte, payload []byte) {
	t.Helper()
	framed := append([]byte{
		byte(len(payload)),
		byte(len(payload) >> 8),
		byte(len(payload) >> 16),
		seq,
	}, payload...)
	_, err := conn.Write(framed)
	require.NoError(t, err)
}

func authPacket(username, plugin string, blob []byte) []byte {
	var b bytes.Buffer
	b.Write(make([]byte, 4+4+1+23))
	b.WriteString(username)
	b.WriteByte(0)
	b.WriteString(plugin)
	b.WriteByte(0)
	b.Write(blob)
	return b.Bytes()
}

func TestHandshakeGreeting(t *testing.T) {
	client, _, _ := startSession(t)

	seq, payload := readFramed(t, client)
	assert.EqualValues(t, 0, seq)

	require.Greater(t, len(payload), 1+len(serverVersion)+1+4+8+1+12)
	assert.EqualValues(t, protocolVersion, payload[0])

	version, rest := cutCString(payload[1:])
	assert.Equal(t, serverVersion, version)

	// connection id, 8 salt bytes, filler, 12 salt bytes, plugin name.
	require.Greater(t, len(rest), 4+8+1+12)
	assert.EqualValues(t, 0, rest[4+8])
	plugin, _ := cutCString(rest[4+8+1+12:])
	assert.Equal(t, authPluginName, plugin)
}

func TestAuthCaptureAndAccessDenied(t *testing.T) {
	client, rec, done := startSession(t)
	readFramed(t, client)

	writeFramed(t, client, 1, authPacket("root", authPluginName, []byte("hunter2")))

	seq, payload := readFramed(t, client)
	assert.EqualValues(t, 1, seq)
	require.Greater(t, len(payload), 9)
	assert.EqualValues(t, 0xff, payload[0])
	assert.EqualValues(t, errAccessDenied, binary.LittleEndian.Uint16(payload[1:3]))
	assert.EqualValues(t, '#', payload[3])
	assert.Equal(t, sqlStateDenied, string(payload[4:9]))
	assert.Contains(t, string(payload[9:]), "Access denied")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not terminate after auth packet")
	}

	assert.Equal(t, 1, rec.count)
	assert.Equal(t, "root", rec.username)
	assert.Equal(t, "hunter2", rec.password)
}

func TestPluginEchoRecordsNullPassword(t *testing.T) {
	client, rec, done := startSession(t)
	readFramed(t, client)

	writeFramed(t, client, 1, authPacket("admin", authPluginName, []byte(authPluginName)))
	readFramed(t, client)
	<-done

	assert.Equal(t, "admin", rec.username)
	assert.Equal(t, "[Password Null]", rec.password)
}

func TestEmptyBlobRecordsNullPassword(t *testing.T) {
	client, rec, done := startSession(t)
	readFramed(t, client)

	writeFramed(t, client, 1, authPacket("root", authPluginName, nil))
	readFramed(t, client)
	<-done

	assert.Equal(t, "[Password Null]", rec.password)
}

func TestTruncatedAuthPacketDropped(t *testing.T) {
	client, rec, done := startSession(t)
	readFramed(t, client)

	writeFramed(t, client, 1, make([]byte, 10))
	<-done

	assert.Zero(t, rec.count)
}

func TestParseAuthPacket(t *testing.T) {
	username, password, ok := parseAuthPacket(authPacket("sa", "mysql_native_password", []byte{0x01, 0x02}))
	require.True(t, ok)
	assert.Equal(t, "sa", username)
	assert.Equal(t, "\x01\x02", password)

	_, _, ok = parseAuthPacket(authPacket("", authPluginName, nil))
	assert.False(t, ok)
}
