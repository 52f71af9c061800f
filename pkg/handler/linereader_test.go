package handler

import (
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeReader(t *testing.T, input string, touch func(string)) *LineReader {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	go func() {
		_, _ = client.Write([]byte(input))
		client.Close()
	}()
	return NewLineReader(server, 2*time.Second, "198.51.100.1", touch)
}

func TestReadLineStripsLineEndings(t *testing.T) {
	r := pipeReader(t, "USER anonymous\r\nPASS guest@\nQUIT\r\n", nil)

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "USER anonymous", line)

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "PASS guest@", line)

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "QUIT", line)
}

func TestReadLineFinalUnterminatedLine(t *testing.T) {
	r := pipeReader(t, "QUIT", nil)
	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "QUIT", line)
}

func TestReadLineRejectsOverlongLine(t *testing.T) {
	r := pipeReader(t, strings.Repeat("a", MaxLineLen+10)+"\r\n", nil)
	_, err := r.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestReadLineStopsConsumingAtCap(t *testing.T) {
	// A peer streaming an endless unterminated line must not make the
	// reader buffer past MaxLineLen; the failure fires at the cap, not
	// at the eventual newline.
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	var written atomic.Int64
	go func() {
		chunk := []byte(strings.Repeat("a", 1024))
		for {
			n, err := client.Write(chunk)
			written.Add(int64(n))
			if err != nil {
				return
			}
		}
	}()

	r := NewLineReader(server, 2*time.Second, "198.51.100.1", nil)
	_, err := r.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.LessOrEqual(t, written.Load(), int64(MaxLineLen+1024),
		"reader consumed past the line cap")
}

func TestReadLineTouchesPerLine(t *testing.T) {
	var touched []string
	r := pipeReader(t, "one\r\ntwo\r\n", func(ip string) { touched = append(touched, ip) })

	_, err := r.ReadLine()
	require.NoError(t, err)
	_, err = r.ReadLine()
	require.NoError(t, err)

	assert.Equal(t, []string{"198.51.100.1", "198.51.100.1"}, touched)
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "198.51.100.1",
		ClientIP(&net.TCPAddr{IP: net.ParseIP("198.51.100.1"), Port: 50000}))
	assert.Equal(t, "", ClientIP(nil))
}
