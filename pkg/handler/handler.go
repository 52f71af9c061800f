// Package handler defines the contract between protocol emulations and
// the rest of the honeypot: each protocol package exports a Descriptor
// whose Handle function speaks just enough of the protocol to reach the
// authentication exchange, then reports captured credentials through Env.
package handler

import (
	"context"
	"io"
	"net"
	"time"
)

// Default deadlines for protocol exchanges. Extended covers protocols
// whose clients legitimately pause mid-handshake (SSH key exchange,
// MySQL auth response).
const (
	BaseTimeout     = 5 * time.Second
	ExtendedTimeout = 15 * time.Second
)

// Env is the environment a handler runs in. Touch refreshes the idle
// monitor for the client IP; Record submits a captured credential pair
// to the capture pipeline.
type Env struct {
	Touch  func(clientIP string)
	Record func(ctx context.Context, username, password, clientIP string)
}

// HandleFunc serves one accepted connection. The connection is closed by
// the caller; ctx is cancelled on shutdown.
type HandleFunc func(ctx context.Context, conn net.Conn, clientIP string, env Env)

// Descriptor names a protocol emulation and binds it to a default port.
type Descriptor struct {
	Name        string
	DefaultPort int
	Handle      HandleFunc
}

// WriteString writes s to conn under a write deadline.
func WriteString(conn net.Conn, timeout time.Duration, s string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := io.WriteString(conn, s)
	return err
}

// WriteBytes writes b to conn under a write deadline.
func WriteBytes(conn net.Conn, timeout time.Duration, b []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := conn.Write(b)
	return err
}

// ClientIP extracts the bare IP from a remote address, tolerating
// addresses without a port.
func ClientIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
