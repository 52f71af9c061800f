// Package rdp emulates the pre-TLS prefix of an RDP negotiation and
// scavenges credential markers from whatever the client sends in the
// clear. Clients that negotiate TLS or CredSSP carry their credentials
// encrypted and yield no capture.
package rdp

import (
	"context"
	"net"
	"time"

	"github.com/credtrap/credtrap/internal/logger"
	"github.com/credtrap/credtrap/pkg/handler"
)

// X.224 PDUs wrapped in TPKT headers, byte-for-byte what mstsc-era
// clients accept during plain negotiation.
var (
	connectionConfirm = []byte{
		0x03, 0x00, 0x00, 0x13, // TPKT
		0x0e, 0xd0, 0x00, 0x00, 0x00, 0x00, 0x00, // X.224 Connection Confirm
		0x02, 0x0f, 0x08, 0x00, 0x00, 0x00, // RDP Negotiation Response
	}
	serverSecurityData = []byte{
		0x03, 0x00, 0x00, 0x0c, // TPKT
		0x02, 0xf0, 0x80, 0x04, // X.224 Data TPDU
		0x01, 0x00, 0x01, 0x00, // Server Security Data
	}
	securityExchangeRequest = []byte{
		0x03, 0x00, 0x00, 0x0c,
		0x02, 0xf0, 0x80, 0x04,
		0x00, 0x01, 0x00, 0x00, // Security Exchange PDU
	}
	disconnectRequest = []byte{
		0x03, 0x00, 0x00, 0x09,
		0x02, 0xf0, 0x80, 0x21, // X.224 Disconnect Request
		0x80, // error
	}
)

const recvBufferSize = 8192

// Descriptor is the RDP emulation.
var Descriptor = handler.Descriptor{
	Name:        "rdp",
	DefaultPort: 3389,
	Handle:      handle,
}

func handle(ctx context.Context, conn net.Conn, clientIP string, env handler.Env) {
	all := readInitial(conn, clientIP, env)
	if len(all) == 0 {
		// Port probe with no payload; not worth a log line.
		return
	}

	creds := extract(all)

	// No password yet: nudge the client with a security exchange request
	// and scan whatever else arrives.
	if creds.password == "" {
		if handler.WriteBytes(conn, handler.BaseTimeout, securityExchangeRequest) == nil {
			for _, timeout := range []time.Duration{500 * time.Millisecond, time.Second, 1500 * time.Millisecond} {
				chunk := readChunk(conn, timeout)
				if len(chunk) == 0 {
					continue
				}
				if env.Touch != nil {
					env.Touch(clientIP)
				}
				all = append(all, chunk...)
				if more := extract(chunk); more.password != "" {
					creds.password = more.password
					if more.username != "" {
						creds.username = more.username
					}
					break
				}
			}
			if creds.password == "" {
				if final := extract(all); final.password != "" {
					creds = final
				}
			}
		}
	}

	for _, marker := range authMarkers(all) {
		logger.Debug("RDP security marker observed",
			"client_ip", clientIP, "marker", marker)
	}

	// Password may legitimately be empty (cookie-only connects); a
	// username is required for an event.
	if creds.username != "" {
		env.Record(ctx, creds.username, creds.password, clientIP)
	}

	_ = handler.WriteBytes(conn, handler.BaseTimeout, disconnectRequest)
	time.Sleep(100 * time.Millisecond)
}

// readInitial runs the TPKT/X.224 opening: read the connection request,
// answer with Connection Confirm and Server Security Data, then drain
// one extra chunk. Returns everything received.
func readInitial(conn net.Conn, clientIP string, env handler.Env) []byte {
	var data []byte
	timeout := 500 * time.Millisecond

	for retries := 3; retries > 0; retries-- {
		chunk := readChunk(conn, timeout)
		timeout *= 2
		if len(chunk) == 0 {
			continue
		}
		if env.Touch != nil {
			env.Touch(clientIP)
		}
		data = append(data, chunk...)

		if !completeTPKT(data) {
			continue
		}
		if handler.WriteBytes(conn, handler.BaseTimeout, connectionConfirm) != nil {
			return data
		}
		if handler.WriteBytes(conn, handler.BaseTimeout, serverSecurityData) != nil {
			return data
		}
		if extra := readChunk(conn, time.Second); len(extra) > 0 {
			data = append(data, extra...)
		}
		return data
	}
	return data
}

// completeTPKT reports whether data starts with a TPKT header whose
// declared length has fully arrived.
func completeTPKT(data []byte) bool {
	if len(data) < 4 || data[0] != 0x03 || data[1] != 0x00 {
		return false
	}
	length := int(data[2])<<8 | int(data[3])
	return len(data) >= length
}

func readChunk(conn net.Conn, timeout time.Duration) []byte {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil
	}
	buf := make([]byte, recvBufferSize)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return nil
	}
	return buf[:n]
}
