// Package mysql emulates the MySQL v10 wire handshake far enough to read
// the client's authentication packet, then answers with an access-denied
// error packet.
package mysql

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/credtrap/credtrap/internal/logger"
	"github.com/credtrap/credtrap/pkg/handler"
)

const (
	protocolVersion = 10
	serverVersion   = "8.0.32"
	authPluginName  = "caching_sha2_password"

	errAccessDenied = 1045
	sqlStateDenied  = "28000"

	maxPacketSize = 64 << 10

	// passwordNull marks an auth packet whose credential blob is just the
	// plugin name echoed back, which clients send for empty passwords.
	passwordNull = "[Password Null]"
)

var connectionID atomic.Uint32

// Descriptor is the MySQL emulation.
var Descriptor = handler.Descriptor{
	Name:        "mysql",
	DefaultPort: 3306,
	Handle:      handle,
}

func handle(ctx context.Context, conn net.Conn, clientIP string, env handler.Env) {
	if err := sendHandshake(conn); err != nil {
		logger.Debug("MySQL handshake write failed", "client_ip", clientIP, "error", err)
		return
	}

	payload, err := readPacket(conn)
	if err != nil {
		logger.Debug("MySQL client sent no auth packet", "client_ip", clientIP)
		return
	}
	if env.Touch != nil {
		env.Touch(clientIP)
	}

	username, password, ok := parseAuthPacket(payload)
	if !ok {
		logger.Debug("Unparseable MySQL auth packet", "client_ip", clientIP, "bytes", len(payload))
		return
	}

	env.Record(ctx, username, password, clientIP)
	_ = sendError(conn, "Access denied for user")
}

// sendHandshake writes the server greeting: protocol version, server
// version, connection id, 20-byte salt split 8+12 around a filler byte,
// and the auth plugin name.
func sendHandshake(conn net.Conn) error {
	var salt [20]byte
	_, _ = rand.Read(salt[:])

	var payload bytes.Buffer
	payload.WriteByte(protocolVersion)
	payload.WriteString(serverVersion)
	payload.WriteByte(0)
	_ = binary.Write(&payload, binary.LittleEndian, connectionID.Add(1))
	payload.Write(salt[:8])
	payload.WriteByte(0)
	payload.Write(salt[8:])
	payload.WriteString(authPluginName)
	payload.WriteByte(0)

	return writePacket(conn, 0, payload.Bytes())
}

// writePacket frames payload with the 3-byte little-endian length and
// sequence id.
func writePacket(conn net.Conn, seq byte, payload []byte) error {
	header := []byte{
		byte(len(payload)),
		byte(len(payload) >> 8),
		byte(len(payload) >> 16),
		seq,
	}
	return handler.WriteBytes(conn, handler.BaseTimeout, append(header, payload...))
}

func readPacket(conn net.Conn) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(handler.ExtendedTimeout)); err != nil {
		return nil, err
	}

	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	if length == 0 || length > maxPacketSize {
		return nil, io.ErrUnexpectedEOF
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// parseAuthPacket decodes a HandshakeResponse41: 4 bytes capabilities,
// 4 bytes max packet size, 1 byte charset, 23 reserved, NUL-terminated
// username, NUL-terminated plugin name, remainder is the credential blob.
func parseAuthPacket(payload []byte) (username, password string, ok bool) {
	const fixedHeader = 4 + 4 + 1 + 23
	if len(payload) < fixedHeader {
		return "", "", false
	}
	rest := payload[fixedHeader:]

	username, rest = cutCString(rest)
	if username == "" {
		return "", "", false
	}
	plugin, rest := cutCString(rest)

	password = string(bytes.TrimRight(rest, "\x00"))
	if password == "" || password == plugin || password == authPluginName {
		password = passwordNull
	}
	return username, password, true
}

func cutCString(b []byte) (value string, rest []byte) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return string(b), nil
	}
	return string(b[:i]), b[i+1:]
}

// sendError writes an ERR packet: 0xFF marker, error code, '#' plus SQL
// state, then the message.
func sendError(conn net.Conn, message string) error {
	var payload bytes.Buffer
	payload.WriteByte(0xff)
	_ = binary.Write(&payload, binary.LittleEndian, uint16(errAccessDenied))
	payload.WriteByte('#')
	payload.WriteString(sqlStateDenied)
	payload.WriteString(message)
	return writePacket(conn, 1, payload.Bytes())
}
