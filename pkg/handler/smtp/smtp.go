// Package smtp emulates an ESMTP server supporting the AUTH PLAIN and
// AUTH LOGIN credential paths.
package smtp

import (
	"context"
	"encoding/base64"
	"net"
	"strings"

	"github.com/credtrap/credtrap/internal/logger"
	"github.com/credtrap/credtrap/pkg/handler"
)

// Descriptor is the SMTP emulation.
var Descriptor = handler.Descriptor{
	Name:        "smtp",
	DefaultPort: 25,
	Handle:      handle,
}

const ehloResponse = "250-smtp.example\r\n" +
	"250-PIPELINING\r\n" +
	"250-SIZE 35882577\r\n" +
	"250-AUTH LOGIN PLAIN\r\n" +
	"250 8BITMIME\r\n"

func handle(ctx context.Context, conn net.Conn, clientIP string, env handler.Env) {
	if err := handler.WriteString(conn, handler.BaseTimeout, "220 smtp.example ESMTP ready\r\n"); err != nil {
		return
	}

	r := handler.NewLineReader(conn, handler.ExtendedTimeout, clientIP, env.Touch)

	for {
		line, err := r.ReadLine()
		if err != nil || line == "" {
			logger.Debug("SMTP session ended", "client_ip", clientIP)
			return
		}

		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			if handler.WriteString(conn, handler.BaseTimeout, ehloResponse) != nil {
				return
			}

		case strings.HasPrefix(upper, "AUTH PLAIN"):
			arg := strings.TrimSpace(line[len("AUTH PLAIN"):])
			if arg == "" {
				// Bare AUTH PLAIN: empty server challenge, then one
				// base64 line carrying the whole SASL message.
				if !reply(conn, "334 ") {
					return
				}
				arg, err = r.ReadLine()
				if err != nil {
					return
				}
			}
			u, p, ok := decodePlain(arg)
			if !ok {
				logger.Debug("Undecodable AUTH PLAIN payload", "client_ip", clientIP)
				reply(conn, "501 Syntax error")
				return
			}
			env.Record(ctx, u, p, clientIP)
			reply(conn, "535 Authentication failed")
			return

		case strings.HasPrefix(upper, "AUTH LOGIN"):
			if !authLogin(ctx, conn, r, clientIP, env) {
				return
			}
			return

		case strings.HasPrefix(upper, "QUIT"):
			reply(conn, "221 Goodbye")
			return

		default:
			if !reply(conn, "500 Error: command not recognized") {
				return
			}
		}
	}
}

// authLogin walks the challenge/response username and password exchange.
// Challenges are the base64 of "Username:" and "Password:".
func authLogin(ctx context.Context, conn net.Conn, r *handler.LineReader, clientIP string, env handler.Env) bool {
	if !reply(conn, "334 VXNlcm5hbWU6") {
		return false
	}
	userLine, err := r.ReadLine()
	if err != nil {
		return false
	}
	username, ok := decodeBase64(userLine)
	if !ok {
		reply(conn, "501 Syntax error")
		return false
	}

	if !reply(conn, "334 UGFzc3dvcmQ6") {
		return false
	}
	passLine, err := r.ReadLine()
	if err != nil {
		return false
	}
	password, ok := decodeBase64(passLine)
	if !ok {
		reply(conn, "501 Syntax error")
		return false
	}

	env.Record(ctx, username, password, clientIP)
	reply(conn, "535 Authentication failed")
	return true
}

// decodePlain unpacks a SASL PLAIN message: authzid NUL authcid NUL passwd.
func decodePlain(encoded string) (username, password string, ok bool) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(string(raw), "\x00")
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func decodeBase64(encoded string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func reply(conn net.Conn, line string) bool {
	return handler.WriteString(conn, handler.BaseTimeout, line+"\r\n") == nil
}
