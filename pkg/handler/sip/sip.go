// Package sip emulates a SIP registrar on TCP and UDP. REGISTER and
// INVITE are challenged with a Digest 401 so clients volunteer an
// Authorization header on retry.
package sip

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/credtrap/credtrap/internal/logger"
	"github.com/credtrap/credtrap/pkg/handler"
)

const (
	realm          = "sip.honeypot.com"
	maxMessageSize = 64 << 10

	// Markers recorded as the password when only a username is present.
	passwordFromHeader = "[FROM_HEADER]"
	passwordFromURI    = "[URI]"
)

var (
	authRe = regexp.MustCompile(`(?is)Authorization:\s*Digest\s+username\s*=\s*"([^"]+)".*?response\s*=\s*"([^"]+)"`)
	fromRe = regexp.MustCompile(`(?i)From:\s*<?sip:([^@>]+)@`)

	headerRes = map[string]*regexp.Regexp{
		"Via":     regexp.MustCompile(`(?i)Via:[ \t]*([^\r\n]*)`),
		"From":    regexp.MustCompile(`(?i)From:[ \t]*([^\r\n]*)`),
		"To":      regexp.MustCompile(`(?i)To:[ \t]*([^\r\n]*)`),
		"Call-ID": regexp.MustCompile(`(?i)Call-ID:[ \t]*([^\r\n]*)`),
		"CSeq":    regexp.MustCompile(`(?i)CSeq:[ \t]*([^\r\n]*)`),
	}
)

// Descriptor is the SIP TCP emulation. The UDP side shares HandlePacket
// and is bound by the listener registry on the same port.
var Descriptor = handler.Descriptor{
	Name:        "sip",
	DefaultPort: 5060,
	Handle:      handle,
}

func handle(ctx context.Context, conn net.Conn, clientIP string, env handler.Env) {
	message, err := readMessage(conn, clientIP, env.Touch)
	if err != nil || len(message) == 0 {
		logger.Debug("SIP TCP session ended without a request", "client_ip", clientIP)
		return
	}

	response := Process(ctx, message, clientIP, env)
	if response != nil {
		_ = handler.WriteBytes(conn, handler.BaseTimeout, response)
	}
}

// HandlePacket processes one UDP datagram and returns the response to
// send back, or nil for methods that take no response.
func HandlePacket(ctx context.Context, payload []byte, clientIP string, env handler.Env) []byte {
	return Process(ctx, payload, clientIP, env)
}

// Process parses one SIP request, captures any credentials it carries,
// and builds the response.
func Process(ctx context.Context, raw []byte, clientIP string, env handler.Env) []byte {
	message := string(raw)

	firstLine, _, _ := strings.Cut(message, "\n")
	fields := strings.Fields(strings.TrimSpace(firstLine))
	if len(fields) == 0 {
		return nil
	}
	method := strings.ToUpper(fields[0])

	if username, password, ok := extractCredentials(message, method); ok {
		env.Record(ctx, username, password, clientIP)
	}

	switch method {
	case "REGISTER", "INVITE":
		return respond(message, "401 Unauthorized",
			fmt.Sprintf("WWW-Authenticate: Digest realm=%q, nonce=%q, algorithm=MD5", realm, freshNonce()))
	case "BYE", "CANCEL":
		return respond(message, "200 OK")
	case "OPTIONS":
		return respond(message, "200 OK",
			"Allow: INVITE, ACK, CANCEL, BYE, NOTIFY, REFER, MESSAGE, OPTIONS, INFO, SUBSCRIBE, UPDATE")
	case "ACK":
		return nil
	default:
		logger.Debug("Unhandled SIP method", "method", method, "client_ip", clientIP)
		return nil
	}
}

// extractCredentials applies the capture priority: Digest Authorization
// first, then the From header, then the request URI of REGISTER/INVITE.
func extractCredentials(message, method string) (username, password string, ok bool) {
	if m := authRe.FindStringSubmatch(message); m != nil {
		return m[1], m[2], true
	}
	if m := fromRe.FindStringSubmatch(message); m != nil {
		return m[1], passwordFromHeader, true
	}
	if method == "REGISTER" || method == "INVITE" {
		uriRe := regexp.MustCompile(`(?i)` + method + `\s+sip:([^@\s]+)@`)
		if m := uriRe.FindStringSubmatch(message); m != nil {
			return m[1], passwordFromURI, true
		}
	}
	return "", "", false
}

// respond builds a response echoing the request's dialog headers,
// followed by any extra headers.
func respond(message, status string, extraHeaders ...string) []byte {
	var b strings.Builder
	b.WriteString("SIP/2.0 " + status + "\r\n")
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		b.WriteString(name + ": " + headerValue(message, name) + "\r\n")
	}
	for _, h := range extraHeaders {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("Content-Length: 0\r\n\r\n")
	return []byte(b.String())
}

func headerValue(message, name string) string {
	if m := headerRes[name].FindStringSubmatch(message); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func freshNonce() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	sum := md5.Sum(buf[:])
	return hex.EncodeToString(sum[:])
}

// readMessage reads one request through the header-terminating blank
// line. Bodies are irrelevant to credential capture and are not read.
func readMessage(conn net.Conn, clientIP string, touch func(string)) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, 4096)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(handler.ExtendedTimeout)); err != nil {
			return buf, err
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			if touch != nil {
				touch(clientIP)
			}
			buf = append(buf, chunk[:n]...)
			if strings.Contains(string(buf), "\r\n\r\n") || strings.Contains(string(buf), "\n\n") {
				return buf, nil
			}
			if len(buf) > maxMessageSize {
				return nil, handler.ErrLineTooLong
			}
		}
		if err != nil {
			return buf, err
		}
	}
}
