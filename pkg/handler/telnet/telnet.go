// Package telnet emulates a Telnet login prompt. Option negotiation is
// refused and in-stream commands are stripped so line input survives any
// client's negotiation strategy.
package telnet

import (
	"bufio"
	"context"
	"net"
	"strings"
	"time"

	"github.com/credtrap/credtrap/internal/logger"
	"github.com/credtrap/credtrap/pkg/handler"
)

// Telnet command bytes (RFC 854).
const (
	cmdSE   = 240
	cmdSB   = 250
	cmdWILL = 251
	cmdWONT = 252
	cmdDO   = 253
	cmdDONT = 254
	cmdIAC  = 255

	optEcho            = 1
	optSuppressGoAhead = 3
	optLinemode        = 34
)

const (
	banner      = "Ubuntu 20.04.6 LTS\r\nlogin: "
	passwordAsk = "Password: "
	loginFailed = "\r\nLogin incorrect\r\n"
)

// Descriptor is the Telnet emulation.
var Descriptor = handler.Descriptor{
	Name:        "telnet",
	DefaultPort: 23,
	Handle:      handle,
}

func handle(ctx context.Context, conn net.Conn, clientIP string, env handler.Env) {
	// Announce: we echo, we suppress go-ahead, no linemode.
	negotiation := []byte{
		cmdIAC, cmdWILL, optEcho,
		cmdIAC, cmdWILL, optSuppressGoAhead,
		cmdIAC, cmdWONT, optLinemode,
	}
	if err := handler.WriteBytes(conn, handler.BaseTimeout, negotiation); err != nil {
		return
	}
	if err := handler.WriteString(conn, handler.BaseTimeout, banner); err != nil {
		return
	}

	r := &commandReader{conn: conn, br: bufio.NewReader(conn)}

	username, err := r.readLine(clientIP, env.Touch)
	if err != nil {
		logger.Debug("Telnet client gone before username", "client_ip", clientIP)
		return
	}
	if err := handler.WriteString(conn, handler.BaseTimeout, passwordAsk); err != nil {
		return
	}

	password, err := r.readLine(clientIP, env.Touch)
	if err != nil {
		logger.Debug("Telnet client gone before password", "client_ip", clientIP)
		return
	}

	env.Record(ctx, username, password, clientIP)
	_ = handler.WriteString(conn, handler.BaseTimeout, loginFailed)
}

// commandReader reads line input while answering and stripping Telnet
// negotiation: DO and DONT are refused with WONT, WILL and WONT with
// DONT, subnegotiation blocks are skipped entirely.
type commandReader struct {
	conn net.Conn
	br   *bufio.Reader
}

func (r *commandReader) readLine(clientIP string, touch func(string)) (string, error) {
	var buf []byte

	for {
		if err := r.conn.SetReadDeadline(time.Now().Add(handler.ExtendedTimeout)); err != nil {
			return "", err
		}
		b, err := r.br.ReadByte()
		if err != nil {
			return "", err
		}
		if touch != nil {
			touch(clientIP)
		}

		switch b {
		case cmdIAC:
			if err := r.handleCommand(); err != nil {
				return "", err
			}

		case '\r':
			// CR may be followed by LF or NUL; consume either.
			next, err := r.br.ReadByte()
			if err == nil && next != '\n' && next != 0 {
				_ = r.br.UnreadByte()
			}
			return strings.TrimSpace(string(buf)), nil

		case '\n':
			return strings.TrimSpace(string(buf)), nil

		default:
			if len(buf) >= handler.MaxLineLen {
				return "", handler.ErrLineTooLong
			}
			buf = append(buf, b)
		}
	}
}

func (r *commandReader) handleCommand() error {
	cmd, err := r.br.ReadByte()
	if err != nil {
		return err
	}

	switch cmd {
	case cmdDO, cmdDONT:
		opt, err := r.br.ReadByte()
		if err != nil {
			return err
		}
		return handler.WriteBytes(r.conn, handler.BaseTimeout, []byte{cmdIAC, cmdWONT, opt})

	case cmdWILL, cmdWONT:
		opt, err := r.br.ReadByte()
		if err != nil {
			return err
		}
		return handler.WriteBytes(r.conn, handler.BaseTimeout, []byte{cmdIAC, cmdDONT, opt})

	case cmdSB:
		// Skip to IAC SE.
		for {
			b, err := r.br.ReadByte()
			if err != nil {
				return err
			}
			if b != cmdIAC {
				continue
			}
			b, err = r.br.ReadByte()
			if err != nil {
				return err
			}
			if b == cmdSE {
				return nil
			}
		}

	default:
		// Two-byte command (NOP, AYT, ...); nothing to strip.
		return nil
	}
}
