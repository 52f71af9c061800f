// Package ftp emulates an FTP control channel through USER/PASS.
package ftp

import (
	"context"
	"net"
	"strings"

	"github.com/credtrap/credtrap/internal/logger"
	"github.com/credtrap/credtrap/pkg/handler"
)

// Descriptor is the FTP emulation.
var Descriptor = handler.Descriptor{
	Name:        "ftp",
	DefaultPort: 21,
	Handle:      handle,
}

func handle(ctx context.Context, conn net.Conn, clientIP string, env handler.Env) {
	if err := handler.WriteString(conn, handler.BaseTimeout, "220 Welcome to FTP server\r\n"); err != nil {
		return
	}

	r := handler.NewLineReader(conn, handler.ExtendedTimeout, clientIP, env.Touch)
	var username string

	for {
		line, err := r.ReadLine()
		if err != nil {
			logger.Debug("FTP session ended", "client_ip", clientIP)
			return
		}

		verb, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(verb) {
		case "USER":
			username = arg
			if !reply(conn, "331 Please specify the password.") {
				return
			}

		case "PASS":
			env.Record(ctx, username, arg, clientIP)
			reply(conn, "530 Login incorrect.")
			return

		case "QUIT":
			reply(conn, "221 Goodbye.")
			return

		case "SYST":
			if !reply(conn, "215 UNIX Type: L8") {
				return
			}

		case "FEAT":
			if !reply(conn, "211-Features:\r\n PASV\r\n211 End") {
				return
			}

		case "PWD":
			if !reply(conn, `257 "/" is current directory.`) {
				return
			}

		case "TYPE":
			if !reply(conn, "200 Switching to ASCII mode.") {
				return
			}

		case "PASV":
			if !reply(conn, "227 Entering Passive Mode (127,0,0,1,0,0).") {
				return
			}

		case "PORT":
			if !reply(conn, "200 PORT command successful.") {
				return
			}

		default:
			if !reply(conn, "500 Unknown command.") {
				return
			}
		}
	}
}

func reply(conn net.Conn, line string) bool {
	return handler.WriteString(conn, handler.BaseTimeout, line+"\r\n") == nil
}
