// Package sshd emulates an OpenSSH server far enough to collect password
// authentication attempts. The key exchange is real (golang.org/x/crypto/ssh
// with an ephemeral Ed25519 host key); authentication always fails.
package sshd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/credtrap/credtrap/internal/logger"
	"github.com/credtrap/credtrap/pkg/handler"
)

const serverVersion = "SSH-2.0-OpenSSH_8.2p1 Ubuntu-4ubuntu0.5"

// handshakeTimeout bounds the banner exchange and key exchange. Scanners
// that connect and never speak are cut off here.
const handshakeTimeout = 20 * time.Second

// Service holds the ephemeral host key shared by all connections.
type Service struct {
	signer ssh.Signer
}

// New generates the host key and returns the SSH emulation descriptor.
func New(defaultPort int) (handler.Descriptor, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return handler.Descriptor{}, fmt.Errorf("failed to generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return handler.Descriptor{}, fmt.Errorf("failed to build host signer: %w", err)
	}
	logger.Info("Generated ephemeral SSH host key",
		"fingerprint", ssh.FingerprintSHA256(signer.PublicKey()))

	svc := &Service{signer: signer}
	return handler.Descriptor{
		Name:        "ssh",
		DefaultPort: defaultPort,
		Handle:      svc.handle,
	}, nil
}

func (s *Service) handle(ctx context.Context, conn net.Conn, clientIP string, env handler.Env) {
	// Each connection gets its own config so the password callback can
	// close over the client identity. MaxAuthTries 1 makes the library
	// disconnect after the first failed attempt, so the callback fires
	// at most once per connection.
	captured := false
	config := &ssh.ServerConfig{
		ServerVersion: serverVersion,
		MaxAuthTries:  1,
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if env.Touch != nil {
				env.Touch(clientIP)
			}
			captured = true
			env.Record(ctx, meta.User(), string(password), clientIP)
			return nil, fmt.Errorf("password rejected for %q", meta.User())
		},
		PublicKeyCallback: nil,
	}
	config.AddHostKey(s.signer)

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	// Authentication never succeeds, so NewServerConn always errors.
	// Banner-less scanner probes fail early; both end the same way.
	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		if !captured {
			logger.Debug("SSH handshake did not reach authentication",
				"client_ip", clientIP, "error", err)
		}
		return
	}

	// Not reached while authentication always fails; reject any channel
	// a future config change might let through.
	go ssh.DiscardRequests(reqs)
	for newChan := range chans {
		_ = newChan.Reject(ssh.Prohibited, "no sessions")
	}
	_ = sconn.Close()
}
