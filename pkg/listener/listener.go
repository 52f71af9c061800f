// Package listener binds one accept loop per protocol and hands accepted
// connections to the scheduler. SIP additionally gets a UDP datagram loop
// on the same port.
package listener

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/credtrap/credtrap/internal/logger"
	"github.com/credtrap/credtrap/pkg/handler"
	"github.com/credtrap/credtrap/pkg/handler/sip"
	"github.com/credtrap/credtrap/pkg/scheduler"
)

// Admitter is the scheduler surface the registry needs.
type Admitter interface {
	Admit(clientIP string, cancel func(), fn scheduler.HandlerFunc) bool
}

// Prefetcher warms the geolocation cache at accept time so the capture
// path usually hits. May be nil.
type Prefetcher interface {
	Prefetch(ip string)
}

// acceptPollInterval is how often a blocked accept wakes to check for
// shutdown.
const acceptPollInterval = time.Second

// Registry owns every bound socket and its accept loop.
type Registry struct {
	host  string
	sched Admitter
	geo   Prefetcher

	// envFor binds the capture pipeline to a protocol name.
	envFor func(protocol string) handler.Env

	mu        sync.Mutex
	listeners []net.Listener
	packets   []net.PacketConn

	done chan struct{}
	once sync.Once
	eg   errgroup.Group
}

// NewRegistry creates an empty registry bound to host.
func NewRegistry(host string, sched Admitter, geo Prefetcher, envFor func(protocol string) handler.Env) *Registry {
	return &Registry{
		host:   host,
		sched:  sched,
		geo:    geo,
		envFor: envFor,
		done:   make(chan struct{}),
	}
}

// ListenTCP binds a TCP listener for desc on port and starts its accept
// loop. A bind failure is fatal to startup and is returned to the caller.
func (r *Registry) ListenTCP(desc handler.Descriptor, port int) error {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort(r.host, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("failed to bind %s listener on port %d: %w", desc.Name, port, err)
	}

	r.mu.Lock()
	r.listeners = append(r.listeners, ln)
	r.mu.Unlock()

	logger.Info("Listener started", "protocol", desc.Name, "address", ln.Addr().String())

	r.eg.Go(func() error { return r.acceptLoop(ln, desc) })
	return nil
}

// ListenUDP binds the SIP datagram socket and starts its read loop.
func (r *Registry) ListenUDP(port int) error {
	pc, err := net.ListenPacket("udp", net.JoinHostPort(r.host, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("failed to bind sip udp socket on port %d: %w", port, err)
	}

	r.mu.Lock()
	r.packets = append(r.packets, pc)
	r.mu.Unlock()

	logger.Info("Listener started", "protocol", "sip/udp", "address", pc.LocalAddr().String())

	r.eg.Go(func() error { return r.datagramLoop(pc) })
	return nil
}

func (r *Registry) acceptLoop(ln net.Listener, desc handler.Descriptor) error {
	env := r.envFor(desc.Name)

	for {
		if tl, ok := ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(acceptPollInterval))
		}

		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-r.done:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("%s accept failed: %w", desc.Name, err)
		}

		clientIP := handler.ClientIP(conn.RemoteAddr())
		if r.geo != nil {
			r.geo.Prefetch(clientIP)
		}

		admitted := r.sched.Admit(clientIP,
			func() { _ = conn.Close() },
			func(ctx context.Context) {
				defer conn.Close()
				desc.Handle(ctx, conn, clientIP, env)
			})
		if !admitted {
			_ = conn.Close()
		}
	}
}

// datagramLoop pushes each SIP datagram through the scheduler so UDP
// floods hit the same per-IP caps as TCP connections.
func (r *Registry) datagramLoop(pc net.PacketConn) error {
	env := r.envFor("sip")
	buf := make([]byte, 64<<10)

	for {
		_ = pc.SetReadDeadline(time.Now().Add(acceptPollInterval))
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-r.done:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("sip udp read failed: %w", err)
		}
		if n == 0 {
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		clientIP := handler.ClientIP(addr)
		if r.geo != nil {
			r.geo.Prefetch(clientIP)
		}

		admitted := r.sched.Admit(clientIP, func() {}, func(ctx context.Context) {
			if resp := sip.HandlePacket(ctx, payload, clientIP, env); resp != nil {
				_, _ = pc.WriteTo(resp, addr)
			}
		})
		if !admitted {
			logger.Debug("SIP datagram dropped by scheduler", "client_ip", clientIP)
		}
	}
}

// Close stops every accept loop and closes the bound sockets.
func (r *Registry) Close() {
	r.once.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	for _, ln := range r.listeners {
		_ = ln.Close()
	}
	for _, pc := range r.packets {
		_ = pc.Close()
	}
	r.mu.Unlock()

	if err := r.eg.Wait(); err != nil {
		logger.Error("Listener loop ended abnormally", "error", err)
	}
	logger.Info("All listeners stopped")
}

// reuseAddr sets SO_REUSEADDR before bind so restarts do not trip over
// TIME_WAIT sockets.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
