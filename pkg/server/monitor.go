package server

import (
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/credtrap/credtrap/internal/logger"
	"github.com/credtrap/credtrap/pkg/hub"
)

const (
	metricsPushInterval = 30 * time.Second
	heartbeatInterval   = 5 * time.Minute

	externalIPEndpoint = "https://api.ipify.org"
	externalIPTimeout  = 10 * time.Second
)

// monitorLoop pushes periodic status frames to observers: process
// metrics and service status every 30s, a heartbeat every 5 minutes,
// and the external IP once it has been resolved.
func (s *Server) monitorLoop() {
	start := time.Now()

	if ip := fetchExternalIP(); ip != "" {
		s.hub.BroadcastFrame(hub.TypeExternalIP, map[string]string{"ip": ip})
	}

	metricsTicker := time.NewTicker(metricsPushInterval)
	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer metricsTicker.Stop()
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-s.done:
			return

		case <-metricsTicker.C:
			s.metrics.SetSubscribers(s.hub.SubscriberCount())
			s.hub.BroadcastFrame(hub.TypeSystemMetrics, s.systemMetrics(start))
			s.hub.BroadcastFrame(hub.TypeServiceStatus, s.serviceStatus())

		case <-heartbeatTicker.C:
			s.hub.BroadcastFrame(hub.TypeServerHeartbeat, map[string]any{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		}
	}
}

func (s *Server) systemMetrics(start time.Time) map[string]any {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return map[string]any{
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":     int64(time.Since(start).Seconds()),
		"goroutines":         runtime.NumGoroutine(),
		"heap_alloc_bytes":   mem.HeapAlloc,
		"heap_sys_bytes":     mem.HeapSys,
		"gc_cycles":          mem.NumGC,
		"active_connections": s.sched.ActiveConnections(),
		"subscribers":        s.hub.SubscriberCount(),
	}
}

func (s *Server) serviceStatus() map[string]any {
	status := make(map[string]any, len(s.services))
	for name, port := range s.services {
		status[name] = map[string]any{
			"port":   port,
			"status": "running",
		}
	}
	return status
}

// fetchExternalIP asks a public echo service for the address attackers
// see. Failure is harmless; observers simply get no external_ip frame.
func fetchExternalIP() string {
	client := &http.Client{Timeout: externalIPTimeout}
	resp, err := client.Get(externalIPEndpoint)
	if err != nil {
		logger.Warn("Could not determine external IP", "error", err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("External IP lookup rejected", "status", resp.StatusCode)
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return ""
	}
	ip := string(body)
	logger.Info("External IP resolved", "ip", ip)
	return ip
}
