package metrics

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves Prometheus metrics over HTTP
type Server struct {
	httpServer *http.Server
	metrics    *Metrics
	addr       string
	path       string
	logger     *slog.Logger
	allowList  *AllowList
}

// NewServer creates a new metrics HTTP server. An empty allowedIPs list
// allows every client.
func NewServer(m *Metrics, addr, path string, allowedIPs []string, logger *slog.Logger) *Server {
	if addr == "" {
		addr = ":9090"
	}
	if path == "" {
		path = "/metrics"
	}

	s := &Server{
		metrics:   m,
		addr:      addr,
		path:      path,
		logger:    logger,
		allowList: NewAllowList(allowedIPs, logger),
	}
	if s.allowList.Len() > 0 {
		logger.Info("metrics IP filtering enabled", "allowed_networks", s.allowList.Len())
	}
	return s
}

// Handler returns the metrics mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	handler := promhttp.HandlerFor(
		s.metrics.Registry(),
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	)
	mux.Handle(s.path, s.allowList.Middleware(handler))

	// No IP filtering, load balancers probe this
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// ListenAndServe starts the metrics HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	s.logger.Info("starting metrics server", "addr", s.addr, "path", s.path)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down metrics server")
	return s.httpServer.Shutdown(ctx)
}

// AllowList restricts HTTP access to a set of networks
type AllowList struct {
	networks []*net.IPNet
	logger   *slog.Logger
}

// NewAllowList parses IPs and CIDRs. Invalid entries are logged and skipped.
func NewAllowList(entries []string, logger *slog.Logger) *AllowList {
	a := &AllowList{logger: logger}

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn("invalid CIDR in allowed_ips", "cidr", entry, "error", err)
				continue
			}
			a.networks = append(a.networks, ipNet)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			logger.Warn("invalid IP in allowed_ips", "ip", entry)
			continue
		}
		mask := net.CIDRMask(128, 128)
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		}
		a.networks = append(a.networks, &net.IPNet{IP: ip, Mask: mask})
	}

	return a
}

// Len returns the number of parsed networks
func (a *AllowList) Len() int {
	return len(a.networks)
}

// Allowed reports whether ip is in the list. An empty list allows all.
func (a *AllowList) Allowed(ip net.IP) bool {
	if len(a.networks) == 0 {
		return true
	}
	for _, ipNet := range a.networks {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware rejects clients outside the list with 403
func (a *AllowList) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.networks) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := ClientIP(r)
		if clientIP == nil {
			a.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if !a.Allowed(clientIP) {
			a.logger.Warn("access denied", "ip", clientIP.String(), "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the client IP from proxy headers or the remote address
func ClientIP(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}
