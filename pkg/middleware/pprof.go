package middleware

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mZeeshan-IQBAL/shopme/pkg/httputil"
)

// RegisterPprof mounts chi's profiler (pprof under /debug/pprof/, expvar at
// /debug/vars) for clients inside allowedCIDRs only.
func RegisterPprof(r chi.Router, allowedCIDRs []string, logger *slog.Logger) {
	r.With(IPAllowlist(allowedCIDRs, logger)).Mount("/debug", chimw.Profiler())
}

// IPAllowlist answers 403 to every client outside cidrs. Invalid entries are
// logged and skipped, so an empty or all-invalid list denies everyone.
func IPAllowlist(cidrs []string, logger *slog.Logger) func(http.Handler) http.Handler {
	allow := parseAllowlist(cidrs, logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr, ok := remoteAddr(r.RemoteAddr)
			if ok && allow.contains(addr) {
				next.ServeHTTP(w, r)
				return
			}
			logger.WarnContext(r.Context(), "request outside IP allowlist",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("path", r.URL.Path),
			)
			httputil.WriteJSON(w, http.StatusForbidden, httputil.Response{
				Error: &httputil.ErrorResponse{Code: "FORBIDDEN", Message: "access restricted by IP allowlist"},
			})
		})
	}
}

type allowlist []netip.Prefix

func parseAllowlist(cidrs []string, logger *slog.Logger) allowlist {
	var list allowlist
	for _, cidr := range cidrs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			logger.Warn("ignoring invalid allowlist entry",
				slog.String("cidr", cidr),
				slog.String("error", err.Error()),
			)
			continue
		}
		list = append(list, p.Masked())
	}
	return list
}

func (l allowlist) contains(addr netip.Addr) bool {
	for _, p := range l {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// remoteAddr accepts "host:port" and a bare host. IPv4-mapped IPv6 addresses
// are compared as IPv4.
func remoteAddr(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}
