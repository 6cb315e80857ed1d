package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/render"
)

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// PerClient limits requests by client IP. Requests over the limit get a
// 429 with Retry-After. Forwarding headers are only honoured when
// trustProxy is set; see ClientIP.
func PerClient(rl *RateLimiter, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, trustProxy)
			ok, wait := rl.Allow(ip)
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			slog.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(math.Ceil(wait.Seconds())))))
			render.Status(r, http.StatusTooManyRequests)
			render.JSON(w, r, errorResponse{
				Error:            "rate_limit_exceeded",
				ErrorDescription: "too many login attempts, try again later",
			})
		})
	}
}

// ClientIP returns the remote address without port. With trustProxy it
// prefers the first X-Forwarded-For address, then X-Real-IP. Enable it only
// behind a proxy that overwrites those headers: clients can set them freely.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
