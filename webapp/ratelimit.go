package webapp

import (
	"net"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"waves.computer/waves/pkg/thunks"
)

const tooManyRequests = "Too many requests, please try again later!"

// newLimiter counts requests per key in fixed windows held in memory.
func newLimiter(rate limiter.Rate) *limiter.Limiter {
	return limiter.New(memory.NewStore(), rate)
}

// rateLimited admits rate.Limit requests per client IP per window and sets
// the RateLimit-* headers. Store errors let the request through.
func rateLimited(lim *limiter.Limiter, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := lim.Get(r.Context(), clientIP(r))
		if err != nil {
			logrus.Errorf("webapp: rate limiter: %s", err)
			h.ServeHTTP(w, r)
			return
		}
		hdr := w.Header()
		hdr.Set("RateLimit-Limit", strconv.FormatInt(c.Limit, 10))
		hdr.Set("RateLimit-Remaining", strconv.FormatInt(c.Remaining, 10))
		hdr.Set("RateLimit-Reset", strconv.FormatInt(max(0, c.Reset-thunks.TimeNow().Unix()), 10))
		if c.Reached {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{tooManyRequests})
			return
		}
		h.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
