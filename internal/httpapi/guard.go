package httpapi

import (
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
)

var jsonBody = allowContentType("application/json")

// uploadBody admits a multipart form or a raw audio body.
var uploadBody = allowContentType("multipart/", "audio/", "application/octet-stream")

// securityHeaders sets response headers for an API that never serves
// browsable content.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// allowContentType rejects request bodies whose media type matches none of
// allowed with 415. An entry ending in "/" matches the whole type. Requests
// without a body pass.
func allowContentType(allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength == 0 || r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err == nil && mediaTypeAllowed(strings.ToLower(mediaType), allowed) {
				next.ServeHTTP(w, r)
				return
			}
			zerolog.Ctx(r.Context()).Debug().
				Str("content_type", r.Header.Get("Content-Type")).
				Msg("unsupported request content type")
			respondJSON(w, http.StatusUnsupportedMediaType, errorResponse{
				Error:   "unsupported_media_type",
				Message: "content type must be one of " + strings.Join(allowed, ", "),
			})
		})
	}
}

func mediaTypeAllowed(mediaType string, allowed []string) bool {
	for _, a := range allowed {
		if strings.HasSuffix(a, "/") {
			if strings.HasPrefix(mediaType, a) {
				return true
			}
			continue
		}
		if mediaType == a {
			return true
		}
	}
	return false
}

// rateLimit caps requests per client IP to perMinute within a sliding
// minute. Zero or less disables the limit.
func (s *Server) rateLimit(scope string, perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			if w.Header().Get("Retry-After") == "" {
				w.Header().Set("Retry-After", strconv.Itoa(int(time.Minute.Seconds())))
			}
			zerolog.Ctx(r.Context()).Warn().
				Str("scope", scope).
				Int("limit", perMinute).
				Msg("rate limit exceeded")
			respondJSON(w, http.StatusTooManyRequests, errorResponse{
				Error:   "rate_limited",
				Message: "too many requests, please retry later",
			})
		}),
	)
}
