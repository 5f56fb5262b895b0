package relay

import (
	"net/http"
	"net/url"
	"strings"

	"explorer/internal/transport"
)

// CORS response values shared by preflight and forwarded responses.
const (
	AllowMethods = "GET, POST, OPTIONS"
	AllowHeaders = "Content-Type, X-TensorLake-API-Key, X-Gemini-API-Key, X-Database-URL, Authorization"
	MaxAge       = "86400"
)

// CORS decides which origin a response is addressed to.
type CORS struct {
	allowed       map[string]struct{}
	defaultOrigin string
}

// NewCORS builds a policy from an exact-match allow-list and the origin used
// for everyone else.
func NewCORS(allowedOrigins []string, defaultOrigin string) CORS {
	allowed := make(map[string]struct{}, len(allowedOrigins)+1)
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = struct{}{}
		}
	}
	allowed[defaultOrigin] = struct{}{}
	return CORS{allowed: allowed, defaultOrigin: defaultOrigin}
}

// AllowOrigin returns the value for Access-Control-Allow-Origin. The request
// origin is echoed when it is allow-listed or a loopback origin; otherwise
// the default origin is returned, which the browser will then reject.
func (c CORS) AllowOrigin(origin string) string {
	if origin == "" {
		return c.defaultOrigin
	}
	if _, ok := c.allowed[origin]; ok {
		return origin
	}
	if isLoopbackOrigin(origin) {
		return origin
	}
	return c.defaultOrigin
}

// Apply sets the CORS headers for a request from origin.
func (c CORS) Apply(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", c.AllowOrigin(origin))
	h.Set("Access-Control-Allow-Methods", AllowMethods)
	h.Set("Access-Control-Allow-Headers", AllowHeaders)
	h.Set("Access-Control-Max-Age", MaxAge)
	h.Add("Vary", "Origin")
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return transport.IsLocalHost(u.Host)
}
