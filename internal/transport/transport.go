// Package transport decides where remote-job calls go and which headers they
// carry. Everything here is a pure function of its inputs.
package transport

import (
	"net"
	"net/http"
	"strings"

	"explorer/internal/credentials"
)

// Header names understood by the relay and the upstream API.
const (
	HeaderContentType   = "Content-Type"
	HeaderAccept        = "Accept"
	HeaderAuthorization = "Authorization"
	HeaderAPIKey        = "X-TensorLake-API-Key"
	HeaderAIKey         = "X-Gemini-API-Key"
	HeaderDatabaseURL   = "X-Database-URL"

	mimeTypeJSON = "application/json"
)

// Route selects how the upstream API is reached.
type Route string

const (
	// RouteAuto goes through the relay: the local one on development hosts,
	// the deployed one everywhere else.
	RouteAuto Route = "auto"
	// RouteRelay behaves like RouteAuto. It exists so configuration can say
	// "relay" explicitly.
	RouteRelay Route = "relay"
	// RouteDirect calls the upstream API without a relay.
	RouteDirect Route = "direct"
)

// Config is the resolved transport for a single call.
type Config struct {
	BaseURL string
	Headers http.Header
}

// Configurator holds the candidate base URLs.
type Configurator struct {
	DirectURL        string
	LocalRelayURL    string
	DeployedRelayURL string
	Route            Route
}

// ResolveBaseURL returns the base URL to use when running on host.
func (c Configurator) ResolveBaseURL(host string) string {
	if c.Route == RouteDirect {
		return trimSlash(c.DirectURL)
	}
	if IsLocalHost(host) {
		return trimSlash(c.LocalRelayURL)
	}
	return trimSlash(c.DeployedRelayURL)
}

// Resolve bundles the base URL and headers for one call.
func (c Configurator) Resolve(host string, creds credentials.Credentials) Config {
	return Config{
		BaseURL: c.ResolveBaseURL(host),
		Headers: ResolveHeaders(creds),
	}
}

// ResolveHeaders builds the request headers for creds. Content negotiation
// headers are always present; credential headers only when the credential is
// non-empty.
func ResolveHeaders(creds credentials.Credentials) http.Header {
	h := http.Header{}
	h.Set(HeaderContentType, mimeTypeJSON)
	h.Set(HeaderAccept, mimeTypeJSON)

	if key := strings.TrimSpace(creds.APIKey); key != "" {
		h.Set(HeaderAPIKey, key)
		h.Set(HeaderAuthorization, "Bearer "+key)
	}
	if key := strings.TrimSpace(creds.AIKey); key != "" {
		h.Set(HeaderAIKey, key)
	}
	if dsn := strings.TrimSpace(creds.DatabaseURL); dsn != "" {
		h.Set(HeaderDatabaseURL, dsn)
	}
	return h
}

// IsLocalHost reports whether host names the local development machine.
// A port suffix is ignored.
func IsLocalHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func trimSlash(u string) string {
	return strings.TrimRight(u, "/")
}
