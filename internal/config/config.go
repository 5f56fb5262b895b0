package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"explorer/internal/credentials"
	"explorer/internal/transport"
)

// Routing modes for reaching the upstream API.
const (
	RouteAuto   = string(transport.RouteAuto)
	RouteRelay  = string(transport.RouteRelay)
	RouteDirect = string(transport.RouteDirect)
)

// Config is shared by the explorer CLI and the ingestion worker.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Transport
	Route            string `env:"EXPLORER_ROUTE" envDefault:"auto"`
	Host             string `env:"EXPLORER_HOST" envDefault:"localhost"`
	DirectURL        string `env:"EXPLORER_DIRECT_URL" envDefault:"https://api.tensorlake.ai/v1/namespaces/default"`
	LocalRelayURL    string `env:"EXPLORER_LOCAL_RELAY_URL" envDefault:"http://localhost:8888/api/proxy"`
	DeployedRelayURL string `env:"EXPLORER_RELAY_URL"`

	// Credentials
	APIKey      string `env:"TENSORLAKE_API_KEY"`
	AIKey       string `env:"GEMINI_API_KEY"`
	DatabaseURL string `env:"DATABASE_URL"`

	// Polling
	PollInterval       time.Duration `env:"POLL_INTERVAL" envDefault:"3s"`
	PollTimeout        time.Duration `env:"POLL_TIMEOUT" envDefault:"2m"`
	MaxTransientErrors int           `env:"POLL_MAX_TRANSIENT_ERRORS" envDefault:"3"`
	HTTPTimeout        time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`

	// Remote applications
	IngestApp         string        `env:"INGEST_APP" envDefault:"expense_ingestion_app"`
	QueryApp          string        `env:"QUERY_APP" envDefault:"query_app"`
	InsightsApp       string        `env:"INSIGHTS_APP" envDefault:"insights_app"`
	InsightsCacheTTL  time.Duration `env:"INSIGHTS_CACHE_TTL" envDefault:"5m"`
	IngestConcurrency int           `env:"INGEST_CONCURRENCY" envDefault:"3"`

	// Job history
	HistoryDBPath string `env:"HISTORY_DB_PATH" envDefault:"./data/explorer.db"`

	// AMQP (empty URL disables background ingestion)
	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"explorer"`
	AMQPQueue    string `env:"AMQP_QUEUE" envDefault:"ingest_statements"`

	// Telemetry
	OTelEndpoint string `env:"OTEL_EXPORTER_ENDPOINT"`
	MetricsAddr  string `env:"METRICS_ADDR"`
}

// RelayConfig configures the CORS relay. It is populated from flags and
// environment by cmd/relay.
type RelayConfig struct {
	Port           string
	UpstreamURL    string
	AllowedOrigins []string
	DefaultOrigin  string
	Prefix         string
	LogLevel       string
	LogFormat      string
	OTelEndpoint   string
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads Config from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Credentials returns the credential snapshot carried by the environment.
func (c *Config) Credentials() credentials.Credentials {
	return credentials.Credentials{
		APIKey:      credentials.Normalize(c.APIKey),
		AIKey:       credentials.Normalize(c.AIKey),
		DatabaseURL: credentials.Normalize(c.DatabaseURL),
	}
}

// Transport returns the configurator for the upstream API.
func (c *Config) Transport() transport.Configurator {
	return transport.Configurator{
		DirectURL:        c.DirectURL,
		LocalRelayURL:    c.LocalRelayURL,
		DeployedRelayURL: c.DeployedRelayURL,
		Route:            transport.Route(c.Route),
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	switch c.Route {
	case RouteAuto, RouteRelay, RouteDirect:
	default:
		errors = append(errors, fmt.Sprintf("invalid route '%s': must be one of [%s %s %s]", c.Route, RouteAuto, RouteRelay, RouteDirect))
	}

	if c.Route == RouteDirect {
		if err := validateHTTPURL(c.DirectURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid direct URL: %v", err))
		}
	} else {
		if err := validateHTTPURL(c.LocalRelayURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid local relay URL: %v", err))
		}
		if c.DeployedRelayURL != "" {
			if err := validateHTTPURL(c.DeployedRelayURL); err != nil {
				errors = append(errors, fmt.Sprintf("invalid relay URL: %v", err))
			}
		} else if !transport.IsLocalHost(c.Host) {
			errors = append(errors, fmt.Sprintf("EXPLORER_RELAY_URL is required when running on non-local host '%s'", c.Host))
		}
	}

	if c.PollInterval <= 0 {
		errors = append(errors, fmt.Sprintf("invalid poll interval %v: must be positive", c.PollInterval))
	}
	if c.PollTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid poll timeout %v: must be positive", c.PollTimeout))
	} else if c.PollTimeout > time.Hour {
		errors = append(errors, fmt.Sprintf("invalid poll timeout %v: must be at most 1 hour", c.PollTimeout))
	}
	if c.PollInterval > 0 && c.PollTimeout > 0 && c.PollInterval >= c.PollTimeout {
		errors = append(errors, fmt.Sprintf("poll interval %v must be shorter than poll timeout %v", c.PollInterval, c.PollTimeout))
	}
	if c.MaxTransientErrors < 0 {
		errors = append(errors, fmt.Sprintf("invalid max transient errors %d: must not be negative", c.MaxTransientErrors))
	}
	if c.HTTPTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid HTTP timeout %v: must be positive", c.HTTPTimeout))
	}

	for name, app := range map[string]string{"ingest": c.IngestApp, "query": c.QueryApp, "insights": c.InsightsApp} {
		if strings.TrimSpace(app) == "" {
			errors = append(errors, fmt.Sprintf("%s application name cannot be empty", name))
		}
	}

	if c.IngestConcurrency < 1 || c.IngestConcurrency > 32 {
		errors = append(errors, fmt.Sprintf("invalid ingest concurrency %d: must be between 1 and 32", c.IngestConcurrency))
	}
	if c.InsightsCacheTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid insights cache TTL %v: must not be negative", c.InsightsCacheTTL))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// Validate validates the relay configuration
func (c *RelayConfig) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if err := validateHTTPURL(c.UpstreamURL); err != nil {
		errors = append(errors, fmt.Sprintf("invalid upstream URL: %v", err))
	}

	if c.DefaultOrigin == "" {
		errors = append(errors, "default origin cannot be empty")
	} else if err := validateHTTPURL(c.DefaultOrigin); err != nil {
		errors = append(errors, fmt.Sprintf("invalid default origin: %v", err))
	}

	if !strings.HasPrefix(c.Prefix, "/") || strings.HasSuffix(c.Prefix, "/") {
		errors = append(errors, fmt.Sprintf("invalid path prefix '%s': must start and not end with '/'", c.Prefix))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse '%s': %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid scheme '%s' in '%s': must be http or https", u.Scheme, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in '%s'", raw)
	}
	return nil
}
