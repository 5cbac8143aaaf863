package temporal

import (
	"context"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"

	"github.com/helixir/orchestration-service/internal/config"
)

// Client defaults.
const (
	DefaultHealthCheckTimeout = 5 * time.Second
	DefaultDialTimeout        = 10 * time.Second
)

// ClientConfig configures the connection to the Temporal frontend shared by the
// server and the worker.
type ClientConfig struct {
	HostPort  string
	Namespace string

	// Identity names this process in workflow histories. Empty keeps the SDK
	// default of pid@host.
	Identity string

	// DialTimeout bounds the initial connection. Zero uses DefaultDialTimeout.
	DialTimeout time.Duration

	// Logger receives SDK logs. Nil keeps the SDK default.
	Logger log.Logger
}

// ClientConfigFromSettings maps the service configuration section.
func ClientConfigFromSettings(cfg config.TemporalConfig, logger log.Logger) ClientConfig {
	return ClientConfig{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    logger,
	}
}

// WithIdentity returns a copy of cfg that reports identity to the server.
func (cfg ClientConfig) WithIdentity(identity string) ClientConfig {
	cfg.Identity = identity
	return cfg
}

// NewClient dials the Temporal frontend, failing after DialTimeout.
func NewClient(cfg ClientConfig) (client.Client, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c, err := client.DialContext(ctx, client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Identity:  cfg.Identity,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, wrapTemporalError("Dial", err, "", "")
	}
	return c, nil
}
