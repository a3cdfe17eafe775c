// Package hivemesh assembles a complete agent node: a signed-message
// protocol engine, a registry of peers, an HTTP transport, and a
// heartbeat emitter, all configured from one YAML file.
package hivemesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hivemesh-dev/hivemesh/internal/observability"
	"github.com/hivemesh-dev/hivemesh/pkg/heartbeat"
	obs "github.com/hivemesh-dev/hivemesh/pkg/observability"
	"github.com/hivemesh-dev/hivemesh/pkg/registry"
	"github.com/hivemesh-dev/hivemesh/pkg/security"
	"github.com/hivemesh-dev/hivemesh/pkg/transport"
	"github.com/hivemesh-dev/hivemesh/protocol"
)

// Config is the top-level node configuration.
type Config struct {
	Agent     protocol.IdentityConfig `yaml:"agent"`
	Server    ServerDef               `yaml:"server,omitempty"`
	Registry  RegistryDef             `yaml:"registry,omitempty"`
	Client    ClientDef               `yaml:"client,omitempty"`
	Heartbeat HeartbeatDef            `yaml:"heartbeat,omitempty"`
	Metrics   MetricsDef              `yaml:"metrics,omitempty"`
}

// ServerDef configures the inbound transport.
type ServerDef struct {
	// Addr is the listen address. Default: ":7946".
	Addr string `yaml:"addr"`
	// AdvertiseURL is the endpoint peers should use to reach this
	// node (e.g. "http://node-a:7946"). Stored in the node's own
	// registry record.
	AdvertiseURL string `yaml:"advertise_url,omitempty"`
	// RateLimit is the per-sender requests-per-second budget.
	RateLimit float64 `yaml:"rate_limit,omitempty"`
	// RateBurst is the per-sender burst size.
	RateBurst int `yaml:"rate_burst,omitempty"`
}

// RegistryDef selects and configures the registry backend.
type RegistryDef struct {
	// Backend is one of "memory", "redis", "sqlite", "remote".
	// Default: "memory".
	Backend string `yaml:"backend"`
	// Redis configures the redis backend.
	Redis RedisDef `yaml:"redis,omitempty"`
	// Path is the database path for the sqlite backend.
	Path string `yaml:"path,omitempty"`
	// URL is the base URL for the remote backend.
	URL string `yaml:"url,omitempty"`
	// Peers seeds the registry with statically configured peers.
	Peers []registry.Record `yaml:"peers,omitempty"`
}

// RedisDef configures the redis registry backend.
type RedisDef struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	// RecordTTL is a duration string ("5m"); zero means no expiry.
	RecordTTL string `yaml:"record_ttl,omitempty"`
}

// ClientDef configures the outbound transport.
type ClientDef struct {
	// Timeout is a duration string bounding each request.
	Timeout string `yaml:"timeout,omitempty"`
	// MaxFailures opens a peer's circuit after this many consecutive
	// failures.
	MaxFailures int `yaml:"max_failures,omitempty"`
	// ResetTimeout is a duration string for how long an open circuit
	// stays open.
	ResetTimeout string `yaml:"reset_timeout,omitempty"`
}

// HeartbeatDef configures the heartbeat emitter.
type HeartbeatDef struct {
	// Enabled turns the emitter on. Default: false.
	Enabled bool `yaml:"enabled"`
	// Interval is a duration string between rounds. Default: "30s".
	Interval string `yaml:"interval,omitempty"`
	// Announce sends this node's profile to all peers at startup.
	Announce bool `yaml:"announce,omitempty"`
}

// MetricsDef configures the observability server.
type MetricsDef struct {
	// Port serves /metrics and /health when non-zero.
	Port int `yaml:"port,omitempty"`
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if !c.Agent.ID.Valid() {
		return fmt.Errorf("agent.id %q is invalid: want %s<token>", c.Agent.ID, protocol.AgentIDPrefix)
	}
	if c.Agent.Keys.PrivateKey == "" {
		return fmt.Errorf("agent.keys.private_key is required (or set %s)", envPrivateKey)
	}
	if _, err := c.Agent.Keys.Private(); err != nil {
		return fmt.Errorf("agent.keys.private_key: %w", err)
	}
	if _, err := c.Agent.Keys.Public(); err != nil {
		return fmt.Errorf("agent.keys.public_key: %w", err)
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":7946"
	}
	switch c.Registry.Backend {
	case "", "memory":
		c.Registry.Backend = "memory"
	case "redis":
		if c.Registry.Redis.Addr == "" {
			return fmt.Errorf("registry.redis.addr is required for the redis backend")
		}
	case "sqlite":
		if c.Registry.Path == "" {
			return fmt.Errorf("registry.path is required for the sqlite backend")
		}
	case "remote":
		if c.Registry.URL == "" {
			return fmt.Errorf("registry.url is required for the remote backend")
		}
	default:
		return fmt.Errorf("registry.backend %q is not one of memory, redis, sqlite, remote", c.Registry.Backend)
	}
	for i := range c.Registry.Peers {
		if err := c.Registry.Peers[i].Validate(); err != nil {
			return fmt.Errorf("registry.peers[%d]: %w", i, err)
		}
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"client.timeout", c.Client.Timeout},
		{"client.reset_timeout", c.Client.ResetTimeout},
		{"heartbeat.interval", c.Heartbeat.Interval},
		{"registry.redis.record_ttl", c.Registry.Redis.RecordTTL},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	return nil
}

// Environment fallbacks. Key material normally stays out of config
// files in deployments.
const (
	envPrivateKey    = "HIVEMESH_PRIVATE_KEY"
	envPublicKey     = "HIVEMESH_PUBLIC_KEY"
	envRedisPassword = "HIVEMESH_REDIS_PASSWORD"
)

// FileReader reads files; the seam exists so config loading is
// testable without the filesystem.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile.
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path is operator supplied
}

// ConfigLoader loads node configuration from a YAML file.
type ConfigLoader struct {
	fileReader FileReader
	yamlParser *security.SafeYAMLParser
}

// NewConfigLoader creates a config loader with default parsing limits.
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{
		fileReader: fr,
		yamlParser: security.NewSafeYAMLParser(security.DefaultYAMLLimits()),
	}
}

// NewConfigLoaderWithLimits creates a config loader with custom YAML
// parsing limits.
func NewConfigLoaderWithLimits(fr FileReader, limits security.YAMLLimits) *ConfigLoader {
	return &ConfigLoader{
		fileReader: fr,
		yamlParser: security.NewSafeYAMLParser(limits),
	}
}

// LoadConfig reads, parses, env-substitutes, and validates a config
// file.
func (cl *ConfigLoader) LoadConfig(configPath string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var config Config
	if err := cl.yamlParser.UnmarshalYAML(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if config.Agent.Keys.PrivateKey == "" {
		config.Agent.Keys.PrivateKey = os.Getenv(envPrivateKey)
	}
	if config.Agent.Keys.PublicKey == "" {
		config.Agent.Keys.PublicKey = os.Getenv(envPublicKey)
	}
	if config.Registry.Redis.Password == "" {
		config.Registry.Redis.Password = os.Getenv(envRedisPassword)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Node is one running agent: identity, dispatcher, registry, transport
// server and client, heartbeat emitter, and observability endpoints.
type Node struct {
	cfg        *Config
	identity   *protocol.Identity
	dispatcher *protocol.InstrumentedDispatcher
	registry   registry.Registry
	client     *transport.Client
	server     *transport.Server
	emitter    *heartbeat.Emitter
	obsServer  *obs.Server
	logger     *log.Logger
}

// NewNode assembles a node from a validated configuration. Nothing is
// listening yet; call Start after registering handlers.
func NewNode(cfg *Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := log.Default()

	identity, err := protocol.NewIdentity(cfg.Agent)
	if err != nil {
		return nil, err
	}

	reg, err := openRegistry(cfg.Registry)
	if err != nil {
		return nil, err
	}

	dispatcher := protocol.NewInstrumentedDispatcher(protocol.NewDispatcher(identity), true)

	client := transport.NewClient(transport.ClientConfig{
		Timeout:      duration(cfg.Client.Timeout, 0),
		MaxFailures:  cfg.Client.MaxFailures,
		ResetTimeout: duration(cfg.Client.ResetTimeout, 0),
	}, identity, reg)

	server := transport.NewServer(transport.ServerConfig{
		Addr:      cfg.Server.Addr,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	}, dispatcher, reg, logger)

	node := &Node{
		cfg:        cfg,
		identity:   identity,
		dispatcher: dispatcher,
		registry:   reg,
		client:     client,
		server:     server,
		logger:     logger,
	}

	if cfg.Heartbeat.Enabled {
		node.emitter = heartbeat.NewEmitter(heartbeat.Config{
			Interval: duration(cfg.Heartbeat.Interval, 30*time.Second),
		}, identity, client, logger)
	}
	if cfg.Metrics.Port > 0 {
		node.obsServer = obs.NewServer(cfg.Metrics.Port)
	}
	return node, nil
}

// Identity returns the node's agent identity.
func (n *Node) Identity() *protocol.Identity { return n.identity }

// Registry returns the node's registry backend.
func (n *Node) Registry() registry.Registry { return n.registry }

// Client returns the node's outbound transport client.
func (n *Node) Client() *transport.Client { return n.client }

// RegisterHandler binds a handler to one of the node's declared
// capabilities.
func (n *Node) RegisterHandler(capabilityID string, h protocol.Handler) error {
	return n.dispatcher.RegisterHandler(capabilityID, h)
}

// Start seeds the registry, starts the transport and observability
// servers and the heartbeat emitter, and blocks until ctx is done or a
// server fails. Shutdown is graceful.
func (n *Node) Start(ctx context.Context) error {
	if err := n.seedRegistry(ctx); err != nil {
		return err
	}

	obs.InitMetrics()
	checker := obs.InitHealthChecker()
	checker.RegisterCheck(obs.PingCheck())
	checker.RegisterCheck(obs.RegistryCheck(func(ctx context.Context) error {
		_, err := n.registry.List(ctx)
		return err
	}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(n.server.Start)
	if n.obsServer != nil {
		g.Go(n.obsServer.Start)
	}

	if n.cfg.Heartbeat.Announce {
		for peer, err := range n.client.Broadcast(ctx, func(to protocol.AgentID) (*protocol.Envelope, error) {
			return n.identity.NewAgentIdentity(to)
		}) {
			if err != nil {
				n.logger.Printf("announcing to %s failed: %v", peer, err)
			}
		}
	}
	if n.emitter != nil {
		if err := n.emitter.Start(); err != nil {
			return err
		}
	}

	<-gctx.Done()

	if n.emitter != nil {
		n.emitter.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := n.server.Shutdown(shutdownCtx); err != nil {
		n.logger.Printf("transport shutdown: %v", err)
	}
	if n.obsServer != nil {
		if err := n.obsServer.Shutdown(shutdownCtx); err != nil {
			n.logger.Printf("observability shutdown: %v", err)
		}
	}
	if err := n.registry.Close(); err != nil {
		n.logger.Printf("registry close: %v", err)
	}

	err := g.Wait()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return err
}

// seedRegistry stores this node's record and the statically configured
// peers.
func (n *Node) seedRegistry(ctx context.Context) error {
	self := &registry.Record{
		ID:           n.identity.ID(),
		Name:         n.identity.Name(),
		Description:  n.identity.Description(),
		PublicKey:    n.identity.PublicKey(),
		Endpoint:     n.cfg.Server.AdvertiseURL,
		Capabilities: n.identity.Capabilities(),
	}
	if err := n.registry.Register(ctx, self); err != nil {
		return fmt.Errorf("registering self: %w", err)
	}
	for i := range n.cfg.Registry.Peers {
		peer := n.cfg.Registry.Peers[i]
		if err := n.registry.Register(ctx, &peer); err != nil {
			return fmt.Errorf("registering peer %s: %w", peer.ID, err)
		}
	}
	return nil
}

// openRegistry constructs the configured registry backend.
func openRegistry(cfg RegistryDef) (registry.Registry, error) {
	switch cfg.Backend {
	case "", "memory":
		return registry.NewMemoryRegistry(), nil
	case "redis":
		return registry.NewRedisRegistry(registry.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Prefix:    cfg.Redis.Prefix,
			RecordTTL: duration(cfg.Redis.RecordTTL, 0),
		})
	case "sqlite":
		return registry.NewSQLiteRegistry(cfg.Path)
	case "remote":
		return registry.NewRemoteRegistry(cfg.URL, nil), nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
	}
}

// duration parses a duration string, falling back when empty or
// malformed. Validate has already rejected malformed values from
// config files.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Run loads a config file, builds a node with the given capability
// handlers, and serves until interrupted.
func Run(configPath string, handlers map[string]protocol.Handler) error {
	if err := observability.InitFromEnv(); err != nil {
		log.Printf("Warning: failed to initialize tracing: %v", err)
	}

	loader := NewConfigLoader(&OSFileReader{})
	cfg, err := loader.LoadConfig(configPath)
	if err != nil {
		return err
	}
	node, err := NewNode(cfg)
	if err != nil {
		return err
	}
	for id, h := range handlers {
		if err := node.RegisterHandler(id, h); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = node.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if obsErr := observability.Shutdown(shutdownCtx); obsErr != nil {
		log.Printf("Warning: failed to shutdown tracing: %v", obsErr)
	}
	return err
}
