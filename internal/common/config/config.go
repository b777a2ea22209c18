package config

import (
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the top-level middled configuration.
	Config struct {
		StateDir  string          `yaml:"state_dir"` // job logs, sqlite db, pid file
		Logger    LoggerConfig    `yaml:"logger"`
		Transport TransportConfig `yaml:"transport"`
		Datastore DatastoreConfig `yaml:"datastore"`
		Jobs      JobsConfig      `yaml:"jobs"`
		Events    EventsConfig    `yaml:"events"`
		Auth      AuthConfig      `yaml:"auth"`
		Failover  FailoverConfig  `yaml:"failover"`
		Metrics   MetricsConfig   `yaml:"metrics"`
		Tracing   TracingConfig   `yaml:"tracing"`
	}

	// TransportConfig configures the three listeners.
	TransportConfig struct {
		Port          int           `yaml:"port"`            // public websocket port
		TLSCert       string        `yaml:"tls_cert"`        // optional TLS cert path
		TLSKey        string        `yaml:"tls_key"`         // optional TLS key path
		UnixSocket    string        `yaml:"unix_socket"`     // internal socket path
		SidecarPort   int           `yaml:"sidecar_port"`    // upload/download + /metrics
		SendQueueSize int           `yaml:"send_queue_size"` // per-connection outbound bound
		PingInterval  time.Duration `yaml:"ping_interval"`
		IdleTimeout   time.Duration `yaml:"idle_timeout"` // missed-pong cutoff
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
	}

	// DatastoreConfig configures the sqlite-backed key/row store.
	DatastoreConfig struct {
		Path string `yaml:"path"` // sqlite file; defaults under state_dir
	}

	// JobsConfig bounds the job manager.
	JobsConfig struct {
		Retention     int           `yaml:"retention"`      // max retained jobs
		LogRingSize   int           `yaml:"log_ring_size"`  // in-memory log lines per job
		Workers       int           `yaml:"workers"`        // blocking-method worker pool
		AbortDeadline time.Duration `yaml:"abort_deadline"` // grace before a kill is given up on
	}

	// EventsConfig bounds subscriptions and configures the optional relay.
	EventsConfig struct {
		QueueSize int          `yaml:"queue_size"` // per-subscription outbound bound
		Relay     *RelayConfig `yaml:"relay,omitempty"`
	}

	// RelayConfig fans events out to a Redis stream for external consumers.
	RelayConfig struct {
		Addr     string `yaml:"addr"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Stream   string `yaml:"stream"`
		MaxLen   int64  `yaml:"max_len"` // stream trim threshold
	}

	// AuthConfig configures sessions and transfer tokens.
	AuthConfig struct {
		TokenTTL       time.Duration `yaml:"token_ttl"`        // transfer token lifetime
		JWTSecret      string        `yaml:"jwt_secret"`       // shared HA link secret
		JWTDuration    time.Duration `yaml:"jwt_duration"`     // HA link token lifetime
		FailedLoginLog bool          `yaml:"failed_login_log"` // log failed login attempts
	}

	// FailoverConfig configures the HA peer link. Disabled when PeerURL is empty.
	FailoverConfig struct {
		PeerURL        string        `yaml:"peer_url"`     // wss://peer:6000/websocket
		PeerSidecar    string        `yaml:"peer_sidecar"` // https://peer:6001
		Role           string        `yaml:"role"`         // MASTER or BACKUP
		ReconnectMin   time.Duration `yaml:"reconnect_min"`
		ReconnectMax   time.Duration `yaml:"reconnect_max"`
		CallTimeout    time.Duration `yaml:"call_timeout"`
		InsecureVerify bool          `yaml:"insecure_skip_verify"` // self-signed peer certs
	}

	// MetricsConfig configures the Prometheus registry.
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}

	// TracingConfig configures optional OTLP tracing.
	TracingConfig struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		Endpoint    string  `yaml:"endpoint"` // e.g. localhost:4317
		Protocol    string  `yaml:"protocol"` // grpc or http
		Insecure    bool    `yaml:"insecure"`
		SamplerRate float64 `yaml:"sampler_rate"`
	}
)

// Load reads the YAML config at path, layering in a .env file and
// ${ENV:default} placeholders, then applies defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = resolveEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// SetDefaults fills in every zero-valued knob.
func (c *Config) SetDefaults() {
	if c.StateDir == "" {
		c.StateDir = "/var/lib/middled"
	}
	if c.Transport.Port == 0 {
		c.Transport.Port = 6000
	}
	if c.Transport.UnixSocket == "" {
		c.Transport.UnixSocket = c.StateDir + "/middled.sock"
	}
	if c.Transport.SidecarPort == 0 {
		c.Transport.SidecarPort = 6001
	}
	if c.Transport.SendQueueSize == 0 {
		c.Transport.SendQueueSize = 256
	}
	if c.Transport.PingInterval == 0 {
		c.Transport.PingInterval = 30 * time.Second
	}
	if c.Transport.IdleTimeout == 0 {
		c.Transport.IdleTimeout = 90 * time.Second
	}
	if c.Datastore.Path == "" {
		c.Datastore.Path = c.StateDir + "/middled.db"
	}
	if c.Jobs.Retention == 0 {
		c.Jobs.Retention = 1000
	}
	if c.Jobs.LogRingSize == 0 {
		c.Jobs.LogRingSize = 1000
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 16
	}
	if c.Jobs.AbortDeadline == 0 {
		c.Jobs.AbortDeadline = 30 * time.Second
	}
	if c.Events.QueueSize == 0 {
		c.Events.QueueSize = 1024
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 10 * time.Minute
	}
	if c.Auth.JWTDuration == 0 {
		c.Auth.JWTDuration = 24 * time.Hour
	}
	if c.Failover.ReconnectMin == 0 {
		c.Failover.ReconnectMin = time.Second
	}
	if c.Failover.ReconnectMax == 0 {
		c.Failover.ReconnectMax = 30 * time.Second
	}
	if c.Failover.CallTimeout == 0 {
		c.Failover.CallTimeout = 60 * time.Second
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "middled"
	}
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
