// Package config loads the server and worker settings. Values are layered:
// defaults, then an optional YAML file, then MCP_* environment variables,
// then command line flags.
package config

import (
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

const (
	ModeDirect = "direct"
	ModeQueued = "queued"

	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"
)

type Paths struct {
	Setup  string `yaml:"setup"`
	Post   string `yaml:"post"`
	Duplex string `yaml:"duplex"`
}

type StoreConfig struct {
	Backend    string        `yaml:"backend"`
	TTL        time.Duration `yaml:"ttl"`
	KeyPrefix  string        `yaml:"key_prefix"`
	RedisURL   string        `yaml:"redis_url"`
	SQLitePath string        `yaml:"sqlite_path"`
}

type QueueConfig struct {
	Backend  string        `yaml:"backend"`
	RedisURL string        `yaml:"redis_url"`
	NATSURL  string        `yaml:"nats_url"`
	Subject  string        `yaml:"subject"`
	Group    string        `yaml:"group"`
	Timeout  time.Duration `yaml:"timeout"`
}

type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is console, json or auto. Auto picks console on a terminal.
	Format string `yaml:"format"`
}

type OTLPConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Secret string `yaml:"secret"`
}

type Config struct {
	Addr          string        `yaml:"addr"`
	NodeID        string        `yaml:"node_id"`
	Mode          string        `yaml:"mode"`
	SessionHeader string        `yaml:"session_header"`
	KeepAlive     time.Duration `yaml:"keep_alive"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	Paths         Paths         `yaml:"paths"`
	Store         StoreConfig   `yaml:"store"`
	Queue         QueueConfig   `yaml:"queue"`
	Worker        WorkerConfig  `yaml:"worker"`
	Log           LogConfig     `yaml:"log"`
	OTLP          OTLPConfig    `yaml:"otlp"`
}

// Default returns the settings used when nothing overrides them
func Default() *Config {
	return &Config{
		Addr:          ":8080",
		Mode:          ModeDirect,
		SessionHeader: "Mcp-Session-Id",
		KeepAlive:     15 * time.Second,
		ShutdownGrace: 10 * time.Second,
		Paths:         Paths{Setup: "/sse", Post: "/messages", Duplex: "/mcp"},
		Store: StoreConfig{
			Backend:    BackendMemory,
			TTL:        24 * time.Hour,
			KeyPrefix:  "mcp:session:",
			SQLitePath: "mcp-sessions.db",
		},
		Queue: QueueConfig{
			Backend: BackendMemory,
			Subject: "mcp.jobs",
			Group:   "mcp-workers",
		},
		Worker: WorkerConfig{Concurrency: 10},
		Log:    LogConfig{Level: "info", Format: "auto"},
	}
}

type key struct {
	path  string
	env   string
	flag  string
	usage string
}

var keys = []key{
	{"addr", "MCP_ADDR", "addr", "address to listen on"},
	{"node_id", "MCP_NODE_ID", "node-id", "unique name of this process among those sharing a store"},
	{"mode", "MCP_MODE", "mode", "tool execution mode: direct or queued"},
	{"session_header", "MCP_SESSION_HEADER", "session-header", "header carrying the duplex session id"},
	{"keep_alive", "MCP_KEEP_ALIVE", "keep-alive", "interval between stream keepalive comments, 0 disables"},
	{"shutdown_grace", "MCP_SHUTDOWN_GRACE", "shutdown-grace", "time allowed for in flight requests on shutdown"},
	{"paths.setup", "MCP_PATH_SETUP", "path-setup", "path opening a stream session"},
	{"paths.post", "MCP_PATH_POST", "path-post", "path stream clients post messages to"},
	{"paths.duplex", "MCP_PATH_DUPLEX", "path-duplex", "path of the duplex transport"},
	{"store.backend", "MCP_STORE", "store", "session store: memory, redis or sqlite"},
	{"store.ttl", "MCP_STORE_TTL", "store-ttl", "idle time after which a session record expires"},
	{"store.key_prefix", "MCP_STORE_KEY_PREFIX", "store-key-prefix", "key prefix of session records in redis"},
	{"store.redis_url", "MCP_STORE_REDIS_URL", "store-redis-url", "redis url of the session store"},
	{"store.sqlite_path", "MCP_STORE_SQLITE_PATH", "store-sqlite-path", "database file of the sqlite session store"},
	{"queue.backend", "MCP_QUEUE", "queue", "job queue: memory, redis or nats"},
	{"queue.redis_url", "MCP_QUEUE_REDIS_URL", "queue-redis-url", "redis url of the job queue"},
	{"queue.nats_url", "MCP_QUEUE_NATS_URL", "queue-nats-url", "nats url of the job queue"},
	{"queue.subject", "MCP_QUEUE_SUBJECT", "queue-subject", "subject jobs are published on"},
	{"queue.group", "MCP_QUEUE_GROUP", "queue-group", "queue group workers join"},
	{"queue.timeout", "MCP_QUEUE_TIMEOUT", "queue-timeout", "time a queued call waits for its result, 0 waits until the session closes"},
	{"worker.concurrency", "MCP_WORKER_CONCURRENCY", "worker-concurrency", "jobs a worker runs at once"},
	{"worker.timeout", "MCP_WORKER_TIMEOUT", "worker-timeout", "run time limit of a job, 0 disables"},
	{"log.level", "MCP_LOG_LEVEL", "log-level", "trace, debug, info, warn or error"},
	{"log.format", "MCP_LOG_FORMAT", "log-format", "console, json or auto"},
	{"otlp.url", "MCP_OTLP_URL", "otlp-url", "collector url, logs are exported when set"},
	{"otlp.token", "MCP_OTLP_TOKEN", "otlp-token", "bearer token sent to the collector"},
	{"otlp.secret", "MCP_OTLP_SECRET", "otlp-secret", "shared secret signing the collector token"},
}

// RegisterFlags adds a flag for every setting plus --config
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("config", "", "path of a YAML config file")
	for _, k := range keys {
		flags.String(k.flag, "", k.usage+" (env "+k.env+")")
	}
}

// Load builds the config for cmd. Flags win over the environment, which
// wins over the file named by --config or MCP_CONFIG.
func Load(cmd *cobra.Command) (*Config, error) {
	cfg := Default()
	path := FlagOrEnv(cmd, "config", "MCP_CONFIG", "")
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.ApplyFlags(cmd); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path
func (c *Config) LoadFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	var values map[string]interface{}
	if err := yaml.Unmarshal(buf, &values); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return errors.Wrapf(c.apply(values), "invalid config file %s", path)
}

// ApplyEnv overlays the MCP_* variables found by lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	values := map[string]interface{}{}
	for _, k := range keys {
		if v, ok := lookup(k.env); ok {
			set(values, k.path, v)
		}
	}
	return errors.Wrap(c.apply(values), "invalid environment")
}

// ApplyFlags overlays the flags set on cmd
func (c *Config) ApplyFlags(cmd *cobra.Command) error {
	values := map[string]interface{}{}
	flags := cmd.Flags()
	for _, k := range keys {
		if f := flags.Lookup(k.flag); f != nil && f.Changed {
			set(values, k.path, f.Value.String())
		}
	}
	return errors.Wrap(c.apply(values), "invalid flags")
}

func set(values map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := values[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			values[part] = next
		}
		values = next
	}
	values[parts[len(parts)-1]] = value
}

func (c *Config) apply(values map[string]interface{}) error {
	if len(values) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       durationHook,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(values)
}

// durationHook accepts day and week units on top of time.ParseDuration's
func durationHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		if v == "" || v == "0" {
			return time.Duration(0), nil
		}
		d, err := str2duration.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid duration %q", v)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	}
	return data, nil
}

// Validate checks the settings are usable together
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeDirect, ModeQueued:
	default:
		return errors.Newf("unknown mode %q", c.Mode)
	}
	for name, p := range map[string]string{"setup": c.Paths.Setup, "post": c.Paths.Post, "duplex": c.Paths.Duplex} {
		if !strings.HasPrefix(p, "/") {
			return errors.Newf("%s path %q must start with /", name, p)
		}
	}
	if c.Paths.Setup == c.Paths.Post {
		return errors.New("setup and post paths must differ")
	}
	if c.SessionHeader == "" {
		return errors.New("session header is required")
	}
	if c.Store.TTL <= 0 {
		return errors.New("store ttl must be positive")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return errors.New("store redis url is required for the redis store")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store sqlite path is required for the sqlite store")
		}
	default:
		return errors.Newf("unknown store %q", c.Store.Backend)
	}
	switch c.Queue.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Queue.RedisURL == "" {
			return errors.New("queue redis url is required for the redis queue")
		}
	case BackendNATS:
		if c.Queue.NATSURL == "" {
			return errors.New("queue nats url is required for the nats queue")
		}
	default:
		return errors.Newf("unknown queue %q", c.Queue.Backend)
	}
	if c.Queue.Subject == "" || c.Queue.Group == "" {
		return errors.New("queue subject and group are required")
	}
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker concurrency must be positive")
	}
	return nil
}

// Shared reports whether sessions are visible to other processes
func (c *Config) Shared() bool {
	return c.Store.Backend != BackendMemory
}
