// Package session keeps track of MCP sessions. A Store holds the durable
// session records shared by every server process, and a Manager holds the
// live transports and engines of the sessions owned by this process.
package session

import (
	"context"
	"time"

	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/mcp/transport"
	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultTTL is how long a session record lives without activity
	DefaultTTL = 24 * time.Hour
	// DefaultSweepInterval is how often expired records are removed
	DefaultSweepInterval = 30 * time.Minute
	// DefaultKeyPrefix namespaces session records in shared stores
	DefaultKeyPrefix = "mcp:session:"
	// DefaultQueryTimeout bounds a single store round trip
	DefaultQueryTimeout = 5 * time.Second
)

// ErrSessionNotFound is returned when a session id is unknown to the store
var ErrSessionNotFound = errors.New("session not found")

// Record is the durable part of a session
type Record struct {
	ID        string         `msgpack:"id" json:"id"`
	Kind      transport.Kind `msgpack:"kind" json:"kind"`
	Tools     []string       `msgpack:"tools" json:"tools"`
	OwnerNode string         `msgpack:"owner" json:"owner"`
	CreatedAt time.Time      `msgpack:"created" json:"created"`
	LastSeen  time.Time      `msgpack:"seen" json:"seen"`
}

// Store persists session records. Get returns a nil record and a nil error
// when the session does not exist.
type Store interface {
	Save(ctx context.Context, record *Record) error
	Get(ctx context.Context, sessionID string) (*Record, error)
	Exists(ctx context.Context, sessionID string) (bool, error)
	// Touch refreshes the record's liveness and TTL
	Touch(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

type config struct {
	ttl           time.Duration
	sweepInterval time.Duration
	queryTimeout  time.Duration
	prefix        string
	clock         clockwork.Clock
	logger        logger.Logger
}

// StoreOption configures a Store implementation
type StoreOption func(*config)

func defaultConfig() config {
	return config{
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		queryTimeout:  DefaultQueryTimeout,
		prefix:        DefaultKeyPrefix,
		clock:         clockwork.NewRealClock(),
	}
}

func applyOptions(opts []StoreOption) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sweepInterval <= 0 {
		cfg.sweepInterval = DefaultSweepInterval
	}
	return cfg
}

// WithTTL sets how long a record lives after its last activity. Zero keeps
// records until they are deleted.
func WithTTL(d time.Duration) StoreOption {
	return func(c *config) { c.ttl = d }
}

// WithSweepInterval sets how often the memory and SQLite stores remove
// expired records
func WithSweepInterval(d time.Duration) StoreOption {
	return func(c *config) { c.sweepInterval = d }
}

// WithQueryTimeout bounds each round trip of the Redis and SQLite stores
func WithQueryTimeout(d time.Duration) StoreOption {
	return func(c *config) { c.queryTimeout = d }
}

// WithKeyPrefix sets the Redis key prefix
func WithKeyPrefix(prefix string) StoreOption {
	return func(c *config) { c.prefix = prefix }
}

func WithClock(clock clockwork.Clock) StoreOption {
	return func(c *config) { c.clock = clock }
}

func WithStoreLogger(log logger.Logger) StoreOption {
	return func(c *config) { c.logger = log }
}

func (c config) expiresAt(now time.Time) time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return now.Add(c.ttl)
}

func (c config) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.queryTimeout)
}

func validate(record *Record) error {
	if record == nil || record.ID == "" {
		return errors.New("session record requires an id")
	}
	if !record.Kind.Valid() {
		return errors.Newf("invalid transport kind %q", record.Kind)
	}
	return nil
}
