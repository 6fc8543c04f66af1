package main

import (
	"context"
	"time"

	"github.com/agentuity/mcp-server/config"
	"github.com/agentuity/mcp-server/eventing"
	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/mcp/session"
	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

type closer func()

func newRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "error connecting to redis")
	}
	return client, nil
}

func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (session.Store, closer, error) {
	opts := []session.StoreOption{
		session.WithTTL(cfg.Store.TTL),
		session.WithKeyPrefix(cfg.Store.KeyPrefix),
		session.WithStoreLogger(log),
	}
	switch cfg.Store.Backend {
	case config.BackendRedis:
		client, err := newRedis(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		store := session.NewRedisStore(client, opts...)
		return store, func() {
			store.Close()
			client.Close()
		}, nil
	case config.BackendSQLite:
		store, err := session.NewSQLiteStore(ctx, cfg.Store.SQLitePath, opts...)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	store := session.NewMemoryStore(ctx, opts...)
	return store, func() { store.Close() }, nil
}

func openEventing(ctx context.Context, cfg *config.Config, log logger.Logger) (eventing.Client, closer, error) {
	switch cfg.Queue.Backend {
	case config.BackendRedis:
		client, err := newRedis(ctx, cfg.Queue.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		events, err := eventing.NewRedisClient(ctx, log, client)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return events, func() {
			events.Close()
			client.Close()
		}, nil
	case config.BackendNATS:
		conn, err := nats.Connect(cfg.Queue.NATSURL,
			nats.Name("mcp-server"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, nil, errors.Wrap(err, "error connecting to nats")
		}
		events := eventing.NewNATSClient(log, conn)
		return events, func() {
			events.Close()
			conn.Drain()
		}, nil
	}
	events := eventing.NewMemoryClient(ctx, log)
	return events, func() { events.Close() }, nil
}
