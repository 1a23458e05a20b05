// Package gateway parses gateway command flags and composes the realtime
// process: shared state store, persistence, push fan-out, and the
// WebSocket transport.
package gateway

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/courier/internal/delivery"
	entrypoint "github.com/louisbranch/courier/internal/platform/cmd"
	"github.com/louisbranch/courier/internal/platform/id"
	"github.com/louisbranch/courier/internal/push"
	"github.com/louisbranch/courier/internal/realtime/presence"
	"github.com/louisbranch/courier/internal/realtime/registry"
	"github.com/louisbranch/courier/internal/realtime/store"
	redisstore "github.com/louisbranch/courier/internal/realtime/store/redis"
	"github.com/louisbranch/courier/internal/realtime/viewers"
	"github.com/louisbranch/courier/internal/receipts"
	server "github.com/louisbranch/courier/internal/services/gateway/app"
	"github.com/louisbranch/courier/internal/storage/sqlite"
)

// Config holds gateway command configuration.
type Config struct {
	HTTPAddr        string        `env:"COURIER_GATEWAY_HTTP_ADDR" envDefault:":8080"`
	RedisURL        string        `env:"COURIER_REDIS_URL"`
	SQLitePath      string        `env:"COURIER_SQLITE_PATH"       envDefault:"courier.db"`
	PushEndpoint    string        `env:"COURIER_PUSH_ENDPOINT"`
	PushAPIKey      string        `env:"COURIER_PUSH_API_KEY"`
	PushConcurrency int64         `env:"COURIER_PUSH_CONCURRENCY"  envDefault:"8"`
	ConnectionTTL   time.Duration `env:"COURIER_CONNECTION_TTL"    envDefault:"2m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "gateway HTTP listen address")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis URL for shared realtime state (empty uses in-process state)")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "path to the courier SQLite database")
	fs.StringVar(&cfg.PushEndpoint, "push-endpoint", cfg.PushEndpoint, "push relay endpoint (empty disables push)")
	fs.StringVar(&cfg.PushAPIKey, "push-api-key", cfg.PushAPIKey, "push relay API key")
	fs.Int64Var(&cfg.PushConcurrency, "push-concurrency", cfg.PushConcurrency, "maximum concurrent push sends")
	fs.DurationVar(&cfg.ConnectionTTL, "connection-ttl", cfg.ConnectionTTL, "TTL for connection and viewer entries")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run composes the gateway and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceGateway, func(ctx context.Context) error {
		sqlStore, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer func() {
			if err := sqlStore.Close(); err != nil {
				log.Printf("close storage: %v", err)
			}
		}()

		var shared store.Shared
		var bridge *server.RedisBridge
		if cfg.RedisURL != "" {
			opts, err := goredis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("parse redis url: %w", err)
			}
			client := goredis.NewClient(opts)
			if err := client.Ping(ctx).Err(); err != nil {
				_ = client.Close()
				return fmt.Errorf("ping redis: %w", err)
			}
			defer func() {
				if err := client.Close(); err != nil {
					log.Printf("close redis: %v", err)
				}
			}()
			shared = redisstore.NewWithClient(client)

			instanceID, err := id.NewID()
			if err != nil {
				return fmt.Errorf("generate instance id: %w", err)
			}
			bridge, err = server.NewRedisBridge(client, instanceID)
			if err != nil {
				return fmt.Errorf("init event bridge: %w", err)
			}
		} else {
			log.Printf("no redis url configured, realtime state is process-local")
			shared = store.NewMemory()
		}

		hub := server.NewHub(bridge)
		if bridge != nil {
			go func() {
				if err := bridge.Run(ctx, hub); err != nil && ctx.Err() == nil {
					log.Printf("event bridge stopped: %v", err)
				}
			}()
		}

		var pool *push.Pool
		if provider := push.NewHTTPProvider(cfg.PushEndpoint, cfg.PushAPIKey); provider != nil {
			pool = push.NewPool(provider, cfg.PushConcurrency)
			defer pool.Wait()
		}

		reg := registry.New(shared, sqlStore, cfg.ConnectionTTL)
		tracker := viewers.New(shared, sqlStore, reg, hub, cfg.ConnectionTTL)
		engine := presence.New(reg, sqlStore, hub)
		coordinator := receipts.New(sqlStore, reg, tracker, hub, nil)

		var pusher delivery.Pusher
		if pool != nil {
			pusher = pool
		}
		router := delivery.New(sqlStore, tracker, reg, sqlStore, coordinator, hub, pusher, delivery.Options{})

		if err := server.Run(ctx, server.Config{HTTPAddr: cfg.HTTPAddr}, server.Deps{
			Hub:        hub,
			Registry:   reg,
			Viewers:    tracker,
			Presence:   engine,
			Router:     router,
			Receipts:   coordinator,
			Messages:   sqlStore,
			Membership: sqlStore,
		}); err != nil {
			return fmt.Errorf("serve gateway: %w", err)
		}
		return nil
	})
}
