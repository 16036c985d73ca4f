package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"chatrelay/internal/awsutil"
	"chatrelay/internal/config"
	"chatrelay/internal/forwarder"
	"chatrelay/internal/platform/discord"
	"chatrelay/internal/platform/telegram"
	"chatrelay/internal/queue"
	"chatrelay/internal/queue/redisstream"
	sqsqueue "chatrelay/internal/queue/sqs"
	"chatrelay/internal/status"
	"chatrelay/internal/store"
	"chatrelay/internal/store/pg"
	"chatrelay/internal/store/sqlite"
)

// openStore returns the dispatch log for STORE_DRIVER and its close func.
func openStore(ctx context.Context, cfg config.RelayConfig) (store.DispatchLog, func(), error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case "", "postgres", "pg":
		if cfg.DBDSN == "" {
			return nil, nil, fmt.Errorf("DB_DSN is required for the postgres store")
		}
		db, err := pg.Open(ctx, cfg.DBDSN, pg.PoolOptions{
			MaxConns:          cfg.DBPoolMaxConns,
			MinConns:          cfg.DBPoolMinConns,
			MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
			MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
			HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
		})
		if err != nil {
			return nil, nil, err
		}
		return pg.New(db), db.Close, nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func openPrimary(ctx context.Context, cfg config.RelayConfig, rdb *redis.Client) (queue.Primary, error) {
	switch strings.ToLower(cfg.QueueBackend) {
	case "", "sqs":
		if cfg.SQSQueueURL == "" {
			return nil, fmt.Errorf("SQS_QUEUE_URL is required for the sqs backend")
		}
		client, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			return nil, err
		}
		return &sqsqueue.Primary{
			SQS:               client,
			QueueURL:          cfg.SQSQueueURL,
			WaitTimeSeconds:   cfg.SQSWaitTime,
			VisibilityTimeout: cfg.SQSVizTimeout,
			MaxMessages:       cfg.SQSMaxMsgs,
		}, nil
	case "redis":
		consumer := cfg.RedisConsumer
		if consumer == "" {
			consumer, _ = os.Hostname()
		}
		return redisstream.New(ctx, rdb, redisstream.Config{
			Stream:      cfg.RedisStream,
			Group:       cfg.RedisGroup,
			Consumer:    consumer,
			ReclaimIdle: cfg.RedisReclaimIdle,
		})
	default:
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
}

// buildSink returns the status sink for STATUS_SINK and a close func.
func buildSink(cfg config.RelayConfig) (status.Sink, func(), error) {
	kafkaSink := func() (*status.KafkaSink, error) {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("KAFKA_BROKERS is required for the kafka status sink")
		}
		return status.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	}
	switch strings.ToLower(cfg.StatusSink) {
	case "", "log":
		return status.LogSink{}, func() {}, nil
	case "kafka":
		k, err := kafkaSink()
		if err != nil {
			return nil, nil, err
		}
		return k, func() { _ = k.Close() }, nil
	case "both":
		k, err := kafkaSink()
		if err != nil {
			return nil, nil, err
		}
		return status.Multi{status.LogSink{}, k}, func() { _ = k.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown STATUS_SINK %q", cfg.StatusSink)
	}
}

// buildRegistry creates one pool per platform that has credentials. Every
// member draws from its own token bucket in throttle.
func buildRegistry(cfg config.RelayConfig, throttle forwarder.Throttle) (*forwarder.Registry, error) {
	httpClient := &http.Client{Timeout: cfg.SendTimeout + 5*time.Second}
	opts := forwarder.Options{FailureThreshold: cfg.BreakerFailures, Cooldown: cfg.BreakerCooldown, Throttle: throttle}

	reg := forwarder.NewRegistry()
	pools := []struct {
		platform string
		factory  forwarder.SenderFactory
		creds    map[string]string
	}{
		{"discord", discord.Factory(cfg.DiscordBaseURL, httpClient), cfg.DiscordCredentials},
		{"telegram", telegram.Factory(cfg.TelegramBaseURL, httpClient), cfg.TelegramCredentials},
	}
	for _, p := range pools {
		if len(p.creds) == 0 {
			continue
		}
		pool := forwarder.NewPool(p.platform, p.factory, opts)
		// sorted so member order is stable across restarts
		names := make([]string, 0, len(p.creds))
		for name := range p.creds {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := pool.RegisterMember(forwarder.Credential{Name: name, Secret: p.creds[name]}); err != nil {
				return nil, fmt.Errorf("%s credential %s: %w", p.platform, name, err)
			}
		}
		reg.Register(pool)
	}
	return reg, nil
}
