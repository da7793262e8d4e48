package redisconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Davud77/botplus-maps/internal/config"
)

// Build dials Redis, preferring a cluster client and falling back to a
// single-node one, then starts a background health loop that replaces
// the connection when pings start failing.
func Build(ctx context.Context, cfg *config.RedisConfig, log zerolog.Logger) (*Conn, error) {
	var cl redis.UniversalClient
	var err error
	cl, err = dialCluster(cfg)
	if err != nil {
		clusterErr := err
		cl, err = dialSingle(cfg)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		log.Info().AnErr("cluster_error", clusterErr).Msg("redis cluster unavailable, using single-node client")
	}

	conn := newConn(cl)

	go healthLoop(ctx, conn, cfg, log)

	return conn, nil
}

func healthLoop(ctx context.Context, conn *Conn, cfg *config.RedisConfig, log zerolog.Logger) {
	interval := healthInterval(cfg.HealthCheckInterval.Std())
	log.Debug().Dur("interval", interval).Msg("redis health loop started")

	ping := func() {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := conn.Client().Ping(pingCtx).Err()
		cancel()

		if err == nil {
			return
		}
		log.Warn().Err(err).Msg("redis ping failed, reconnecting")

		var newCl redis.UniversalClient
		var newErr error
		newCl, newErr = dialCluster(cfg)
		if newErr != nil {
			newCl, newErr = dialSingle(cfg)
		}
		if newErr != nil {
			log.Error().Err(newErr).Msg("redis reconnect failed")
			return
		}

		if old := conn.replace(newCl); old != nil {
			_ = old.Close()
		}
		log.Info().Msg("redis reconnected")
	}

	ping()

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			log.Debug().Msg("redis health loop stopped")
			return
		case <-t.C:
			ping()
		}
	}
}

// healthInterval keeps the ticker period positive; a zero or negative
// configured interval would panic time.NewTicker.
func healthInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

func dialCluster(cfg *config.RedisConfig) (*redis.ClusterClient, error) {
	if len(cfg.Nodes) < 2 {
		return nil, errors.New("not enough nodes for a cluster")
	}

	addrs := make([]string, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		addrs = append(addrs, node.Addr())
	}

	cl := redis.NewClusterClient(&redis.ClusterOptions{
		RouteByLatency: true,
		Password:       cfg.Password,
		Addrs:          addrs,
		DialTimeout:    cfg.DialTimeout.Std(),
		ReadTimeout:    cfg.ReadTimeout.Std(),
		WriteTimeout:   cfg.WriteTimeout.Std(),
		PoolSize:       cfg.PoolSize,
		PoolTimeout:    30 * time.Second,
	})

	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis cluster: %w", err)
	}

	return cl, nil
}

func dialSingle(cfg *config.RedisConfig) (*redis.Client, error) {
	stickyErr := errors.New("no nodes defined")

	for _, node := range cfg.Nodes {
		cl := redis.NewClient(&redis.Options{
			Addr:         node.Addr(),
			Password:     cfg.Password,
			DB:           cfg.DatabaseID,
			DialTimeout:  cfg.DialTimeout.Std(),
			ReadTimeout:  cfg.ReadTimeout.Std(),
			WriteTimeout: cfg.WriteTimeout.Std(),
			PoolSize:     cfg.PoolSize,
		})

		if err := cl.Ping(context.Background()).Err(); err != nil {
			stickyErr = fmt.Errorf("ping redis server: %w", err)
			_ = cl.Close()
			continue
		}

		return cl, nil
	}

	return nil, stickyErr
}
