package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"vibeslop/pkg/config"
)

const defaultTimeout = 5 * time.Second

// Mode selects the Redis deployment topology.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeSentinel Mode = "sentinel"
	ModeCluster  Mode = "cluster"
)

// Config configures a topology-agnostic Redis connection.
type Config struct {
	Mode         Mode
	Addrs        []string // single: 1 addr, sentinel: sentinel addrs, cluster: seed nodes
	MasterName   string   // sentinel only
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// LoadConfig reads REDIS_* variables. REDIS_ADDRS is a comma separated list;
// REDIS_ADDR is accepted for single-node setups.
func LoadConfig() Config {
	addrs := config.GetEnvList("REDIS_ADDRS", nil)
	if len(addrs) == 0 {
		addrs = []string{config.GetEnv("REDIS_ADDR", "localhost:6379")}
	}
	mode := Mode(strings.ToLower(config.GetEnv("REDIS_MODE", string(ModeSingle))))
	return Config{
		Mode:       mode,
		Addrs:      addrs,
		MasterName: config.GetEnv("REDIS_MASTER_NAME", ""),
		Username:   config.GetEnv("REDIS_USERNAME", ""),
		Password:   config.GetEnv("REDIS_PASSWORD", ""),
		DB:         config.GetEnvInt("REDIS_DB", 0),
	}
}

func (c Config) validate() error {
	if len(c.Addrs) == 0 {
		return fmt.Errorf("at least one redis address is required")
	}
	switch c.Mode {
	case "", ModeSingle, ModeCluster:
		return nil
	case ModeSentinel:
		if c.MasterName == "" {
			return fmt.Errorf("sentinel mode requires a master name")
		}
		return nil
	default:
		return fmt.Errorf("unknown redis mode %q", c.Mode)
	}
}

// NewUniversalClient creates a Redis client that works with single-node,
// Sentinel, or Cluster topologies. go-redis picks the topology itself:
// MasterName set → Sentinel, multiple Addrs → Cluster, single Addr → standalone.
func NewUniversalClient(ctx context.Context, cfg Config) (goredis.UniversalClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts := &goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  orDefault(cfg.DialTimeout),
		ReadTimeout:  orDefault(cfg.ReadTimeout),
		WriteTimeout: orDefault(cfg.WriteTimeout),
	}
	if cfg.Mode == ModeSentinel {
		opts.MasterName = cfg.MasterName
	}

	client := goredis.NewUniversalClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func orDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultTimeout
	}
	return d
}
