package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTP      HTTPConfig
	DB        DBConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Seckill   SeckillConfig
	Queue     QueueConfig
	Kafka     KafkaConfig
	Log       LogConfig
	RateLimit RateLimitConfig
}

type HTTPConfig struct {
	Addr string `envconfig:"HTTP_ADDR" default:":8080"`
}

type DBConfig struct {
	Path string `envconfig:"DB_PATH" default:"local_review.db"`
}

type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// CacheConfig 缓存穿透空值 TTL、重建锁 TTL 与重建线程池大小。
type CacheConfig struct {
	NullTTL     time.Duration `envconfig:"CACHE_NULL_TTL" default:"2m"`
	ShopTTL     time.Duration `envconfig:"CACHE_SHOP_TTL" default:"30m"`
	LockTTL     time.Duration `envconfig:"CACHE_LOCK_TTL" default:"10s"`
	RebuildPool int           `envconfig:"CACHE_REBUILD_POOL" default:"10"`
}

// SeckillConfig 秒杀准入配置。
type SeckillConfig struct {
	IDNamespace  string        `envconfig:"SECKILL_ID_NAMESPACE" default:"order"`
	SoldOutTTL   time.Duration `envconfig:"SECKILL_SOLD_OUT_TTL" default:"1s"`
	BreakerName  string        `envconfig:"SECKILL_BREAKER_NAME" default:"seckill-admission"`
	BreakerTrips uint32        `envconfig:"SECKILL_BREAKER_TRIPS" default:"5"`
}

// QueueConfig Redis Stream 消费组（API 原子入流，消费者异步落库）。
type QueueConfig struct {
	Stream     string        `envconfig:"ORDER_STREAM" default:"stream.orders"`
	Group      string        `envconfig:"ORDER_GROUP" default:"g1"`
	Consumers  []string      `envconfig:"ORDER_CONSUMERS" default:"c1"`
	Block      time.Duration `envconfig:"ORDER_BLOCK" default:"2s"`
	RetryDelay time.Duration `envconfig:"ORDER_RETRY_DELAY" default:"20ms"`
	StateTTL   time.Duration `envconfig:"ORDER_STATE_TTL" default:"24h"`
}

// KafkaConfig 订单创建事件（可选，Brokers 为空时不发布）。
type KafkaConfig struct {
	Brokers []string `envconfig:"KAFKA_BROKERS"`
	Topic   string   `envconfig:"KAFKA_TOPIC" default:"voucher-order-created"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"`
}

// RateLimitConfig 秒杀接口限流。
type RateLimitConfig struct {
	Limit  int           `envconfig:"SECKILL_RATE_LIMIT" default:"1000"`
	Window time.Duration `envconfig:"SECKILL_RATE_WINDOW" default:"1s"`
}

// Load 读取并校验配置，缺失时使用默认值；存在 .env 时先加载。
func Load() (AppConfig, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return AppConfig{}, errors.Wrap(err, "load .env")
		}
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, errors.Wrap(err, "process env config")
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate 校验取值范围。
func (c AppConfig) Validate() error {
	if c.Cache.NullTTL <= 0 {
		return errors.New("CACHE_NULL_TTL must be > 0")
	}
	if c.Cache.ShopTTL <= 0 {
		return errors.New("CACHE_SHOP_TTL must be > 0")
	}
	if c.Cache.LockTTL <= 0 {
		return errors.New("CACHE_LOCK_TTL must be > 0")
	}
	if c.Cache.RebuildPool <= 0 {
		return errors.New("CACHE_REBUILD_POOL must be > 0")
	}
	if strings.TrimSpace(c.Seckill.IDNamespace) == "" {
		return errors.New("SECKILL_ID_NAMESPACE must not be empty")
	}
	if strings.TrimSpace(c.Queue.Stream) == "" {
		return errors.New("ORDER_STREAM must not be empty")
	}
	if strings.TrimSpace(c.Queue.Group) == "" {
		return errors.New("ORDER_GROUP must not be empty")
	}
	if len(c.Queue.Consumers) == 0 {
		return errors.New("ORDER_CONSUMERS must not be empty")
	}
	seen := make(map[string]struct{}, len(c.Queue.Consumers))
	for _, name := range c.Queue.Consumers {
		if strings.TrimSpace(name) == "" {
			return errors.New("ORDER_CONSUMERS must not contain empty names")
		}
		if _, dup := seen[name]; dup {
			return errors.Newf("ORDER_CONSUMERS has duplicate name %q", name)
		}
		seen[name] = struct{}{}
	}
	if c.Queue.Block <= 0 {
		return errors.New("ORDER_BLOCK must be > 0")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("KAFKA_TOPIC must not be empty when KAFKA_BROKERS is set")
	}
	if c.RateLimit.Limit <= 0 {
		return errors.New("SECKILL_RATE_LIMIT must be > 0")
	}
	if c.RateLimit.Window < time.Second {
		return errors.New("SECKILL_RATE_WINDOW must be >= 1s")
	}
	return nil
}
