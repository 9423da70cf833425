package main

import (
	"context"
	"net/http"
	"time"

	"local_review/internal/cache"
	"local_review/internal/config"
	"local_review/internal/logging"
	"local_review/internal/queue"
	"local_review/internal/router"
	"local_review/internal/seckill"
	"local_review/internal/service"
	"local_review/internal/store"
	rediskey "local_review/pkg/redis"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/fx"
)

// infraModule 外部资源：日志、Redis、SQLite、Kafka。
var infraModule = fx.Module("infra",
	fx.Provide(
		config.Load,
		func(cfg config.AppConfig) logrus.FieldLogger { return logging.New(cfg.Log) },
		newRedis,
		newStore,
		newEventPublisher,
	),
)

// coreModule 缓存、锁、ID 生成、秒杀准入与订单消费。
var coreModule = fx.Module("core",
	fx.Provide(
		rediskey.NewLocker,
		func(rdb rd.UniversalClient) seckill.IDGenerator { return rediskey.NewIDWorker(rdb) },
		newRebuildPool,
		newCacheClient,
		service.NewVoucherCatalog,
		func(c *service.VoucherCatalog) seckill.VoucherReader { return c },
		newCoordinator,
		fx.Annotate(
			queue.NewOrderMaterializer,
			fx.As(new(queue.Materializer)),
		),
		newConsumers,
	),
	fx.Invoke(func([]*queue.Consumer) {}),
)

// httpModule 业务服务与路由。
var httpModule = fx.Module("http",
	fx.Provide(
		func(cfg config.AppConfig, s *store.Store, c *cache.Client) *service.ShopService {
			return service.NewShopService(s, c, cfg.Cache.ShopTTL)
		},
		service.NewShopTypeService,
		func(cfg config.AppConfig, s *store.Store, catalog *service.VoucherCatalog, coord *seckill.Coordinator,
			rdb rd.UniversalClient, log logrus.FieldLogger) *service.VoucherService {
			return service.NewVoucherService(s, catalog, coord, rdb, log, cfg.Queue.StateTTL)
		},
		newEngine,
	),
	fx.Invoke(startServer),
)

func newRedis(lc fx.Lifecycle, cfg config.AppConfig, log logrus.FieldLogger) rd.UniversalClient {
	rdb := rd.NewClient(&rd.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return errors.Wrapf(err, "ping redis %s", cfg.Redis.Addr)
			}
			log.WithField("addr", cfg.Redis.Addr).Info("redis connected")
			return nil
		},
		OnStop: func(context.Context) error { return rdb.Close() },
	})
	return rdb
}

func newStore(lc fx.Lifecycle, cfg config.AppConfig) (*store.Store, error) {
	s, err := store.Open(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return s.Close() }})
	return s, nil
}

// newEventPublisher 未配置 KAFKA_BROKERS 时返回 nil，消费者跳过发布。
func newEventPublisher(lc fx.Lifecycle, cfg config.AppConfig, log logrus.FieldLogger) queue.EventPublisher {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Info("kafka brokers not set, order events disabled")
		return nil
	}
	p := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return p.Close() }})
	return p
}

func newRebuildPool(lc fx.Lifecycle, cfg config.AppConfig) *cache.Pool {
	pool := cache.NewPool(cfg.Cache.RebuildPool)
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		pool.Stop()
		return nil
	}})
	return pool
}

func newCacheClient(cfg config.AppConfig, rdb rd.UniversalClient, locker *rediskey.Locker, pool *cache.Pool, log logrus.FieldLogger) *cache.Client {
	return cache.NewClient(rdb, locker, pool, log,
		cache.WithNullTTL(cfg.Cache.NullTTL),
		cache.WithLockTTL(cfg.Cache.LockTTL),
	)
}

func newCoordinator(cfg config.AppConfig, rdb rd.UniversalClient, ids seckill.IDGenerator, vouchers seckill.VoucherReader, log logrus.FieldLogger) *seckill.Coordinator {
	return seckill.NewCoordinator(rdb, ids, vouchers, log,
		seckill.WithStream(cfg.Queue.Stream),
		seckill.WithNamespace(cfg.Seckill.IDNamespace),
		seckill.WithSoldOutTTL(cfg.Seckill.SoldOutTTL),
		seckill.WithBreaker(cfg.Seckill.BreakerName, cfg.Seckill.BreakerTrips),
	)
}

// newConsumers 每个 ORDER_CONSUMERS 名称一个消费者，共享同一个消费组。
func newConsumers(lc fx.Lifecycle, cfg config.AppConfig, rdb rd.UniversalClient, mat queue.Materializer,
	events queue.EventPublisher, log logrus.FieldLogger) []*queue.Consumer {
	consumers := make([]*queue.Consumer, 0, len(cfg.Queue.Consumers))
	for _, name := range cfg.Queue.Consumers {
		consumers = append(consumers, queue.NewConsumer(rdb, mat, events, log, queue.ConsumerConfig{
			Stream:     cfg.Queue.Stream,
			Group:      cfg.Queue.Group,
			Name:       name,
			Block:      cfg.Queue.Block,
			RetryDelay: cfg.Queue.RetryDelay,
			StateTTL:   cfg.Queue.StateTTL,
		}))
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			for _, c := range consumers {
				if err := c.Start(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var errs error
			for _, c := range consumers {
				if err := c.Stop(ctx); err != nil {
					errs = errors.CombineErrors(errs, err)
				}
				processed, rejected, failures := c.Stats()
				log.WithFields(logrus.Fields{
					"consumer":  c.Name(),
					"processed": processed,
					"rejected":  rejected,
					"failures":  failures,
				}).Info("order consumer stopped")
			}
			return errs
		},
	})
	return consumers
}

func newEngine(cfg config.AppConfig, shops *service.ShopService, types *service.ShopTypeService,
	vouchers *service.VoucherService, rdb rd.UniversalClient, log logrus.FieldLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		Shops:     shops,
		ShopTypes: types,
		Vouchers:  vouchers,
		Redis:     rdb,
		RateLimit: cfg.RateLimit,
		Log:       log,
	})
	return r
}

func startServer(lc fx.Lifecycle, engine *gin.Engine, cfg config.AppConfig, log logrus.FieldLogger) {
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.WithFields(logrus.Fields{"addr": cfg.HTTP.Addr, "mode": gin.Mode()}).Info("http server starting")
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.WithError(err).Error("http server exited")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("http server stopping")
			return srv.Shutdown(ctx)
		},
	})
}
