package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paygate/log"
	"paygate/payment/chain"
	"paygate/payment/config"
	"paygate/payment/db"
	"paygate/payment/gas"
	"paygate/payment/lock"
	"paygate/payment/metrics"
	"paygate/payment/order"
	"paygate/payment/secret"
	"paygate/payment/sweep"
)

const outboundTimeout = 10 * time.Second

// app holds every component of a running gateway.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	gormDB    *gorm.DB
	redis     *redis.Client
	service   *order.Service
	engine    *order.Engine
	collector *order.Collector
}

func newApp(ctx context.Context, name string) (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := log.New(log.Options{Service: name, Level: cfg.Log.Level, Encoding: cfg.Log.Encoding})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	store, err := a.openStore()
	if err != nil {
		return err
	}

	box, err := secret.NewBox(cfg.Security.KeyEncryptionSecret)
	if err != nil {
		return fmt.Errorf("key encryption: %w", err)
	}
	if !box.Enabled() {
		a.logger.Warn("KEY_ENCRYPTION_SECRET is not set, deposit keys are stored in plaintext")
	}

	client, err := chain.Dial(ctx, cfg.Chain.Endpoint, chain.Options{
		ChainID:       cfg.Chain.ChainID,
		Token:         common.HexToAddress(cfg.Chain.TokenContract),
		TokenDecimals: cfg.Chain.TokenDecimals,
		CallTimeout:   cfg.Chain.RPCTimeout,
		RateLimit:     cfg.Chain.RateLimit,
		RateBurst:     cfg.Chain.RateBurst,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.Chain.Endpoint, err)
	}

	var sweeper order.Sweeper
	if cfg.CollectionEnabled() {
		s, err := a.newSweeper(ctx, client)
		if err != nil {
			return err
		}
		sweeper = s
	} else {
		a.logger.Warn("BSC_COLLECT_ADDRESS is not set, paid orders will not be collected")
	}

	httpClient := &http.Client{Timeout: outboundTimeout}
	converter := order.NewConverter(httpClient, order.DefaultRatesEndpoint, cfg.RatesTTL, a.logger)
	notifier := order.NewNotifier(httpClient, a.logger)

	a.collector = order.NewCollector(store, box, sweeper, cfg.Chain.TokenDecimals, a.logger)
	a.service = order.NewService(store, box, chain.NewAccount, converter, order.ServiceOptions{
		TTL:     cfg.Reconcile.OrderTTL,
		Token:   client.Token(),
		ChainID: cfg.Chain.ChainID,
	}, a.logger)
	a.engine = order.NewEngine(store, client, a.collector, notifier, order.EngineOptions{
		Lookback:      cfg.Reconcile.LookbackWindow,
		Concurrency:   cfg.Reconcile.Concurrency,
		TokenDecimals: cfg.Chain.TokenDecimals,
	}, a.logger, a.metrics)
	return nil
}

func (a *app) openStore() (db.Store, error) {
	if a.cfg.Database.Driver == "memory" {
		a.logger.Warn("using the in-memory ledger, orders are lost on restart")
		return db.NewMemoryStore(), nil
	}

	gdb, err := db.Connect(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a.gormDB = gdb
	if err := db.Sync(gdb); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db.NewGormStore(gdb), nil
}

func (a *app) newSweeper(ctx context.Context, client *chain.Client) (*sweep.Sweeper, error) {
	cfg := a.cfg

	var funding *chain.Account
	if cfg.FundingEnabled() {
		acct, err := chain.AccountFromHex(cfg.Sweep.GasPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("gas account: %w", err)
		}
		funding = acct
	} else {
		a.logger.Warn("BSC_GAS_ADDRESS is not set, deposit addresses without BNB cannot be collected")
	}

	// Redis makes the per-order sweep lock hold across replicas.
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		locker = lock.NewRedisLocker(a.redis)
	}

	collect := common.HexToAddress(cfg.Sweep.CollectAddress)
	estimator := gas.NewEstimator(client, collect, a.logger)
	return sweep.New(client, estimator, chain.NewSequencer(client), locker, sweep.Options{
		Collect:            collect,
		Funding:            funding,
		ConfirmTimeout:     cfg.Sweep.ConfirmTimeout,
		PropagationTimeout: cfg.Sweep.PropagationTimeout,
	}, a.logger, a.metrics), nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if a.gormDB != nil {
		if sqlDB, err := a.gormDB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.logger.Warn("close database", zap.Error(err))
			}
		}
	}
	_ = a.logger.Sync()
}
