package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/punchamoorthee/creditledger/internal/api"
	"github.com/punchamoorthee/creditledger/internal/chain"
	"github.com/punchamoorthee/creditledger/internal/config"
	"github.com/punchamoorthee/creditledger/internal/events"
	"github.com/punchamoorthee/creditledger/internal/jobs"
	"github.com/punchamoorthee/creditledger/internal/legacy"
	"github.com/punchamoorthee/creditledger/internal/notify"
	"github.com/punchamoorthee/creditledger/internal/pii"
	"github.com/punchamoorthee/creditledger/internal/service"
	"github.com/punchamoorthee/creditledger/internal/store"
	"github.com/punchamoorthee/creditledger/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newCodec(cfg *config.Config) (*token.Codec, error) {
	if cfg.TokenRSAKeyFile != "" {
		pem, err := os.ReadFile(cfg.TokenRSAKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read token key: %w", err)
		}
		key, err := token.ParseRSAKey(pem)
		if err != nil {
			return nil, err
		}
		return token.NewRSA(key)
	}
	return token.NewHMAC([]byte(cfg.TokenHMACSecret))
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := store.NewStore(ctx, cfg.DBSource, cfg.DBMaxConns, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}
	cipher, err := pii.New(cfg.PIIKey)
	if err != nil {
		return err
	}

	var notifier service.Notifier = notify.NewLog(logger)
	if len(cfg.KafkaBrokers) > 0 {
		kn := notify.NewKafka(cfg.KafkaBrokers, cfg.NotifyTopic, logger)
		defer kn.Close()
		notifier = kn
	}

	var maxGas *big.Int
	if cfg.MaxGasPrice > 0 {
		maxGas = big.NewInt(cfg.MaxGasPrice)
	}
	rpc, err := chain.Dial(ctx, chain.Config{
		RPCURL:        cfg.RPCURL,
		ChainID:       cfg.ChainID,
		PrivateKeyHex: cfg.SignerKey,
		GasLimit:      cfg.GasLimit,
		MaxGasPrice:   maxGas,
	}, logger.Named("chain"))
	if err != nil {
		return err
	}
	defer rpc.Close()

	opts := []service.Option{service.WithLogger(logger)}
	payCfg := service.PaymentConfig{CurrencyUnit: cfg.CurrencyUnit, SystemRoleID: cfg.SystemRoleID}

	deposits := service.NewDepositService(db, rpc, codec, service.DepositConfig{
		Issuer:     cfg.TokenIssuer,
		StaleAfter: cfg.DepositStaleAfter,
		BatchSize:  cfg.PollBatchSize,
		Windows: service.WindowPolicy{
			WithdrawPeriod:     cfg.WithdrawPeriod,
			LockPeriod:         cfg.LockPeriod,
			GracePeriod:        cfg.GracePeriod,
			MinExtensionAmount: cfg.MinExtensionAmount,
		},
	}, opts...)
	redeemer := service.NewRedemptionService(db, codec, cfg.TokenIssuer, opts...)
	settler := service.NewSettlementService(db, rpc, rpc, notifier,
		service.SettlementConfig{BatchSize: cfg.PollBatchSize, OperatorEmails: cfg.OperatorEmails}, opts...)
	refunds := service.NewRefundService(db, rpc,
		service.RefundConfig{StaleAfter: cfg.RefundStaleAfter, BatchSize: cfg.PollBatchSize}, opts...)
	confirmer := service.NewConfirmService(db, cipher, notifier, payCfg, opts...)
	receipts := service.NewTransferReceiptService(db, rpc, confirmer, notifier,
		service.TransferReceiptConfig{ControllerEmails: cfg.ControllerEmails}, opts...)
	transfers := service.NewTransferService(db, cipher, cfg.RefPrefix, opts...)

	runner := jobs.NewRunner(logger.Named("jobs"), cfg.JobTimeout)
	var limiter jobs.Limiter = jobs.NewLocalLimiter()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		limiter = jobs.NewRedisLimiter(rdb, "creditledger:", cfg.JobTimeout*2, logger.Named("jobs"))
	}

	batch := func(fn func(context.Context) (service.BatchResult, error)) func(context.Context) (any, error) {
		return func(ctx context.Context) (any, error) { return fn(ctx) }
	}
	defs := map[string]func(context.Context) (any, error){
		config.JobIngestDeposits:    batch(deposits.ProcessPending),
		config.JobSettle:            batch(settler.SettlePending),
		config.JobConfirmSettlement: batch(settler.ConfirmPending),
		config.JobConfirmRefunds:    batch(refunds.ConfirmPending),
		config.JobTransferReceipts:  batch(receipts.CheckPending),
	}
	if cfg.LegacyDSN != "" {
		reconciler := service.NewReconcileService(db,
			legacy.New(legacy.Config{DSN: cfg.LegacyDSN, MinHeight: cfg.LegacyMinHeight}, logger.Named("legacy")),
			cipher, notifier,
			service.ReconcileConfig{RefPrefix: cfg.RefPrefix, AlertEmails: cfg.AlertEmails, PaymentConfig: payCfg},
			opts...)
		defs[config.JobReconcile] = func(ctx context.Context) (any, error) { return reconciler.Run(ctx) }
		defs[config.JobVerifyLegacy] = func(ctx context.Context) (any, error) { return reconciler.Verify(ctx) }
	}
	for name, fn := range defs {
		sched := cfg.Jobs[name]
		j := jobs.Job{Name: name, Run: fn, Limiter: limiter}
		if sched.Active() {
			j.Interval = sched.Interval.Duration
		}
		if err := runner.Register(j); err != nil {
			return err
		}
	}
	jobsCtx, stopJobs := context.WithCancel(ctx)
	runner.Start(jobsCtx)
	defer func() {
		stopJobs()
		runner.Wait()
	}()

	if len(cfg.KafkaBrokers) > 0 {
		consumer := events.NewConsumer(events.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.ForwardTopic,
			GroupID: cfg.ConsumerGroup,
		}, confirmer, logger.Named("events"))
		defer consumer.Close()
		go consumer.Serve(ctx)
	}

	handler := api.NewHandler(api.Services{
		Redeemer:  redeemer,
		Deposits:  deposits,
		Accounts:  service.NewAccountService(db),
		Refunds:   refunds,
		Settler:   settler,
		Transfers: transfers,
		Confirmer: confirmer,
		Jobs:      runner,
		DB:        db,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.Strings("jobs", runner.Names()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
