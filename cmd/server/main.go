package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"storefront/internal/catalog"
	"storefront/internal/checkout"
	"storefront/internal/config"
	"storefront/internal/inventory"
	"storefront/internal/logging"
	"storefront/internal/metrics"
	"storefront/internal/notify"
	"storefront/internal/order"
	"storefront/internal/payment"
	"storefront/internal/queue"
	"storefront/internal/reconcile"
	"storefront/internal/router"
	"storefront/internal/store"
	rediskey "storefront/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

func main() {
	app := &cli.App{
		Name:  "storefront",
		Usage: "checkout, FIFO inventory and payment reconciliation service",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API and background workers",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "create or update database tables",
				Action: migrate,
			},
			{
				Name:  "import",
				Usage: "import a stock batch for a product",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "product", Usage: "product id", Required: true},
					&cli.Int64Flag{Name: "qty", Usage: "units received", Required: true},
					&cli.StringFlag{Name: "unit-cost", Usage: "cost per unit", Value: "0"},
				},
				Action: importBatch,
			},
		},
		DefaultCommand: "serve",
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("storefront exited")
	}
}

// bootstrap 读取配置、初始化日志并连接数据库（自动建表）。
func bootstrap() (config.AppConfig, *log.Logger, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, nil, err
	}
	logger := logging.Setup(cfg.LogFormat, cfg.LogLevel)
	db, err := store.Open(cfg.DBDriver, cfg.DBDSN, logger)
	if err != nil {
		return cfg, logger, nil, err
	}
	if err := store.Migrate(db); err != nil {
		return cfg, logger, nil, err
	}
	return cfg, logger, db, nil
}

func migrate(*cli.Context) error {
	_, logger, _, err := bootstrap()
	if err != nil {
		return err
	}
	logger.Info("database migrated")
	return nil
}

func importBatch(c *cli.Context) error {
	_, logger, db, err := bootstrap()
	if err != nil {
		return err
	}
	cost, err := decimal.NewFromString(c.String("unit-cost"))
	if err != nil {
		return fmt.Errorf("unit-cost: %w", err)
	}
	ledger := inventory.NewLedger(db, logger)
	batchID, err := ledger.Restock(c.Context, c.Uint("product"), c.Int64("qty"), cost, nil)
	if err != nil {
		return err
	}
	fmt.Printf("batch %d imported\n", batchID)
	return nil
}

func serve(c *cli.Context) error {
	cfg, logger, db, err := bootstrap()
	if err != nil {
		return err
	}

	// Redis：暂存购物车、对账锁、限流、通知去重
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(c.Context).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	pending := rediskey.NewPendingStore(rdb, cfg.PendingCheckoutTTL)
	m.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "storefront",
		Name:      "pending_checkouts",
		Help:      "Online checkouts parked while waiting for payment.",
	}, func() float64 {
		n, err := pending.Count(context.Background())
		if err != nil {
			return 0
		}
		return float64(n)
	}))

	providers := payment.NewRegistry(
		payment.NewVNPay(cfg.VNPay, logger),
		payment.NewMoMo(cfg.MoMo, logger),
	)
	cat := catalog.NewRepository(db, logger)
	ledger := inventory.NewLedger(db, logger)
	orders := order.NewRepository(db, logger)

	var workers sync.WaitGroup
	var notifier notify.Notifier
	mailer := notify.NewMailer(cfg.SMTP, logger)
	switch cfg.NotifyMode {
	case "stream":
		// 提交后写入 Redis Stream，Relay 转发到 Kafka，消费者发邮件
		producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		relay := queue.NewRelay(rdb, producer, logger, cfg.OrderEventStream, cfg.OrderEventGroup, cfg.OrderEventConsumer)
		consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, rdb, orders, mailer, logger)
		defer consumer.Close()

		workers.Add(2)
		go func() { defer workers.Done(); relay.Run(ctx) }()
		go func() { defer workers.Done(); consumer.Run(ctx) }()
		notifier = queue.NewStreamNotifier(rdb, cfg.OrderEventStream)
	default:
		async := notify.NewAsync(mailer, logger, 30*time.Second)
		defer async.Wait()
		notifier = async
	}

	svc := checkout.NewService(checkout.Deps{
		DB:        db,
		Catalog:   cat,
		Ledger:    ledger,
		Orders:    orders,
		Pending:   pending,
		Providers: providers,
		Notifier:  notifier,
		Metrics:   m,
		Log:       logger,
	})
	rec := reconcile.New(reconcile.Deps{
		DB:        db,
		Redis:     rdb,
		Providers: providers,
		Checkout:  svc,
		Orders:    orders,
		Metrics:   m,
		Log:       logger,
	})

	workers.Add(1)
	go func() { defer workers.Done(); svc.RunReaper(ctx, cfg.PendingReaperInterval) }()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	router.Setup(r, router.Deps{
		Config:     cfg,
		Redis:      rdb,
		Catalog:    cat,
		Ledger:     ledger,
		Orders:     orders,
		Checkout:   svc,
		Reconciler: rec,
		Metrics:    m,
		Log:        logger,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{"addr": cfg.HTTPAddr, "notify_mode": cfg.NotifyMode}).Info("storefront listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			workers.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	stop()
	workers.Wait()
	return nil
}
