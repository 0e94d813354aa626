// Package app assembles the services from configuration: transport, producer,
// stores, HTTP routes and consumer dispatchers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"promptforge/analytics"
	"promptforge/broker"
	"promptforge/config"
	"promptforge/consumer"
	"promptforge/events"
	"promptforge/handlers"
	"promptforge/models"
	"promptforge/producer"
	"promptforge/repository"
	"promptforge/routes"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// ErrUnknownService is returned for a service name outside the catalog.
var ErrUnknownService = errors.New("unknown service")

// App owns the lazily opened dependencies of one process and closes them in
// reverse order of opening.
type App struct {
	cfg    config.AppConfig
	logger *zap.Logger

	db       *gorm.DB
	memory   *broker.Memory
	pub      broker.Publisher
	sub      broker.Subscriber
	producer *producer.Producer
	spool    *producer.SQLiteSpool
	store    analytics.Store
	closers  []func() error
}

func New(cfg config.AppConfig, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, logger: logger}
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything that was opened, newest first.
func (a *App) Close() error {
	closers := a.closers
	a.closers = nil

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("⚠️  Error during cleanup", zap.Error(err))
		return err
	}
	return nil
}

func (a *App) database() (*gorm.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := config.ConnectDB(a.cfg.Server, a.cfg.Database, a.logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.onClose(func() error { return config.CloseDB(db) })
	return db, nil
}

// publisher opens the transport's sending side.
func (a *App) publisher() (broker.Publisher, error) {
	if a.pub != nil {
		return a.pub, nil
	}
	switch a.cfg.Broker.Kind {
	case config.BrokerMemory:
		a.pub = a.memoryBroker()
	case config.BrokerNATS:
		pub, err := broker.NewNATSPublisher(a.cfg.NATS.URL)
		if err != nil {
			return nil, err
		}
		a.pub = pub
		a.onClose(pub.Close)
	case config.BrokerAMQP:
		pub, err := broker.DialAMQPPublisher(a.cfg.RabbitMQ, a.logger)
		if err != nil {
			return nil, err
		}
		a.pub = pub
		a.onClose(pub.Close)
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", a.cfg.Broker.Kind)
	}
	return a.pub, nil
}

// subscriber opens the transport's receiving side.
func (a *App) subscriber() (broker.Subscriber, error) {
	if a.sub != nil {
		return a.sub, nil
	}
	switch a.cfg.Broker.Kind {
	case config.BrokerMemory:
		a.sub = a.memoryBroker()
	case config.BrokerNATS:
		sub, err := broker.NewNATSSubscriber(a.cfg.NATS.URL, a.logger)
		if err != nil {
			return nil, err
		}
		a.sub = sub
		a.onClose(sub.Close)
	case config.BrokerAMQP:
		sub, err := broker.NewAMQPSubscriber(a.cfg.RabbitMQ, a.logger)
		if err != nil {
			return nil, err
		}
		a.sub = sub
		a.onClose(sub.Close)
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", a.cfg.Broker.Kind)
	}
	return a.sub, nil
}

func (a *App) memoryBroker() *broker.Memory {
	if a.memory == nil {
		a.memory = broker.NewMemory(a.cfg.Broker.Partitions)
		a.onClose(a.memory.Close)
	}
	return a.memory
}

// eventProducer builds the fire-and-forget producer, with its spool when
// PRODUCER_SPOOL_PATH is set.
func (a *App) eventProducer() (*producer.Producer, error) {
	if a.producer != nil {
		return a.producer, nil
	}
	pub, err := a.publisher()
	if err != nil {
		return nil, err
	}

	pc := a.cfg.Producer
	opts := []producer.Option{
		producer.WithLogger(a.logger),
		producer.WithLanes(pc.Lanes, pc.QueueSize),
		producer.WithSendTimeout(pc.SendTimeout),
		producer.WithMaxAttempts(pc.MaxAttempts),
		producer.WithRedeliverRate(pc.RedeliverRate),
	}
	if pc.SpoolPath != "" {
		spool, err := producer.OpenSQLiteSpool(pc.SpoolPath)
		if err != nil {
			return nil, err
		}
		a.spool = spool
		a.onClose(spool.Close)
		opts = append(opts, producer.WithSpool(spool))
		a.logger.Info("💾 Producer spool enabled", zap.String("path", pc.SpoolPath))
	}

	a.producer = producer.New(pub, opts...)
	a.onClose(a.producer.Close)
	return a.producer, nil
}

// analyticsStore opens the read-model store and prepares its schema.
func (a *App) analyticsStore() (analytics.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	mode := analytics.Append
	if a.cfg.Analytics.Dedup {
		mode = analytics.Dedup
	}

	if a.cfg.Analytics.Store == config.StoreMemory {
		a.store = analytics.NewMemoryStore(mode)
		return a.store, nil
	}

	db, err := a.database()
	if err != nil {
		return nil, err
	}
	store := analytics.NewGormStore(db, mode)
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	a.logger.Info("✅ Analytics tables ready", zap.Stringer("mode", mode))
	a.store = store
	return store, nil
}

func (a *App) migrate(dst ...interface{}) (*gorm.DB, error) {
	db, err := a.database()
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(dst...); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	a.logger.Info("✅ Database migrations completed")
	return db, nil
}

func databaseCheck(db *gorm.DB) handlers.Checker {
	return func(context.Context) error { return config.Ping(db) }
}

// mount registers the HTTP surface of service on e and returns its health checks.
func (a *App) mount(e *echo.Echo, service string) (map[string]handlers.Checker, error) {
	checks := map[string]handlers.Checker{}
	switch service {
	case config.ServiceUser:
		db, err := a.migrate(&models.User{})
		if err != nil {
			return nil, err
		}
		prod, err := a.eventProducer()
		if err != nil {
			return nil, err
		}
		routes.RegisterUserRoutes(e, handlers.NewUserHandler(repository.NewUserRepository(db), prod, a.logger))
		checks["database"] = databaseCheck(db)

	case config.ServicePrompt:
		db, err := a.migrate(&models.Prompt{})
		if err != nil {
			return nil, err
		}
		prod, err := a.eventProducer()
		if err != nil {
			return nil, err
		}
		routes.RegisterPromptRoutes(e, handlers.NewPromptHandler(repository.NewPromptRepository(db), prod, a.logger))
		checks["database"] = databaseCheck(db)

	case config.ServiceAnalytics:
		store, err := a.analyticsStore()
		if err != nil {
			return nil, err
		}
		svc := analytics.NewService(store, analytics.WithLogger(a.logger))
		routes.RegisterAnalyticsRoutes(e, handlers.NewAnalyticsHandler(svc, a.logger))
		checks["analytics_store"] = svc.Ping

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	return checks, nil
}

// dispatcher builds the consumer for service with its handlers registered.
func (a *App) dispatcher(service string) (*consumer.Dispatcher, error) {
	sub, err := a.subscriber()
	if err != nil {
		return nil, err
	}

	cc := a.cfg.Consumer
	opts := []consumer.Option{
		consumer.WithLogger(a.logger),
		consumer.WithRetry(cc.MaxAttempts, cc.RetryBackoff, cc.RetryMaxDelay),
	}
	if cc.DeadLetter {
		pub, err := a.publisher()
		if err != nil {
			return nil, err
		}
		opts = append(opts, consumer.WithDeadLetter(pub))
	}

	switch service {
	case config.ServiceUser:
		d := consumer.NewDispatcher(events.GroupUser, sub, opts...)
		d.Handle(events.TopicUserRegistered, consumer.LogUserRegistered(a.logger))
		return d, nil

	case config.ServicePrompt:
		d := consumer.NewDispatcher(events.GroupPrompt, sub, opts...)
		d.Handle(events.TopicPromptCreated, consumer.LogPromptCreated(a.logger))
		return d, nil

	case config.ServiceAnalytics:
		store, err := a.analyticsStore()
		if err != nil {
			return nil, err
		}
		d := consumer.NewDispatcher(events.GroupAnalytics, sub, opts...)
		analytics.NewService(store, analytics.WithLogger(a.logger)).Register(d)
		return d, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownService, service)
}

// serve runs e on the configured port until ctx is done, then shuts it down.
func (a *App) serve(ctx context.Context, e *echo.Echo) error {
	port := a.cfg.Server.Port
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("🚀 API server running",
			zap.String("addr", "http://localhost:"+port),
			zap.String("env", a.cfg.Server.Env),
		)
		if err := e.Start(":" + port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed to start: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("🛑 Shutting down API server gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("⚠️  Error closing server", zap.Error(err))
	}
	a.logger.Info("✅ API server stopped")
	return nil
}

// startRedelivery drains the producer spool in the background when one is configured.
func (a *App) startRedelivery(ctx context.Context) {
	if a.producer == nil || a.spool == nil {
		return
	}
	go a.producer.Redeliver(ctx, a.cfg.Producer.RedeliverInterval)
}

// RunAPI serves the HTTP surface of one service until ctx is done.
func (a *App) RunAPI(ctx context.Context, service string) error {
	a.logger.Info("🚀 Starting in API mode...", zap.String("service", service))
	defer a.Close()

	e := routes.NewServer()
	checks, err := a.mount(e, service)
	if err != nil {
		return err
	}
	routes.RegisterHealthRoutes(e, handlers.NewHealthHandler(service, checks))
	a.startRedelivery(ctx)
	return a.serve(ctx, e)
}

// RunConsumer runs the consumer dispatcher of one service until ctx is done.
func (a *App) RunConsumer(ctx context.Context, service string) error {
	a.logger.Info("🎧 Starting in consumer mode...", zap.String("service", service))
	defer a.Close()

	d, err := a.dispatcher(service)
	if err != nil {
		return err
	}
	a.logger.Info("📥 Listening to topics",
		zap.String("group", d.Group()),
		zap.Strings("topics", d.Topics()),
		zap.String("broker", a.cfg.Broker.Kind),
	)
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consumer %s: %w", d.Group(), err)
	}
	a.logger.Info("✅ Consumer service stopped", zap.String("group", d.Group()))
	return nil
}

// Services lists every service in start order.
func Services() []string {
	return []string{config.ServiceUser, config.ServicePrompt, config.ServiceAnalytics}
}

// RunStandalone runs every service's routes and consumers in one process on
// the in-memory broker.
func (a *App) RunStandalone(ctx context.Context) error {
	a.cfg.Broker.Kind = config.BrokerMemory
	a.logger.Info("🧪 Starting standalone mode on the in-memory broker")
	defer a.Close()

	e := routes.NewServer()
	checks := map[string]handlers.Checker{}
	for _, service := range Services() {
		sc, err := a.mount(e, service)
		if err != nil {
			return err
		}
		for name, check := range sc {
			checks[name] = check
		}
	}
	routes.RegisterHealthRoutes(e, handlers.NewHealthHandler("promptforge", checks))

	dispatchers := make([]*consumer.Dispatcher, 0, len(Services()))
	for _, service := range Services() {
		d, err := a.dispatcher(service)
		if err != nil {
			return err
		}
		dispatchers = append(dispatchers, d)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range dispatchers {
		g.Go(func() error {
			if err := d.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("consumer %s: %w", d.Group(), err)
			}
			return nil
		})
	}
	a.startRedelivery(gctx)
	g.Go(func() error { return a.serve(gctx, e) })
	return g.Wait()
}
