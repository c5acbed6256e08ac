// Package booking 组装 booking 服务：HTTP API、saga 回执消费与 outbox 补发
package booking

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/ceyewan/genesis/idgen"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/gin-gonic/gin"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/ziqiyuan/innflow/booking/api"
	"github.com/ziqiyuan/innflow/booking/client"
	"github.com/ziqiyuan/innflow/booking/config"
	"github.com/ziqiyuan/innflow/booking/consumer"
	"github.com/ziqiyuan/innflow/booking/job"
	"github.com/ziqiyuan/innflow/booking/orchestrator"
	"github.com/ziqiyuan/innflow/booking/service"
	"github.com/ziqiyuan/innflow/internal/dedup"
	"github.com/ziqiyuan/innflow/internal/kafkax"
	"github.com/ziqiyuan/innflow/internal/model"
	"github.com/ziqiyuan/innflow/internal/outbox"
	"github.com/ziqiyuan/innflow/internal/repo"
	"github.com/ziqiyuan/innflow/pkg/health"
	"github.com/ziqiyuan/innflow/pkg/middleware"
	"github.com/ziqiyuan/innflow/pkg/observability"
)

// Booking booking 服务
type Booking struct {
	config *config.Config
	logger clog.Logger

	// 基础组件
	mysqlConn   connector.MySQLConnector
	redisConn   connector.RedisConnector
	dbClient    db.DB
	idGen       idgen.Int64Generator
	kafkaClient *kgo.Client

	// 仓储与 outbox
	bookingRepo  repo.BookingRepo
	roomOutbox   *outbox.Helper
	payOutbox    *outbox.Helper
	notifyOutbox *outbox.Helper

	// 业务组件
	sagaHelper *orchestrator.Helper
	svc        *service.BookingService
	dispatcher *consumer.Dispatcher
	replies    *kafkax.Consumer
	relay      *job.OutboxRelay
	httpServer *http.Server
	probe      *health.Probe

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建 Booking 实例（内部自己加载 config）
func New() (*Booking, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig 创建 Booking 实例
func NewWithConfig(cfg *config.Config) (*Booking, error) {
	if err := observability.Init(&cfg.Observability); err != nil {
		return nil, fmt.Errorf("failed to init observability: %w", err)
	}

	logger, err := observability.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Booking{
		config: cfg,
		logger: logger,
		probe:  health.NewProbe(),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := b.initComponents(); err != nil {
		cancel()
		return nil, err
	}
	if err := b.initBusinessComponents(); err != nil {
		cancel()
		return nil, err
	}

	return b, nil
}

// initComponents 初始化基础组件
func (b *Booking) initComponents() error {
	var err error

	b.mysqlConn, err = connector.NewMySQL(&b.config.MySQL, connector.WithLogger(b.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create mysql connector")
	}
	if err := b.mysqlConn.Connect(b.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to connect to mysql")
	}

	b.redisConn, err = connector.NewRedis(&b.config.Redis, connector.WithLogger(b.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create redis connector")
	}
	if err := b.redisConn.Connect(b.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to connect to redis")
	}

	b.dbClient, err = db.New(&db.Config{
		Driver: "mysql",
	}, db.WithMySQLConnector(b.mysqlConn), db.WithLogger(b.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create db component")
	}

	b.idGen, err = idgen.NewSnowflake(&b.config.IDGen, b.redisConn, nil, idgen.WithLogger(b.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create id generator")
	}

	b.kafkaClient, err = kafkax.NewClient(b.config.Kafka.Brokers, "")
	if err != nil {
		return xerrors.Wrapf(err, "failed to create kafka client")
	}

	return nil
}

// initBusinessComponents 初始化业务组件
func (b *Booking) initBusinessComponents() error {
	var err error

	b.bookingRepo, err = repo.NewBookingRepo(b.dbClient, repo.WithBookingRepoLogger(b.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create booking repo")
	}

	newOutbox := func(table string) (*outbox.Helper, error) {
		outboxRepo, err := repo.NewOutboxRepo(b.dbClient, table, repo.WithOutboxRepoLogger(b.logger))
		if err != nil {
			return nil, err
		}
		return outbox.NewHelper(outboxRepo, table, outbox.WithLogger(b.logger))
	}
	if b.roomOutbox, err = newOutbox(model.RoomOutboxTable); err != nil {
		return xerrors.Wrapf(err, "failed to create room outbox helper")
	}
	if b.payOutbox, err = newOutbox(model.PaymentOutboxTable); err != nil {
		return xerrors.Wrapf(err, "failed to create payment outbox helper")
	}
	if b.notifyOutbox, err = newOutbox(model.NotificationOutboxTable); err != nil {
		return xerrors.Wrapf(err, "failed to create notification outbox helper")
	}

	b.sagaHelper, err = orchestrator.NewHelper(b.bookingRepo, b.roomOutbox, b.payOutbox, b.notifyOutbox,
		orchestrator.WithHelperLogger(b.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create saga helper")
	}

	rooms := client.NewRoomClient(b.config.RoomServiceURL)
	b.svc, err = service.NewBookingService(b.bookingRepo, b.roomOutbox, b.sagaHelper, rooms, b.idGen,
		service.WithLogger(b.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create booking service")
	}

	b.dispatcher, err = consumer.NewDispatcher(b.sagaHelper, b.logger)
	if err != nil {
		return xerrors.Wrapf(err, "failed to create reply dispatcher")
	}

	publisher, err := kafkax.NewPublisher(b.kafkaClient, kafkax.WithPublisherLogger(b.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create publisher")
	}

	store, err := dedup.NewRedisStore(b.redisConn, dedup.WithRedisStoreLogger(b.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create dedup store")
	}

	b.replies, err = kafkax.NewConsumer(kafkax.ConsumerConfig{
		Brokers:     b.config.Kafka.Brokers,
		Group:       b.config.Consumer.Group,
		Topics:      consumer.ReplyTopics(),
		Workers:     b.config.Consumer.Workers,
		MaxAttempts: b.config.Consumer.MaxAttempts,
		DedupTTL:    b.config.Consumer.DedupTTL,
		ResponseTTL: b.config.Consumer.ResponseTTL,
	}, store, b.dispatcher.Route, b.dispatcher.Handle, publisher,
		kafkax.WithConsumerLogger(b.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create reply consumer")
	}

	b.relay = job.NewOutboxRelay(
		[]*outbox.Helper{b.roomOutbox, b.payOutbox, b.notifyOutbox},
		publisher, b.config.Outbox, b.logger)

	handler := api.NewHandler(b.svc, b.probe, b.logger)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.Trace(b.config.Service.Name))
	handler.RegisterRoutes(router)
	b.httpServer = &http.Server{
		Addr:    b.config.Service.GetHTTPAddr(),
		Handler: router,
	}

	return nil
}

// Run 启动服务，阻塞直到 Close
func (b *Booking) Run() error {
	b.logger.Info("starting booking service",
		clog.String("addr", b.config.Service.GetHTTPAddr()))

	go b.relay.Start(b.ctx)

	go func() {
		if err := b.replies.Run(b.ctx); err != nil {
			b.logger.Error("reply consumer stopped", clog.Error(err))
		}
	}()

	go func() {
		if err := b.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.logger.Error("http server failed", clog.Error(err))
		}
	}()

	b.probe.SetReady(true)
	b.logger.Info("booking service started")

	<-b.ctx.Done()
	return nil
}

// Close 关闭服务，与初始化顺序相反
func (b *Booking) Close() error {
	b.logger.Info("shutting down booking service")
	b.probe.SetShutdown(true)
	b.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if b.httpServer != nil {
		if err := b.httpServer.Shutdown(shutdownCtx); err != nil {
			b.logger.Error("failed to shutdown http server", clog.Error(err))
		}
	}
	if b.replies != nil {
		b.replies.Close()
	}
	if b.kafkaClient != nil {
		b.kafkaClient.Close()
	}
	if b.dbClient != nil {
		_ = b.dbClient.Close()
	}
	if b.redisConn != nil {
		b.redisConn.Close()
	}
	if b.mysqlConn != nil {
		b.mysqlConn.Close()
	}
	if err := observability.Shutdown(shutdownCtx); err != nil {
		b.logger.Error("observability shutdown failed", clog.Error(err))
	}

	b.logger.Info("booking service stopped")
	return nil
}
