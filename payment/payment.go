// Package payment 组装 payment 服务：扣款/退款请求消费与健康检查
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/ziqiyuan/innflow/internal/dedup"
	"github.com/ziqiyuan/innflow/internal/kafkax"
	"github.com/ziqiyuan/innflow/internal/repo"
	"github.com/ziqiyuan/innflow/payment/config"
	"github.com/ziqiyuan/innflow/payment/handler"
	"github.com/ziqiyuan/innflow/pkg/health"
	"github.com/ziqiyuan/innflow/pkg/observability"
)

// Payment payment 服务
type Payment struct {
	config *config.Config
	logger clog.Logger

	mysqlConn   connector.MySQLConnector
	redisConn   connector.RedisConnector
	dbClient    db.DB
	kafkaClient *kgo.Client

	paymentRepo  repo.PaymentRepo
	handler      *handler.Handler
	requests     *kafkax.Consumer
	healthServer *health.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建 Payment 实例（内部自己加载 config）
func New() (*Payment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig 创建 Payment 实例
func NewWithConfig(cfg *config.Config) (*Payment, error) {
	if err := observability.Init(&cfg.Observability); err != nil {
		return nil, fmt.Errorf("failed to init observability: %w", err)
	}

	logger, err := observability.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Payment{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := p.initComponents(); err != nil {
		cancel()
		return nil, err
	}
	if err := p.initBusinessComponents(); err != nil {
		cancel()
		return nil, err
	}

	return p, nil
}

func (p *Payment) initComponents() error {
	var err error

	p.mysqlConn, err = connector.NewMySQL(&p.config.MySQL, connector.WithLogger(p.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create mysql connector")
	}
	if err := p.mysqlConn.Connect(p.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to connect to mysql")
	}

	p.redisConn, err = connector.NewRedis(&p.config.Redis, connector.WithLogger(p.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create redis connector")
	}
	if err := p.redisConn.Connect(p.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to connect to redis")
	}

	p.dbClient, err = db.New(&db.Config{
		Driver: "mysql",
	}, db.WithMySQLConnector(p.mysqlConn), db.WithLogger(p.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create db component")
	}

	p.kafkaClient, err = kafkax.NewClient(p.config.Consumer.Brokers, "")
	if err != nil {
		return xerrors.Wrapf(err, "failed to create kafka client")
	}

	return nil
}

func (p *Payment) initBusinessComponents() error {
	var err error

	p.paymentRepo, err = repo.NewPaymentRepo(p.dbClient, repo.WithPaymentRepoLogger(p.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create payment repo")
	}

	p.handler, err = handler.NewHandler(p.paymentRepo, p.logger)
	if err != nil {
		return xerrors.Wrapf(err, "failed to create handler")
	}

	publisher, err := kafkax.NewPublisher(p.kafkaClient, kafkax.WithPublisherLogger(p.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create publisher")
	}

	store, err := dedup.NewRedisStore(p.redisConn, dedup.WithRedisStoreLogger(p.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create dedup store")
	}

	cfg := p.config.Consumer
	cfg.Topics = handler.RequestTopics()
	p.requests, err = kafkax.NewConsumer(cfg, store, p.handler.Route, p.handler.Handle, publisher,
		kafkax.WithConsumerLogger(p.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create request consumer")
	}

	p.healthServer = health.NewServer(p.config.Service.GetHealthAddr(), p.logger)

	return nil
}

// Run 启动服务，阻塞直到 Close
func (p *Payment) Run() error {
	p.logger.Info("starting payment service")

	if err := p.healthServer.Start(); err != nil {
		return xerrors.Wrapf(err, "failed to start health server")
	}

	go func() {
		if err := p.requests.Run(p.ctx); err != nil {
			p.logger.Error("request consumer stopped", clog.Error(err))
		}
	}()

	p.healthServer.SetReady(true)
	p.logger.Info("payment service started")

	<-p.ctx.Done()
	return nil
}

// Close 关闭服务
func (p *Payment) Close() error {
	p.logger.Info("shutting down payment service")
	p.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if p.healthServer != nil {
		_ = p.healthServer.Stop(shutdownCtx)
	}
	if p.requests != nil {
		p.requests.Close()
	}
	if p.kafkaClient != nil {
		p.kafkaClient.Close()
	}
	if p.dbClient != nil {
		_ = p.dbClient.Close()
	}
	if p.redisConn != nil {
		p.redisConn.Close()
	}
	if p.mysqlConn != nil {
		p.mysqlConn.Close()
	}
	if err := observability.Shutdown(shutdownCtx); err != nil {
		p.logger.Error("observability shutdown failed", clog.Error(err))
	}

	p.logger.Info("payment service stopped")
	return nil
}
