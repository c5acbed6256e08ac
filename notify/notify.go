// Package notify 组装 notify 服务：通知请求消费与健康检查
package notify

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
	"github.com/ziqiyuan/innflow/notify/config"
	"github.com/ziqiyuan/innflow/notify/handler"
	"github.com/ziqiyuan/innflow/pkg/health"
	"github.com/ziqiyuan/innflow/pkg/observability"
)

// Notify notify 服务
type Notify struct {
	config *config.Config
	logger clog.Logger

	mysqlConn   connector.MySQLConnector
	redisConn   connector.RedisConnector
	dbClient    db.DB
	kafkaClient *kgo.Client

	notificationRepo repo.NotificationRepo
	handler          *handler.Handler
	requests         *kafkax.Consumer
	healthServer     *health.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建 Notify 实例（内部自己加载 config）
func New() (*Notify, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig 创建 Notify 实例
func NewWithConfig(cfg *config.Config) (*Notify, error) {
	if err := observability.Init(&cfg.Observability); err != nil {
		return nil, fmt.Errorf("failed to init observability: %w", err)
	}

	logger, err := observability.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Notify{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := n.initComponents(); err != nil {
		cancel()
		return nil, err
	}
	if err := n.initBusinessComponents(); err != nil {
		cancel()
		return nil, err
	}

	return n, nil
}

func (n *Notify) initComponents() error {
	var err error

	n.mysqlConn, err = connector.NewMySQL(&n.config.MySQL, connector.WithLogger(n.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create mysql connector")
	}
	if err := n.mysqlConn.Connect(n.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to connect to mysql")
	}

	n.redisConn, err = connector.NewRedis(&n.config.Redis, connector.WithLogger(n.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create redis connector")
	}
	if err := n.redisConn.Connect(n.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to connect to redis")
	}

	n.dbClient, err = db.New(&db.Config{
		Driver: "mysql",
	}, db.WithMySQLConnector(n.mysqlConn), db.WithLogger(n.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create db component")
	}

	n.kafkaClient, err = kafkax.NewClient(n.config.Consumer.Brokers, "")
	if err != nil {
		return xerrors.Wrapf(err, "failed to create kafka client")
	}

	return nil
}

func (n *Notify) initBusinessComponents() error {
	var err error

	n.notificationRepo, err = repo.NewNotificationRepo(n.dbClient, repo.WithNotificationRepoLogger(n.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create notification repo")
	}

	n.handler, err = handler.NewHandler(n.notificationRepo, n.logger)
	if err != nil {
		return xerrors.Wrapf(err, "failed to create handler")
	}

	publisher, err := kafkax.NewPublisher(n.kafkaClient, kafkax.WithPublisherLogger(n.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create publisher")
	}

	store, err := dedup.NewRedisStore(n.redisConn, dedup.WithRedisStoreLogger(n.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create dedup store")
	}

	cfg := n.config.Consumer
	cfg.Topics = handler.RequestTopics()
	n.requests, err = kafkax.NewConsumer(cfg, store, n.handler.Route, n.handler.Handle, publisher,
		kafkax.WithConsumerLogger(n.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create request consumer")
	}

	n.healthServer = health.NewServer(n.config.Service.GetHealthAddr(), n.logger)

	return nil
}

// Run 启动服务，阻塞直到 Close
func (n *Notify) Run() error {
	n.logger.Info("starting notify service")

	if err := n.healthServer.Start(); err != nil {
		return xerrors.Wrapf(err, "failed to start health server")
	}

	go func() {
		if err := n.requests.Run(n.ctx); err != nil {
			n.logger.Error("request consumer stopped", clog.Error(err))
		}
	}()

	n.healthServer.SetReady(true)
	n.logger.Info("notify service started")

	<-n.ctx.Done()
	return nil
}

// Close 关闭服务
func (n *Notify) Close() error {
	n.logger.Info("shutting down notify service")
	n.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if n.healthServer != nil {
		_ = n.healthServer.Stop(shutdownCtx)
	}
	if n.requests != nil {
		n.requests.Close()
	}
	if n.kafkaClient != nil {
		n.kafkaClient.Close()
	}
	if n.dbClient != nil {
		_ = n.dbClient.Close()
	}
	if n.redisConn != nil {
		n.redisConn.Close()
	}
	if n.mysqlConn != nil {
		n.mysqlConn.Close()
	}
	if err := observability.Shutdown(shutdownCtx); err != nil {
		n.logger.Error("observability shutdown failed", clog.Error(err))
	}

	n.logger.Info("notify service stopped")
	return nil
}
