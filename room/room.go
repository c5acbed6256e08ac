// Package room 组装 room 服务：房间查询 API 与预留/释放请求消费
package room

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/gin-gonic/gin"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/ziqiyuan/innflow/internal/dedup"
	"github.com/ziqiyuan/innflow/internal/kafkax"
	"github.com/ziqiyuan/innflow/internal/repo"
	"github.com/ziqiyuan/innflow/pkg/health"
	"github.com/ziqiyuan/innflow/pkg/middleware"
	"github.com/ziqiyuan/innflow/pkg/observability"
	"github.com/ziqiyuan/innflow/room/api"
	"github.com/ziqiyuan/innflow/room/config"
	"github.com/ziqiyuan/innflow/room/handler"
)

// Room room 服务
type Room struct {
	config *config.Config
	logger clog.Logger

	mysqlConn   connector.MySQLConnector
	redisConn   connector.RedisConnector
	dbClient    db.DB
	kafkaClient *kgo.Client

	roomRepo   repo.RoomRepo
	handler    *handler.Handler
	requests   *kafkax.Consumer
	httpServer *http.Server
	probe      *health.Probe

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建 Room 实例（内部自己加载 config）
func New() (*Room, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig 创建 Room 实例
func NewWithConfig(cfg *config.Config) (*Room, error) {
	if err := observability.Init(&cfg.Observability); err != nil {
		return nil, fmt.Errorf("failed to init observability: %w", err)
	}

	logger, err := observability.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Room{
		config: cfg,
		logger: logger,
		probe:  health.NewProbe(),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := r.initComponents(); err != nil {
		cancel()
		return nil, err
	}
	if err := r.initBusinessComponents(); err != nil {
		cancel()
		return nil, err
	}

	return r, nil
}

func (r *Room) initComponents() error {
	var err error

	r.mysqlConn, err = connector.NewMySQL(&r.config.MySQL, connector.WithLogger(r.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create mysql connector")
	}
	if err := r.mysqlConn.Connect(r.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to connect to mysql")
	}

	r.redisConn, err = connector.NewRedis(&r.config.Redis, connector.WithLogger(r.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create redis connector")
	}
	if err := r.redisConn.Connect(r.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to connect to redis")
	}

	r.dbClient, err = db.New(&db.Config{
		Driver: "mysql",
	}, db.WithMySQLConnector(r.mysqlConn), db.WithLogger(r.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create db component")
	}

	r.kafkaClient, err = kafkax.NewClient(r.config.Consumer.Brokers, "")
	if err != nil {
		return xerrors.Wrapf(err, "failed to create kafka client")
	}

	return nil
}

func (r *Room) initBusinessComponents() error {
	var err error

	r.roomRepo, err = repo.NewRoomRepo(r.dbClient, repo.WithRoomRepoLogger(r.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create room repo")
	}

	r.handler, err = handler.NewHandler(r.roomRepo, r.logger)
	if err != nil {
		return xerrors.Wrapf(err, "failed to create handler")
	}

	publisher, err := kafkax.NewPublisher(r.kafkaClient, kafkax.WithPublisherLogger(r.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create publisher")
	}

	store, err := dedup.NewRedisStore(r.redisConn, dedup.WithRedisStoreLogger(r.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create dedup store")
	}

	cfg := r.config.Consumer
	cfg.Topics = handler.RequestTopics()
	r.requests, err = kafkax.NewConsumer(cfg, store, r.handler.Route, r.handler.Handle, publisher,
		kafkax.WithConsumerLogger(r.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create request consumer")
	}

	apiHandler := api.NewHandler(r.roomRepo, r.probe, r.logger)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.Trace(r.config.Service.Name))
	apiHandler.RegisterRoutes(router)
	r.httpServer = &http.Server{
		Addr:    r.config.Service.GetHTTPAddr(),
		Handler: router,
	}

	return nil
}

// Run 启动服务，阻塞直到 Close
func (r *Room) Run() error {
	r.logger.Info("starting room service",
		clog.String("addr", r.config.Service.GetHTTPAddr()))

	go func() {
		if err := r.requests.Run(r.ctx); err != nil {
			r.logger.Error("request consumer stopped", clog.Error(err))
		}
	}()

	go func() {
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", clog.Error(err))
		}
	}()

	r.probe.SetReady(true)
	r.logger.Info("room service started")

	<-r.ctx.Done()
	return nil
}

// Close 关闭服务
func (r *Room) Close() error {
	r.logger.Info("shutting down room service")
	r.probe.SetShutdown(true)
	r.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("failed to shutdown http server", clog.Error(err))
		}
	}
	if r.requests != nil {
		r.requests.Close()
	}
	if r.kafkaClient != nil {
		r.kafkaClient.Close()
	}
	if r.dbClient != nil {
		_ = r.dbClient.Close()
	}
	if r.redisConn != nil {
		r.redisConn.Close()
	}
	if r.mysqlConn != nil {
		r.mysqlConn.Close()
	}
	if err := observability.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("observability shutdown failed", clog.Error(err))
	}

	r.logger.Info("room service stopped")
	return nil
}
