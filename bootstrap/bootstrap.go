// Package bootstrap 提供数据库初始化能力：AutoMigrate 建表 + Seed 种子数据。
// 通过 `go run main.go -module init` 调用，幂等可重复执行。
package bootstrap

import (
	"context"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/google/uuid"
	"github.com/ziqiyuan/innflow/internal/model"
	"gorm.io/gorm"
)

// Config 初始化所需的配置（复用 booking.yaml）
type Config struct {
	Log   clog.Config           `mapstructure:"log"`
	MySQL connector.MySQLConfig `mapstructure:"mysql"`
	Seed  SeedConfig            `mapstructure:"seed"`
}

// SeedConfig 种子数据配置
type SeedConfig struct {
	Rooms        []SeedRoom  `mapstructure:"rooms"`
	Guests       []SeedGuest `mapstructure:"guests"`
	Currency     string      `mapstructure:"currency"`
	CreditCents  int64       `mapstructure:"credit_cents"`
	DefaultRooms bool        `mapstructure:"default_rooms"`
}

// SeedRoom 种子房间
type SeedRoom struct {
	Number    string `mapstructure:"number"`
	Type      string `mapstructure:"type"`
	RateCents int64  `mapstructure:"rate_cents"`
}

// SeedGuest 种子住客额度
type SeedGuest struct {
	GuestID      string `mapstructure:"guest_id"`
	BalanceCents int64  `mapstructure:"balance_cents"`
}

// Run 执行数据库初始化：建表 + 种子数据
func Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, _ := clog.New(&cfg.Log)
	logger.Info("starting database initialization...")

	mysqlConn, err := connector.NewMySQL(&cfg.MySQL, connector.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("mysql connector: %w", err)
	}
	defer mysqlConn.Close()

	ctx := context.Background()
	if err := mysqlConn.Connect(ctx); err != nil {
		return fmt.Errorf("connect mysql: %w", err)
	}

	dbInstance, err := db.New(&db.Config{Driver: "mysql"}, db.WithMySQLConnector(mysqlConn), db.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("db init: %w", err)
	}
	defer dbInstance.Close()

	gormDB := dbInstance.DB(ctx)

	logger.Info("running AutoMigrate...")
	if err := gormDB.AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// outbox 表共用一个模型，按表名分别建
	for _, table := range model.OutboxTables() {
		if err := gormDB.Table(table).AutoMigrate(&model.OutboxMessage{}); err != nil {
			return fmt.Errorf("auto migrate %s: %w", table, err)
		}
	}
	logger.Info("AutoMigrate completed")

	logger.Info("seeding initial data...")
	if err := seed(gormDB, &cfg.Seed, logger); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	logger.Info("seed completed")

	logger.Info("database initialization finished successfully")
	return nil
}

// seed 插入种子数据（幂等，按业务键 FirstOrCreate）
func seed(gormDB *gorm.DB, seedCfg *SeedConfig, logger clog.Logger) error {
	currency := seedCfg.Currency
	if currency == "" {
		currency = "CNY"
	}

	rooms := seedCfg.Rooms
	if len(rooms) == 0 && seedCfg.DefaultRooms {
		rooms = []SeedRoom{
			{Number: "101", Type: "standard", RateCents: 30000},
			{Number: "102", Type: "standard", RateCents: 30000},
			{Number: "201", Type: "deluxe", RateCents: 50000},
			{Number: "301", Type: "suite", RateCents: 90000},
		}
	}

	for _, r := range rooms {
		room := &model.Room{
			RoomID:    uuid.NewString(),
			Number:    r.Number,
			Type:      r.Type,
			RateCents: r.RateCents,
			Currency:  currency,
			Status:    model.RoomStatusAvailable,
		}
		result := gormDB.Where("number = ?", r.Number).FirstOrCreate(room)
		if result.Error != nil {
			return fmt.Errorf("seed room %s: %w", r.Number, result.Error)
		}
	}
	if len(rooms) > 0 {
		logger.Info("rooms ready", clog.Int("count", len(rooms)))
	}

	for _, g := range seedCfg.Guests {
		balance := g.BalanceCents
		if balance == 0 {
			balance = seedCfg.CreditCents
		}
		credit := &model.GuestCredit{
			GuestID:      g.GuestID,
			BalanceCents: balance,
			Currency:     currency,
		}
		result := gormDB.Where("guest_id = ?", g.GuestID).FirstOrCreate(credit)
		if result.Error != nil {
			return fmt.Errorf("seed guest credit %s: %w", g.GuestID, result.Error)
		}
	}
	if len(seedCfg.Guests) > 0 {
		logger.Info("guest credits ready", clog.Int("count", len(seedCfg.Guests)))
	}

	return nil
}

// loadConfig 加载配置（复用 booking.yaml）
func loadConfig() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "booking",
		FileType:  "yaml",
		Paths:     []string{"./configs"},
		EnvPrefix: "INNFLOW",
	})
	if err != nil {
		return nil, err
	}

	if err := loader.Load(context.Background()); err != nil {
		return nil, err
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
