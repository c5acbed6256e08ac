package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/joho/godotenv"
	"github.com/ziqiyuan/innflow/internal/model"
)

var (
	globalDB        db.DB
	globalDBOnce    sync.Once
	globalLogger    clog.Logger
	envLoadedOnce   sync.Once
	globalMysqlConn connector.MySQLConnector // 保存连接引用以便稍后关闭
	globalRedisConn connector.RedisConnector
	globalRedisOnce sync.Once
)

// loadTestEnv 加载测试环境变量
func loadTestEnv() {
	envLoadedOnce.Do(func() {
		projectRoot := filepath.Join("..", "..")
		envFile := filepath.Join(projectRoot, ".env")

		if _, err := os.Stat(envFile); err == nil {
			_ = godotenv.Load(envFile)
		}
	})
}

// getEnvOrDefault 获取环境变量，如果不存在则返回默认值
func getEnvOrDefault(key, defaultValue string) string {
	loadTestEnv()
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault 获取环境变量并转换为 int，如果不存在或转换失败则返回默认值
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intValue int
		if _, err := fmt.Sscanf(value, "%d", &intValue); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// setupTestRedis 初始化全局测试 Redis 连接，sync.Once 确保只创建一次
func setupTestRedis(t *testing.T) connector.RedisConnector {
	globalRedisOnce.Do(func() {
		redisConfig := &connector.RedisConfig{
			Name:            "test-redis",
			ConnectTimeout:  5 * time.Second,
			Addr:            getEnvOrDefault("REDIS_ADDR", "127.0.0.1:6379"),
			Password:        getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:              getEnvIntOrDefault("REDIS_DB", 1),
			PoolSize:        20,
			MinIdleConns:    10,
			DialTimeout:     5 * time.Second,
			ReadTimeout:     3 * time.Second,
			WriteTimeout:    3 * time.Second,
			HealthCheckFreq: 30 * time.Second,
		}

		var err error
		globalRedisConn, err = connector.NewRedis(redisConfig, connector.WithLogger(globalLogger))
		if err != nil {
			t.Logf("创建 Redis 连接器失败: %v", err)
			return
		}

		ctx := context.Background()
		if err := globalRedisConn.Connect(ctx); err != nil {
			t.Logf("连接 Redis 失败: %v", err)
			globalRedisConn = nil
			return
		}

		t.Log("✓ 全局 Redis 连接初始化成功")
	})

	if globalRedisConn == nil {
		t.Skip("Redis 连接不可用，跳过测试")
		return nil
	}

	return globalRedisConn
}

// autoMigrateTables 自动迁移领域表与三张 outbox 表
func autoMigrateTables(ctx context.Context) error {
	if globalDB == nil {
		return fmt.Errorf("database not initialized")
	}

	gormDB := globalDB.DB(ctx)

	if err := gormDB.AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}

	for _, table := range model.OutboxTables() {
		if err := gormDB.Table(table).AutoMigrate(&model.OutboxMessage{}); err != nil {
			return fmt.Errorf("auto migrate outbox table %s failed: %w", table, err)
		}
	}

	return nil
}

// setupTestDB 初始化全局测试数据库连接，sync.Once 确保只创建一次
func setupTestDB(t *testing.T) db.DB {
	globalDBOnce.Do(func() {
		var err error

		globalLogger, err = clog.New(&clog.Config{
			Level:  "debug",
			Format: "console",
			Output: "stdout",
		}, clog.WithNamespace("test"))
		if err != nil {
			t.Fatalf("初始化日志记录器失败: %v", err)
		}

		username := getEnvOrDefault("MYSQL_USER", "root")
		password := getEnvOrDefault("MYSQL_PASSWORD", "")

		if rootPassword := getEnvOrDefault("MYSQL_ROOT_PASSWORD", ""); rootPassword != "" {
			username = "root"
			password = rootPassword
		}

		mysqlConn, err := connector.NewMySQL(&connector.MySQLConfig{
			Name:            "test-mysql",
			ConnectTimeout:  5 * time.Second,
			Host:            getEnvOrDefault("MYSQL_HOST", "127.0.0.1"),
			Port:            getEnvIntOrDefault("MYSQL_PORT", 3306),
			Username:        username,
			Password:        password,
			Database:        getEnvOrDefault("MYSQL_DATABASE", "innflow"),
			Charset:         "utf8mb4",
			MaxIdleConns:    10,
			MaxOpenConns:    20,
			ConnMaxLifetime: 1 * time.Hour,
		}, connector.WithLogger(globalLogger))
		if err != nil {
			t.Skipf("创建 MySQL 连接器失败: %v", err)
			return
		}

		ctx := context.Background()
		if err := mysqlConn.Connect(ctx); err != nil {
			t.Skipf("连接 MySQL 失败: %v", err)
			return
		}

		globalDB, err = db.New(&db.Config{
			Driver: "mysql",
		}, db.WithMySQLConnector(mysqlConn), db.WithLogger(globalLogger))
		if err != nil {
			t.Fatalf("创建 DB 组件失败: %v", err)
		}

		if err := autoMigrateTables(context.Background()); err != nil {
			t.Logf("警告：自动迁移表结构失败: %v", err)
		}

		globalMysqlConn = mysqlConn
	})

	if globalDB == nil {
		t.Skip("数据库连接不可用，跳过测试")
		return nil
	}

	return globalDB
}

// getTestLogger 获取测试用的日志记录器
func getTestLogger(t *testing.T) clog.Logger {
	if globalLogger == nil {
		var err error
		globalLogger, err = clog.New(&clog.Config{
			Level:  "debug",
			Format: "console",
			Output: "stdout",
		}, clog.WithNamespace("test"))
		if err != nil {
			t.Fatalf("初始化日志记录器失败: %v", err)
		}
	}
	return globalLogger
}

// cleanupTestData 清理测试数据，为下一次测试做准备。只删数据不删表。
func cleanupTestData(t *testing.T, database db.DB) {
	ctx := context.Background()
	gormDB := database.DB(ctx)

	tables := []string{
		"t_credit_entry",
		"t_notification",
		"t_payment",
		"t_guest_credit",
		"t_room_lock",
		"t_booking",
		"t_room",
	}
	tables = append(tables, model.OutboxTables()...)

	for _, table := range tables {
		if err := gormDB.Exec(fmt.Sprintf("DELETE FROM %s", table)).Error; err != nil {
			t.Logf("警告：清理表 %s 失败: %v", table, err)
		}
	}
}

// setupTestContext 创建测试用的数据库上下文，返回 DB 实例和清理函数
func setupTestContext(t *testing.T) (db.DB, func()) {
	database := setupTestDB(t)
	if database == nil {
		return nil, func() {}
	}

	cleanupTestData(t, database)

	return database, func() {
		cleanupTestData(t, database)
	}
}

// TestMain 是包级别的测试入口，用于管理全局资源
func TestMain(m *testing.M) {
	code := m.Run()

	if globalDB != nil {
		globalDB.Close()
		globalDB = nil
	}
	if globalMysqlConn != nil {
		globalMysqlConn.Close()
		globalMysqlConn = nil
	}
	if globalRedisConn != nil {
		globalRedisConn.Close()
		globalRedisConn = nil
	}

	os.Exit(code)
}
