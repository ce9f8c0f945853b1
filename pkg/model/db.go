package model

import (
	"fmt"
	"log"
	"os"
	"time"

	"oems/pkg/config"
	"oems/pkg/model/xgorm"
	"oems/pkg/xlog"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

var (
	db     *gorm.DB
	rds    *redis.Client
	logger = xlog.GetLogger()
)

func DBInit() {
	db = OpenMySQL()
	if config.Shared.Redis.Main.Enabled {
		rds = OpenRedis("main")
	}
}

func OpenMySQL() *gorm.DB {
	return OpenMySQLRaw("main")
}

func OpenMySQLRaw(name string) *gorm.DB {
	cfg := config.Shared.MySQL.Main
	if cfg.Host == "" {
		logger.Fatalf("empty db host for %s", name)
	}

	logger.Infof("mysql(%s) connecting tcp(%s:%d)/%s",
		name, cfg.Host, cfg.Port, cfg.DB,
	)

	url := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8&parseTime=True&loc=Local",
		cfg.User, cfg.Pass, cfg.Host, cfg.Port, cfg.DB,
	)

	logMode := gormLogger.Info
	if !config.Shared.IsDebug {
		logMode = gormLogger.Silent
	}
	newLogger := xgorm.New(
		log.New(os.Stdout, "", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logMode,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	gdb, err := gorm.Open(mysql.Open(url), &gorm.Config{
		SkipDefaultTransaction: false,
		Logger:                 newLogger,
	})

	if err != nil {
		logger.Fatalf("connect mysql failed #1, err:%s", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		logger.Fatalf("connect mysql failed #2, err:%s", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(10 * time.Hour)
	sqlDB.SetMaxIdleConns(20)

	logger.Infof("mysql(%s) connected tcp(%s:%d)/%s",
		name, cfg.Host, cfg.Port, cfg.DB,
	)

	return gdb
}

func OpenRedis(name string) *redis.Client {
	cfg := config.Shared.Redis.Main
	if rds != nil {
		return rds
	}

	logger.Infof("redis(%s) connecting %s[%d]", name, cfg.Addr, cfg.DB)

	opts := redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Pass,
		DB:       cfg.DB,
	}

	rc := redis.NewClient(&opts)

	logger.Infof("redis(%s) connected %s[%d]", name, cfg.Addr, cfg.DB)

	return rc
}

func GetRedis() *redis.Client {
	return rds
}

func GetMySQL() *gorm.DB {
	return db
}

// Migrate creates the engine tables. Production schemas are managed outside
// the engine, this is for dev and test databases.
func Migrate(gdb *gorm.DB) (err error) {
	err = gdb.AutoMigrate(&Ticket{}, &QueueMsg{}, &Lastkv{})
	return
}
