package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/droidgrity/droidgrity-go/internal/config"
	"github.com/droidgrity/droidgrity-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open 打开数据库连接，不做迁移
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
		dialector = mysql.Open(dsn)
	case "sqlite", "":
		path := cfg.Path
		if path == "" {
			path = "droidgrity.db"
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database dir: %w", err)
			}
		}
		dialector = sqlite.Open(path)
	default:
		return nil, fmt.Errorf("unsupported database type: %q", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Type == "mysql" {
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// sqlite 单写
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

// InitDB 打开数据库并自动迁移
func InitDB(cfg *config.DatabaseConfig, log *logrus.Logger) (*gorm.DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db, log); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate 迁移运行记录相关的表
func AutoMigrate(db *gorm.DB, log *logrus.Logger) error {
	log.Info("Running database migrations...")

	if err := db.AutoMigrate(&domain.Run{}, &domain.RunEvent{}); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("Database migrations completed")
	return nil
}
