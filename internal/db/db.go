package db

import (
	"fmt"
	"time"

	"roomhub/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}
}

// Connect 负责建立数据库连接，并带有简单的重试来等待容器就绪。
// 唯一约束冲突会被翻译为 gorm.ErrDuplicatedKey。
func Connect(driver, dsn string) (*gorm.DB, error) {
	dial, err := dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	attempts := 10
	if driver == "sqlite" {
		attempts = 1
	}
	var gdb *gorm.DB
	for i := 0; i < attempts; i++ {
		gdb, err = gorm.Open(dial, &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				if driver == "sqlite" {
					// sqlite 只允许单写者，内存库也依赖同一个连接存活。
					sqlDB.SetMaxOpenConns(1)
				} else {
					sqlDB.SetMaxIdleConns(5)
					sqlDB.SetMaxOpenConns(20)
					sqlDB.SetConnMaxLifetime(time.Hour)
				}
				return gdb, nil
			}
			err = err2
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, fmt.Errorf("db: connect %s: %w", driver, err)
}

// Migrate 自动迁移全部表结构，room_participants 使用显式连接模型。
func Migrate(gdb *gorm.DB) error {
	if err := gdb.SetupJoinTable(&models.Room{}, "Participants", &models.RoomParticipant{}); err != nil {
		return fmt.Errorf("db: setup join table: %w", err)
	}
	return gdb.AutoMigrate(&models.User{}, &models.Topic{}, &models.Room{}, &models.Message{}, &models.RoomParticipant{})
}
