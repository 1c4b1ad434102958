package sink

import (
	"context"
	"fmt"
	"log/slog"

	"skuharvest/internal/config"
	"skuharvest/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// MySQLSink 通过 GORM 写入 MySQL，SKU 冲突时忽略。
type MySQLSink struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenMySQL 连接数据库并自动迁移表结构。
func OpenMySQL(cfg config.MySQLConfig, logger *slog.Logger) (*MySQLSink, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return NewMySQLSink(db, logger)
}

// NewMySQLSink 使用已有连接创建 sink。
func NewMySQLSink(db *gorm.DB, logger *slog.Logger) (*MySQLSink, error) {
	if err := db.AutoMigrate(&model.Product{}); err != nil {
		return nil, fmt.Errorf("migrate products: %w", err)
	}
	logger.Info("mysql sink ready", slog.String("table", model.Product{}.TableName()))
	return &MySQLSink{db: db, logger: logger}, nil
}

func (s *MySQLSink) Name() string { return "mysql" }

func (s *MySQLSink) Write(ctx context.Context, rec model.ProductRecord) error {
	product := model.NewProduct(rec, RunIDFromContext(ctx))
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sku"}}, // 冲突检测列
		DoNothing: true,
	}).Create(product).Error
	if err != nil {
		return fmt.Errorf("insert product %s: %w", rec.MPN, err)
	}
	return nil
}

func (s *MySQLSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
