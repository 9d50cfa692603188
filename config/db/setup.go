package db

import (
	"context"
	"fmt"
	"time"

	"github.com/malwarebo/mentorpay/config"
	"github.com/malwarebo/mentorpay/utils"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"
)

type DB struct {
	*gorm.DB
}

func (db *DB) GetDB() *gorm.DB {
	return db.DB
}

// CreateDB opens the primary connection and, when replicas are configured,
// routes read-only queries to them through dbresolver. Writes, including
// every insert-or-ignore the ingestors rely on, always hit the primary.
func CreateDB(cfg *config.Config) (*DB, error) {
	logLevel := logger.Warn
	if cfg.IsDevelopment() {
		logLevel = logger.Info
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	}

	db, err := gorm.Open(postgres.Open(cfg.GetDatabaseURL()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary database: %w", err)
	}

	if len(cfg.Database.ReplicaDSNs) > 0 {
		resolverConfig := dbresolver.Config{}

		for _, replicaDSN := range cfg.Database.ReplicaDSNs {
			resolverConfig.Replicas = append(resolverConfig.Replicas, postgres.Open(replicaDSN))
		}

		err = db.Use(dbresolver.Register(resolverConfig).
			SetConnMaxIdleTime(cfg.Database.MaxIdleTime).
			SetConnMaxLifetime(cfg.Database.MaxLifetime).
			SetMaxIdleConns(cfg.Database.MaxIdleConns).
			SetMaxOpenConns(cfg.Database.MaxOpenConns))

		if err != nil {
			return nil, fmt.Errorf("failed to configure read replicas: %w", err)
		}

		utils.Info(context.Background(), "configured read replicas", map[string]interface{}{
			"replicas": len(cfg.Database.ReplicaDSNs),
		})
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	if cfg.Database.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	}
	if cfg.Database.MaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.Database.MaxIdleTime)
	}

	return &DB{db}, nil
}

func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}
