package database

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"moff.io/moff-vault/internal/config"
	"moff.io/moff-vault/pkg/errors"
	"moff.io/moff-vault/pkg/log"
)

// OpenPostgres connects to postgres and migrates the guild tables.
func OpenPostgres(conf *config.DBCredential) (*gorm.DB, error) {
	return Open(postgres.Open(conf.Dsn()))
}

// Open connects through any gorm dialector and migrates the guild tables.
func Open(dialector gorm.Dialector) (*gorm.DB, error) {
	cli, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}
	db, err := cli.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get database conn")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping database")
	}
	log.Infof("Connected to %v...", dialector.Name())

	if err := cli.AutoMigrate(&Binding{}, &RoleRule{}); err != nil {
		return nil, errors.Wrap(err, "autoMigrate tables")
	}
	return cli, nil
}

// Close releases the underlying connection pool.
func Close(cli *gorm.DB) {
	if cli == nil {
		return
	}
	if db, err := cli.DB(); err == nil {
		_ = db.Close()
	}
}
