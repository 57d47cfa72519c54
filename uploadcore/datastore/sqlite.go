package datastore

import (
	"context"

	"github.com/filetide/filetide/core/common"
	"github.com/filetide/filetide/core/logging"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// UseSqlite selects a file-backed (or :memory:) sqlite backend; development
// mode and tests run without a postgres server.
func UseSqlite(dsn string) {
	instance = &sqliteStore{dsn: dsn}
}

type sqliteStore struct {
	dsn string
	db  *gorm.DB
}

func (store *sqliteStore) Open() error {
	db, err := gorm.Open(sqlite.Open(store.dsn), &gorm.Config{})
	if err != nil {
		return common.NewErrorf("db_open_error", "Error opening the DB connection: %v", err)
	}
	store.db = db
	return nil
}

func (store *sqliteStore) Close() {
	if store.db != nil {
		if sqldb, _ := store.db.DB(); sqldb != nil {
			sqldb.Close()
		}
	}
}

func (store *sqliteStore) AutoMigrate(models ...interface{}) error {
	return store.db.AutoMigrate(models...)
}

func (store *sqliteStore) CreateTransaction(ctx context.Context) context.Context {
	db := store.db.Begin()
	return context.WithValue(ctx, ContextKeyTransaction, db)
}

func (store *sqliteStore) GetTransaction(ctx context.Context) *gorm.DB {
	conn := ctx.Value(ContextKeyTransaction)
	if conn != nil {
		return conn.(*gorm.DB)
	}
	logging.Logger.Error("No connection in the context.")
	return nil
}

func (store *sqliteStore) WithNewTransaction(f func(ctx context.Context) error) error {
	return withNewTransaction(store, f)
}

func (store *sqliteStore) WithTransaction(ctx context.Context, f func(ctx context.Context) error) error {
	return withTransaction(store, ctx, f)
}

func (store *sqliteStore) GetDB() *gorm.DB {
	return store.db
}
