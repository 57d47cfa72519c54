package datastore

import (
	"context"

	"gorm.io/gorm"
)

type contextKey int

// ContextKeyTransaction keys the transaction carried in a request context.
const ContextKeyTransaction contextKey = 0

// Store abstracts the relational backend holding session metadata. The
// postgres implementation serves production, sqlite development, and sqlmock
// the tests.
type Store interface {
	Open() error
	Close()
	AutoMigrate(models ...interface{}) error

	CreateTransaction(ctx context.Context) context.Context
	GetTransaction(ctx context.Context) *gorm.DB
	WithNewTransaction(f func(ctx context.Context) error) error
	WithTransaction(ctx context.Context, f func(ctx context.Context) error) error

	GetDB() *gorm.DB
}

var instance Store

// SetStore installs the process-wide metadata store.
func SetStore(s Store) {
	instance = s
}

// GetStore returns the process-wide metadata store.
func GetStore() Store {
	return instance
}
