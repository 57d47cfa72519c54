package datastore

import (
	"context"
)

func withNewTransaction(store Store, f func(ctx context.Context) error) error {
	ctx := store.CreateTransaction(context.TODO())

	tx := store.GetTransaction(ctx)
	if err := f(ctx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

func withTransaction(store Store, ctx context.Context, f func(ctx context.Context) error) error {
	tx := store.GetTransaction(ctx)
	if tx == nil {
		ctx = store.CreateTransaction(ctx)
		tx = store.GetTransaction(ctx)
	}

	if err := f(ctx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}
