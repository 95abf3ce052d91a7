package gormstore

import (
	"context"

	"gorm.io/gorm"

	"github.com/bjaus/mediator"
)

type txKey struct{}

// UnitOfWork implements mediator.UnitOfWork. Stores called with the context
// returned by Begin run inside the transaction.
type UnitOfWork struct {
	db *gorm.DB
}

func NewUnitOfWork(db *gorm.DB) *UnitOfWork {
	return &UnitOfWork{db: db}
}

// Begin starts a transaction. When ctx already carries one the request joins
// it and the returned Tx leaves commit to the outer owner.
func (u *UnitOfWork) Begin(ctx context.Context) (context.Context, mediator.Tx, error) {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return ctx, joinedTx{}, nil
	}
	tx := u.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return ctx, nil, tx.Error
	}
	return context.WithValue(ctx, txKey{}, tx), gormTx{db: tx}, nil
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (u *UnitOfWork) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	txCtx, tx, err := u.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type gormTx struct {
	db *gorm.DB
}

func (t gormTx) Commit() error   { return t.db.Commit().Error }
func (t gormTx) Rollback() error { return t.db.Rollback().Error }

type joinedTx struct{}

func (joinedTx) Commit() error   { return nil }
func (joinedTx) Rollback() error { return nil }

// conn returns the transaction on ctx, or db bound to ctx.
func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return db.WithContext(ctx)
}
