package stores

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type contextKey string

const TxKey contextKey = "tx"

var ErrNotFound = errors.New("record not found")

type BaseStore struct {
	db *gorm.DB
}

func (s *BaseStore) GetDB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(TxKey).(*gorm.DB); ok {
		return tx
	}
	return s.db.WithContext(ctx)
}

func (s *BaseStore) WithTransaction(ctx context.Context, fn func(context.Context) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, TxKey, tx)
		return fn(txCtx)
	})
}

// insertIgnore runs INSERT ... ON CONFLICT DO NOTHING and reports whether a
// row was written. A false result means the natural key already existed.
func (s *BaseStore) insertIgnore(ctx context.Context, value interface{}, columns ...string) (bool, error) {
	onConflict := clause.OnConflict{DoNothing: true}
	for _, c := range columns {
		onConflict.Columns = append(onConflict.Columns, clause.Column{Name: c})
	}

	result := s.GetDB(ctx).Clauses(onConflict).Create(value)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
