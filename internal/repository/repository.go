// Package repository PostgreSQL 中的库、函数、设备数据
package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

//go:embed schema.sql
var schemaSQL string

// 文件 / 设备功能的所属类型
const (
	ownerBasicFile     = "B"
	ownerLibrary       = "L"
	ownerDeviceLibrary = "D"
	ownerDevice        = "V"
)

// PostgresRepository 实体存储
type PostgresRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresRepository creates a new repository
func NewPostgresRepository(db *sql.DB, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{
		db:     db,
		logger: logger,
	}
}

// Migrate 建表（幂等）
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// withTx 在事务中执行 fn，出错时回滚
func (r *PostgresRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toInts(a pq.Int64Array) []int {
	out := make([]int, len(a))
	for i, v := range a {
		out[i] = int(v)
	}
	return out
}

func fromInts(a []int) pq.Int64Array {
	out := make(pq.Int64Array, len(a))
	for i, v := range a {
		out[i] = int64(v)
	}
	return out
}

// textArray 非 nil，避免写入 NULL
func textArray(s []string) pq.StringArray {
	if s == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(s)
}

func int64Array(a []int64) pq.Int64Array {
	if a == nil {
		return pq.Int64Array{}
	}
	return pq.Int64Array(a)
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
