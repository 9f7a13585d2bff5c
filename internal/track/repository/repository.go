package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// 错误定义
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// PgErrUniqueViolation PostgreSQL unique_violation
const PgErrUniqueViolation = "23505"

// Repositories 仓库集合
type Repositories struct {
	db       *gorm.DB
	Code     *CodeRepository
	Batch    *BatchRepository
	Prepared *PreparedCodeRepository
	Shipment *ShipmentRepository
	Movement *MovementRepository
}

// NewRepositories 创建仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		db:       db,
		Code:     NewCodeRepository(db),
		Batch:    NewBatchRepository(db),
		Prepared: NewPreparedCodeRepository(db),
		Shipment: NewShipmentRepository(db),
		Movement: NewMovementRepository(db),
	}
}

// Transaction 在同一事务内执行，fn 收到绑定事务的仓库集合
func (r *Repositories) Transaction(ctx context.Context, fn func(tx *Repositories) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}

// translate 将驱动错误转换为仓库错误
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == PgErrUniqueViolation {
		return ErrDuplicate
	}
	return err
}

// chunk 按批拆分，避免IN列表过长
func chunk(items []string, size int) [][]string {
	var out [][]string
	for size < len(items) {
		items, out = items[size:], append(out, items[:size:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
