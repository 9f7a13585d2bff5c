package repository

import (
	"context"

	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"gorm.io/gorm"
)

// MovementRepository 码流转记录仓库（只追加）
type MovementRepository struct {
	db *gorm.DB
}

// NewMovementRepository 创建流转记录仓库
func NewMovementRepository(db *gorm.DB) *MovementRepository {
	return &MovementRepository{db: db}
}

// Append 追加流转记录
func (r *MovementRepository) Append(ctx context.Context, movements []entity.Movement) error {
	if len(movements) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(&movements, lookupChunkSize).Error
}

// ListBySession 查询出库会话的流转记录
func (r *MovementRepository) ListBySession(ctx context.Context, sessionID string) ([]entity.Movement, error) {
	var movements []entity.Movement
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&movements).Error
	return movements, err
}

// ListByMaster 查询箱码的流转记录
func (r *MovementRepository) ListByMaster(ctx context.Context, masterID string) ([]entity.Movement, error) {
	var movements []entity.Movement
	err := r.db.WithContext(ctx).
		Where("master_code_id = ?", masterID).
		Order("created_at ASC").
		Find(&movements).Error
	return movements, err
}
