package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"gorm.io/gorm"
)

// BatchRepository 批次/订单仓库
type BatchRepository struct {
	db *gorm.DB
}

// NewBatchRepository 创建批次仓库
func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// FindByID 根据ID查询批次
func (r *BatchRepository) FindByID(ctx context.Context, id string) (*entity.Batch, error) {
	var batch entity.Batch
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&batch).Error; err != nil {
		return nil, translate(err)
	}
	return &batch, nil
}

// ListByOrder 获取订单下的批次
func (r *BatchRepository) ListByOrder(ctx context.Context, orderID string) ([]entity.Batch, error) {
	var batches []entity.Batch
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC, id ASC").
		Find(&batches).Error
	return batches, err
}

// FindOrderByID 根据ID查询订单
func (r *BatchRepository) FindOrderByID(ctx context.Context, id string) (*entity.Order, error) {
	var order entity.Order
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

// AdvanceStatus 推进批次状态，仅当当前状态在 from 中才更新
func (r *BatchRepository) AdvanceStatus(ctx context.Context, id string, from []entity.BatchStatus, to entity.BatchStatus) (bool, error) {
	res := r.db.WithContext(ctx).Model(&entity.Batch{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CountUnpackedMasters 统计批次中未满箱的箱码
func (r *BatchRepository) CountUnpackedMasters(ctx context.Context, batchID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&entity.MasterCode{}).
		Where("batch_id = ? AND status NOT IN ?", batchID, []entity.CodeStatus{
			entity.CodeStatusPacked,
			entity.CodeStatusReceivedWarehouse,
			entity.CodeStatusShipped,
		}).
		Count(&n).Error
	return n, err
}

// Create 创建批次
func (r *BatchRepository) Create(ctx context.Context, batch *entity.Batch) error {
	return translate(r.db.WithContext(ctx).Create(batch).Error)
}

// CreateOrder 创建订单
func (r *BatchRepository) CreateOrder(ctx context.Context, order *entity.Order) error {
	return translate(r.db.WithContext(ctx).Create(order).Error)
}
