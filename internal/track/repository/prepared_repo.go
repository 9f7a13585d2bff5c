package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"gorm.io/gorm"
)

// PreparedCodeRepository 预备队列仓库
type PreparedCodeRepository struct {
	db *gorm.DB
}

// NewPreparedCodeRepository 创建预备队列仓库
func NewPreparedCodeRepository(db *gorm.DB) *PreparedCodeRepository {
	return &PreparedCodeRepository{db: db}
}

// ListPrepared 按序号取待消费的预备码，limit<=0 表示不限
func (r *PreparedCodeRepository) ListPrepared(ctx context.Context, batchID, orderID string, limit int) ([]entity.PreparedCode, error) {
	return r.ListPreparedInRange(ctx, batchID, orderID, 0, 0, limit)
}

// ListPreparedInRange 同 ListPrepared，只取序号在 [minSeq, maxSeq] 内的码；maxSeq<=0 不限范围
func (r *PreparedCodeRepository) ListPreparedInRange(ctx context.Context, batchID, orderID string, minSeq, maxSeq, limit int) ([]entity.PreparedCode, error) {
	var codes []entity.PreparedCode
	query := r.db.WithContext(ctx).
		Where("batch_id = ? AND order_id = ? AND status = ?", batchID, orderID, entity.PreparedStatusPrepared).
		Order("sequence_number ASC")
	if maxSeq > 0 {
		query = query.Where("sequence_number BETWEEN ? AND ?", minSeq, maxSeq)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&codes).Error
	return codes, err
}

// MarkConsumed 标记已消费
func (r *PreparedCodeRepository) MarkConsumed(ctx context.Context, ids []string, masterID string, at time.Time) (int64, error) {
	var total int64
	for _, part := range chunk(ids, lookupChunkSize) {
		res := r.db.WithContext(ctx).Model(&entity.PreparedCode{}).
			Where("id IN ? AND status = ?", part, entity.PreparedStatusPrepared).
			Updates(map[string]interface{}{
				"status":         entity.PreparedStatusConsumed,
				"master_code_id": masterID,
				"consumed_at":    at,
			})
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	return total, nil
}

// ConsumeStale 消费失效的预备码：单品码不存在、已装入其他箱或已不可装箱
func (r *PreparedCodeRepository) ConsumeStale(ctx context.Context, batchID, orderID string, at time.Time) (int64, error) {
	linkable := r.db.Model(&entity.UnitCode{}).
		Select("code").
		Where("master_code_id IS NULL AND status IN ?", entity.LinkableCodeStatuses())
	res := r.db.WithContext(ctx).Model(&entity.PreparedCode{}).
		Where("batch_id = ? AND order_id = ? AND status = ?", batchID, orderID, entity.PreparedStatusPrepared).
		Where("code NOT IN (?)", linkable).
		Updates(map[string]interface{}{
			"status":      entity.PreparedStatusConsumed,
			"consumed_at": at,
		})
	return res.RowsAffected, res.Error
}

// CreateBatch 批量写入预备码
func (r *PreparedCodeRepository) CreateBatch(ctx context.Context, codes []*entity.PreparedCode) error {
	if len(codes) == 0 {
		return nil
	}
	return translate(r.db.WithContext(ctx).CreateInBatches(codes, lookupChunkSize).Error)
}
