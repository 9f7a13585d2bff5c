package repository

import (
	"context"

	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var shippableStatuses = []entity.CodeStatus{
	entity.CodeStatusPacked,
	entity.CodeStatusReceivedWarehouse,
}

// ShipmentRepository 出库会话仓库
type ShipmentRepository struct {
	db *gorm.DB
}

// NewShipmentRepository 创建出库会话仓库
func NewShipmentRepository(db *gorm.DB) *ShipmentRepository {
	return &ShipmentRepository{db: db}
}

// Create 创建会话
func (r *ShipmentRepository) Create(ctx context.Context, session *entity.ShipmentSession) error {
	return translate(r.db.WithContext(ctx).Create(session).Error)
}

// Save 保存会话
func (r *ShipmentRepository) Save(ctx context.Context, session *entity.ShipmentSession) error {
	return r.db.WithContext(ctx).Save(session).Error
}

// FindByID 根据ID查询会话
func (r *ShipmentRepository) FindByID(ctx context.Context, id string) (*entity.ShipmentSession, error) {
	var session entity.ShipmentSession
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

// FindByIDForUpdate 加行锁查询会话，需在事务内调用
func (r *ShipmentRepository) FindByIDForUpdate(ctx context.Context, id string) (*entity.ShipmentSession, error) {
	var session entity.ShipmentSession
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&session).Error
	if err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

type variantStock struct {
	VariantID string
	Units     int
	Cases     int
}

// SummarizeWarehouseStock 统计仓库内可出库的箱数/件数（按规格）
func (r *ShipmentRepository) SummarizeWarehouseStock(ctx context.Context, warehouseOrgID string) (entity.ExpectedSummary, error) {
	summary := entity.ExpectedSummary{Variants: make(map[string]entity.VariantCount)}

	var cases int64
	err := r.db.WithContext(ctx).Model(&entity.MasterCode{}).
		Where("warehouse_org_id = ? AND status IN ?", warehouseOrgID, shippableStatuses).
		Count(&cases).Error
	if err != nil {
		return summary, err
	}
	summary.CasesAvailable = int(cases)

	var rows []variantStock
	err = r.db.WithContext(ctx).
		Table("qr_codes AS u").
		Select("u.variant_id AS variant_id, COUNT(u.id) AS units, COUNT(DISTINCT u.master_code_id) AS cases").
		Joins("JOIN qr_master_codes AS m ON m.id = u.master_code_id").
		Where("m.warehouse_org_id = ? AND m.status IN ?", warehouseOrgID, shippableStatuses).
		Where("u.status <> ?", entity.CodeStatusShipped).
		Group("u.variant_id").
		Scan(&rows).Error
	if err != nil {
		return summary, err
	}
	for _, row := range rows {
		summary.Variants[row.VariantID] = entity.VariantCount{Cases: row.Cases, Units: row.Units}
		summary.UnitsAvailable += row.Units
	}
	return summary, nil
}

// ListSessions 查询仓库的出库会话（分页）
func (r *ShipmentRepository) ListSessions(ctx context.Context, warehouseOrgID string, page, pageSize int) ([]entity.ShipmentSession, int64, error) {
	var sessions []entity.ShipmentSession
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.ShipmentSession{})
	if warehouseOrgID != "" {
		query = query.Where("warehouse_org_id = ?", warehouseOrgID)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&sessions).Error
	return sessions, total, err
}

// UpdateManifestKey 记录归档的清单对象
func (r *ShipmentRepository) UpdateManifestKey(ctx context.Context, id, key string) error {
	return r.db.WithContext(ctx).Model(&entity.ShipmentSession{}).
		Where("id = ?", id).
		Update("manifest_object_key", key).Error
}
