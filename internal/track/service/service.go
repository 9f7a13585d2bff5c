package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-track/internal/config"
	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"github.com/bitfantasy/nimo-track/internal/track/repository"
	"github.com/bitfantasy/nimo-track/internal/track/sse"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventPublisher 业务事件推送
type EventPublisher interface {
	PublishCaseUpdate(orgID string, update sse.CaseUpdate)
	PublishShipmentUpdate(update sse.ShipmentUpdate)
}

// ManifestArchiver 出库清单归档
type ManifestArchiver interface {
	Archive(ctx context.Context, key string, data []byte) error
}

type nopPublisher struct{}

func (nopPublisher) PublishCaseUpdate(string, sse.CaseUpdate) {}
func (nopPublisher) PublishShipmentUpdate(sse.ShipmentUpdate) {}

// Services 服务集合
type Services struct {
	CaseLink *CaseLinkService
	BulkMark *BulkMarkService
	Shipment *ShipmentService
}

// NewServices 创建服务集合
func NewServices(repos *repository.Repositories, locker Locker, cfg config.TrackConfig, logger *zap.Logger) *Services {
	caseLink := NewCaseLinkService(repos, locker, cfg, logger)
	return &Services{
		CaseLink: caseLink,
		BulkMark: NewBulkMarkService(repos, locker, cfg, logger),
		Shipment: NewShipmentService(repos, locker, cfg, logger),
	}
}

// SetEventPublisher 注入事件推送
func (s *Services) SetEventPublisher(p EventPublisher) {
	s.CaseLink.SetEventPublisher(p)
	s.BulkMark.SetEventPublisher(p)
	s.Shipment.SetEventPublisher(p)
}

// SetManifestArchiver 注入清单归档
func (s *Services) SetManifestArchiver(a ManifestArchiver) {
	s.Shipment.SetManifestArchiver(a)
}

// caseSettler 装箱后的箱码/批次状态收尾，三种装箱方式共用
type caseSettler struct {
	logger *zap.Logger
}

// settleMaster 写入实际数量与状态，满箱且已知收货方时写入仓库
func (cs caseSettler) settleMaster(ctx context.Context, tx *repository.Repositories, master *entity.MasterCode, actual int, order *entity.Order, setActual bool) error {
	status := entity.ResolveMasterStatus(master.Status, actual, master.ExpectedUnitCount)
	if status != master.Status && !entity.CanTransitionCode(master.Status, status) && status != entity.CodeStatusPrinted {
		return NewConflictError(CodeInvalidTransit, "master %s cannot move from %s to %s", master.MasterCode, master.Status, status)
	}

	patch := map[string]interface{}{"status": status}
	if setActual {
		patch["actual_unit_count"] = actual
	}
	if status == entity.CodeStatusPacked && master.WarehouseOrgID == nil && order != nil && order.BuyerOrgID != nil && *order.BuyerOrgID != "" {
		patch["warehouse_org_id"] = *order.BuyerOrgID
		master.WarehouseOrgID = order.BuyerOrgID
	}
	if err := tx.Code.UpdateMasterCode(ctx, master.ID, patch); err != nil {
		return fmt.Errorf("update master code: %w", err)
	}
	master.Status = status
	master.ActualUnitCount = actual
	return nil
}

// settleBatch 首次装箱推进到生产中；箱码全部满箱后批次置为已装箱
func (cs caseSettler) settleBatch(ctx context.Context, tx *repository.Repositories, batchID string) error {
	if batchID == "" {
		return nil
	}
	if _, err := tx.Batch.AdvanceStatus(ctx, batchID,
		entity.BatchStatusesBefore(entity.BatchStatusInProduction),
		entity.BatchStatusInProduction); err != nil {
		return fmt.Errorf("advance batch: %w", err)
	}
	unpacked, err := tx.Batch.CountUnpackedMasters(ctx, batchID)
	if err != nil {
		return fmt.Errorf("count unpacked masters: %w", err)
	}
	if unpacked == 0 {
		if _, err := tx.Batch.AdvanceStatus(ctx, batchID,
			entity.BatchStatusesBefore(entity.BatchStatusPacked),
			entity.BatchStatusPacked); err != nil {
			return fmt.Errorf("pack batch: %w", err)
		}
	}
	return nil
}

// linkMovements 装箱流转记录
func linkMovements(master *entity.MasterCode, unitIDs []string, performedBy string, at time.Time) []entity.Movement {
	movements := make([]entity.Movement, 0, len(unitIDs))
	masterID := master.ID
	var to *string
	if master.ManufacturerOrgID != "" {
		org := master.ManufacturerOrgID
		to = &org
	}
	for _, id := range unitIDs {
		unitID := id
		movements = append(movements, entity.Movement{
			ID:           uuid.New().String(),
			QRCodeID:     &unitID,
			MasterCodeID: &masterID,
			MovementType: entity.MovementTypeLinked,
			ToOrgID:      to,
			PerformedBy:  performedBy,
			CreatedAt:    at,
		})
	}
	return movements
}

// loadOrder 订单不存在时返回nil
func loadOrder(ctx context.Context, repos *repository.Repositories, orderID string) (*entity.Order, error) {
	if orderID == "" {
		return nil, nil
	}
	order, err := repos.Batch.FindOrderByID(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return order, err
}

// lockError 将锁错误转换为业务错误
func lockError(what string, err error) error {
	if errors.Is(err, ErrLockBusy) {
		return NewConflictError(CodeBusy, "%s is being processed by another request, retry shortly", what)
	}
	return NewUpstreamError("acquire lock", err)
}

// upstream 包装存储错误，业务错误原样返回
func upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewUpstreamError(op, err)
}

func masterInfo(m *entity.MasterCode) *MasterCodeInfo {
	if m == nil {
		return nil
	}
	return &MasterCodeInfo{
		ID:                m.ID,
		MasterCode:        m.MasterCode,
		BatchID:           m.BatchID,
		CaseNumber:        m.CaseNumber,
		ExpectedUnitCount: m.ExpectedUnitCount,
		ActualUnitCount:   m.ActualUnitCount,
		RemainingCapacity: m.RemainingCapacity(),
		Status:            m.Status,
		WarehouseOrgID:    m.WarehouseOrgID,
	}
}

func orderInfo(o *entity.Order) *OrderInfo {
	if o == nil {
		return nil
	}
	return &OrderInfo{ID: o.ID, OrderNo: o.OrderNo, SellerOrgID: o.SellerOrgID, BuyerOrgID: o.BuyerOrgID}
}

// MasterCodeInfo 箱码摘要
type MasterCodeInfo struct {
	ID                string            `json:"id"`
	MasterCode        string            `json:"master_code"`
	BatchID           string            `json:"batch_id"`
	CaseNumber        int               `json:"case_number"`
	ExpectedUnitCount int               `json:"expected_unit_count"`
	ActualUnitCount   int               `json:"actual_unit_count"`
	RemainingCapacity int               `json:"remaining_capacity"`
	Status            entity.CodeStatus `json:"status"`
	WarehouseOrgID    *string           `json:"warehouse_org_id,omitempty"`
}

// OrderInfo 订单摘要
type OrderInfo struct {
	ID          string  `json:"id"`
	OrderNo     string  `json:"order_no"`
	SellerOrgID string  `json:"seller_org_id"`
	BuyerOrgID  *string `json:"buyer_org_id,omitempty"`
}
